package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/npezzotti/go-livechat/internal/api"
	"github.com/npezzotti/go-livechat/internal/auth"
	"github.com/npezzotti/go-livechat/internal/codec"
	"github.com/npezzotti/go-livechat/internal/config"
	"github.com/npezzotti/go-livechat/internal/database"
	"github.com/npezzotti/go-livechat/internal/pubsub"
	"github.com/npezzotti/go-livechat/internal/server"
	"github.com/npezzotti/go-livechat/internal/stats"
)

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

func envOr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func main() {
	logger := log.New(os.Stderr, "[go-livechat] ", log.LstdFlags)

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.Println("load .env:", err)
	}

	var (
		p              config.Params
		allowedOrigins stringSliceFlag
	)
	flag.StringVar(&p.ServerAddr, "addr", envOr("LIVECHAT_ADDR", "localhost:8000"), "server address")
	flag.StringVar(&p.DatabaseDSN, "dsn", envOr("LIVECHAT_DSN", "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable"), "database connection string")
	flag.StringVar(&p.RedisURL, "redis-url", envOr("LIVECHAT_REDIS_URL", ""), "redis URL for cross-node fan-out; empty runs a single node")
	flag.StringVar(&p.SigningKey, "signing-key", envOr("LIVECHAT_SIGNING_KEY", ""), "base64 encoded token signing key")
	flag.StringVar(&p.EncryptionKey, "encryption-key", envOr("LIVECHAT_ENCRYPTION_KEY", ""), "base64 encoded 32 byte message encryption key")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.DurationVar(&p.TypingTTL, "typing-ttl", envDuration("LIVECHAT_TYPING_TTL", config.DefaultTypingTTL), "how long a typing indicator lives")
	flag.DurationVar(&p.TypingSweepInterval, "typing-sweep-interval", envDuration("LIVECHAT_TYPING_SWEEP_INTERVAL", config.DefaultTypingSweepInterval), "how often expired typing indicators are cleared")
	flag.DurationVar(&p.HeartbeatTimeout, "heartbeat-timeout", envDuration("LIVECHAT_HEARTBEAT_TIMEOUT", config.DefaultHeartbeatTimeout), "idle time after which a connection is dropped")
	flag.BoolVar(&p.ResetPresenceOnStart, "reset-presence", envBool("LIVECHAT_RESET_PRESENCE", true), "mark every membership offline at startup")
	flag.Parse()

	if len(allowedOrigins) == 0 {
		if v := os.Getenv("LIVECHAT_ALLOWED_ORIGINS"); v != "" {
			allowedOrigins.Set(v)
		}
	}
	p.AllowedOrigins = allowedOrigins

	cfg, err := config.NewConfig(p)
	if err != nil {
		logger.Fatal("config:", err)
	}

	dbConn, err := database.NewPgChatRepository(cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("db open:", err)
	}
	defer func() {
		if err := dbConn.Close(); err != nil {
			logger.Println("db close:", err)
		}
	}()

	if cfg.ResetPresenceOnStart {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := dbConn.ResetOnline(ctx); err != nil {
			logger.Println("reset presence:", err)
		}
		cancel()
	}

	var broker pubsub.Broker = pubsub.NewLocal()
	if cfg.RedisURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		client, err := pubsub.NewRedisClientFromURL(ctx, cfg.RedisURL)
		cancel()
		if err != nil {
			logger.Fatal("redis:", err)
		}
		defer client.Close()
		broker = pubsub.NewRedis(client, logger)
		logger.Println("fanning out room events through redis")
	}
	defer broker.Close()

	msgCodec, err := codec.New(cfg.EncryptionKey)
	if err != nil {
		logger.Fatal("codec:", err)
	}

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)

	chatServer, err := server.NewChatServer(logger, dbConn, msgCodec, broker, statsUpdater, server.Options{
		TypingTTL:        cfg.TypingTTL,
		HeartbeatTimeout: cfg.HeartbeatTimeout,
	})
	if err != nil {
		logger.Fatal("new chat server:", err)
	}

	verifier := auth.NewJWTVerifier(cfg.SigningKey, dbConn)
	srv := api.NewGoChatApp(mux, logger, chatServer, dbConn, verifier, cfg)

	statsUpdater.Run()
	defer statsUpdater.Stop()

	go chatServer.Run()

	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	defer stopSweeper()
	go server.NewTypingSweeper(chatServer, cfg.TypingSweepInterval, logger).Run(sweepCtx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Printf("received signal: %s\n", sig)
	case err := <-errCh:
		logger.Println("server:", err)
	}

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Println("HTTP server shutdown:", err)
	}

	stopSweeper()

	logger.Println("shutting down chat server...")
	if err := chatServer.Shutdown(shutDownCtx); err != nil {
		logger.Println("chat server shutdown:", err)
	}

	logger.Println("shutdown complete")
}
