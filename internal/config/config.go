package config

import (
	"encoding/base64"
	"fmt"
	"time"
)

const (
	DefaultTypingTTL           = 5 * time.Second
	DefaultTypingSweepInterval = 10 * time.Second
	DefaultHeartbeatTimeout    = 60 * time.Second

	encryptionKeySize = 32
)

type Config struct {
	ServerAddr           string
	DatabaseDSN          string
	RedisURL             string
	SigningKey           []byte
	EncryptionKey        []byte
	AllowedOrigins       []string
	TypingTTL            time.Duration
	TypingSweepInterval  time.Duration
	HeartbeatTimeout     time.Duration
	ResetPresenceOnStart bool
}

// Params are the raw values collected from flags and the environment.
type Params struct {
	ServerAddr           string
	DatabaseDSN          string
	RedisURL             string
	SigningKey           string
	EncryptionKey        string
	AllowedOrigins       []string
	TypingTTL            time.Duration
	TypingSweepInterval  time.Duration
	HeartbeatTimeout     time.Duration
	ResetPresenceOnStart bool
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(base64Secret)
}

func NewConfig(p Params) (*Config, error) {
	if p.ServerAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if p.DatabaseDSN == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}
	if p.SigningKey == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}
	if p.EncryptionKey == "" {
		return nil, fmt.Errorf("encryption key cannot be empty")
	}

	signingKey, err := decodeSigningSecret(p.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	encryptionKey, err := base64.StdEncoding.DecodeString(p.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("decode encryption key: %w", err)
	}
	if len(encryptionKey) != encryptionKeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", encryptionKeySize, len(encryptionKey))
	}

	cfg := &Config{
		ServerAddr:           p.ServerAddr,
		DatabaseDSN:          p.DatabaseDSN,
		RedisURL:             p.RedisURL,
		SigningKey:           signingKey,
		EncryptionKey:        encryptionKey,
		AllowedOrigins:       p.AllowedOrigins,
		TypingTTL:            withDefault(p.TypingTTL, DefaultTypingTTL),
		TypingSweepInterval:  withDefault(p.TypingSweepInterval, DefaultTypingSweepInterval),
		HeartbeatTimeout:     withDefault(p.HeartbeatTimeout, DefaultHeartbeatTimeout),
		ResetPresenceOnStart: p.ResetPresenceOnStart,
	}

	return cfg, nil
}

func withDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
