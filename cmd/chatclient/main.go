package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/npezzotti/go-livechat/internal/chatclient"
)

type newMessage struct {
	Content string `json:"content"`
	Author  struct {
		Username string `json:"username"`
	} `json:"author"`
}

func main() {
	var (
		wsURL  string
		token  string
		roomId string
	)
	flag.StringVar(&wsURL, "url", "ws://localhost:8000/ws", "chat server websocket URL")
	flag.StringVar(&token, "token", os.Getenv("LIVECHAT_TOKEN"), "bearer token")
	flag.StringVar(&roomId, "room", "", "room to join")
	flag.Parse()

	logger := log.New(os.Stderr, "[chatclient] ", log.LstdFlags)

	if roomId == "" {
		logger.Fatal("a room is required")
	}

	engine := chatclient.NewEngine(chatclient.Options{
		URL:    wsURL,
		Token:  token,
		RoomId: roomId,
		OnStateChange: func(s chatclient.State) {
			logger.Println("state:", s)
		},
	}, logger)

	engine.On("message:new", func(_ int, data json.RawMessage) {
		var msg newMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Println("error parsing message:", err)
			return
		}
		fmt.Printf("%s: %s\n", msg.Author.Username, msg.Content)
	})
	engine.On("error", func(id int, data json.RawMessage) {
		logger.Printf("request %d failed: %s", id, data)
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			if err := engine.Send("message:send", map[string]string{
				"roomId":  roomId,
				"content": line,
			}); err != nil {
				logger.Println("send:", err)
			}
		}
		engine.Close()
	}()

	if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal(err)
	}
}
