package pubsub

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/go-redis/redis/v8"
)

const channelPrefix = "livechat:room:"

// Redis fans events out across processes through Redis PUBLISH/SUBSCRIBE.
// Each Subscribe opens its own pubsub connection and delivers payloads
// from a single goroutine, preserving the order Redis hands them over.
type Redis struct {
	client *redis.Client
	log    *log.Logger

	mu     sync.Mutex
	subs   map[*redisSubscription]struct{}
	closed bool
}

func NewRedis(client *redis.Client, logger *log.Logger) *Redis {
	return &Redis{
		client: client,
		log:    logger,
		subs:   make(map[*redisSubscription]struct{}),
	}
}

// NewRedisClientFromURL parses url and checks the server is reachable.
func NewRedisClientFromURL(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return client, nil
}

func (r *Redis) Publish(ctx context.Context, topic string, payload []byte) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return ErrClosed
	}

	return r.client.Publish(ctx, channelPrefix+topic, payload).Err()
}

func (r *Redis) Subscribe(ctx context.Context, topic string, h Handler) (Subscription, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	r.mu.Unlock()

	ps := r.client.Subscribe(ctx, channelPrefix+topic)
	// wait for the subscription to be confirmed so that publishes made
	// after Subscribe returns are not missed
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe %q: %w", topic, err)
	}

	sub := &redisSubscription{broker: r, ps: ps, done: make(chan struct{})}
	r.mu.Lock()
	r.subs[sub] = struct{}{}
	r.mu.Unlock()

	go func() {
		defer close(sub.done)
		for msg := range ps.Channel() {
			h([]byte(msg.Payload))
		}
	}()

	return sub, nil
}

func (r *Redis) Close() error {
	r.mu.Lock()
	r.closed = true
	subs := make([]*redisSubscription, 0, len(r.subs))
	for s := range r.subs {
		subs = append(subs, s)
	}
	r.mu.Unlock()

	for _, s := range subs {
		if err := s.Unsubscribe(); err != nil && r.log != nil {
			r.log.Println("redis unsubscribe:", err)
		}
	}

	return nil
}

type redisSubscription struct {
	broker *Redis
	ps     *redis.PubSub
	done   chan struct{}
	once   sync.Once
	err    error
}

func (s *redisSubscription) Unsubscribe() error {
	s.once.Do(func() {
		s.broker.mu.Lock()
		delete(s.broker.subs, s)
		s.broker.mu.Unlock()

		s.err = s.ps.Close()
		<-s.done
	})

	return s.err
}
