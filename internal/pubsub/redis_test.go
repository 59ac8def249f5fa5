package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/npezzotti/go-livechat/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) *redis.Client {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedis_CrossNodeDelivery(t *testing.T) {
	client := newTestRedis(t)
	ctx := context.Background()

	nodeA := NewRedis(client, testutil.TestLogger(t))
	nodeB := NewRedis(client, testutil.TestLogger(t))
	defer nodeA.Close()
	defer nodeB.Close()

	received := make(chan []byte, 4)
	_, err := nodeB.Subscribe(ctx, "r1", func(p []byte) { received <- p })
	require.NoError(t, err)

	require.NoError(t, nodeA.Publish(ctx, "r1", []byte(`{"event":"message:new"}`)))
	require.NoError(t, nodeA.Publish(ctx, "r1", []byte(`{"event":"message:edited"}`)))

	for _, want := range []string{`{"event":"message:new"}`, `{"event":"message:edited"}`} {
		select {
		case p := <-received:
			assert.Equal(t, want, string(p))
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout waiting for %s", want)
		}
	}
}

func TestRedis_UnsubscribeAndClose(t *testing.T) {
	client := newTestRedis(t)
	ctx := context.Background()
	broker := NewRedis(client, testutil.TestLogger(t))

	received := make(chan []byte, 1)
	sub, err := broker.Subscribe(ctx, "r1", func(p []byte) { received <- p })
	require.NoError(t, err)
	require.NoError(t, sub.Unsubscribe())

	require.NoError(t, broker.Publish(ctx, "r1", []byte("late")))
	select {
	case <-received:
		t.Error("expected no delivery after unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, broker.Close())
	assert.ErrorIs(t, broker.Publish(ctx, "r1", nil), ErrClosed)
}
