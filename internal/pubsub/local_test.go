package pubsub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocal_PublishSubscribe(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	var got1, got2 [][]byte
	_, err := l.Subscribe(ctx, "r1", func(p []byte) { got1 = append(got1, p) })
	require.NoError(t, err)
	_, err = l.Subscribe(ctx, "r2", func(p []byte) { got2 = append(got2, p) })
	require.NoError(t, err)

	require.NoError(t, l.Publish(ctx, "r1", []byte("a")))
	require.NoError(t, l.Publish(ctx, "r1", []byte("b")))
	require.NoError(t, l.Publish(ctx, "nobody", []byte("c")))

	assert.Equal(t, [][]byte{[]byte("a"), []byte("b")}, got1)
	assert.Empty(t, got2, "expected other topics not to receive payloads")
}

func TestLocal_Unsubscribe(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	calls := 0
	sub, err := l.Subscribe(ctx, "r1", func([]byte) { calls++ })
	require.NoError(t, err)

	require.NoError(t, l.Publish(ctx, "r1", nil))
	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, sub.Unsubscribe(), "expected double unsubscribe to be harmless")
	require.NoError(t, l.Publish(ctx, "r1", nil))

	assert.Equal(t, 1, calls)
}

func TestLocal_SameOrderForAllSubscribers(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	var (
		mu   sync.Mutex
		seen = map[int][]byte{}
	)
	for i := 0; i < 3; i++ {
		i := i
		_, err := l.Subscribe(ctx, "r1", func(p []byte) {
			mu.Lock()
			seen[i] = append(seen[i], p[0])
			mu.Unlock()
		})
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(b byte) {
			defer wg.Done()
			l.Publish(ctx, "r1", []byte{b})
		}(byte(i))
	}
	wg.Wait()

	assert.Len(t, seen[0], 50)
	assert.Equal(t, seen[0], seen[1], "expected subscribers to observe one order")
	assert.Equal(t, seen[0], seen[2], "expected subscribers to observe one order")
}

func TestLocal_Closed(t *testing.T) {
	l := NewLocal()
	require.NoError(t, l.Close())

	assert.ErrorIs(t, l.Publish(context.Background(), "r1", nil), ErrClosed)
	_, err := l.Subscribe(context.Background(), "r1", func([]byte) {})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestLocal_BusyTopicDoesNotBlockOthers(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	entered := make(chan struct{}, 2)
	release := make(chan struct{})
	_, err := l.Subscribe(ctx, "busy", func([]byte) {
		entered <- struct{}{}
		<-release
	})
	require.NoError(t, err)

	var got []byte
	_, err = l.Subscribe(ctx, "quiet", func(p []byte) { got = p })
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Publish(ctx, "busy", []byte("x"))
		}()
	}
	<-entered
	// let the second publisher queue behind the first
	time.Sleep(20 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, l.Publish(ctx, "quiet", []byte("ok")))
		sub, err := l.Subscribe(ctx, "other", func([]byte) {})
		assert.NoError(t, err)
		assert.NoError(t, sub.Unsubscribe())
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected other topics to proceed while one is busy")
	}
	assert.Equal(t, []byte("ok"), got)

	close(release)
	wg.Wait()
	assert.Len(t, entered, 1, "expected the second delivery once released")
}
