package chatclient

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue(t *testing.T) {
	q := NewQueue(3)

	require.NoError(t, q.Push(Outbound{Event: "a"}))
	require.NoError(t, q.Push(Outbound{Event: "b"}))
	require.NoError(t, q.Push(Outbound{Event: "c"}))
	assert.ErrorIs(t, q.Push(Outbound{Event: "d"}), ErrQueueFull)
	assert.Equal(t, 3, q.Len())

	items := q.Drain()
	require.Len(t, items, 3)
	assert.Equal(t, "a", items[0].Event)
	assert.Equal(t, "b", items[1].Event)
	assert.Equal(t, "c", items[2].Event)
	assert.Zero(t, q.Len(), "expected drain to empty the queue")
	assert.Empty(t, q.Drain())

	require.NoError(t, q.Push(Outbound{Event: "e"}), "expected room after drain")
}

func TestNewQueue_DefaultSize(t *testing.T) {
	q := NewQueue(0)
	for i := 0; i < DefaultQueueSize; i++ {
		require.NoError(t, q.Push(Outbound{Event: "x"}))
	}
	assert.ErrorIs(t, q.Push(Outbound{Event: "x"}), ErrQueueFull)
}

func TestHandlers(t *testing.T) {
	h := NewHandlers()
	var calls []string

	h.On("message:new", func(int, json.RawMessage) { calls = append(calls, "first") })
	h.On("message:new", func(int, json.RawMessage) { calls = append(calls, "second") })

	assert.True(t, h.dispatch("message:new", 0, nil))
	assert.Equal(t, []string{"second"}, calls, "expected registration to replace, not add")

	h.Off("message:new")
	assert.False(t, h.dispatch("message:new", 0, nil))
	assert.Equal(t, []string{"second"}, calls)
}
