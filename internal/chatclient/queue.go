package chatclient

import (
	"errors"
	"sync"
)

const DefaultQueueSize = 100

var ErrQueueFull = errors.New("chatclient: outbound queue full")

// Outbound is an action waiting to be written to the server.
type Outbound struct {
	Event string
	Data  any
}

// Queue is a bounded FIFO of outbound actions. Overflow is reported to the
// caller instead of dropping the oldest entry.
type Queue struct {
	mu    sync.Mutex
	items []Outbound
	limit int
}

func NewQueue(limit int) *Queue {
	if limit <= 0 {
		limit = DefaultQueueSize
	}
	return &Queue{limit: limit}
}

func (q *Queue) Push(m Outbound) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.limit {
		return ErrQueueFull
	}
	q.items = append(q.items, m)
	return nil
}

// Drain returns the queued actions in the order they were pushed and
// empties the queue.
func (q *Queue) Drain() []Outbound {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := q.items
	q.items = nil
	return items
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
