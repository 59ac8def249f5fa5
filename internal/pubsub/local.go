package pubsub

import (
	"context"
	"sync"
)

type topic struct {
	// deliver serializes fan-out so every subscriber sees one order.
	deliver  sync.Mutex
	handlers map[int]Handler
}

// Local is an in-process broker. Publish runs the topic's handlers before
// returning.
type Local struct {
	mu     sync.Mutex
	topics map[string]*topic
	nextId int
	closed bool
}

func NewLocal() *Local {
	return &Local{topics: make(map[string]*topic)}
}

func (l *Local) Publish(_ context.Context, name string, payload []byte) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	t, ok := l.topics[name]
	if !ok {
		l.mu.Unlock()
		return nil
	}
	handlers := make([]Handler, 0, len(t.handlers))
	for _, h := range t.handlers {
		handlers = append(handlers, h)
	}
	l.mu.Unlock()

	// a busy topic holds only its own delivery lock
	t.deliver.Lock()
	defer t.deliver.Unlock()
	for _, h := range handlers {
		h(payload)
	}

	return nil
}

func (l *Local) Subscribe(_ context.Context, name string, h Handler) (Subscription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}

	t, ok := l.topics[name]
	if !ok {
		t = &topic{handlers: make(map[int]Handler)}
		l.topics[name] = t
	}

	l.nextId++
	id := l.nextId
	t.handlers[id] = h

	return &localSubscription{broker: l, topic: name, id: id}, nil
}

func (l *Local) unsubscribe(name string, id int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if t, ok := l.topics[name]; ok {
		delete(t.handlers, id)
		if len(t.handlers) == 0 {
			delete(l.topics, name)
		}
	}
}

func (l *Local) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.topics = make(map[string]*topic)
	return nil
}

type localSubscription struct {
	broker *Local
	topic  string
	id     int
	once   sync.Once
}

func (s *localSubscription) Unsubscribe() error {
	s.once.Do(func() { s.broker.unsubscribe(s.topic, s.id) })
	return nil
}
