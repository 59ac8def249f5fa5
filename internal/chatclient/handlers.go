package chatclient

import (
	"encoding/json"
	"sync"
)

type HandlerFunc func(id int, data json.RawMessage)

// Handlers maps inbound event names to a single callback each. The
// callback is looked up at delivery time, so re-registering after a
// reconnect replaces the old one instead of adding a second listener.
type Handlers struct {
	mu sync.RWMutex
	m  map[string]HandlerFunc
}

func NewHandlers() *Handlers {
	return &Handlers{m: make(map[string]HandlerFunc)}
}

func (h *Handlers) On(event string, fn HandlerFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.m[event] = fn
}

func (h *Handlers) Off(event string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.m, event)
}

// dispatch calls the current handler for event and reports whether one
// was registered.
func (h *Handlers) dispatch(event string, id int, data json.RawMessage) bool {
	h.mu.RLock()
	fn, ok := h.m[event]
	h.mu.RUnlock()

	if !ok {
		return false
	}
	fn(id, data)
	return true
}
