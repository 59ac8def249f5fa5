package testutil

import (
	"log"
	"os"
	"strings"
	"sync"
	"testing"
)

// testWriter sends log lines to t.Log while the test runs. Goroutines
// that outlive the test fall back to stderr.
type testWriter struct {
	t    *testing.T
	mu   sync.Mutex
	done bool
}

func (w *testWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return os.Stderr.Write(p)
	}
	w.t.Log(strings.TrimSuffix(string(p), "\n"))
	return len(p), nil
}

// TestLogger returns a logger whose output is attached to t, so it only
// shows for failing tests or under -v.
func TestLogger(t *testing.T) *log.Logger {
	w := &testWriter{t: t}
	t.Cleanup(func() {
		w.mu.Lock()
		w.done = true
		w.mu.Unlock()
	})
	return log.New(w, "[test] ", log.Lmicroseconds)
}
