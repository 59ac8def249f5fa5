package chatclient

import (
	"math"
	"time"
)

const (
	DefaultBackoffBase        = 1 * time.Second
	DefaultBackoffMax         = 30 * time.Second
	DefaultBackoffMaxAttempts = 10
)

// Backoff is the reconnect schedule. Attempt counts consecutive failed
// connections and NextAttemptAt is when the next one may start; both are
// plain state so the schedule can be driven without a transport.
type Backoff struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int

	Attempt       int
	NextAttemptAt time.Time
}

func NewBackoff() *Backoff {
	return &Backoff{
		Base:        DefaultBackoffBase,
		Max:         DefaultBackoffMax,
		MaxAttempts: DefaultBackoffMaxAttempts,
	}
}

// Next records a failure at now and returns how long to wait before
// retrying. It returns false once MaxAttempts retries have been used.
func (b *Backoff) Next(now time.Time) (time.Duration, bool) {
	if b.Exhausted() {
		return 0, false
	}

	d := b.delay(b.Attempt)
	b.Attempt++
	b.NextAttemptAt = now.Add(d)
	return d, true
}

// Exhausted reports whether no retries are left.
func (b *Backoff) Exhausted() bool {
	return b.MaxAttempts > 0 && b.Attempt >= b.MaxAttempts
}

// Reset is called after a clean connect.
func (b *Backoff) Reset() {
	b.Attempt = 0
	b.NextAttemptAt = time.Time{}
}

// delay is Base * 2^attempt, capped at Max. A Max of zero or less leaves
// the schedule uncapped, in which case it saturates at the largest
// Duration rather than overflowing.
func (b *Backoff) delay(attempt int) time.Duration {
	limit := b.Max
	if limit <= 0 {
		limit = math.MaxInt64
	}

	d := b.Base
	if d <= 0 {
		return 0
	}
	for i := 0; i < attempt && d < limit; i++ {
		if d > limit/2 {
			d = limit
			break
		}
		d *= 2
	}
	if d > limit {
		d = limit
	}
	return d
}
