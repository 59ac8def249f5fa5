package chatclient

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoff_Next(t *testing.T) {
	b := &Backoff{Base: time.Second, Max: 10 * time.Second, MaxAttempts: 6}
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	expected := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		10 * time.Second,
		10 * time.Second,
	}

	for i, want := range expected {
		d, ok := b.Next(now)
		require.True(t, ok, "attempt %d", i+1)
		assert.Equal(t, want, d, "attempt %d", i+1)
		assert.Equal(t, i+1, b.Attempt)
		assert.Equal(t, now.Add(want), b.NextAttemptAt)
	}

	_, ok := b.Next(now)
	assert.False(t, ok, "expected backoff to give up after MaxAttempts")
	assert.True(t, b.Exhausted())
}

func TestBackoff_NonDecreasingUpToCap(t *testing.T) {
	b := &Backoff{Base: 250 * time.Millisecond, Max: 30 * time.Second, MaxAttempts: 64}

	var prev time.Duration
	for {
		d, ok := b.Next(time.Now())
		if !ok {
			break
		}
		assert.GreaterOrEqual(t, d, prev)
		assert.LessOrEqual(t, d, b.Max)
		prev = d
	}
	assert.Equal(t, b.Max, prev)
	assert.Equal(t, 64, b.Attempt)
}

func TestBackoff_Reset(t *testing.T) {
	b := NewBackoff()
	assert.Equal(t, DefaultBackoffBase, b.Base)
	assert.Equal(t, DefaultBackoffMax, b.Max)
	assert.Equal(t, DefaultBackoffMaxAttempts, b.MaxAttempts)

	b.Next(time.Now())
	b.Next(time.Now())
	b.Reset()

	assert.Zero(t, b.Attempt)
	assert.True(t, b.NextAttemptAt.IsZero())

	d, ok := b.Next(time.Now())
	assert.True(t, ok)
	assert.Equal(t, DefaultBackoffBase, d, "expected the schedule to start over")
}

func TestBackoff_UncappedSaturates(t *testing.T) {
	tcases := []struct {
		name string
		max  time.Duration
	}{
		{"zero max", 0},
		{"negative max", -time.Second},
		{"largest max", time.Duration(math.MaxInt64)},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			b := &Backoff{Base: time.Second, Max: tc.max}

			var prev time.Duration
			for i := 0; i < 200; i++ {
				d, ok := b.Next(time.Now())
				require.True(t, ok, "expected unlimited attempts")
				require.GreaterOrEqual(t, d, prev, "attempt %d", i+1)
				prev = d
			}
			assert.Equal(t, time.Duration(math.MaxInt64), prev)
		})
	}
}
