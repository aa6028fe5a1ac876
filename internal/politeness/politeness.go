// Package politeness provides the randomized delays inserted between requests.
package politeness

import (
	"context"
	"crypto/rand"
	"math/big"
	"time"
)

// Range is an inclusive delay window. Each call to Next draws uniformly from it.
type Range struct {
	Min time.Duration
	Max time.Duration
}

// Next returns a uniformly random duration in [Min, Max].
func (r Range) Next() time.Duration {
	if r.Max <= r.Min {
		if r.Min < 0 {
			return 0
		}
		return r.Min
	}
	span := int64(r.Max - r.Min)
	n, err := rand.Int(rand.Reader, big.NewInt(span+1))
	if err != nil {
		return r.Min + time.Duration(span/2)
	}
	return r.Min + time.Duration(n.Int64())
}

// Pauser suspends the caller for a duration.
type Pauser interface {
	Pause(ctx context.Context, delay time.Duration)
}

// TimerPauser waits on a timer and returns early when ctx is done.
type TimerPauser struct{}

// Pause blocks for delay or until ctx ends.
func (TimerPauser) Pause(ctx context.Context, delay time.Duration) {
	if delay <= 0 {
		return
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
