package client

import (
	"math/rand"
	"time"
)

// Backoff limits for polling the work server.
const (
	BackoffBase     = time.Second
	MaxBackoff      = 30 * time.Second
	MaxFixedBackoff = 3 * time.Second
)

// Backoff produces jittered delays between requests to the work server.
// The default mode doubles the delay on every failure up to max, sleeping
// a uniform duration in [d/2, d) so that idle workers do not poll in
// lockstep. Fixed mode sleeps in [0, max) and never grows, which keeps
// development servers snappy.
type Backoff struct {
	base    time.Duration
	max     time.Duration
	fixed   bool
	attempt int
	rand    *rand.Rand
}

// NewBackoff returns an exponential backoff capped at max.
func NewBackoff(max time.Duration) *Backoff {
	if max <= 0 {
		max = MaxBackoff
	}
	return &Backoff{
		base: BackoffBase,
		max:  max,
		rand: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// NewFixedBackoff returns a non growing backoff drawing from [0, max).
func NewFixedBackoff(max time.Duration) *Backoff {
	if max <= 0 || max > MaxFixedBackoff {
		max = MaxFixedBackoff
	}
	return &Backoff{
		max:   max,
		fixed: true,
		rand:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next returns the delay to sleep before the next attempt and advances
// the schedule.
func (b *Backoff) Next() time.Duration {
	if b.fixed {
		return time.Duration(b.rand.Int63n(int64(b.max)))
	}

	d := b.base << b.attempt
	if d <= 0 || d > b.max {
		d = b.max
	} else {
		b.attempt++
	}

	half := d / 2
	return half + time.Duration(b.rand.Int63n(int64(half)))
}

// Reset starts the schedule over after a successful exchange.
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Saturate jumps straight to the longest delay. Used after giving up on a
// job so the slot cools down before asking for more work.
func (b *Backoff) Saturate() {
	for d := b.base << b.attempt; !b.fixed && d > 0 && d < b.max; d = b.base << b.attempt {
		b.attempt++
	}
}
