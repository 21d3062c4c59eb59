package client

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff is the reconnect policy applied after an unrequested drop.
type Backoff struct {
	// Initial is the delay before the first attempt.
	Initial time.Duration
	// Max caps the delay between attempts.
	Max time.Duration
	// Multiplier grows the delay after each failed attempt.
	Multiplier float64
	// Jitter randomizes each delay by up to this fraction in either direction.
	Jitter float64
	// MaxAttempts stops reconnecting after this many failures. Zero means no limit.
	MaxAttempts int
}

// DefaultBackoff mirrors the usual socket client defaults: 1s growing to 5s
// with 50% jitter and no attempt limit.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:    time.Second,
		Max:        5 * time.Second,
		Multiplier: 2,
		Jitter:     0.5,
	}
}

// Delay returns the wait before the given attempt, counting from 1.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(b.Initial) * math.Pow(mult, float64(attempt-1))
	if b.Jitter > 0 {
		delta := b.Jitter * d
		d = d - delta + rand.Float64()*2*delta
	}
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// exhausted reports whether attempt exceeds the attempt limit.
func (b Backoff) exhausted(attempt int) bool {
	return b.MaxAttempts > 0 && attempt > b.MaxAttempts
}
