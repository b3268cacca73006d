package autosave

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff constants.
const (
	backoffFactor  = 2.0
	jitterFraction = 0.25
)

// Backoff computes the delay before retry number attempt (0-based):
// base * 2^attempt, capped at max, with ±25% jitter. Save retries in the
// Scheduler and read retries in the network binding share it.
type Backoff struct {
	base time.Duration
	max  time.Duration

	// randFloat returns a value in [0, 1). Tests pin it to 0.5 for zero jitter.
	randFloat func() float64
}

// NewBackoff returns a Backoff starting at base. maxBackoff <= 0 means
// uncapped.
func NewBackoff(base, maxBackoff time.Duration) Backoff {
	return Backoff{
		base:      base,
		max:       maxBackoff,
		randFloat: rand.Float64, //nolint:gosec // jitter does not need crypto rand
	}
}

// Delay returns the wait before retry number attempt.
func (p Backoff) Delay(attempt int) time.Duration {
	backoff := float64(p.base) * math.Pow(backoffFactor, float64(attempt))
	if p.max > 0 && backoff > float64(p.max) {
		backoff = float64(p.max)
	}

	jitter := backoff * jitterFraction * (p.randFloat()*2 - 1)
	backoff += jitter

	return time.Duration(backoff)
}
