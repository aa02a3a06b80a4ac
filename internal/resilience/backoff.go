package resilience

import (
	"math"
	"math/rand"
	"time"
)

// BackoffConfig configures exponential reconnection backoff.
type BackoffConfig struct {
	// Initial is the delay before the first retry.
	Initial time.Duration

	// Max caps the delay.
	Max time.Duration

	// Factor is the multiplier applied per attempt.
	Factor float64

	// Jitter is the random jitter fraction (0.0-1.0) applied to each
	// delay. Zero keeps the sequence deterministic.
	Jitter float64
}

// DefaultBackoff is the standard reconnection backoff: 1s, 2s, 4s, 8s,
// 16s, 30s, 30s, ...
var DefaultBackoff = BackoffConfig{
	Initial: time.Second,
	Max:     30 * time.Second,
	Factor:  2.0,
}

func (c BackoffConfig) withDefaults() BackoffConfig {
	if c.Initial <= 0 {
		c.Initial = DefaultBackoff.Initial
	}
	if c.Max <= 0 {
		c.Max = DefaultBackoff.Max
	}
	if c.Factor < 1 {
		c.Factor = DefaultBackoff.Factor
	}
	return c
}

// Delay returns the backoff delay for the given attempt number, starting
// at 0 for the first retry.
func (c BackoffConfig) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(c.Initial) * math.Pow(c.Factor, float64(attempt))
	if max := float64(c.Max); d > max || math.IsInf(d, 1) {
		d = max
	}
	if c.Jitter > 0 {
		d += d * c.Jitter * (rand.Float64()*2 - 1)
	}
	return time.Duration(d)
}
