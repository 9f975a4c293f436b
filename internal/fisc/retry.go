package fisc

import (
	"math"
	"math/rand"
	"time"
)

// RetryPolicy produces the delay between reconnect attempts:
// exponential backoff from InitialDelay up to MaxDelay, with a random
// jitter factor so a fleet of channels does not stampede the switch.
type RetryPolicy struct {
	MaxRetries        int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	JitterFactor      float64
}

// DefaultRetryPolicy matches the reconnect cadence used against the
// production switch: 1s, 2s, 4s... capped at 30s, retrying forever.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        0,
		InitialDelay:      time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2.0,
		JitterFactor:      0.2,
	}
}

// Exhausted reports whether attempt (0-based) is past the retry budget.
// MaxRetries of zero means retry without limit; negative disables
// retries entirely.
func (p RetryPolicy) Exhausted(attempt int) bool {
	if p.MaxRetries < 0 {
		return true
	}
	return p.MaxRetries > 0 && attempt >= p.MaxRetries
}

// Delay returns the wait before attempt (0-based). The first attempt
// waits InitialDelay; each subsequent attempt multiplies by
// BackoffMultiplier up to MaxDelay, then jitter spreads the result by
// ±JitterFactor.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	base := float64(p.InitialDelay)
	if base <= 0 {
		base = float64(time.Second)
	}
	mult := p.BackoffMultiplier
	if mult < 1 {
		mult = 1
	}
	d := base * math.Pow(mult, float64(attempt))
	if max := float64(p.MaxDelay); max > 0 && d > max {
		d = max
	}
	if p.JitterFactor > 0 {
		spread := d * p.JitterFactor
		d = d - spread + rand.Float64()*2*spread
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}
