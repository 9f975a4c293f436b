package fisc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicyBackoff(t *testing.T) {
	p := RetryPolicy{
		InitialDelay:      100 * time.Millisecond,
		MaxDelay:          time.Second,
		BackoffMultiplier: 2.0,
	}

	assert.Equal(t, 100*time.Millisecond, p.Delay(0))
	assert.Equal(t, 200*time.Millisecond, p.Delay(1))
	assert.Equal(t, 400*time.Millisecond, p.Delay(2))
	// Capped at MaxDelay from here on.
	assert.Equal(t, time.Second, p.Delay(5))
	assert.Equal(t, time.Second, p.Delay(20))
}

func TestRetryPolicyJitterBounds(t *testing.T) {
	p := RetryPolicy{
		InitialDelay:      100 * time.Millisecond,
		MaxDelay:          time.Second,
		BackoffMultiplier: 2.0,
		JitterFactor:      0.2,
	}
	for i := 0; i < 100; i++ {
		d := p.Delay(1)
		assert.GreaterOrEqual(t, d, 160*time.Millisecond)
		assert.LessOrEqual(t, d, 240*time.Millisecond)
	}
}

func TestRetryPolicyExhausted(t *testing.T) {
	limited := RetryPolicy{MaxRetries: 3}
	assert.False(t, limited.Exhausted(0))
	assert.False(t, limited.Exhausted(2))
	assert.True(t, limited.Exhausted(3))

	unlimited := DefaultRetryPolicy()
	assert.False(t, unlimited.Exhausted(1_000_000))

	disabled := RetryPolicy{MaxRetries: -1}
	assert.True(t, disabled.Exhausted(0))
}
