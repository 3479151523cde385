package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
}

func TestRateLimiter(t *testing.T) {
	t.Run("should allow up to the limit inside the window", func(t *testing.T) {
		rl := newLimiter(3, time.Minute)

		for i := 0; i < 3; i++ {
			assert.True(t, rl.Allow("10.0.0.1"))
		}
		assert.False(t, rl.Allow("10.0.0.1"))
	})

	t.Run("should track clients independently", func(t *testing.T) {
		rl := newLimiter(1, time.Minute)

		assert.True(t, rl.Allow("10.0.0.1"))
		assert.False(t, rl.Allow("10.0.0.1"))
		assert.True(t, rl.Allow("10.0.0.2"))
	})

	t.Run("should admit again once the window slides past", func(t *testing.T) {
		rl := newLimiter(2, 20*time.Millisecond)

		assert.True(t, rl.Allow("10.0.0.1"))
		assert.True(t, rl.Allow("10.0.0.1"))
		assert.False(t, rl.Allow("10.0.0.1"))

		time.Sleep(30 * time.Millisecond)
		assert.True(t, rl.Allow("10.0.0.1"))
	})
}
