package vault_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/terminal-bench/flowvault/internal/vault"
)

func TestFeeFor(t *testing.T) {
	t.Run("should truncate toward zero", func(t *testing.T) {
		// 400 * 250 / 10000 = 10 exactly.
		assert.Equal(t, int64(10), vault.FeeFor(400, 250))
		// 399 * 250 / 10000 = 9.975, fee keeps the floor.
		assert.Equal(t, int64(9), vault.FeeFor(399, 250))
		// 1 * 1 / 10000 rounds to nothing.
		assert.Equal(t, int64(0), vault.FeeFor(1, 1))
	})

	t.Run("should cover the boundary rates", func(t *testing.T) {
		assert.Equal(t, int64(0), vault.FeeFor(1000, 0))
		assert.Equal(t, int64(100), vault.FeeFor(100, 10000))
		assert.Equal(t, int64(999), vault.FeeFor(999, 10000))
	})

	t.Run("should never exceed the amount", func(t *testing.T) {
		for _, amount := range []int64{1, 99, 10000, 123456789} {
			for _, bps := range []uint16{0, 1, 250, 9999, 10000} {
				fee := vault.FeeFor(amount, bps)
				assert.GreaterOrEqual(t, fee, int64(0))
				assert.LessOrEqual(t, fee, amount)
			}
		}
	})

	t.Run("should not overflow near the int64 ceiling", func(t *testing.T) {
		amount := int64(math.MaxInt64)
		fee := vault.FeeFor(amount, 10000)
		assert.Equal(t, amount, fee)

		// floor(MaxInt64 * 250 / 10000) = floor(MaxInt64 / 40)
		assert.Equal(t, int64(230584300921369395), vault.FeeFor(amount, 250))
	})
}
