package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDelay_Monotonic(t *testing.T) {
	base := 30 * time.Second
	cap := time.Hour

	prev := time.Duration(0)
	for n := 0; n < 12; n++ {
		d := backoffDelay(n, base, cap, 2.0)
		assert.GreaterOrEqual(t, d, prev, "delay must never decrease (attempt %d)", n)
		assert.LessOrEqual(t, d, cap)
		prev = d
	}
}

func TestBackoffDelay_ExponentialThenCapped(t *testing.T) {
	base := 30 * time.Second
	cap := time.Hour

	assert.Equal(t, 30*time.Second, backoffDelay(0, base, cap, 2.0))
	assert.Equal(t, time.Minute, backoffDelay(1, base, cap, 2.0))
	assert.Equal(t, 2*time.Minute, backoffDelay(2, base, cap, 2.0))
	assert.Equal(t, 16*time.Minute, backoffDelay(5, base, cap, 2.0))

	// 30s * 2^7 = 64m, over the 1h cap.
	assert.Equal(t, time.Hour, backoffDelay(7, base, cap, 2.0))
	assert.Equal(t, time.Hour, backoffDelay(20, base, cap, 2.0))
}

func TestBackoffDelay_Defaults(t *testing.T) {
	// Zero base and sub-1 multiplier fall back to safe values.
	d := backoffDelay(0, 0, time.Hour, 0)
	assert.Equal(t, 30*time.Second, d)
}
