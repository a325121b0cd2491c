package clock_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/shipurjan/openchess/internal/clock"
)

func TestLive(t *testing.T) {
	assert.Equal(t, int64(10_000), clock.Live(10_000, 0, 5_000))
	assert.Equal(t, int64(7_000), clock.Live(10_000, 1_000, 4_000))
	assert.Equal(t, int64(0), clock.Live(1_000, 1_000, 5_000))
}

func TestHasBusted(t *testing.T) {
	assert.False(t, clock.HasBusted(10_000, 0, 999_999))
	assert.False(t, clock.HasBusted(10_000, 1_000, 10_999))
	assert.True(t, clock.HasBusted(10_000, 1_000, 11_000))
	assert.True(t, clock.HasBusted(10_000, 1_000, 20_000))
}

func TestAfterMove(t *testing.T) {
	newBal, busted := clock.AfterMove(10_000, 1_000, 4_000, 2_000)
	assert.False(t, busted)
	assert.Equal(t, int64(9_000), newBal)

	newBal, busted = clock.AfterMove(1_000, 1_000, 3_000, 2_000)
	assert.True(t, busted)
	assert.Equal(t, int64(0), newBal)

	newBal, busted = clock.AfterMove(1_000, 1_000, 2_000, 2_000)
	assert.True(t, busted)
	assert.Equal(t, int64(0), newBal)
}

func TestDeadline(t *testing.T) {
	assert.Equal(t, int64(61_000), clock.Deadline(1_000, 60))
}
