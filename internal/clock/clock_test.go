package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestManualClock(t *testing.T) {
	c := NewManual(1000)
	assert.Equal(t, int64(1000), c.NowMillis())

	assert.Equal(t, int64(1250), c.Advance(250*time.Millisecond))
	assert.Equal(t, int64(1250), c.NowMillis())

	c.Set(10)
	assert.Equal(t, int64(10), c.NowMillis())
}

func TestSystemClockIsCloseToWallTime(t *testing.T) {
	before := time.Now().UnixMilli()
	got := System{}.NowMillis()
	after := time.Now().UnixMilli()

	assert.GreaterOrEqual(t, got, before)
	assert.LessOrEqual(t, got, after)
}
