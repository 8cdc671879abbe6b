package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFakeClockAdvance(t *testing.T) {
	start := time.Date(2026, 1, 31, 15, 4, 5, 0, time.UTC)
	c := NewFakeClock(start)

	c.Advance(time.Hour)
	assert.Equal(t, start.Add(time.Hour), c.Now())

	c.AdvanceDays(1)
	assert.Equal(t, "2026-02-01", DateKey(c.Now()))

	c.Set(time.Date(2026, 3, 1, 0, 0, 0, 0, time.FixedZone("WIB", 7*3600)))
	assert.Equal(t, time.UTC, c.Now().Location())
}

func TestStartOfDay(t *testing.T) {
	in := time.Date(2026, 5, 10, 23, 59, 59, 999, time.FixedZone("X", -3*3600))
	assert.Equal(t, time.Date(2026, 5, 11, 0, 0, 0, 0, time.UTC), StartOfDay(in))
}
