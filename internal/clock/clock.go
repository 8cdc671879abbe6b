package clock

import (
	"time"

	"go.uber.org/fx"
)

// Clock is the single source of "now" for lifecycle and automation code.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// StartOfDay truncates t to midnight UTC.
func StartOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// DateKey renders the UTC calendar date of t.
func DateKey(t time.Time) string {
	return t.UTC().Format(time.DateOnly)
}

var Module = fx.Module("clock",
	fx.Provide(func() Clock { return SystemClock{} }),
)
