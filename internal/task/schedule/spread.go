package schedule

import (
	"math/rand/v2"
	"time"

	"github.com/robfig/cron/v3"
)

// Interval jobs registered together would otherwise all fire on the same
// second. The first firing is pushed back by up to this much.
const maxStartupSpread = 30 * time.Second

// delayedFirst fires once at first, then follows base.
type delayedFirst struct {
	base  cron.Schedule
	first time.Time
}

func (s *delayedFirst) Next(t time.Time) time.Time {
	if t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

// withStartupSpread returns an interval schedule whose first run is one
// interval plus a random jitter after now. The jitter is below
// min(every, maxStartupSpread).
func withStartupSpread(every time.Duration, now time.Time) (cron.Schedule, time.Duration) {
	base := cron.Every(every)
	bound := min(every, maxStartupSpread)
	if bound <= 0 {
		return base, 0
	}
	jitter := rand.N(bound)
	return &delayedFirst{base: base, first: now.Add(every + jitter)}, jitter
}
