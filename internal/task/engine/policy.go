package engine

import "time"

// failurePolicy counts consecutive failures for one job and decides when the
// job trips into auto-disable. It has no cooldown: once tripped the job stays
// disabled until someone calls Enable.
//
// Callers hold the owning job's lock.
type failurePolicy struct {
	maxRetries  int
	consecutive int
	lastFailure time.Time
}

// record applies one terminal outcome. Timeouts count the same as failures.
func (p *failurePolicy) record(now time.Time, st Status) {
	switch st {
	case StatusCompleted:
		p.reset()
	case StatusFailed, StatusTimeout:
		p.consecutive++
		p.lastFailure = now
	}
}

// exhausted reports whether the streak is at or past the threshold.
func (p *failurePolicy) exhausted() bool {
	return p.maxRetries > 0 && p.consecutive >= p.maxRetries
}

func (p *failurePolicy) reset() {
	p.consecutive = 0
	p.lastFailure = time.Time{}
}
