package engine

import (
	"errors"
	"time"

	"jobrunner/pkg/logx"
)

// Enable re-arms a job and clears its failure streak. History is kept.
// If an execution is still in flight the job stays running until it settles.
// Returns false for an unknown id.
func (e *Engine) Enable(id string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	j := e.jobs[jobKey(id)]
	if j == nil {
		return false
	}

	j.mu.Lock()
	wasEnabled := j.enabled
	j.enabled = true
	j.policy.reset()
	j.disabledAt = time.Time{}
	j.disabledBy = ""
	if j.status != StatusRunning {
		j.status = StatusIdle
	}
	if e.running {
		j.trigger.Start()
	}
	j.mu.Unlock()

	if !wasEnabled {
		j.log.Info("job enabled")
	}
	e.publish(EventEnabled, j.id, nil)
	return true
}

// Disable disarms a job's schedule. Counters and history are left as they are,
// and a running execution is not interrupted. Returns false for an unknown id.
func (e *Engine) Disable(id string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	j := e.jobs[jobKey(id)]
	if j == nil {
		return false
	}

	j.mu.Lock()
	wasEnabled := j.enabled
	j.enabled = false
	j.trigger.Stop()
	if wasEnabled {
		j.disabledAt = e.now()
		j.disabledBy = DisabledManual
	}
	streak := j.policy.consecutive
	j.mu.Unlock()

	if wasEnabled {
		j.log.Info("job disabled")
		e.publish(EventDisabled, j.id, DisableEvent{Reason: DisabledManual, ConsecutiveFailures: streak})
	}
	return true
}

// TriggerNow runs the job once, out of schedule, through the same guard as a
// scheduled firing. It works on disabled jobs and while the engine is stopped.
// It reports whether an execution was started: false means the id is unknown
// or the job was already running.
func (e *Engine) TriggerNow(id string) bool {
	err := e.execute(id, TriggerManual)
	switch {
	case err == nil:
		return true
	case errors.Is(err, ErrSkipped):
		return false
	default:
		e.log.Debug("manual trigger rejected", logx.String("job", id), logx.Err(err))
		return false
	}
}
