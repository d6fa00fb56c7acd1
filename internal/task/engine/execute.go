package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"jobrunner/pkg/logx"
)

// fire is the callback every trigger invokes.
func (e *Engine) fire(id string) {
	if err := e.execute(id, TriggerSchedule); err != nil && !errors.Is(err, ErrSkipped) {
		e.log.Warn("scheduled firing dropped", logx.String("job", id), logx.Err(err))
	}
}

// execute runs one pass of the pipeline for id. It returns once the job is
// marked running (or the firing was rejected); the work itself runs on a
// supervised goroutine.
func (e *Engine) execute(id string, kind TriggerKind) error {
	j := e.lookup(id)
	if j == nil {
		return fmt.Errorf("%w: %q", ErrJobNotFound, id)
	}

	x, run, timeout, ok := j.begin(e.now(), kind)
	if !ok {
		e.noteSkip(j, kind)
		return ErrSkipped
	}

	j.log.Debug("job started", logx.String("exec", x.ID), logx.String("trigger", string(kind)), logx.Duration("timeout", timeout))
	e.publish(EventStarted, j.id, *x)

	// Shutdown swaps the supervisor under e.mu. Registering the goroutine
	// before releasing the read lock keeps it on the supervisor being waited on.
	e.mu.RLock()
	e.sup.Go("job:"+j.id, func(ctx context.Context) error {
		e.run(ctx, j, x, run, timeout)
		return nil
	})
	e.mu.RUnlock()
	return nil
}

// begin is the concurrency guard: checking status and flipping it to running
// happen under one lock hold.
func (j *job) begin(now time.Time, kind TriggerKind) (*Execution, func(context.Context) error, time.Duration, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status == StatusRunning {
		j.skipped++
		return nil, nil, 0, false
	}
	x := &Execution{
		ID:        uuid.NewString(),
		Job:       j.id,
		Trigger:   kind,
		StartTime: now,
		Status:    StatusRunning,
	}
	j.status = StatusRunning
	j.lastRun = now
	j.current = x
	j.runs++
	j.hist.push(x)
	return x, j.def.Run, j.timeout, true
}

func (e *Engine) noteSkip(j *job, kind TriggerKind) {
	j.mu.Lock()
	skipped := j.skipped
	var startedAt time.Time
	if j.current != nil {
		startedAt = j.current.StartTime
	}
	allow := j.skipLog.Allow()
	j.mu.Unlock()

	if allow {
		j.log.Debug("job still running, tick skipped",
			logx.String("trigger", string(kind)),
			logx.Time("running_since", startedAt),
			logx.Uint64("skipped_total", skipped),
		)
	}
	e.publish(EventSkipped, j.id, SkipEvent{Trigger: kind, SkippedTicks: skipped})
}

// run invokes work and races it against the timeout. The engine stops waiting
// at the deadline; work that ignores ctx keeps running on its own goroutine and
// its late result is only logged.
func (e *Engine) run(parent context.Context, j *job, x *Execution, work func(context.Context) error, timeout time.Duration) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	var late atomic.Bool
	done := make(chan error, 1)
	go func() {
		err := safeRun(ctx, work)
		done <- err
		if late.Load() {
			j.log.Debug("job settled after timeout", logx.String("exec", x.ID), logx.Err(err))
		}
	}()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case err := <-done:
		if err != nil {
			e.finish(j, x, StatusFailed, err)
		} else {
			e.finish(j, x, StatusCompleted, nil)
		}
	case <-timer:
		late.Store(true)
		e.finish(j, x, StatusTimeout, fmt.Errorf("%w after %s", ErrTimeout, timeout))
	}
}

// safeRun turns a panic in work into an error.
func safeRun(ctx context.Context, work func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return work(ctx)
}

// PanicError is recorded when a work function panics.
type PanicError struct {
	Value any
	Stack []byte
}

func (p *PanicError) Error() string { return fmt.Sprintf("panic: %v", p.Value) }

// finish records the outcome, applies the failure policy and releases the guard.
func (e *Engine) finish(j *job, x *Execution, st Status, err error) {
	now := e.now()

	j.mu.Lock()
	x.EndTime = now
	x.Status = st
	x.DurationMs = now.Sub(x.StartTime).Milliseconds()
	if err != nil {
		x.Error = err.Error()
	}
	if j.current == x {
		j.current = nil
	}
	j.status = st
	switch st {
	case StatusFailed:
		j.failures++
	case StatusTimeout:
		j.timeouts++
	}
	j.policy.record(now, st)
	streak := j.policy.consecutive
	autoDisabled := j.autoDisable(now)
	maxRetries := j.policy.maxRetries
	snap := *x
	j.mu.Unlock()

	fields := []logx.Field{
		logx.String("exec", x.ID),
		logx.String("trigger", string(x.Trigger)),
		logx.Duration("took", snap.Duration()),
	}
	switch st {
	case StatusCompleted:
		j.log.Debug("job completed", fields...)
		e.publish(EventCompleted, j.id, snap)
	case StatusFailed:
		var pe *PanicError
		if errors.As(err, &pe) {
			fields = append(fields, logx.Stack(string(pe.Stack)))
		}
		j.log.Warn("job failed", append(fields, logx.Err(err), logx.Int("consecutive_failures", streak), logx.Int("max_retries", maxRetries))...)
		e.publish(EventFailed, j.id, snap)
	case StatusTimeout:
		j.log.Warn("job timed out", append(fields, logx.Int("consecutive_failures", streak), logx.Int("max_retries", maxRetries))...)
		e.publish(EventTimeout, j.id, snap)
	}

	if autoDisabled {
		e.noteAutoDisable(j, streak, maxRetries)
	}
}

// autoDisable disables j once its failure streak reaches the threshold.
// Callers hold j.mu.
func (j *job) autoDisable(now time.Time) bool {
	if !j.enabled || !j.policy.exhausted() {
		return false
	}
	j.enabled = false
	j.disabledAt = now
	j.disabledBy = DisabledAuto
	j.trigger.Stop()
	return true
}

func (e *Engine) noteAutoDisable(j *job, streak, maxRetries int) {
	j.log.Error("job auto-disabled after consecutive failures", logx.Int("consecutive_failures", streak), logx.Int("max_retries", maxRetries))
	e.publish(EventDisabled, j.id, DisableEvent{Reason: DisabledAuto, ConsecutiveFailures: streak})
}
