package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobrunner/internal/eventbus"
	"jobrunner/internal/task/schedule"
	"jobrunner/pkg/logx"
)

var errBoom = errors.New("boom")

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *schedule.Manual) {
	t.Helper()
	src := schedule.NewManual()
	e := New(Config{DefaultTimeout: 2 * time.Second}, logx.Nop(), append([]Option{WithSource(src)}, opts...)...)
	t.Cleanup(func() { _ = e.Shutdown(context.Background(), time.Second) })
	return e, src
}

func manualTrigger(t *testing.T, e *Engine, id string) *schedule.ManualTrigger {
	t.Helper()
	j := e.lookup(id)
	require.NotNil(t, j)
	j.mu.Lock()
	defer j.mu.Unlock()
	mt, ok := j.trigger.(*schedule.ManualTrigger)
	require.True(t, ok)
	return mt
}

// waitSettled blocks until the job's latest execution is no longer running.
func waitSettled(t *testing.T, e *Engine, id string) JobStatus {
	t.Helper()
	var st JobStatus
	require.Eventually(t, func() bool {
		st, _ = e.Status(id)
		return st.Status != StatusRunning
	}, 3*time.Second, 5*time.Millisecond)
	return st
}

func runOnce(t *testing.T, e *Engine, id string) JobStatus {
	t.Helper()
	require.True(t, e.TriggerNow(id))
	return waitSettled(t, e, id)
}

func failing(context.Context) error { return errBoom }
func succeed(context.Context) error { return nil }

func TestRegisterJobRejectsBadDefinitions(t *testing.T) {
	e, _ := newTestEngine(t)

	require.NoError(t, e.RegisterJob(Definition{ID: "a", Schedule: "@every 1s", Run: succeed}))

	err := e.RegisterJob(Definition{ID: "a", Schedule: "@every 1s", Run: succeed})
	assert.ErrorIs(t, err, ErrJobExists)

	err = e.RegisterJob(Definition{ID: "b", Schedule: "every banana", Run: succeed})
	assert.ErrorIs(t, err, schedule.ErrInvalidSchedule)

	err = e.RegisterJob(Definition{ID: "c", Schedule: "@every 1s"})
	assert.ErrorIs(t, err, ErrInvalidJob)

	err = e.RegisterJob(Definition{ID: "d", Schedule: "@every 1s", Run: succeed, Priority: "urgent"})
	assert.ErrorIs(t, err, ErrInvalidJob)

	assert.Equal(t, []string{"a"}, e.IDs())
}

func TestRegisterJobFreshState(t *testing.T) {
	e, _ := newTestEngine(t)
	require.NoError(t, e.RegisterJob(Definition{ID: "fresh", Schedule: "*/5 * * * *", Run: succeed}))

	st, found := e.Status("fresh")
	require.True(t, found)
	assert.True(t, st.Enabled)
	assert.Equal(t, StatusIdle, st.Status)
	assert.Equal(t, 0, st.ConsecutiveFailures)
	assert.Equal(t, 3, st.MaxRetries)
	assert.Equal(t, 2*time.Second, st.Timeout)
	assert.Equal(t, PriorityNormal, st.Priority)
	assert.Empty(t, st.History)
	assert.True(t, st.NextRun.IsZero(), "not armed before Start")
}

func TestStartArmsOnlyEnabledJobs(t *testing.T) {
	e, src := newTestEngine(t)
	require.NoError(t, e.RegisterJobs(
		Definition{ID: "on", Schedule: "@every 1s", Run: succeed},
		Definition{ID: "off", Schedule: "@every 1s", Run: succeed, Disabled: true},
	))
	require.NoError(t, e.Start(context.Background()))
	require.NoError(t, e.Start(context.Background()))
	assert.True(t, e.Running())

	assert.True(t, manualTrigger(t, e, "on").Active())
	assert.False(t, manualTrigger(t, e, "off").Active())
	assert.Equal(t, 1, src.Tick())

	st := waitSettled(t, e, "on")
	assert.Equal(t, StatusCompleted, st.Status)
	require.Len(t, st.History, 1)
	assert.Equal(t, TriggerSchedule, st.History[0].Trigger)

	off, _ := e.Status("off")
	assert.False(t, off.Enabled)
	assert.Equal(t, DisabledManual, off.DisabledReason)
}

func TestAutoDisableAtThreshold(t *testing.T) {
	e, _ := newTestEngine(t)
	require.NoError(t, e.RegisterJob(Definition{ID: "flaky", Schedule: "@every 1s", Run: failing, MaxRetries: 3}))
	require.NoError(t, e.Start(context.Background()))

	st := runOnce(t, e, "flaky")
	assert.True(t, st.Enabled)
	assert.Equal(t, 1, st.ConsecutiveFailures)

	st = runOnce(t, e, "flaky")
	assert.True(t, st.Enabled, "k-1 failures keep the job enabled")
	assert.Equal(t, 2, st.ConsecutiveFailures)

	st = runOnce(t, e, "flaky")
	assert.False(t, st.Enabled, "k-th failure disables")
	assert.Equal(t, 3, st.ConsecutiveFailures)
	assert.Equal(t, DisabledAuto, st.DisabledReason)
	assert.Equal(t, StatusFailed, st.Status)
	assert.False(t, manualTrigger(t, e, "flaky").Active())

	require.Len(t, st.History, 3)
	for _, x := range st.History {
		assert.Equal(t, StatusFailed, x.Status)
		assert.Equal(t, "boom", x.Error)
		assert.True(t, x.Finished())
	}
	assert.Equal(t, 1, e.EngineStatus().AutoDisabled)
}

func TestSuccessResetsStreak(t *testing.T) {
	e, _ := newTestEngine(t)
	fail := true
	run := func(context.Context) error {
		if fail {
			return errBoom
		}
		return nil
	}
	require.NoError(t, e.RegisterJob(Definition{ID: "j", Schedule: "@every 1s", Run: run, MaxRetries: 3}))

	runOnce(t, e, "j")
	st := runOnce(t, e, "j")
	require.Equal(t, 2, st.ConsecutiveFailures)

	fail = false
	st = runOnce(t, e, "j")
	assert.Equal(t, 0, st.ConsecutiveFailures)
	assert.Equal(t, StatusCompleted, st.Status)

	fail = true
	st = runOnce(t, e, "j")
	assert.Equal(t, 1, st.ConsecutiveFailures)
	assert.True(t, st.Enabled)
}

func TestSkippedTickIsFree(t *testing.T) {
	e, src := newTestEngine(t)
	release := make(chan struct{})
	require.NoError(t, e.RegisterJob(Definition{
		ID:       "slow",
		Schedule: "@every 1s",
		Run: func(ctx context.Context) error {
			<-release
			return nil
		},
		MaxRetries: 1,
	}))
	require.NoError(t, e.Start(context.Background()))

	require.Equal(t, 1, src.Tick())
	st, _ := e.Status("slow")
	require.Equal(t, StatusRunning, st.Status)

	src.Tick()
	src.Tick()
	assert.False(t, e.TriggerNow("slow"), "guard held")

	st, _ = e.Status("slow")
	assert.Equal(t, 0, st.ConsecutiveFailures)
	assert.True(t, st.Enabled)
	assert.Equal(t, uint64(3), st.SkippedTicks)
	assert.Len(t, st.History, 1)

	close(release)
	st = waitSettled(t, e, "slow")
	assert.Equal(t, StatusCompleted, st.Status)
	assert.Equal(t, uint64(1), st.TotalRuns)
}

func TestMutualExclusionUnderConcurrentFirings(t *testing.T) {
	e, _ := newTestEngine(t)
	release := make(chan struct{})
	started := make(chan struct{}, 64)
	require.NoError(t, e.RegisterJob(Definition{
		ID:       "single",
		Schedule: "@every 1s",
		Run: func(ctx context.Context) error {
			started <- struct{}{}
			<-release
			return nil
		},
	}))

	results := make(chan bool, 50)
	for i := 0; i < 50; i++ {
		go func() { results <- e.TriggerNow("single") }()
	}
	wins := 0
	for i := 0; i < 50; i++ {
		if <-results {
			wins++
		}
	}
	assert.Equal(t, 1, wins)

	<-started
	close(release)
	waitSettled(t, e, "single")
	assert.Len(t, started, 0)

	st, _ := e.Status("single")
	running := 0
	for _, x := range st.History {
		if x.Status == StatusRunning {
			running++
		}
	}
	assert.Equal(t, 0, running)
	assert.Equal(t, uint64(49), st.SkippedTicks)
}

func TestHistoryKeepsNewestTen(t *testing.T) {
	bus := eventbus.New()
	starts, unsub := bus.Subscribe(32, EventStarted)
	defer unsub()
	e, _ := newTestEngine(t, WithBus(bus))
	require.NoError(t, e.RegisterJob(Definition{ID: "h", Schedule: "@every 1s", Run: succeed}))

	var ids []string
	for i := 0; i < 12; i++ {
		runOnce(t, e, "h")
		ev := <-starts
		ids = append(ids, ev.Data.(Execution).ID)
	}

	j := e.lookup("h")
	j.mu.Lock()
	kept := j.hist.last(HistoryLimit)
	n := j.hist.len()
	j.mu.Unlock()

	require.Equal(t, 10, n)
	for i, x := range kept {
		assert.Equal(t, ids[i+2], x.ID, "entry %d", i)
	}

	st, _ := e.Status("h")
	require.Len(t, st.History, StatusHistory)
	assert.Equal(t, ids[11], st.History[StatusHistory-1].ID)
	assert.Equal(t, uint64(12), st.TotalRuns)
}

func TestEnableResetsStreakAndRearms(t *testing.T) {
	e, _ := newTestEngine(t)
	require.NoError(t, e.RegisterJob(Definition{ID: "x", Schedule: "@every 1s", Run: failing, MaxRetries: 2}))
	require.NoError(t, e.Start(context.Background()))

	runOnce(t, e, "x")
	st := runOnce(t, e, "x")
	require.False(t, st.Enabled)

	assert.False(t, e.Enable("nope"))
	require.True(t, e.Enable("x"))

	st, _ = e.Status("x")
	assert.True(t, st.Enabled)
	assert.Equal(t, 0, st.ConsecutiveFailures)
	assert.Equal(t, StatusIdle, st.Status)
	assert.Empty(t, st.DisabledReason)
	assert.Len(t, st.History, 2, "history survives enable")
	assert.True(t, manualTrigger(t, e, "x").Active())

	// Streak starts over: one failure does not disable.
	st = runOnce(t, e, "x")
	assert.True(t, st.Enabled)
	assert.Equal(t, 1, st.ConsecutiveFailures)
}

func TestDisableKeepsCountersAndStopsFiring(t *testing.T) {
	e, src := newTestEngine(t)
	require.NoError(t, e.RegisterJob(Definition{ID: "d", Schedule: "@every 1s", Run: failing, MaxRetries: 5}))
	require.NoError(t, e.Start(context.Background()))
	runOnce(t, e, "d")

	assert.False(t, e.Disable("missing"))
	require.True(t, e.Disable("d"))
	assert.Equal(t, 0, src.Tick())

	st, _ := e.Status("d")
	assert.False(t, st.Enabled)
	assert.Equal(t, 1, st.ConsecutiveFailures)
	assert.Equal(t, DisabledManual, st.DisabledReason)
	assert.Len(t, st.History, 1)

	// Manual runs still go through while disabled.
	st = runOnce(t, e, "d")
	assert.Equal(t, 2, st.ConsecutiveFailures)
	assert.False(t, st.Enabled)
}

func TestTriggerNowUnknownJob(t *testing.T) {
	e, _ := newTestEngine(t)
	assert.False(t, e.TriggerNow("ghost"))
	_, found := e.Status("ghost")
	assert.False(t, found)
}

func TestTimeoutCancelsContextAndCountsAsFailure(t *testing.T) {
	e, _ := newTestEngine(t)
	canceled := make(chan struct{})
	require.NoError(t, e.RegisterJob(Definition{
		ID:       "stuck",
		Schedule: "@every 1s",
		Timeout:  50 * time.Millisecond,
		Run: func(ctx context.Context) error {
			<-ctx.Done()
			close(canceled)
			return ctx.Err()
		},
		MaxRetries: 2,
	}))

	st := runOnce(t, e, "stuck")
	assert.Equal(t, StatusTimeout, st.Status)
	assert.Equal(t, 1, st.ConsecutiveFailures)
	assert.Equal(t, uint64(1), st.TotalTimeouts)
	require.Len(t, st.History, 1)
	assert.Equal(t, StatusTimeout, st.History[0].Status)
	assert.Contains(t, st.History[0].Error, "timed out")

	select {
	case <-canceled:
	case <-time.After(time.Second):
		t.Fatal("work context was not canceled at timeout")
	}
}

func TestTimeoutReleasesGuardWhileWorkContinues(t *testing.T) {
	e, _ := newTestEngine(t)
	release := make(chan struct{})
	defer close(release)
	calls := make(chan struct{}, 4)
	require.NoError(t, e.RegisterJob(Definition{
		ID:       "deaf",
		Schedule: "@every 1s",
		Timeout:  30 * time.Millisecond,
		Run: func(context.Context) error {
			calls <- struct{}{}
			<-release
			return nil
		},
		MaxRetries: 10,
	}))

	runOnce(t, e, "deaf")
	st := runOnce(t, e, "deaf")
	assert.Equal(t, StatusTimeout, st.Status)
	assert.Equal(t, 2, st.ConsecutiveFailures)
	assert.Len(t, calls, 2, "second run started while the first work unit was still blocked")
}

func TestPanicBecomesFailure(t *testing.T) {
	e, _ := newTestEngine(t)
	require.NoError(t, e.RegisterJob(Definition{
		ID:       "p",
		Schedule: "@every 1s",
		Run:      func(context.Context) error { panic("kaboom") },
	}))
	st := runOnce(t, e, "p")
	assert.Equal(t, StatusFailed, st.Status)
	assert.Equal(t, "panic: kaboom", st.History[0].Error)
}

func TestStopDoesNotCancelRunningExecution(t *testing.T) {
	e, src := newTestEngine(t)
	release := make(chan struct{})
	var sawCancel bool
	require.NoError(t, e.RegisterJob(Definition{
		ID:       "long",
		Schedule: "@every 1s",
		Run: func(ctx context.Context) error {
			select {
			case <-release:
			case <-ctx.Done():
				sawCancel = true
			}
			return nil
		},
	}))
	require.NoError(t, e.Start(context.Background()))
	require.Equal(t, 1, src.Tick())

	e.Stop(context.Background())
	assert.False(t, e.Running())
	assert.False(t, manualTrigger(t, e, "long").Active())

	close(release)
	st := waitSettled(t, e, "long")
	assert.Equal(t, StatusCompleted, st.Status)
	assert.False(t, sawCancel)
}

func TestShutdownGraceCancelsStragglers(t *testing.T) {
	src := schedule.NewManual()
	e := New(Config{DefaultTimeout: time.Minute}, logx.Nop(), WithSource(src))
	require.NoError(t, e.RegisterJob(Definition{
		ID:       "straggler",
		Schedule: "@every 1s",
		Run: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}))
	require.NoError(t, e.Start(context.Background()))
	require.True(t, e.TriggerNow("straggler"))

	err := e.Shutdown(context.Background(), 50*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 job(s) still running")

	st := waitSettled(t, e, "straggler")
	assert.Equal(t, StatusFailed, st.Status)
	assert.Contains(t, st.History[0].Error, context.Canceled.Error())

	// A shut down engine can be started again.
	require.NoError(t, e.Start(context.Background()))
	require.NoError(t, e.Shutdown(context.Background(), time.Second))
}

func TestReplaceJobKeepsState(t *testing.T) {
	e, _ := newTestEngine(t)
	require.NoError(t, e.RegisterJob(Definition{ID: "r", Schedule: "@every 1s", Run: failing, MaxRetries: 5}))
	require.NoError(t, e.Start(context.Background()))
	runOnce(t, e, "r")

	require.NoError(t, e.ReplaceJob(Definition{ID: "r", Schedule: "*/10 * * * * *", Run: succeed, MaxRetries: 2, Timeout: time.Second}))
	st, _ := e.Status("r")
	assert.Equal(t, "*/10 * * * * *", st.Schedule)
	assert.Equal(t, 2, st.MaxRetries)
	assert.Equal(t, time.Second, st.Timeout)
	assert.Equal(t, 1, st.ConsecutiveFailures)
	assert.Len(t, st.History, 1)
	assert.True(t, manualTrigger(t, e, "r").Active())

	st = runOnce(t, e, "r")
	assert.Equal(t, StatusCompleted, st.Status)

	err := e.ReplaceJob(Definition{ID: "missing", Schedule: "@every 1s", Run: succeed})
	assert.ErrorIs(t, err, ErrJobNotFound)
	err = e.ReplaceJob(Definition{ID: "r", Schedule: "61 * * * *", Run: succeed})
	assert.ErrorIs(t, err, schedule.ErrInvalidSchedule)
}

func TestReplaceJobLowerThresholdDisables(t *testing.T) {
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16, EventDisabled)
	defer unsub()
	e, _ := newTestEngine(t, WithBus(bus))
	require.NoError(t, e.RegisterJob(Definition{ID: "r", Schedule: "@every 1s", Run: failing, MaxRetries: 5}))
	require.NoError(t, e.Start(context.Background()))
	runOnce(t, e, "r")
	runOnce(t, e, "r")

	require.NoError(t, e.ReplaceJob(Definition{ID: "r", Schedule: "@every 1s", Run: failing, MaxRetries: 2}))
	st, _ := e.Status("r")
	assert.False(t, st.Enabled)
	assert.Equal(t, DisabledAuto, st.DisabledReason)
	assert.Equal(t, 2, st.ConsecutiveFailures)
	assert.False(t, manualTrigger(t, e, "r").Active())

	select {
	case ev := <-ch:
		assert.Equal(t, "r", ev.Job)
		assert.Equal(t, DisableEvent{Reason: DisabledAuto, ConsecutiveFailures: 2}, ev.Data)
	case <-time.After(time.Second):
		t.Fatal("no disabled event")
	}

	// A higher threshold leaves an enabled job alone.
	require.True(t, e.Enable("r"))
	runOnce(t, e, "r")
	require.NoError(t, e.ReplaceJob(Definition{ID: "r", Schedule: "@every 1s", Run: failing, MaxRetries: 3}))
	st, _ = e.Status("r")
	assert.True(t, st.Enabled)
}

func TestControlOperationsTrimIDs(t *testing.T) {
	e, _ := newTestEngine(t)
	require.NoError(t, e.RegisterJob(Definition{ID: "a", Schedule: "@every 1s", Run: succeed}))

	assert.True(t, e.Disable(" a "))
	st, _ := e.Status("a")
	assert.False(t, st.Enabled)

	assert.True(t, e.Enable("\ta"))
	st, _ = e.Status("a")
	assert.True(t, st.Enabled)

	runOnce(t, e, " a ")
}

func TestTriggerAfterShutdownGetsLiveContext(t *testing.T) {
	e, _ := newTestEngine(t)
	ctxErr := make(chan error, 1)
	require.NoError(t, e.RegisterJob(Definition{ID: "late", Schedule: "@every 1s", Run: func(ctx context.Context) error {
		ctxErr <- ctx.Err()
		return nil
	}}))
	require.NoError(t, e.Start(context.Background()))
	require.NoError(t, e.Shutdown(context.Background(), time.Second))

	require.True(t, e.TriggerNow("late"))
	select {
	case err := <-ctxErr:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("work did not run")
	}
	waitSettled(t, e, "late")
}

func TestLifecycleEvents(t *testing.T) {
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16)
	defer unsub()
	e, _ := newTestEngine(t, WithBus(bus))
	require.NoError(t, e.RegisterJob(Definition{ID: "ev", Schedule: "@every 1s", Run: failing, MaxRetries: 1}))
	runOnce(t, e, "ev")
	require.True(t, e.Enable("ev"))

	var types []string
	require.Eventually(t, func() bool {
		for {
			select {
			case ev := <-ch:
				types = append(types, ev.Type)
			default:
				return len(types) >= 4
			}
		}
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{EventStarted, EventFailed, EventDisabled, EventEnabled}, types)
}

func TestEngineStatusCounts(t *testing.T) {
	e, _ := newTestEngine(t)
	release := make(chan struct{})
	defer close(release)
	require.NoError(t, e.RegisterJobs(
		Definition{ID: "a", Schedule: "@every 1s", Run: succeed},
		Definition{ID: "b", Schedule: "@every 1s", Run: failing},
		Definition{ID: "c", Schedule: "@every 1s", Run: func(context.Context) error { <-release; return nil }},
		Definition{ID: "d", Schedule: "@every 1s", Run: succeed, Disabled: true},
	))
	runOnce(t, e, "a")
	runOnce(t, e, "b")
	require.True(t, e.TriggerNow("c"))

	st := e.EngineStatus()
	assert.False(t, st.Running)
	assert.Equal(t, 4, st.TotalJobs)
	assert.Equal(t, 3, st.EnabledJobs)
	assert.Equal(t, 1, st.RunningJobs)
	assert.Equal(t, 1, st.FailedJobs)

	all := e.Statuses()
	require.Len(t, all, 4)
	assert.Equal(t, "a", all[0].ID)
	assert.Equal(t, "d", all[3].ID)
}
