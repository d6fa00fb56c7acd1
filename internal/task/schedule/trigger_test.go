package schedule

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunnerRejectsMalformedCron(t *testing.T) {
	t.Parallel()
	r := NewRunner()
	_, err := r.NewTrigger("61 * * * *", func() {})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidSchedule))

	_, err = r.NewTrigger("@every 1s", nil)
	require.Error(t, err)
}

func TestRunnerNextRunsInUTC(t *testing.T) {
	t.Parallel()
	r := NewRunner()
	from := time.Date(2026, 3, 29, 0, 30, 0, 0, time.UTC)
	runs, err := r.NextRuns("0 * * * *", from, 3)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, time.Date(2026, 3, 29, 1, 0, 0, 0, time.UTC), runs[0])
	assert.Equal(t, time.Date(2026, 3, 29, 3, 0, 0, 0, time.UTC), runs[2])
	assert.Equal(t, time.UTC, runs[0].Location())
}

func TestCronTriggerStartStopResume(t *testing.T) {
	r := NewRunner()
	r.Start()
	defer r.Stop(context.Background())

	var fired atomic.Int32
	tr, err := r.NewTrigger("@every 1s", func() { fired.Add(1) })
	require.NoError(t, err)
	assert.False(t, tr.Active())
	assert.True(t, tr.Next().IsZero())

	tr.Start()
	tr.Start()
	assert.True(t, tr.Active())
	assert.False(t, tr.Next().IsZero())
	require.Eventually(t, func() bool { return fired.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)

	tr.Stop()
	assert.False(t, tr.Active())
	stopped := fired.Load()
	time.Sleep(1200 * time.Millisecond)
	assert.Equal(t, stopped, fired.Load())

	tr.Start()
	require.Eventually(t, func() bool { return fired.Load() > stopped }, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, "@every 1s", tr.Spec())
}

func TestManualTriggerFiresOnlyWhenActive(t *testing.T) {
	t.Parallel()
	m := NewManual()
	calls := 0
	tr, err := m.NewTrigger("*/5 * * * *", func() { calls++ })
	require.NoError(t, err)
	mt := tr.(*ManualTrigger)

	assert.False(t, mt.Fire(), "inactive trigger")
	mt.Start()
	assert.False(t, mt.Fire(), "source not running")
	m.Start()
	assert.True(t, mt.Fire())
	assert.Equal(t, 1, m.Tick())
	mt.Stop()
	assert.Equal(t, 0, m.Tick())
	assert.Equal(t, 2, calls)
	assert.Equal(t, 2, mt.Fired())

	_, err = m.NewTrigger("bogus", func() {})
	assert.ErrorIs(t, err, ErrInvalidSchedule)
}

func TestStartupSpreadDelaysFirstRunOnly(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sched, jitter := withStartupSpread(10*time.Second, now)
	assert.Less(t, jitter, 10*time.Second)

	first := sched.Next(now)
	assert.Equal(t, now.Add(10*time.Second+jitter), first)
	assert.Equal(t, first.Truncate(time.Second).Add(10*time.Second), sched.Next(first))
}
