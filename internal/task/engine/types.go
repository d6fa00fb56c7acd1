package engine

import (
	"context"
	"strings"
	"time"
)

// Status is the outcome state of a job or of a single execution.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
)

// Priority is descriptive metadata. It never changes execution order.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// ParsePriority maps a config string to a Priority. Empty means normal.
func ParsePriority(s string) (Priority, bool) {
	p := Priority(strings.ToLower(strings.TrimSpace(s)))
	if p == "" {
		return PriorityNormal, true
	}
	return p, p.Valid()
}

// TriggerKind tells whether an execution came from the schedule or from TriggerNow.
type TriggerKind string

const (
	TriggerSchedule TriggerKind = "schedule"
	TriggerManual   TriggerKind = "manual"
)

// Definition describes a job as registered by the caller.
//
// Run receives a context that is canceled when the execution times out or the
// engine shuts down. Honoring it is up to the job; the engine never waits on a
// job past its timeout.
type Definition struct {
	ID       string
	Schedule string
	Run      func(ctx context.Context) error

	// Timeout bounds one execution. Zero uses Config.DefaultTimeout.
	Timeout time.Duration
	// MaxRetries is the number of consecutive failures that disables the job.
	// Zero uses Config.DefaultMaxRetries.
	MaxRetries int

	Priority Priority
	Group    string
	// Disabled registers the job without arming its schedule.
	Disabled bool
}

// Execution is the record of one run attempt.
type Execution struct {
	ID         string      `json:"id"`
	Job        string      `json:"job"`
	Trigger    TriggerKind `json:"trigger"`
	StartTime  time.Time   `json:"start_time"`
	EndTime    time.Time   `json:"end_time"`
	Status     Status      `json:"status"`
	DurationMs int64       `json:"duration_ms"`
	Error      string      `json:"error,omitempty"`
}

// Duration is the wall time the engine attributed to the execution.
func (x Execution) Duration() time.Duration {
	return time.Duration(x.DurationMs) * time.Millisecond
}

// Finished reports whether the execution reached a terminal status.
func (x Execution) Finished() bool {
	return !x.EndTime.IsZero()
}

// Disable reasons recorded in JobStatus.DisabledReason.
const (
	DisabledManual = "manual"
	DisabledAuto   = "auto"
)

// JobStatus is a point-in-time projection of one job.
type JobStatus struct {
	ID         string        `json:"id"`
	Group      string        `json:"group,omitempty"`
	Priority   Priority      `json:"priority"`
	Schedule   string        `json:"schedule"`
	Timeout    time.Duration `json:"timeout"`
	MaxRetries int           `json:"max_retries"`

	Enabled             bool      `json:"enabled"`
	Status              Status    `json:"status"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastFailure         time.Time `json:"last_failure"`
	LastRun             time.Time `json:"last_run"`
	NextRun             time.Time `json:"next_run"`

	TotalRuns     uint64 `json:"total_runs"`
	TotalFailures uint64 `json:"total_failures"`
	TotalTimeouts uint64 `json:"total_timeouts"`
	SkippedTicks  uint64 `json:"skipped_ticks"`

	DisabledReason string    `json:"disabled_reason,omitempty"`
	DisabledAt     time.Time `json:"disabled_at"`

	// History holds the most recent executions, oldest first.
	History []Execution `json:"history"`
}

// EngineStatus is a summary across all registered jobs.
type EngineStatus struct {
	Running      bool      `json:"running"`
	StartedAt    time.Time `json:"started_at"`
	TotalJobs    int       `json:"total_jobs"`
	EnabledJobs  int       `json:"enabled_jobs"`
	RunningJobs  int       `json:"running_jobs"`
	FailedJobs   int       `json:"failed_jobs"`
	TimedOutJobs int       `json:"timed_out_jobs"`
	AutoDisabled int       `json:"auto_disabled"`
	// InFlight counts execution goroutines still tracked by the engine.
	InFlight int64 `json:"in_flight"`
}

const (
	// HistoryLimit is how many executions each job retains.
	HistoryLimit = 10
	// StatusHistory is how many of those a JobStatus carries.
	StatusHistory = 5
)

type Config struct {
	// DefaultTimeout applies to jobs registered with Timeout == 0.
	DefaultTimeout time.Duration
	// DefaultMaxRetries applies to jobs registered with MaxRetries == 0.
	DefaultMaxRetries int
	// ShutdownGrace bounds how long Shutdown waits for running executions
	// when called with grace <= 0.
	ShutdownGrace time.Duration
	// SkipLogPerSec rate limits the overlap-skip log line per job.
	SkipLogPerSec float64

	// Location and StartupSpread configure the default cron Source.
	Location      *time.Location
	StartupSpread bool
}

func (c Config) withDefaults() Config {
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 5 * time.Minute
	}
	if c.DefaultMaxRetries <= 0 {
		c.DefaultMaxRetries = 3
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 10 * time.Second
	}
	if c.SkipLogPerSec <= 0 {
		c.SkipLogPerSec = 0.2
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	return c
}
