package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"jobrunner/internal/eventbus"
	"jobrunner/internal/runtime/supervisor"
	"jobrunner/internal/task/schedule"
	"jobrunner/pkg/logx"
)

// Engine owns the job registry and drives every job through its triggers.
//
// Lock order: Engine.mu, then job.mu, then whatever the Trigger locks inside.
// Work functions always run without any engine lock held.
type Engine struct {
	cfg Config
	log logx.Logger
	bus eventbus.Bus
	src schedule.Source
	now func() time.Time

	mu        sync.RWMutex
	jobs      map[string]*job
	running   bool
	startedAt time.Time
	sup       *supervisor.Supervisor
}

type Option func(*Engine)

// WithSource replaces the default cron Source.
func WithSource(src schedule.Source) Option {
	return func(e *Engine) {
		if src != nil {
			e.src = src
		}
	}
}

func WithBus(bus eventbus.Bus) Option {
	return func(e *Engine) {
		if bus != nil {
			e.bus = bus
		}
	}
}

// WithClock overrides time.Now for timestamps recorded on jobs.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func New(cfg Config, log logx.Logger, opts ...Option) *Engine {
	cfg = cfg.withDefaults()
	e := &Engine{
		cfg:  cfg,
		log:  log,
		bus:  eventbus.Nop(),
		now:  time.Now,
		jobs: map[string]*job{},
	}
	for _, o := range opts {
		o(e)
	}
	if e.src == nil {
		e.src = schedule.NewRunner(schedule.WithLocation(cfg.Location), schedule.WithStartupSpread(cfg.StartupSpread))
	}
	e.sup = supervisor.New(context.Background(), supervisor.WithLogger(log))
	return e
}

// Source returns the trigger source driving this engine.
func (e *Engine) Source() schedule.Source { return e.src }

// job pairs a Definition with its mutable state. Everything below mu is
// guarded by it.
type job struct {
	id string

	mu         sync.Mutex
	def        Definition
	timeout    time.Duration
	trigger    schedule.Trigger
	enabled    bool
	status     Status
	lastRun    time.Time
	policy     failurePolicy
	hist       history
	current    *Execution
	runs       uint64
	failures   uint64
	timeouts   uint64
	skipped    uint64
	disabledAt time.Time
	disabledBy string

	skipLog *rate.Limiter
	log     logx.Logger
}

func (e *Engine) validate(def Definition) (Definition, error) {
	def.ID = strings.TrimSpace(def.ID)
	def.Schedule = strings.TrimSpace(def.Schedule)
	def.Group = strings.TrimSpace(def.Group)
	switch {
	case def.ID == "":
		return def, fmt.Errorf("%w: empty id", ErrInvalidJob)
	case def.Run == nil:
		return def, fmt.Errorf("%w: job %q has no run func", ErrInvalidJob, def.ID)
	case def.Timeout < 0:
		return def, fmt.Errorf("%w: job %q has negative timeout", ErrInvalidJob, def.ID)
	case def.MaxRetries < 0:
		return def, fmt.Errorf("%w: job %q has negative max retries", ErrInvalidJob, def.ID)
	}
	if def.Priority == "" {
		def.Priority = PriorityNormal
	}
	if !def.Priority.Valid() {
		return def, fmt.Errorf("%w: job %q has unknown priority %q", ErrInvalidJob, def.ID, def.Priority)
	}
	if def.MaxRetries == 0 {
		def.MaxRetries = e.cfg.DefaultMaxRetries
	}
	return def, nil
}

func (e *Engine) effectiveTimeout(def Definition) time.Duration {
	if def.Timeout > 0 {
		return def.Timeout
	}
	return e.cfg.DefaultTimeout
}

func (e *Engine) newTrigger(def Definition) (schedule.Trigger, error) {
	id := def.ID
	tr, err := e.src.NewTrigger(def.Schedule, func() { e.fire(id) })
	if err != nil {
		return nil, fmt.Errorf("job %q: %w", id, err)
	}
	return tr, nil
}

// RegisterJob adds a job. A malformed schedule or duplicate id is rejected and
// leaves the registry untouched.
func (e *Engine) RegisterJob(def Definition) error {
	def, err := e.validate(def)
	if err != nil {
		return err
	}
	e.mu.RLock()
	_, dup := e.jobs[def.ID]
	e.mu.RUnlock()
	if dup {
		return fmt.Errorf("%w: %q", ErrJobExists, def.ID)
	}
	tr, err := e.newTrigger(def)
	if err != nil {
		return err
	}

	j := &job{
		id:      def.ID,
		def:     def,
		timeout: e.effectiveTimeout(def),
		trigger: tr,
		enabled: !def.Disabled,
		status:  StatusIdle,
		policy:  failurePolicy{maxRetries: def.MaxRetries},
		hist:    newHistory(HistoryLimit),
		skipLog: rate.NewLimiter(rate.Limit(e.cfg.SkipLogPerSec), 1),
		log:     e.log.With(logx.String("job", def.ID)),
	}
	if def.Disabled {
		j.disabledBy = DisabledManual
		j.disabledAt = e.now()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.jobs[def.ID]; dup {
		return fmt.Errorf("%w: %q", ErrJobExists, def.ID)
	}
	e.jobs[def.ID] = j
	if j.enabled && e.running {
		tr.Start()
	}
	j.log.Debug("job registered", logx.String("schedule", def.Schedule), logx.Duration("timeout", j.timeout), logx.Int("max_retries", def.MaxRetries))
	return nil
}

// RegisterJobs registers defs in order and stops at the first error.
func (e *Engine) RegisterJobs(defs ...Definition) error {
	for _, d := range defs {
		if err := e.RegisterJob(d); err != nil {
			return err
		}
	}
	return nil
}

// ReplaceJob swaps the definition of a registered job, keeping its runtime
// state and history. The schedule is re-armed if the job is enabled and the
// engine is running. Definition.Disabled is ignored; use Enable/Disable.
// An execution already in flight finishes under the old definition.
func (e *Engine) ReplaceJob(def Definition) error {
	def, err := e.validate(def)
	if err != nil {
		return err
	}
	tr, err := e.newTrigger(def)
	if err != nil {
		return err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	j := e.jobs[def.ID]
	if j == nil {
		return fmt.Errorf("%w: %q", ErrJobNotFound, def.ID)
	}

	j.mu.Lock()
	j.trigger.Stop()
	j.def = def
	j.timeout = e.effectiveTimeout(def)
	j.trigger = tr
	j.policy.maxRetries = def.MaxRetries
	// A lower threshold can already be reached by the current streak.
	disabled := j.autoDisable(e.now())
	if j.enabled && e.running {
		tr.Start()
	}
	streak := j.policy.consecutive
	j.mu.Unlock()

	j.log.Info("job replaced", logx.String("schedule", def.Schedule), logx.Duration("timeout", j.timeout), logx.Int("max_retries", def.MaxRetries))
	if disabled {
		e.noteAutoDisable(j, streak, def.MaxRetries)
	}
	return nil
}

// Start arms the triggers of every enabled job. Calling it twice is a no-op.
func (e *Engine) Start(ctx context.Context) error {
	if ctx != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		e.log.Warn("engine already started")
		return nil
	}
	e.running = true
	e.startedAt = e.now()
	armed := 0
	for _, j := range e.jobs {
		j.mu.Lock()
		if j.enabled {
			j.trigger.Start()
			armed++
		}
		j.mu.Unlock()
	}
	total := len(e.jobs)
	e.mu.Unlock()

	e.src.Start()
	e.log.Info("engine started", logx.Int("jobs", total), logx.Int("armed", armed), logx.String("tz", e.src.Location().String()))
	return nil
}

// Stop disarms every trigger. Executions already running are left alone.
func (e *Engine) Stop(ctx context.Context) {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	for _, j := range e.jobs {
		j.mu.Lock()
		j.trigger.Stop()
		j.mu.Unlock()
	}
	e.mu.Unlock()

	e.src.Stop(ctx)
	e.log.Info("engine stopped")
}

// Shutdown stops the engine, waits up to grace for running executions, then
// cancels their contexts and returns. Jobs still running at that point are
// logged. A grace <= 0 uses Config.ShutdownGrace.
func (e *Engine) Shutdown(ctx context.Context, grace time.Duration) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if grace <= 0 {
		grace = e.cfg.ShutdownGrace
	}
	e.Stop(ctx)

	e.mu.Lock()
	sup := e.sup
	e.sup = supervisor.New(context.Background(), supervisor.WithLogger(e.log))
	e.mu.Unlock()

	waitCtx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	err := sup.Wait(waitCtx)
	if err == nil {
		sup.Cancel()
		e.log.Info("engine shutdown complete")
		return nil
	}

	still := e.runningJobs()
	sup.Cancel()
	e.log.Warn("shutdown grace elapsed with jobs still running",
		logx.Duration("grace", grace),
		logx.Any("jobs", still),
		logx.Any("goroutines", sup.Running()),
	)
	return fmt.Errorf("shutdown: %d job(s) still running: %w", len(still), err)
}

func (e *Engine) runningJobs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []string
	for id, j := range e.jobs {
		j.mu.Lock()
		if j.status == StatusRunning {
			out = append(out, id)
		}
		j.mu.Unlock()
	}
	sort.Strings(out)
	return out
}

// Running reports whether Start has been called more recently than Stop.
func (e *Engine) Running() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

func (e *Engine) lookup(id string) *job {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.jobs[jobKey(id)]
}

// jobKey normalizes ids passed to lookups and control operations.
func jobKey(id string) string { return strings.TrimSpace(id) }

// IDs returns registered job ids, sorted.
func (e *Engine) IDs() []string {
	e.mu.RLock()
	out := make([]string, 0, len(e.jobs))
	for id := range e.jobs {
		out = append(out, id)
	}
	e.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (e *Engine) publish(typ, jobID string, data any) {
	e.bus.Publish(eventbus.Event{Type: typ, Time: e.now(), Job: jobID, Data: data})
}
