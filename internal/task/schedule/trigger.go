package schedule

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Trigger fires a callback at each instant matching its schedule.
//
// Stop halts firing without losing the schedule; a later Start resumes on the
// same expression. Implementations are safe for concurrent use.
type Trigger interface {
	Start()
	Stop()
	Active() bool
	// Next returns the next firing time, or zero when inactive.
	Next() time.Time
	Spec() string
}

// Source builds triggers and owns the clock that drives them.
type Source interface {
	NewTrigger(spec string, fire func()) (Trigger, error)
	Start()
	// Stop halts the clock. Triggers keep their registration state.
	Stop(ctx context.Context)
	Location() *time.Location
}

// Runner is the cron-backed Source. It drives every trigger from a single
// robfig/cron instance; each firing runs on its own goroutine, so firings of
// different jobs are never serialized.
type Runner struct {
	mu      sync.Mutex
	c       *cron.Cron
	parser  cron.Parser
	loc     *time.Location
	spread  bool
	running bool
}

type RunnerOption func(*Runner)

// WithLocation sets the reference timezone. Default UTC.
func WithLocation(loc *time.Location) RunnerOption {
	return func(r *Runner) {
		if loc != nil {
			r.loc = loc
		}
	}
}

// WithStartupSpread delays the first firing of interval triggers by a random jitter.
func WithStartupSpread(enabled bool) RunnerOption {
	return func(r *Runner) { r.spread = enabled }
}

func NewRunner(opts ...RunnerOption) *Runner {
	r := &Runner{
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		loc:    time.UTC,
	}
	for _, o := range opts {
		o(r)
	}
	r.c = cron.New(cron.WithParser(r.parser), cron.WithLocation(r.loc))
	return r
}

func (r *Runner) Location() *time.Location { return r.loc }

func (r *Runner) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.c.Start()
	r.running = true
}

// Stop halts the cron loop. It waits for in-flight fire callbacks (not for the
// work they hand off) or until ctx is done.
func (r *Runner) Stop(ctx context.Context) {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	done := r.c.Stop().Done()
	r.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Compile validates spec and returns the cron schedule for it.
func (r *Runner) Compile(spec string) (cron.Schedule, ParsedSpec, error) {
	ps, err := ParseSchedule(spec)
	if err != nil {
		return nil, ParsedSpec{}, err
	}
	if ps.Kind == SpecInterval {
		return cron.Every(ps.Every), ps, nil
	}
	sched, err := r.parser.Parse(ps.Cron)
	if err != nil {
		return nil, ParsedSpec{}, fmt.Errorf("%w %q: %v", ErrInvalidSchedule, spec, err)
	}
	return sched, ps, nil
}

// NextRuns previews the next n firing times of spec in the runner's timezone.
func (r *Runner) NextRuns(spec string, from time.Time, n int) ([]time.Time, error) {
	sched, _, err := r.Compile(spec)
	if err != nil {
		return nil, err
	}
	out := make([]time.Time, 0, n)
	t := from.In(r.loc)
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out, nil
}

func (r *Runner) NewTrigger(spec string, fire func()) (Trigger, error) {
	if fire == nil {
		return nil, fmt.Errorf("%w: nil fire callback", ErrInvalidSchedule)
	}
	sched, ps, err := r.Compile(spec)
	if err != nil {
		return nil, err
	}
	return &cronTrigger{runner: r, spec: strings.TrimSpace(spec), parsed: ps, sched: sched, fire: fire}, nil
}

type cronTrigger struct {
	runner *Runner
	spec   string
	parsed ParsedSpec
	sched  cron.Schedule
	fire   func()

	mu      sync.Mutex
	entryID cron.EntryID
}

func (t *cronTrigger) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.entryID != 0 {
		return
	}
	sched := t.sched
	if t.runner.spread && t.parsed.Kind == SpecInterval {
		sched, _ = withStartupSpread(t.parsed.Every, time.Now().In(t.runner.loc))
	}
	t.entryID = t.runner.c.Schedule(sched, cron.FuncJob(t.fire))
}

func (t *cronTrigger) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.entryID == 0 {
		return
	}
	t.runner.c.Remove(t.entryID)
	t.entryID = 0
}

func (t *cronTrigger) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entryID != 0
}

func (t *cronTrigger) Next() time.Time {
	t.mu.Lock()
	id := t.entryID
	t.mu.Unlock()
	if id == 0 {
		return time.Time{}
	}
	if next := t.runner.c.Entry(id).Next; !next.IsZero() {
		return next
	}
	// Entry.Next is only populated once the cron loop is running.
	return t.sched.Next(time.Now().In(t.runner.loc))
}

func (t *cronTrigger) Spec() string { return t.spec }
