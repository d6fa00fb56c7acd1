package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"jobrunner/internal/config"
	"jobrunner/internal/eventbus"
	"jobrunner/internal/jobs/maintenance"
	"jobrunner/internal/runtime/supervisor"
	"jobrunner/internal/task/engine"
	"jobrunner/internal/task/schedule"
	logx "jobrunner/pkg/logx"
	"jobrunner/pkg/sdnotify"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	engine *engine.Engine
	sd     *sdnotify.Notifier

	// base holds definitions before config overrides, keyed by id.
	base  map[string]engine.Definition
	order []string

	grace       time.Duration
	statusEvery time.Duration
	statusOut   io.Writer
	watchdog    bool
}

type Option func(*options)

type options struct {
	jobs        []engine.Definition
	src         schedule.Source
	statusEvery time.Duration
	statusOut   io.Writer
}

// WithJobs adds job definitions next to the built-in maintenance jobs.
func WithJobs(defs ...engine.Definition) Option {
	return func(o *options) { o.jobs = append(o.jobs, defs...) }
}

// WithSource replaces the cron trigger source.
func WithSource(src schedule.Source) Option {
	return func(o *options) { o.src = src }
}

// WithStatusReport writes the status table to w every interval. It takes
// precedence over engine.status_every.
func WithStatusReport(w io.Writer, every time.Duration) Option {
	return func(o *options) {
		o.statusOut = w
		o.statusEvery = every
	}
}

func New(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	res, err := cfg.Engine.Resolve()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(loggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	engOpts := []engine.Option{engine.WithBus(bus)}
	if o.src != nil {
		engOpts = append(engOpts, engine.WithSource(o.src))
	}
	eng := engine.New(engine.Config{
		DefaultTimeout:    res.DefaultTimeout,
		DefaultMaxRetries: res.DefaultMaxRetries,
		ShutdownGrace:     res.ShutdownGrace,
		SkipLogPerSec:     res.SkipLogPerSec,
		Location:          res.Location,
		StartupSpread:     res.StartupSpread,
	}, log.With(logx.String("comp", "engine")), engOpts...)

	defs := maintenance.Definitions(cfg.Maintenance, log.With(logx.String("comp", "maintenance")))
	defs = append(defs, o.jobs...)

	a := &App{
		cfgm:        cfgm,
		log:         log,
		logs:        logSvc,
		bus:         bus,
		engine:      eng,
		sd:          sdnotify.New(cfg.Systemd.Notify, log.With(logx.String("comp", "systemd"))),
		base:        make(map[string]engine.Definition, len(defs)),
		grace:       res.ShutdownGrace,
		statusEvery: res.StatusEvery,
		statusOut:   o.statusOut,
		watchdog:    cfg.Systemd.Watchdog,
	}
	if o.statusEvery > 0 {
		a.statusEvery = o.statusEvery
	}
	for _, d := range defs {
		if _, dup := a.base[d.ID]; dup {
			return nil, fmt.Errorf("%w: %q", engine.ErrJobExists, d.ID)
		}
		a.base[d.ID] = d
		a.order = append(a.order, d.ID)
	}

	resolved, unknown, err := resolveJobs(defs, cfg.Jobs)
	if err != nil {
		return nil, err
	}
	if err := eng.RegisterJobs(resolved...); err != nil {
		return nil, err
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		log.Warn("config overrides reference unknown jobs", logx.Strings("jobs", unknown))
	}
	return a, nil
}

func loggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		Format:  cfg.Logging.Format,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func (a *App) Engine() *engine.Engine { return a.engine }

func (a *App) Logger() logx.Logger { return a.log }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(a.validate)

	if err := a.engine.Start(a.sup.Context()); err != nil {
		return err
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				// Trace level: frequent schedules make this noisy.
				a.log.Trace("event", logx.String("type", e.Type), logx.String("job", e.Job), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.sd.Reloading()
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
				a.sd.Ready()
			}
		}
	})

	a.sup.GoRestart("config.watch", a.cfgm.Watch, 500*time.Millisecond, 10*time.Second)

	if a.statusEvery > 0 {
		a.sup.Go0("status.report", a.reportLoop)
	}
	if a.watchdog {
		a.sup.Go("systemd.watchdog", a.sd.Watchdog)
	}

	st := a.engine.EngineStatus()
	a.sd.Ready()
	a.sd.Status("%d jobs, %d enabled", st.TotalJobs, st.EnabledJobs)
	a.log.Info("app started", logx.Int("jobs", st.TotalJobs), logx.Int("enabled", st.EnabledJobs))
	return nil
}

// validate is the hot-reload hook. Config.Validate already ran; this checks
// what only the app knows, that overrides still produce valid definitions.
func (a *App) validate(_ context.Context, cfg *config.Config) error {
	base := make([]engine.Definition, 0, len(a.order))
	for _, id := range a.order {
		base = append(base, a.base[id])
	}
	_, _, err := resolveJobs(base, cfg.Jobs)
	return err
}

func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs, jobsChanged := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	for _, s := range sections {
		switch s {
		case "logging":
			a.logs.Apply(loggingConfig(newCfg))
		case "engine", "maintenance", "systemd":
			a.log.Warn("config section changed; restart required for it to take effect", logx.String("section", s))
		}
	}

	for _, id := range jobsChanged {
		a.reconfigureJob(id, oldCfg.Jobs[id], newCfg.Jobs[id])
	}

	a.log.Info("config reloaded", fields...)
}

// reconfigureJob re-derives id from its built-in definition and ov, then swaps
// the definition in place. The enabled flag is only touched when the override's
// enabled field changed, so editing a timeout never revives a disabled job.
func (a *App) reconfigureJob(id string, prev, ov config.JobOverride) {
	base, ok := a.base[id]
	if !ok {
		a.log.Warn("config override references unknown job", logx.String("job", id))
		return
	}
	def, err := applyOverride(base, ov)
	if err != nil {
		a.log.Warn("job override rejected", logx.String("job", id), logx.Err(err))
		return
	}
	if err := a.engine.ReplaceJob(def); err != nil {
		a.log.Warn("job reconfigure failed", logx.String("job", id), logx.Err(err))
		return
	}

	if sameEnabled(prev.Enabled, ov.Enabled) {
		return
	}
	st, _ := a.engine.Status(id)
	switch {
	case def.Disabled && st.Enabled:
		a.engine.Disable(id)
	case !def.Disabled && !st.Enabled:
		a.engine.Enable(id)
	}
}

func (a *App) reportLoop(ctx context.Context) {
	t := time.NewTicker(a.statusEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			a.report(now)
		}
	}
}

func (a *App) report(now time.Time) {
	es := a.engine.EngineStatus()
	if a.statusOut != nil {
		var buf bytes.Buffer
		_ = engine.FormatEngineStatus(&buf, es)
		_ = engine.FormatStatus(&buf, a.engine.Statuses(), now)
		_, _ = a.statusOut.Write(buf.Bytes())
		return
	}
	a.log.Info("engine status",
		logx.Int("jobs", es.TotalJobs),
		logx.Int("enabled", es.EnabledJobs),
		logx.Int("running", es.RunningJobs),
		logx.Int("failed", es.FailedJobs),
		logx.Int("timed_out", es.TimedOutJobs),
		logx.Int("auto_disabled", es.AutoDisabled),
		logx.Uint64("events_dropped", a.bus.Dropped()),
	)
	a.sd.Status("%d jobs, %d enabled, %d running, %d failed", es.TotalJobs, es.EnabledJobs, es.RunningJobs, es.FailedJobs)
}

// Stop shuts the engine down within its grace period, then unwinds the app
// goroutines. ctx bounds the whole sequence.
func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	a.sd.Stopping()

	// Background loops start unwinding right away; executions keep their
	// own context until the engine grace period runs out.
	a.sup.Cancel()

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	}

	step("engine", a.grace+time.Second, func(c context.Context) error { return a.engine.Shutdown(c, a.grace) })
	step("supervisor", 2*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}

func sameEnabled(a, b *bool) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
