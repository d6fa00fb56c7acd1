package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"jobrunner/internal/task/schedule"
	logx "jobrunner/pkg/logx"
)

// Validate checks every field that can be checked without building the engine.
// All problems are reported together.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error

	if lvl := strings.TrimSpace(c.Logging.Level); lvl != "" && !logx.ValidLevel(lvl) {
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", lvl))
	}

	if !logx.ValidFormat(c.Logging.Format) {
		errs = append(errs, fmt.Errorf("logging.format: unknown format %q", c.Logging.Format))
	}

	if _, err := c.Engine.Resolve(); err != nil {
		errs = append(errs, err)
	}

	ids := make([]string, 0, len(c.Jobs))
	for id := range c.Jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := c.Jobs[id].validate("jobs." + id); err != nil {
			errs = append(errs, err)
		}
	}

	h := c.Maintenance.Health
	if h.Enabled {
		if err := validSchedule("maintenance.health.schedule", h.Schedule); err != nil {
			errs = append(errs, err)
		}
		if h.MaxMemPercent < 0 || h.MaxMemPercent > 100 || h.MaxDiskPct < 0 || h.MaxDiskPct > 100 || h.MaxLoadPerCPU < 0 {
			errs = append(errs, errors.New("maintenance.health: thresholds out of range"))
		}
	}
	if c.Maintenance.GC.Enabled {
		if err := validSchedule("maintenance.gc.schedule", c.Maintenance.GC.Schedule); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func validSchedule(path, raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	if _, _, err := schedule.NewRunner().Compile(raw); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

func (o JobOverride) validate(path string) error {
	if err := validSchedule(path+".schedule", o.Schedule); err != nil {
		return err
	}
	if _, err := parseDuration(path+".timeout", o.Timeout); err != nil {
		return err
	}
	if o.MaxRetries < 0 {
		return fmt.Errorf("%s.max_retries: must be >= 0", path)
	}
	switch strings.ToLower(strings.TrimSpace(o.Priority)) {
	case "", "low", "normal", "high", "critical":
	default:
		return fmt.Errorf("%s.priority: unknown priority %q", path, o.Priority)
	}
	return nil
}

// TimeoutDuration returns the parsed override timeout (0 when unset).
func (o JobOverride) TimeoutDuration() time.Duration {
	d, _ := parseDuration("timeout", o.Timeout)
	return d
}

// ResolvedEngine is EngineConfig with defaults applied and strings parsed.
type ResolvedEngine struct {
	Location          *time.Location
	DefaultTimeout    time.Duration
	DefaultMaxRetries int
	ShutdownGrace     time.Duration
	StartupSpread     bool
	SkipLogPerSec     float64
	StatusEvery       time.Duration
}

func (e EngineConfig) Resolve() (ResolvedEngine, error) {
	out := ResolvedEngine{
		DefaultMaxRetries: e.DefaultMaxRetries,
		StartupSpread:     e.StartupSpread,
		SkipLogPerSec:     e.SkipLogPerSec,
	}
	if out.DefaultMaxRetries < 0 {
		return out, errors.New("engine.default_max_retries: must be >= 0")
	}
	if out.DefaultMaxRetries == 0 {
		out.DefaultMaxRetries = 3
	}
	if out.SkipLogPerSec < 0 {
		return out, errors.New("engine.skip_log_per_sec: must be >= 0")
	}

	tz := strings.TrimSpace(e.Timezone)
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return out, fmt.Errorf("engine.timezone: %w", err)
	}
	out.Location = loc

	if out.DefaultTimeout, err = durationOr("engine.default_timeout", e.DefaultTimeout, 5*time.Minute); err != nil {
		return out, err
	}
	if out.ShutdownGrace, err = durationOr("engine.shutdown_grace", e.ShutdownGrace, 10*time.Second); err != nil {
		return out, err
	}
	if out.StatusEvery, err = parseDuration("engine.status_every", e.StatusEvery); err != nil {
		return out, err
	}
	return out, nil
}
