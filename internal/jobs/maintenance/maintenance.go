// Package maintenance provides the jobs jobd registers on its own: a host
// health check and a Go runtime collector. They are ordinary engine
// definitions and go through the same overrides as any other job.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"jobrunner/internal/config"
	"jobrunner/internal/task/engine"
	"jobrunner/pkg/logx"
)

const (
	HealthJobID = "system.health"
	GCJobID     = "runtime.gc"

	defaultHealthSchedule = "every 1m"
	defaultGCSchedule     = "every 10m"
)

// ErrUnhealthy is returned by the health job when a threshold is exceeded.
var ErrUnhealthy = errors.New("host unhealthy")

// Probe reads host metrics. Percentages are 0..100.
type Probe interface {
	LoadPerCPU(ctx context.Context) (float64, error)
	MemPercent(ctx context.Context) (float64, error)
	DiskPercent(ctx context.Context, path string) (float64, error)
}

// HostProbe reads metrics of the local machine through gopsutil.
type HostProbe struct{}

func (HostProbe) LoadPerCPU(ctx context.Context) (float64, error) {
	avg, err := load.AvgWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("load average: %w", err)
	}
	n, err := cpu.CountsWithContext(ctx, true)
	if err != nil || n <= 0 {
		n = runtime.NumCPU()
	}
	return avg.Load1 / float64(n), nil
}

func (HostProbe) MemPercent(ctx context.Context) (float64, error) {
	v, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("memory stats: %w", err)
	}
	return v.UsedPercent, nil
}

func (HostProbe) DiskPercent(ctx context.Context, path string) (float64, error) {
	u, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("disk usage %s: %w", path, err)
	}
	return u.UsedPercent, nil
}

type Option func(*builder)

// WithProbe replaces the host probe.
func WithProbe(p Probe) Option {
	return func(b *builder) {
		if p != nil {
			b.probe = p
		}
	}
}

type builder struct {
	probe Probe
	log   logx.Logger
}

// Definitions returns the enabled built-in jobs.
func Definitions(cfg config.MaintenanceConfig, log logx.Logger, opts ...Option) []engine.Definition {
	b := &builder{probe: HostProbe{}, log: log}
	for _, o := range opts {
		o(b)
	}

	var defs []engine.Definition
	if cfg.Health.Enabled {
		defs = append(defs, engine.Definition{
			ID:         HealthJobID,
			Schedule:   orDefault(cfg.Health.Schedule, defaultHealthSchedule),
			Run:        b.healthCheck(cfg.Health),
			Timeout:    30 * time.Second,
			MaxRetries: 5,
			Priority:   engine.PriorityHigh,
			Group:      "maintenance",
		})
	}
	if cfg.GC.Enabled {
		defs = append(defs, engine.Definition{
			ID:       GCJobID,
			Schedule: orDefault(cfg.GC.Schedule, defaultGCSchedule),
			Run:      b.collect(cfg.GC.FreeOSMemory),
			Timeout:  time.Minute,
			Priority: engine.PriorityLow,
			Group:    "maintenance",
		})
	}
	return defs
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

func (b *builder) healthCheck(cfg config.HealthJobConfig) func(ctx context.Context) error {
	paths := cfg.DiskPaths
	if len(paths) == 0 {
		paths = []string{"/"}
	}
	return func(ctx context.Context) error {
		var problems []string
		fields := make([]logx.Field, 0, 2+len(paths))

		if cfg.MaxLoadPerCPU > 0 {
			v, err := b.probe.LoadPerCPU(ctx)
			if err != nil {
				return err
			}
			fields = append(fields, logx.Float64("load_per_cpu", v))
			if v > cfg.MaxLoadPerCPU {
				problems = append(problems, fmt.Sprintf("load %.2f/cpu > %.2f", v, cfg.MaxLoadPerCPU))
			}
		}
		if cfg.MaxMemPercent > 0 {
			v, err := b.probe.MemPercent(ctx)
			if err != nil {
				return err
			}
			fields = append(fields, logx.Float64("mem_pct", v))
			if v > cfg.MaxMemPercent {
				problems = append(problems, fmt.Sprintf("memory %.1f%% > %.1f%%", v, cfg.MaxMemPercent))
			}
		}
		if cfg.MaxDiskPct > 0 {
			for _, p := range paths {
				if err := ctx.Err(); err != nil {
					return err
				}
				v, err := b.probe.DiskPercent(ctx, p)
				if err != nil {
					return err
				}
				fields = append(fields, logx.Float64("disk_pct:"+p, v))
				if v > cfg.MaxDiskPct {
					problems = append(problems, fmt.Sprintf("disk %s %.1f%% > %.1f%%", p, v, cfg.MaxDiskPct))
				}
			}
		}

		b.log.Debug("host health sampled", fields...)
		if len(problems) > 0 {
			return fmt.Errorf("%w: %s", ErrUnhealthy, strings.Join(problems, "; "))
		}
		return nil
	}
}

func (b *builder) collect(freeOS bool) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		var before, after runtime.MemStats
		runtime.ReadMemStats(&before)
		if freeOS {
			// FreeOSMemory forces a collection itself.
			debug.FreeOSMemory()
		} else {
			runtime.GC()
		}
		runtime.ReadMemStats(&after)

		b.log.Debug("runtime collected",
			logx.Uint64("heap_alloc_before", before.HeapAlloc),
			logx.Uint64("heap_alloc_after", after.HeapAlloc),
			logx.Uint64("heap_released", after.HeapReleased),
			logx.Int("goroutines", runtime.NumGoroutine()),
		)
		return ctx.Err()
	}
}
