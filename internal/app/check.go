package app

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"jobrunner/internal/config"
	"jobrunner/internal/jobs/maintenance"
	"jobrunner/internal/task/engine"
	"jobrunner/internal/task/schedule"
	logx "jobrunner/pkg/logx"
)

// Check validates the config at cfgPath together with extra job definitions
// and writes each job's effective schedule and its next n firing times.
func Check(cfgPath string, w io.Writer, now time.Time, n int, extra ...engine.Definition) error {
	cfg, err := config.NewManager(cfgPath).Load()
	if err != nil {
		return err
	}
	res, err := cfg.Engine.Resolve()
	if err != nil {
		return err
	}

	defs := append(maintenance.Definitions(cfg.Maintenance, logx.Nop()), extra...)
	resolved, unknown, err := resolveJobs(defs, cfg.Jobs)
	if err != nil {
		return err
	}

	runner := schedule.NewRunner(schedule.WithLocation(res.Location))
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB\tENABLED\tSCHEDULE\tTIMEOUT\tNEXT RUNS")
	for _, d := range resolved {
		runs, err := runner.NextRuns(d.Schedule, now, n)
		if err != nil {
			return fmt.Errorf("job %q: %w", d.ID, err)
		}
		next := make([]string, len(runs))
		for i, r := range runs {
			next[i] = r.Format(time.RFC3339)
		}
		timeout := d.Timeout
		if timeout <= 0 {
			timeout = res.DefaultTimeout
		}
		fmt.Fprintf(tw, "%s\t%t\t%s\t%s\t%s\n", d.ID, !d.Disabled, d.Schedule, timeout, strings.Join(next, ", "))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	for _, id := range unknown {
		fmt.Fprintf(w, "warning: override for unknown job %q\n", id)
	}
	fmt.Fprintf(w, "config ok: %d jobs, timezone %s\n", len(resolved), res.Location)
	return nil
}
