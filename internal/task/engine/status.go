package engine

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"
	"unicode/utf8"
)

// Status returns the projection of one job.
func (e *Engine) Status(id string) (JobStatus, bool) {
	j := e.lookup(id)
	if j == nil {
		return JobStatus{}, false
	}
	return j.snapshot(), true
}

// Statuses returns every job's projection, sorted by id.
func (e *Engine) Statuses() []JobStatus {
	e.mu.RLock()
	jobs := make([]*job, 0, len(e.jobs))
	for _, j := range e.jobs {
		jobs = append(jobs, j)
	}
	e.mu.RUnlock()

	out := make([]JobStatus, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.snapshot())
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

func (j *job) snapshot() JobStatus {
	j.mu.Lock()
	st := JobStatus{
		ID:                  j.id,
		Group:               j.def.Group,
		Priority:            j.def.Priority,
		Schedule:            j.def.Schedule,
		Timeout:             j.timeout,
		MaxRetries:          j.policy.maxRetries,
		Enabled:             j.enabled,
		Status:              j.status,
		ConsecutiveFailures: j.policy.consecutive,
		LastFailure:         j.policy.lastFailure,
		LastRun:             j.lastRun,
		TotalRuns:           j.runs,
		TotalFailures:       j.failures,
		TotalTimeouts:       j.timeouts,
		SkippedTicks:        j.skipped,
		DisabledReason:      j.disabledBy,
		DisabledAt:          j.disabledAt,
		History:             j.hist.last(StatusHistory),
	}
	tr := j.trigger
	j.mu.Unlock()

	st.NextRun = tr.Next()
	return st
}

// EngineStatus aggregates counts across every job.
func (e *Engine) EngineStatus() EngineStatus {
	e.mu.RLock()
	out := EngineStatus{
		Running:   e.running,
		StartedAt: e.startedAt,
		TotalJobs: len(e.jobs),
		InFlight:  e.sup.Counters().Active,
	}
	for _, j := range e.jobs {
		j.mu.Lock()
		if j.enabled {
			out.EnabledJobs++
		} else if j.disabledBy == DisabledAuto {
			out.AutoDisabled++
		}
		switch j.status {
		case StatusRunning:
			out.RunningJobs++
		case StatusFailed:
			out.FailedJobs++
		case StatusTimeout:
			out.TimedOutJobs++
		}
		j.mu.Unlock()
	}
	e.mu.RUnlock()
	return out
}

// FormatStatus writes statuses as an aligned text table, one job per line.
func FormatStatus(w io.Writer, statuses []JobStatus, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB\tENABLED\tSTATUS\tSCHEDULE\tLAST RUN\tNEXT RUN\tFAILS\tRUNS\tLAST ERROR")
	for _, s := range statuses {
		enabled := "yes"
		if !s.Enabled {
			enabled = "no"
			if s.DisabledReason != "" {
				enabled += " (" + s.DisabledReason + ")"
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%d/%d\t%d\t%s\n",
			s.ID,
			enabled,
			s.Status,
			s.Schedule,
			ago(now, s.LastRun),
			until(now, s.NextRun),
			s.ConsecutiveFailures, s.MaxRetries,
			s.TotalRuns,
			lastError(s.History),
		)
	}
	return tw.Flush()
}

// FormatEngineStatus writes a one-line summary.
func FormatEngineStatus(w io.Writer, st EngineStatus) error {
	state := "stopped"
	if st.Running {
		state = "running"
	}
	_, err := fmt.Fprintf(w, "engine %s: %d jobs, %d enabled, %d running, %d failed, %d timed out, %d auto-disabled\n",
		state, st.TotalJobs, st.EnabledJobs, st.RunningJobs, st.FailedJobs, st.TimedOutJobs, st.AutoDisabled)
	return err
}

func ago(now, t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return now.Sub(t).Truncate(time.Second).String() + " ago"
}

func until(now, t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := t.Sub(now)
	if d < 0 {
		d = 0
	}
	return "in " + d.Truncate(time.Second).String()
}

func lastError(h []Execution) string {
	for i := len(h) - 1; i >= 0; i-- {
		if h[i].Error != "" {
			return truncate(strings.ReplaceAll(h[i].Error, "\n", " "), 60)
		}
	}
	return "-"
}

// truncate shortens s to at most n runes, marking the cut with "...".
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-3]) + "..."
}
