package app

import (
	"fmt"
	"strings"

	"jobrunner/internal/config"
	"jobrunner/internal/task/engine"
)

// applyOverride returns def with the non-empty fields of ov applied.
func applyOverride(def engine.Definition, ov config.JobOverride) (engine.Definition, error) {
	if s := strings.TrimSpace(ov.Schedule); s != "" {
		def.Schedule = s
	}
	if strings.TrimSpace(ov.Timeout) != "" {
		d, err := config.JobTimeout(def.ID, ov.Timeout)
		if err != nil {
			return def, err
		}
		if d > 0 {
			def.Timeout = d
		}
	}
	if ov.MaxRetries > 0 {
		def.MaxRetries = ov.MaxRetries
	}
	if strings.TrimSpace(ov.Priority) != "" {
		p, ok := engine.ParsePriority(ov.Priority)
		if !ok {
			return def, fmt.Errorf("jobs.%s.priority: unknown priority %q", def.ID, ov.Priority)
		}
		def.Priority = p
	}
	if ov.Enabled != nil {
		def.Disabled = !*ov.Enabled
	}
	return def, nil
}

// resolveJobs applies cfg.Jobs to the built-in definitions. It also returns
// override ids that match no job.
func resolveJobs(base []engine.Definition, overrides map[string]config.JobOverride) ([]engine.Definition, []string, error) {
	out := make([]engine.Definition, 0, len(base))
	known := make(map[string]struct{}, len(base))
	for _, def := range base {
		known[def.ID] = struct{}{}
		d, err := applyOverride(def, overrides[def.ID])
		if err != nil {
			return nil, nil, err
		}
		out = append(out, d)
	}
	var unknown []string
	for id := range overrides {
		if _, ok := known[id]; !ok {
			unknown = append(unknown, id)
		}
	}
	return out, unknown, nil
}
