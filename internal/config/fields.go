package config

import (
	"fmt"
	"strings"
	"time"
)

// parseDuration reads an optional, non-negative Go duration string. Empty
// means zero.
func parseDuration(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q", path, raw)
	case d < 0:
		return 0, fmt.Errorf("%s: must not be negative", path)
	}
	return d, nil
}

func durationOr(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := parseDuration(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}

// JobTimeout parses a job override timeout. The path names the field in
// error messages.
func JobTimeout(id, raw string) (time.Duration, error) {
	return parseDuration("jobs."+id+".timeout", raw)
}
