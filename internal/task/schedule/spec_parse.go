package schedule

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidSchedule marks a schedule expression that cannot be parsed.
var ErrInvalidSchedule = errors.New("invalid schedule")

// SpecKind says whether a schedule is a cron expression or a fixed interval.
type SpecKind int

const (
	SpecCron SpecKind = iota
	SpecInterval
)

func (k SpecKind) String() string {
	if k == SpecInterval {
		return "interval"
	}
	return "cron"
}

// ParsedSpec is a normalized schedule string.
//
// Accepted forms:
//
//	*/5 * * * *          cron, five fields
//	*/10 * * * * *       cron with seconds
//	@hourly, @daily      descriptors
//	@every 55m           interval
//	55m, 2h30m           interval as Go duration
//	00:50, 02:30         interval as HH:MM
//
// "cron:" forces cron. "interval:", "every:" and "every " force an interval.
type ParsedSpec struct {
	Kind   SpecKind
	Cron   string
	Every  time.Duration
	Source string // cron, duration or hhmm
}

// Expr is the string handed to the cron parser.
func (p ParsedSpec) Expr() string {
	if p.Kind == SpecInterval {
		return "@every " + p.Every.String()
	}
	return p.Cron
}

// Cron resolution. Intervals must be whole seconds.
const minInterval = time.Second

var intervalPrefixes = []string{"interval:", "every:", "every ", "@every"}

// ParseSchedule classifies raw. Cron fields are only checked for shape here;
// Runner.Compile validates them.
func ParseSchedule(raw string) (ParsedSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedSpec{}, fmt.Errorf("%w: schedule required", ErrInvalidSchedule)
	}
	low := strings.ToLower(s)

	if rest, ok := strings.CutPrefix(low, "cron:"); ok {
		if strings.TrimSpace(rest) == "" {
			return ParsedSpec{}, fmt.Errorf("%w: empty expression after cron:", ErrInvalidSchedule)
		}
		return cronSpec(strings.TrimSpace(s[len("cron:"):])), nil
	}
	for _, p := range intervalPrefixes {
		if strings.HasPrefix(low, p) {
			return intervalSpec(s[len(p):])
		}
	}
	if strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t\r\n") {
		return cronSpec(s), nil
	}
	if ps, err := intervalSpec(s); err == nil || !errors.Is(err, errNotInterval) {
		return ps, err
	}
	return ParsedSpec{}, fmt.Errorf(
		"%w %q (use cron like '*/5 * * * *', HH:MM like '02:30', or duration like '55m')",
		ErrInvalidSchedule, raw,
	)
}

func cronSpec(expr string) ParsedSpec {
	return ParsedSpec{Kind: SpecCron, Cron: expr, Source: "cron"}
}

// errNotInterval means v looked like neither HH:MM nor a duration.
var errNotInterval = fmt.Errorf("%w: not an interval", ErrInvalidSchedule)

func intervalSpec(v string) (ParsedSpec, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return ParsedSpec{}, fmt.Errorf("%w: interval required", ErrInvalidSchedule)
	}

	var (
		d   time.Duration
		src string
		err error
	)
	if hh, mm, ok := strings.Cut(v, ":"); ok {
		d, err = hhmm(hh, mm)
		src = "hhmm"
	} else {
		d, err = time.ParseDuration(v)
		src = "duration"
		if err != nil {
			err = errNotInterval
		}
	}
	if err != nil {
		return ParsedSpec{}, err
	}
	switch {
	case d <= 0:
		return ParsedSpec{}, fmt.Errorf("%w: interval must be > 0", ErrInvalidSchedule)
	case d%minInterval != 0:
		return ParsedSpec{}, fmt.Errorf("%w: interval %s must be a whole number of seconds", ErrInvalidSchedule, d)
	}
	return ParsedSpec{Kind: SpecInterval, Every: d, Source: src}, nil
}

// hhmm reads hours (up to three digits) and minutes (two digits, < 60).
func hhmm(hh, mm string) (time.Duration, error) {
	h, herr := strconv.Atoi(hh)
	m, merr := strconv.Atoi(mm)
	if herr != nil || merr != nil || len(hh) == 0 || len(hh) > 3 || len(mm) != 2 || h < 0 || m < 0 {
		return 0, fmt.Errorf("%w: HH:MM %q", ErrInvalidSchedule, hh+":"+mm)
	}
	if m > 59 {
		return 0, fmt.Errorf("%w: minutes in %q", ErrInvalidSchedule, hh+":"+mm)
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute, nil
}
