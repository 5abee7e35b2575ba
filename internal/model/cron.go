package model

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var ErrISOFormat = errors.New("invalid ISO8601 duration")

// ParseInterval accepts either an ISO8601 duration (PT5S) or a cron
// expression (@every 5s, */1 * * * *) and returns the tick interval.
func ParseInterval(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "P") {
		d, err := ParseISODuration(s)
		if err != nil {
			return 0, err
		}
		if d <= 0 {
			return 0, fmt.Errorf("interval must be positive: %s", s)
		}
		return d, nil
	}
	return ParseCron(s)
}

// ParseCron returns the time between two activations of a standard five
// field cron expression or a descriptor such as @every 10s.
func ParseCron(expr string) (time.Duration, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return 0, errors.New("empty cron expression")
	}
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return 0, fmt.Errorf("parsing cron %q: %w", expr, err)
	}
	first := schedule.Next(time.Now())
	return schedule.Next(first).Sub(first), nil
}

// ParseISODuration parses the day and time part of an ISO8601 duration,
// P[nD][T[nH][nM][n[.f]S]]. Years, months and weeks are rejected as their
// length depends on the calendar. Only seconds take a fraction.
func ParseISODuration(s string) (time.Duration, error) {
	rest, ok := strings.CutPrefix(s, "P")
	if !ok || rest == "" {
		return 0, ErrISOFormat
	}
	date, clock, hasT := strings.Cut(rest, "T")
	if hasT && clock == "" {
		return 0, ErrISOFormat
	}

	var total time.Duration
	if date != "" {
		n, ok := strings.CutSuffix(date, "D")
		if !ok {
			return 0, ErrISOFormat
		}
		d, err := component(n, 24*time.Hour, false)
		if err != nil {
			return 0, err
		}
		total += d
	}

	for _, u := range []struct {
		designator byte
		unit       time.Duration
	}{
		{'H', time.Hour},
		{'M', time.Minute},
		{'S', time.Second},
	} {
		i := strings.IndexByte(clock, u.designator)
		if i < 0 {
			continue
		}
		d, err := component(clock[:i], u.unit, u.designator == 'S')
		if err != nil {
			return 0, err
		}
		total += d
		clock = clock[i+1:]
	}
	if clock != "" {
		return 0, ErrISOFormat
	}
	return total, nil
}

func component(num string, unit time.Duration, fraction bool) (time.Duration, error) {
	whole, frac, hasFrac := strings.Cut(strings.Replace(num, ",", ".", 1), ".")
	if whole == "" || (hasFrac && (!fraction || frac == "" || len(frac) > 9)) {
		return 0, ErrISOFormat
	}
	n, err := strconv.ParseUint(whole, 10, 32)
	if err != nil {
		return 0, ErrISOFormat
	}
	d := time.Duration(n) * unit
	if hasFrac {
		f, err := strconv.ParseUint(frac, 10, 32)
		if err != nil {
			return 0, ErrISOFormat
		}
		scale := time.Duration(1)
		for range len(frac) {
			scale *= 10
		}
		d += time.Duration(f) * unit / scale
	}
	return d, nil
}
