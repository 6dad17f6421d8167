package scheduler

import (
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
)

// Cadence yields a stage's fire times.
type Cadence interface {
	// Next returns the first fire time strictly after t.
	Next(t time.Time) time.Time
}

// ParseCadence accepts "every <duration>" (e.g. "every 2h") or a standard
// five-field cron expression or descriptor ("0 9 * * *", "@hourly"). Both are
// evaluated in loc.
func ParseCadence(expr string, loc *time.Location) (Cadence, error) {
	if loc == nil {
		loc = time.UTC
	}
	expr = strings.TrimSpace(expr)
	if rest, ok := strings.CutPrefix(expr, "every "); ok {
		d, err := time.ParseDuration(strings.TrimSpace(rest))
		if err != nil {
			return nil, eris.Wrapf(err, "scheduler: parse interval %q", expr)
		}
		if d < time.Minute {
			return nil, eris.Errorf("scheduler: interval %q is shorter than a minute", expr)
		}
		return interval{every: d, loc: loc}, nil
	}

	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, eris.Wrapf(err, "scheduler: parse cron %q", expr)
	}
	return cronCadence{sched: sched, loc: loc}, nil
}

// interval fires every d, aligned to local midnight so "every 2h" fires at
// 00:00, 02:00, ... in loc. A day that does not divide evenly restarts at
// the next midnight.
type interval struct {
	every time.Duration
	loc   *time.Location
}

func (i interval) Next(t time.Time) time.Time {
	lt := t.In(i.loc)
	y, m, d := lt.Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, i.loc)
	nextMidnight := time.Date(y, m, d+1, 0, 0, 0, 0, i.loc)

	elapsed := lt.Sub(midnight)
	next := midnight.Add((elapsed/i.every + 1) * i.every)
	if !next.Before(nextMidnight) {
		return nextMidnight
	}
	return next
}

type cronCadence struct {
	sched cron.Schedule
	loc   *time.Location
}

func (c cronCadence) Next(t time.Time) time.Time {
	return c.sched.Next(t.In(c.loc))
}
