// Package scheduler owns schedule entities and the tick loop that fires
// them. Advance arithmetic lives here so it can be tested without a store
// or a clock.
package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/stratabase/strata/internal/domain"
)

var intervalUnits = map[string]time.Duration{
	"seconds": time.Second,
	"minutes": time.Minute,
	"hours":   time.Hour,
	"days":    24 * time.Hour,
}

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseSpec validates a schedule spec and returns its first fire time after
// now. The timezone defaults to UTC.
func ParseSpec(spec domain.ScheduleSpec, now time.Time) (*time.Time, error) {
	loc, err := location(spec.Timezone)
	if err != nil {
		return nil, err
	}

	switch spec.Method {
	case domain.ScheduleOnce:
		at, err := time.ParseInLocation("2006-01-02 15:04:05", spec.Date+" "+spec.Time, loc)
		if err != nil {
			return nil, fmt.Errorf("once schedule needs date YYYY-MM-DD and time HH:MM:SS: %w", domain.ErrValidation)
		}
		if !at.After(now) {
			return nil, fmt.Errorf("once schedule time %s is in the past: %w", at, domain.ErrValidation)
		}
		utc := at.UTC()
		return &utc, nil

	case domain.ScheduleInterval:
		unit, ok := intervalUnits[spec.Unit]
		if !ok {
			return nil, fmt.Errorf("interval unit %q must be seconds|minutes|hours|days: %w", spec.Unit, domain.ErrValidation)
		}
		if spec.Value <= 0 {
			return nil, fmt.Errorf("interval value must be positive: %w", domain.ErrValidation)
		}
		first := now.Add(time.Duration(spec.Value) * unit).UTC()
		return &first, nil

	case domain.ScheduleCron:
		sched, err := cronParser.Parse(spec.Cron)
		if err != nil {
			return nil, fmt.Errorf("cron expression %q: %v: %w", spec.Cron, err, domain.ErrValidation)
		}
		first := nextCron(sched, now, loc)
		return &first, nil
	}

	return nil, fmt.Errorf("unknown schedule method %q: %w", spec.Method, domain.ErrValidation)
}

// Next computes the fire after fireAt, given the wall clock now. A nil
// result means the schedule is exhausted.
//
// Interval advance is timezone-agnostic and skips fires missed during an
// outage: the next fire is the first multiple of the interval after now.
// Cron evaluates in the schedule's timezone; the cron engine resolves DST
// gaps by advancing to the next valid instant and fires doubled local times
// once.
func Next(spec domain.ScheduleSpec, fireAt, now time.Time) (*time.Time, error) {
	switch spec.Method {
	case domain.ScheduleOnce:
		return nil, nil

	case domain.ScheduleInterval:
		unit, ok := intervalUnits[spec.Unit]
		if !ok {
			return nil, fmt.Errorf("interval unit %q: %w", spec.Unit, domain.ErrValidation)
		}
		step := time.Duration(spec.Value) * unit
		if step <= 0 {
			return nil, fmt.Errorf("interval value must be positive: %w", domain.ErrValidation)
		}
		next := fireAt.Add(step)
		for !next.After(now) {
			next = next.Add(step)
		}
		utc := next.UTC()
		return &utc, nil

	case domain.ScheduleCron:
		loc, err := location(spec.Timezone)
		if err != nil {
			return nil, err
		}
		sched, err := cronParser.Parse(spec.Cron)
		if err != nil {
			return nil, fmt.Errorf("cron expression %q: %w", spec.Cron, domain.ErrValidation)
		}
		after := now
		if fireAt.After(after) {
			after = fireAt
		}
		next := nextCron(sched, after, loc)
		return &next, nil
	}

	return nil, fmt.Errorf("unknown schedule method %q: %w", spec.Method, domain.ErrValidation)
}

// nextCron is sched.Next in the schedule's timezone, corrected for
// spring-forward gaps: a fire whose local wall time falls inside a skipped
// interval happens at the first valid instant after the transition, not a
// full period later. Doubled local times during fall-back fire once, as the
// cron engine already does.
func nextCron(sched cron.Schedule, after time.Time, loc *time.Location) time.Time {
	local := after.In(loc)
	next := sched.Next(local)

	_, offBefore := local.Zone()
	_, offNext := next.Zone()
	if offNext <= offBefore {
		return next.UTC()
	}

	// The offset grew, so a forward transition sits between after and next.
	// Narrow down to the transition instant.
	lo, hi := local, next
	for hi.Sub(lo) > time.Second {
		mid := lo.Add(hi.Sub(lo) / 2)
		if _, off := mid.In(loc).Zone(); off == offBefore {
			lo = mid
		} else {
			hi = mid
		}
	}
	transition := hi.Truncate(time.Second)
	if _, off := transition.In(loc).Zone(); off == offBefore {
		transition = transition.Add(time.Second)
	}

	// The skipped wall-clock interval, evaluated in UTC so the cron fields
	// match plain wall time.
	post := transition.In(loc)
	gap := time.Duration(offNext-offBefore) * time.Second
	wallEnd := time.Date(post.Year(), post.Month(), post.Day(),
		post.Hour(), post.Minute(), post.Second(), 0, time.UTC)
	wallStart := wallEnd.Add(-gap)

	if fire := sched.Next(wallStart.Add(-time.Second)); fire.Before(wallEnd) {
		return transition.UTC()
	}
	return next.UTC()
}

func location(tz string) (*time.Location, error) {
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("unknown timezone %q: %w", tz, domain.ErrValidation)
	}
	return loc, nil
}
