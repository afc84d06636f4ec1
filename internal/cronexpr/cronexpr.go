// Package cronexpr validates cron expressions against a minimum-frequency
// policy and previews upcoming fire times. All call sites share the same
// parser so validation and scheduling can never disagree about syntax.
package cronexpr

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidCron wraps any parse failure, including unknown timezones.
var ErrInvalidCron = errors.New("invalid cron expression")

// parser accepts standard five-field expressions, an optional leading
// seconds field, and descriptors such as @hourly.
var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Policy bounds how often a schedule may fire. Samples is the number of
// consecutive intervals inspected, counted from the next fire time.
type Policy struct {
	MinInterval time.Duration
	Samples     int
}

// DefaultPolicy rejects schedules that fire more than once per minute.
var DefaultPolicy = Policy{MinInterval: time.Minute, Samples: 1}

// FrequencyError reports a schedule that fires faster than the policy
// allows.
type FrequencyError struct {
	Interval time.Duration // observed span across the sampled fires
	Policy   Policy
}

func (e *FrequencyError) Error() string {
	return fmt.Sprintf(
		"tasks cannot run more frequently than %d fire(s) every %s: this schedule fires every %s",
		e.Policy.Samples, e.Policy.MinInterval, e.Interval,
	)
}

// ValidateFrequency parses expr and checks the spacing of its next
// Samples+1 fire times from now in the given timezone. A malformed
// expression or unknown zone returns an error wrapping ErrInvalidCron; a
// schedule firing faster than the policy returns a *FrequencyError.
//
// Only the first Samples intervals are inspected. With Samples=1 an
// expression with irregular spacing (e.g. firing at :00 and :01 of every
// hour) can pass despite having one short gap later in its cycle; callers
// accept this limitation.
func ValidateFrequency(expr, tz string, pol Policy) error {
	if pol.Samples <= 0 {
		pol.Samples = 1
	}
	times, err := nextTimes(expr, tz, pol.Samples+1, time.Now())
	if err != nil {
		return err
	}
	elapsed := times[pol.Samples].Sub(times[0])
	if elapsed < pol.MinInterval {
		return &FrequencyError{Interval: elapsed, Policy: pol}
	}
	return nil
}

// NextRunTimes returns the next n fire times of expr in the given timezone,
// computed from "now" at each call. Intended for display only.
func NextRunTimes(expr, tz string, n int) ([]time.Time, error) {
	return nextTimes(expr, tz, n, time.Now())
}

// Next returns the first fire time of expr strictly after from, evaluated
// in the given timezone.
func Next(expr, tz string, from time.Time) (time.Time, error) {
	sched, loc, err := parse(expr, tz)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(from.In(loc)), nil
}

func nextTimes(expr, tz string, n int, from time.Time) ([]time.Time, error) {
	sched, loc, err := parse(expr, tz)
	if err != nil {
		return nil, err
	}
	times := make([]time.Time, 0, n)
	t := from.In(loc)
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			return nil, fmt.Errorf("%w: %q yields no future fire times", ErrInvalidCron, expr)
		}
		times = append(times, t)
	}
	return times, nil
}

func parse(expr, tz string) (cron.Schedule, *time.Location, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidCron, err)
	}
	loc := time.Local
	if tz != "" {
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: unknown timezone %q", ErrInvalidCron, tz)
		}
	}
	return sched, loc, nil
}
