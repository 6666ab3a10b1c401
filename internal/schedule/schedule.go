// Package schedule interprets monitor cadence strings.
//
// Two grammars are accepted: a simple interval made of a positive integer
// followed by s, m, h or d ("30m", "1d"), and a standard five-field cron
// expression ("minute hour dom month dow") evaluated in UTC.
package schedule

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule computes the next expected ping instant after a reference time.
// Implementations are pure: the same reference always yields the same result.
type Schedule interface {
	Next(from time.Time) time.Time
	String() string
}

// InvalidScheduleError reports a schedule string that cannot be used.
type InvalidScheduleError struct {
	Input  string
	Reason string
}

func (e *InvalidScheduleError) Error() string {
	return fmt.Sprintf("invalid schedule %q: %s", e.Input, e.Reason)
}

var intervalPattern = regexp.MustCompile(`^([0-9]+)([smhd])$`)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// cronEpoch is the fixed instant used to reject cron expressions that never fire.
var cronEpoch = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

// Parser validates schedules against an optional minimum interval.
// The zero value accepts any positive interval.
type Parser struct {
	MinInterval time.Duration
}

// Parse uses a Parser with no minimum interval.
func Parse(spec string) (Schedule, error) {
	return Parser{}.Parse(spec)
}

func (p Parser) Parse(spec string) (Schedule, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, &InvalidScheduleError{Input: spec, Reason: "empty schedule"}
	}

	if m := intervalPattern.FindStringSubmatch(spec); m != nil {
		return p.parseInterval(spec, m[1], m[2])
	}

	if len(strings.Fields(spec)) != 5 {
		return nil, &InvalidScheduleError{Input: spec, Reason: "expected an interval like 5m or a 5-field cron expression"}
	}
	return parseCron(spec)
}

func (p Parser) parseInterval(spec, amount, unit string) (Schedule, error) {
	n, err := strconv.ParseInt(amount, 10, 64)
	if err != nil || n <= 0 {
		return nil, &InvalidScheduleError{Input: spec, Reason: "interval must be a positive integer"}
	}

	var unitDur time.Duration
	switch unit {
	case "s":
		unitDur = time.Second
	case "m":
		unitDur = time.Minute
	case "h":
		unitDur = time.Hour
	case "d":
		unitDur = 24 * time.Hour
	}

	if n > int64((1<<63-1)/unitDur) {
		return nil, &InvalidScheduleError{Input: spec, Reason: "interval too large"}
	}
	d := time.Duration(n) * unitDur

	if p.MinInterval > 0 && d < p.MinInterval {
		return nil, &InvalidScheduleError{
			Input:  spec,
			Reason: fmt.Sprintf("interval is below the minimum of %s", p.MinInterval),
		}
	}

	return Interval{spec: spec, Every: d}, nil
}

func parseCron(spec string) (Schedule, error) {
	parsed, err := cronParser.Parse(spec)
	if err != nil {
		return nil, &InvalidScheduleError{Input: spec, Reason: err.Error()}
	}

	sched, ok := parsed.(*cron.SpecSchedule)
	if !ok {
		return nil, &InvalidScheduleError{Input: spec, Reason: "unsupported cron form"}
	}
	sched.Location = time.UTC

	c := Cron{spec: spec, sched: sched}
	if c.Next(cronEpoch).IsZero() {
		return nil, &InvalidScheduleError{Input: spec, Reason: "expression never fires"}
	}
	return c, nil
}

// Interval is a fixed cadence.
type Interval struct {
	spec  string
	Every time.Duration
}

func (i Interval) Next(from time.Time) time.Time {
	return from.Add(i.Every)
}

func (i Interval) String() string {
	return i.spec
}

// Cron fires at the instants matched by a cron expression in UTC.
type Cron struct {
	spec  string
	sched *cron.SpecSchedule
}

// Next returns the first matching instant strictly after from, in UTC.
// It returns the zero time if nothing matches within five years.
func (c Cron) Next(from time.Time) time.Time {
	return c.sched.Next(from.UTC())
}

func (c Cron) String() string {
	return c.spec
}
