// Package scheduler persists scheduled tasks and governs their
// lifecycle: due-task queries, atomic status transitions, and
// automatic cooldown after repeated failures.
package scheduler

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// ScheduleKind discriminates the schedule variants.
type ScheduleKind string

const (
	ScheduleOnce     ScheduleKind = "once"
	ScheduleInterval ScheduleKind = "interval"
	ScheduleCron     ScheduleKind = "cron"
)

// Schedule is a tagged union: exactly one variant's fields are set,
// selected by Kind.
type Schedule struct {
	Kind ScheduleKind `json:"kind"`

	// once
	At time.Time `json:"at,omitempty"`

	// interval
	Secs int64 `json:"secs,omitempty"`

	// cron
	Expr string `json:"expr,omitempty"`
	TZ   string `json:"tz,omitempty"`
}

// Validate checks the schedule is well-formed. Cron expressions must
// parse and produce at least one trigger in the next ten years.
func (s Schedule) Validate() error {
	switch s.Kind {
	case ScheduleOnce:
		if s.At.IsZero() {
			return fmt.Errorf("once schedule missing timestamp")
		}
	case ScheduleInterval:
		if s.Secs <= 0 {
			return fmt.Errorf("interval schedule needs positive seconds")
		}
	case ScheduleCron:
		if strings.TrimSpace(s.Expr) == "" {
			return fmt.Errorf("cron schedule missing expression")
		}
		sched, err := cronParser.Parse(s.Expr)
		if err != nil {
			return fmt.Errorf("invalid cron expression: %w", err)
		}
		if s.TZ != "" {
			if _, err := time.LoadLocation(s.TZ); err != nil {
				return fmt.Errorf("invalid timezone %q: %w", s.TZ, err)
			}
		}
		now := time.Now()
		next := sched.Next(now)
		if next.IsZero() || next.After(now.AddDate(10, 0, 0)) {
			return fmt.Errorf("cron expression %q never triggers in the next 10 years", s.Expr)
		}
	default:
		return fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
	return nil
}

// Next computes the next run time after now. lastStarted feeds
// interval schedules; the interval floor is now. ok=false means the
// schedule is exhausted.
func (s Schedule) Next(now, lastStarted time.Time) (next time.Time, ok bool, err error) {
	switch s.Kind {
	case ScheduleOnce:
		if now.After(s.At) {
			return time.Time{}, false, nil
		}
		return s.At, true, nil
	case ScheduleInterval:
		if s.Secs <= 0 {
			return time.Time{}, false, fmt.Errorf("interval schedule needs positive seconds")
		}
		base := lastStarted
		if base.IsZero() {
			base = now
		}
		next = base.Add(time.Duration(s.Secs) * time.Second)
		if next.Before(now) {
			next = now
		}
		return next, true, nil
	case ScheduleCron:
		sched, err := cronParser.Parse(s.Expr)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("parse cron expression: %w", err)
		}
		loc := now.Location()
		if s.TZ != "" {
			if tz, lerr := time.LoadLocation(s.TZ); lerr == nil {
				loc = tz
			}
		}
		next = sched.Next(now.In(loc))
		return next, !next.IsZero(), nil
	default:
		return time.Time{}, false, fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
}

// PreviewNextRun renders the next trigger as a human-readable string.
func (s Schedule) PreviewNextRun(now time.Time) (string, error) {
	next, ok, err := s.Next(now, time.Time{})
	if err != nil {
		return "", err
	}
	if !ok {
		return "never (schedule exhausted)", nil
	}
	return fmt.Sprintf("%s (in %s)",
		next.Format("2006-01-02 15:04:05 MST"),
		next.Sub(now).Round(time.Second)), nil
}

func marshalSchedule(s Schedule) (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("marshal schedule: %w", err)
	}
	return string(data), nil
}

func unmarshalSchedule(data string) (Schedule, error) {
	var s Schedule
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		return Schedule{}, fmt.Errorf("decode schedule: %w", err)
	}
	return s, nil
}
