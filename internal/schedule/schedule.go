package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

type Kind string

const (
	KindInterval Kind = "interval"
	KindCron     Kind = "cron"
	KindOneTime  Kind = "onetime"
)

const (
	MinIntervalMinutes = 1
	MaxIntervalMinutes = 10080
)

// Schedule decides when an indicator is next due. It is pure data: the
// orchestrator records last-run times and one-time consumption externally.
type Schedule struct {
	Kind            Kind
	IntervalMinutes int
	CronExpression  string
	FireAt          time.Time
	Enabled         bool
	ValidFrom       *time.Time
	ValidUntil      *time.Time
	Timezone        string
	Consumed        bool
	CreatedAt       time.Time
}

func (s Schedule) Validate() error {
	switch s.Kind {
	case KindInterval:
		if s.IntervalMinutes < MinIntervalMinutes || s.IntervalMinutes > MaxIntervalMinutes {
			return fmt.Errorf("interval minutes %d out of [%d, %d]", s.IntervalMinutes, MinIntervalMinutes, MaxIntervalMinutes)
		}
	case KindCron:
		if _, err := cron.ParseStandard(s.CronExpression); err != nil {
			return fmt.Errorf("cron expression %q: %w", s.CronExpression, err)
		}
	case KindOneTime:
		if s.FireAt.IsZero() {
			return fmt.Errorf("one-time schedule has no fire time")
		}
	default:
		return fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
	if s.ValidFrom != nil && s.ValidUntil != nil && s.ValidUntil.Before(*s.ValidFrom) {
		return fmt.Errorf("valid_until precedes valid_from")
	}
	return nil
}

// IsDue reports whether the schedule should fire at now given the last
// execution. Missed occurrences collapse into one: lastRun advances once per
// loop iteration, so a long outage never produces a burst of catch-up runs.
func (s Schedule) IsDue(now time.Time, lastRun *time.Time) bool {
	if !s.Enabled || !s.withinWindow(now) {
		return false
	}
	switch s.Kind {
	case KindInterval:
		if s.IntervalMinutes < MinIntervalMinutes || s.IntervalMinutes > MaxIntervalMinutes {
			return false
		}
		if lastRun == nil {
			return true
		}
		return !now.Before(lastRun.Add(time.Duration(s.IntervalMinutes) * time.Minute))
	case KindCron:
		next, ok := s.NextFireTime(lastRun)
		if !ok {
			return false
		}
		return !now.Before(next)
	case KindOneTime:
		if s.Consumed {
			return false
		}
		return !now.Before(s.FireAt)
	}
	return false
}

// NextFireTime returns the next timestamp the schedule would fire after the
// given last run (or after creation if never run). The second return is false
// when the schedule can never fire again.
func (s Schedule) NextFireTime(lastRun *time.Time) (time.Time, bool) {
	switch s.Kind {
	case KindInterval:
		if lastRun == nil {
			return s.CreatedAt, true
		}
		return lastRun.Add(time.Duration(s.IntervalMinutes) * time.Minute), true
	case KindCron:
		expr, err := cron.ParseStandard(s.CronExpression)
		if err != nil {
			return time.Time{}, false
		}
		after := s.CreatedAt
		if lastRun != nil {
			after = *lastRun
		}
		return expr.Next(after.In(s.location())), true
	case KindOneTime:
		if s.Consumed {
			return time.Time{}, false
		}
		return s.FireAt, true
	}
	return time.Time{}, false
}

func (s Schedule) withinWindow(now time.Time) bool {
	if s.ValidFrom != nil && now.Before(*s.ValidFrom) {
		return false
	}
	if s.ValidUntil != nil && now.After(*s.ValidUntil) {
		return false
	}
	return true
}

func (s Schedule) location() *time.Location {
	if s.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
