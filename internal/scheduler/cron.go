package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// CronSchedule computes fire times from cron expressions so the scheduler
// core never depends on a particular cron-parsing library.
type CronSchedule interface {
	// NextFireTime returns the first fire strictly after the given instant,
	// evaluated in the schedule's timezone.
	NextFireTime(cronExpr, timezone string, after time.Time) (time.Time, error)
	// Validate reports whether the expression parses.
	Validate(cronExpr string) error
}

// RobfigCron implements CronSchedule on robfig/cron/v3 with the standard
// five-field format plus descriptors (@hourly, @daily, ...).
type RobfigCron struct {
	parser cron.Parser
}

// NewRobfigCron creates the default cron parser.
func NewRobfigCron() *RobfigCron {
	return &RobfigCron{
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// NextFireTime computes the next fire after the given instant.
func (r *RobfigCron) NextFireTime(cronExpr, timezone string, after time.Time) (time.Time, error) {
	sched, err := r.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", cronExpr, err)
	}

	loc := time.UTC
	if timezone != "" {
		loc, err = time.LoadLocation(timezone)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid timezone %q: %w", timezone, err)
		}
	}

	return sched.Next(after.In(loc)), nil
}

// Validate reports whether the expression parses.
func (r *RobfigCron) Validate(cronExpr string) error {
	if _, err := r.parser.Parse(cronExpr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", cronExpr, err)
	}
	return nil
}

// cronSpec renders a schedule's expression for the timer table, carrying
// the timezone via robfig's CRON_TZ prefix.
func cronSpec(cronExpr, timezone string) string {
	if timezone == "" {
		return cronExpr
	}
	return "CRON_TZ=" + timezone + " " + cronExpr
}
