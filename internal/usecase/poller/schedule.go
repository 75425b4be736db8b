package poller

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// ParseSchedule accepts a cron expression ("*/5 * * * *", "@hourly") or a
// positive Go duration ("60s").
func ParseSchedule(schedule string) (cron.Schedule, error) {
	if schedule == "" {
		return nil, fmt.Errorf("empty schedule")
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if sched, err := parser.Parse(schedule); err == nil {
		return sched, nil
	}

	dur, err := time.ParseDuration(schedule)
	if err != nil {
		return nil, fmt.Errorf("not a valid cron expression or duration: %q", schedule)
	}
	if dur <= 0 {
		return nil, fmt.Errorf("duration must be positive: %q", schedule)
	}
	return Every(dur), nil
}

// Every returns a schedule that fires at a fixed interval after each fire
// time. Unlike cron.Every it keeps sub-second precision.
func Every(d time.Duration) cron.Schedule {
	return constantDelay(d)
}

type constantDelay time.Duration

func (d constantDelay) Next(t time.Time) time.Time {
	return t.Add(time.Duration(d))
}
