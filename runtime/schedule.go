package runtime

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule yields the next run time after t.
type Schedule interface {
	Next(t time.Time) time.Time
}

// ParseSchedule accepts cron expressions with optional seconds, descriptors
// such as "@every 5m" or "@hourly", and plain Go durations ("15m").
// Durations must be at least one second.
func ParseSchedule(spec string) (Schedule, error) {
	if spec == "" {
		return nil, fmt.Errorf("schedule string is empty")
	}

	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	sched, err := parser.Parse(spec)
	if err == nil {
		return sched, nil
	}

	d, err := time.ParseDuration(spec)
	if err != nil {
		return nil, fmt.Errorf("failed to parse schedule as cron expression or duration: %w", err)
	}
	if d < time.Second {
		return nil, fmt.Errorf("schedule interval %s is shorter than one second", d)
	}
	return cron.Every(d), nil
}
