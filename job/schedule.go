package job

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule computes the next run of a recurring job from a standard five-field cron expression.
type Schedule struct {
	expr  string
	sched cron.Schedule
}

func ParseSchedule(expr string) (Schedule, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return Schedule{}, fmt.Errorf("job: parse schedule %q: %w", expr, err)
	}
	return Schedule{expr: expr, sched: sched}, nil
}

// Next returns the first activation strictly after t.
func (s Schedule) Next(t time.Time) time.Time { return s.sched.Next(t) }

func (s Schedule) String() string { return s.expr }
