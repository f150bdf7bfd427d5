package terms

import (
	"fmt"
	"time"
)

// Interval names how an accrual period ends.
type Interval string

const (
	EndOfDay   Interval = "end_of_day"
	EndOfMonth Interval = "end_of_month"
)

func (i Interval) valid() bool { return i == EndOfDay || i == EndOfMonth }

// Period is a closed range of calendar days in UTC. End is the last instant of its final day.
type Period struct {
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Interval Interval  `json:"interval"`
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func endOfDay(t time.Time) time.Time {
	return startOfDay(t).AddDate(0, 0, 1).Add(-time.Nanosecond)
}

// PeriodFrom returns the period containing start, beginning at start.
func (i Interval) PeriodFrom(start time.Time) Period {
	start = start.UTC()
	var end time.Time
	switch i {
	case EndOfMonth:
		y, m, _ := start.Date()
		end = time.Date(y, m, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0).Add(-time.Nanosecond)
	default:
		end = endOfDay(start)
	}
	return Period{Start: start, End: end, Interval: i}
}

// Days counts the calendar days the period touches.
func (p Period) Days() int {
	return int(startOfDay(p.End).Sub(startOfDay(p.Start)).Hours()/24) + 1
}

// Next is the following period of the same interval.
func (p Period) Next() Period {
	return p.Interval.PeriodFrom(startOfDay(p.End).AddDate(0, 0, 1))
}

// TruncateAt clips the period so it ends no later than limit. It reports false when the period
// starts after limit.
func (p Period) TruncateAt(limit time.Time) (Period, bool) {
	if p.Start.After(limit) {
		return Period{}, false
	}
	if p.End.After(limit) {
		p.End = limit.UTC()
	}
	return p, true
}

func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && !t.After(p.End)
}

func (p Period) String() string {
	return fmt.Sprintf("%s..%s", p.Start.Format(time.DateOnly), p.End.Format(time.DateOnly))
}
