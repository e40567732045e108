package sweeper

import (
	"fmt"
	"time"

	"github.com/adhocore/gronx"
)

// DefaultInterval 清理周期
const DefaultInterval = 10 * time.Minute

// Schedule yields the next run time strictly after a given instant.
type Schedule interface {
	Next(after time.Time) (time.Time, error)
	String() string
}

// Interval runs at a fixed period.
type Interval time.Duration

func (i Interval) Next(after time.Time) (time.Time, error) {
	return after.Add(time.Duration(i)), nil
}

func (i Interval) String() string { return "every " + time.Duration(i).String() }

// Cron runs on a cron expression.
type Cron string

func (c Cron) Next(after time.Time) (time.Time, error) {
	return gronx.NextTickAfter(string(c), after, false)
}

func (c Cron) String() string { return "cron " + string(c) }

// NewSchedule 优先使用 cron 表达式，否则使用固定周期
func NewSchedule(interval time.Duration, cronExpr string) (Schedule, error) {
	if cronExpr != "" {
		if !gronx.IsValid(cronExpr) {
			return nil, fmt.Errorf("invalid sweeper cron expression: %s", cronExpr)
		}
		return Cron(cronExpr), nil
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return Interval(interval), nil
}
