package rule

import (
	"errors"
	"fmt"
	"math/bits"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var ErrInvalidCron = errors.New("invalid cron expression")

// starBit is set by robfig/cron on a field written as "*" or "?".
const starBit = 1 << 63

var crontabParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseCron converts a 5-field crontab expression into a CronTrigger.
//
// Hour and minute must each be a single value and the month field must be
// "*". Unlike classic cron, a restricted day-of-month and day-of-week are
// both required to match.
func ParseCron(expr string) (CronTrigger, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return CronTrigger{}, fmt.Errorf("%w: empty", ErrInvalidCron)
	}
	s, err := crontabParser.Parse(expr)
	if err != nil {
		return CronTrigger{}, fmt.Errorf("%w: %v", ErrInvalidCron, err)
	}
	spec, ok := s.(*cron.SpecSchedule)
	if !ok {
		return CronTrigger{}, fmt.Errorf("%w: %q is not a field expression", ErrInvalidCron, expr)
	}

	minute, ok := singleBit(spec.Minute)
	if !ok {
		return CronTrigger{}, fmt.Errorf("%w: minute must be a single value", ErrInvalidCron)
	}
	hour, ok := singleBit(spec.Hour)
	if !ok {
		return CronTrigger{}, fmt.Errorf("%w: hour must be a single value", ErrInvalidCron)
	}
	if spec.Month&starBit == 0 {
		return CronTrigger{}, fmt.Errorf("%w: month must be *", ErrInvalidCron)
	}

	t := CronTrigger{Hour: hour, Minute: minute}
	if spec.Dow&starBit == 0 {
		for d := 0; d <= 6; d++ {
			if spec.Dow&(1<<uint(d)) != 0 {
				t.DaysOfWeek = append(t.DaysOfWeek, time.Weekday(d))
			}
		}
	}
	if spec.Dom&starBit == 0 {
		for d := 1; d <= 31; d++ {
			if spec.Dom&(1<<uint(d)) != 0 {
				t.DaysOfMonth = append(t.DaysOfMonth, d)
			}
		}
	}
	return t, nil
}

func singleBit(field uint64) (int, bool) {
	field &^= starBit
	if bits.OnesCount64(field) != 1 {
		return 0, false
	}
	return bits.TrailingZeros64(field), true
}
