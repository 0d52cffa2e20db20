package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// NextOccurrence computes the due time following last under rule r.
// Returns false when the rule does not recur (or a cron expression is invalid).
func NextOccurrence(last time.Time, r Recurrence) (time.Time, bool) {
	switch r.Kind {
	case RecurDaily:
		return last.AddDate(0, 0, 1), true
	case RecurWeekly:
		return last.AddDate(0, 0, 7), true
	case RecurMonthly:
		return addMonthsClamped(last, 1), true
	case RecurYearly:
		return addYearsClamped(last, 1), true
	case RecurCustom:
		if r.IntervalDays <= 0 {
			return time.Time{}, false
		}
		return last.AddDate(0, 0, r.IntervalDays), true
	case RecurCron:
		sched, err := cron.ParseStandard(r.Cron)
		if err != nil {
			return time.Time{}, false
		}
		next := sched.Next(last)
		return next, !next.IsZero()
	}
	return time.Time{}, false
}

// ValidateRecurrence checks a rule before submission.
func ValidateRecurrence(r Recurrence) error {
	switch r.Kind {
	case RecurNone, RecurDaily, RecurWeekly, RecurMonthly, RecurYearly:
		return nil
	case RecurCustom:
		if r.IntervalDays <= 0 {
			return fmt.Errorf("custom recurrence needs a positive interval, got %d days", r.IntervalDays)
		}
		return nil
	case RecurCron:
		if _, err := cron.ParseStandard(r.Cron); err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", r.Cron, err)
		}
		return nil
	}
	return fmt.Errorf("unknown recurrence kind %d", int(r.Kind))
}

// nextAfter advances the rule from last until the result is strictly after
// now. Used to coalesce missed occurrences after an outage.
func nextAfter(last, now time.Time, r Recurrence) (time.Time, bool) {
	next, ok := NextOccurrence(last, r)
	for ok && !next.After(now) {
		next, ok = NextOccurrence(next, r)
	}
	return next, ok
}

// addMonthsClamped moves t forward by n months keeping the day of month,
// clamped to the last day of the target month (Jan 31 + 1 month = Feb 28/29).
func addMonthsClamped(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	target := time.Date(y, m+time.Month(n), 1, 0, 0, 0, 0, t.Location())
	ty, tm, _ := target.Date()
	if last := daysIn(ty, tm, t.Location()); d > last {
		d = last
	}
	return time.Date(ty, tm, d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

// addYearsClamped moves t forward by n years; Feb 29 lands on Feb 28 in
// non-leap years.
func addYearsClamped(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	ty := y + n
	if last := daysIn(ty, m, t.Location()); d > last {
		d = last
	}
	return time.Date(ty, m, d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}
