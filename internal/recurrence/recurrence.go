// Package recurrence computes successor occurrences for repeating items.
//
// The next occurrence is always derived from an item's nominal scheduled
// time, never from the instant it actually published, so chains do not
// drift when publishing runs late.
package recurrence

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"postwell/internal/queue"
)

// parser accepts 5-field cron specs plus descriptors like "@daily".
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate rejects rules the engine cannot schedule.
func Validate(rule *queue.RecurrenceRule) error {
	if rule == nil {
		return nil
	}
	switch rule.Frequency {
	case queue.FreqDaily, queue.FreqWeekly, queue.FreqMonthly:
		if rule.Interval < 1 {
			return fmt.Errorf("recurrence: interval must be >= 1, got %d", rule.Interval)
		}
		if rule.CronSpec != "" {
			return errors.New("recurrence: cron_spec is only valid with frequency cron")
		}
	case queue.FreqCron:
		if _, err := parser.Parse(rule.CronSpec); err != nil {
			return fmt.Errorf("recurrence: bad cron spec %q: %w", rule.CronSpec, err)
		}
	default:
		return fmt.Errorf("recurrence: unknown frequency %q", rule.Frequency)
	}
	if rule.EndAt != nil && rule.EndAfterOccurrences > 0 {
		return errors.New("recurrence: end_at and end_after_occurrences are mutually exclusive")
	}
	if rule.EndAfterOccurrences < 0 {
		return fmt.Errorf("recurrence: end_after_occurrences must be >= 0, got %d", rule.EndAfterOccurrences)
	}
	return nil
}

// Next returns the occurrence after nominal under the rule.
//
// Monthly steps clamp to the last day of the target month: a rule anchored
// on Jan 31 yields Feb 28 (or 29), then Mar 31 again, because the clamp is
// applied per step from the nominal day, not compounded.
func Next(rule *queue.RecurrenceRule, nominal time.Time) (time.Time, error) {
	if rule == nil {
		return time.Time{}, errors.New("recurrence: nil rule")
	}
	nominal = nominal.UTC()
	switch rule.Frequency {
	case queue.FreqDaily:
		return nominal.AddDate(0, 0, rule.Interval), nil
	case queue.FreqWeekly:
		return nominal.AddDate(0, 0, 7*rule.Interval), nil
	case queue.FreqMonthly:
		return addMonthsClamped(nominal, rule.Interval), nil
	case queue.FreqCron:
		sched, err := parser.Parse(rule.CronSpec)
		if err != nil {
			return time.Time{}, fmt.Errorf("recurrence: bad cron spec %q: %w", rule.CronSpec, err)
		}
		next := sched.Next(nominal)
		if next.IsZero() {
			return time.Time{}, fmt.Errorf("recurrence: cron spec %q has no next activation", rule.CronSpec)
		}
		return next.UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("recurrence: unknown frequency %q", rule.Frequency)
	}
}

// addMonthsClamped advances by n months keeping the clock time, clamping
// the day-of-month to the target month's length. time.AddDate alone would
// normalize Jan 31 + 1 month into Mar 2/3, which is not what a "monthly on
// the 31st" rule means.
func addMonthsClamped(t time.Time, n int) time.Time {
	year, month, day := t.Date()
	first := time.Date(year, month+time.Month(n), 1, 0, 0, 0, 0, t.Location())
	if last := daysIn(first.Year(), first.Month()); day > last {
		day = last
	}
	h, m, s := t.Clock()
	return time.Date(first.Year(), first.Month(), day, h, m, s, t.Nanosecond(), t.Location())
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// Successor builds the next occurrence of a recurring item, or ok=false
// when the chain is finished (no rule, end date passed, or the occurrence
// budget is spent). The successor is a fresh item: new id, new dedup token,
// zero attempts, with the occurrence counter advanced on its rule.
func Successor(it queue.Item) (queue.Item, bool, error) {
	rule := it.Recurrence
	if rule == nil {
		return queue.Item{}, false, nil
	}
	if rule.EndAfterOccurrences > 0 && rule.OccurrencesDone >= rule.EndAfterOccurrences {
		return queue.Item{}, false, nil
	}
	nextAt, err := Next(rule, it.ScheduledAt)
	if err != nil {
		return queue.Item{}, false, err
	}
	if rule.EndAt != nil && nextAt.After(rule.EndAt.UTC()) {
		return queue.Item{}, false, nil
	}
	nextRule := *rule
	nextRule.OccurrencesDone++
	succ := queue.New(it.ChannelID, it.Payload, it.Priority, nextAt, &nextRule)
	return succ, true, nil
}
