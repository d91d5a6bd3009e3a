package recurrence

import (
	"testing"
	"time"

	"postwell/internal/queue"
)

func ts(y int, m time.Month, d, hh, mm int) time.Time {
	return time.Date(y, m, d, hh, mm, 0, 0, time.UTC)
}

func TestNextFixedIntervals(t *testing.T) {
	cases := []struct {
		name    string
		rule    queue.RecurrenceRule
		nominal time.Time
		want    time.Time
	}{
		{"daily", queue.RecurrenceRule{Frequency: queue.FreqDaily, Interval: 1}, ts(2026, 3, 10, 9, 0), ts(2026, 3, 11, 9, 0)},
		{"every 3 days", queue.RecurrenceRule{Frequency: queue.FreqDaily, Interval: 3}, ts(2026, 3, 30, 9, 0), ts(2026, 4, 2, 9, 0)},
		{"weekly", queue.RecurrenceRule{Frequency: queue.FreqWeekly, Interval: 1}, ts(2026, 3, 10, 9, 0), ts(2026, 3, 17, 9, 0)},
		{"biweekly", queue.RecurrenceRule{Frequency: queue.FreqWeekly, Interval: 2}, ts(2026, 12, 25, 9, 0), ts(2027, 1, 8, 9, 0)},
		{"monthly", queue.RecurrenceRule{Frequency: queue.FreqMonthly, Interval: 1}, ts(2026, 3, 15, 9, 0), ts(2026, 4, 15, 9, 0)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Next(&tc.rule, tc.nominal)
			if err != nil {
				t.Fatalf("next: %v", err)
			}
			if !got.Equal(tc.want) {
				t.Fatalf("next = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestNextMonthlyClampsToShortMonths(t *testing.T) {
	rule := queue.RecurrenceRule{Frequency: queue.FreqMonthly, Interval: 1}

	// Jan 31 lands on the last day of February.
	got, err := Next(&rule, ts(2026, 1, 31, 10, 30))
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if want := ts(2026, 2, 28, 10, 30); !got.Equal(want) {
		t.Fatalf("jan 31 + 1 month = %v, want %v", got, want)
	}

	// Leap year keeps the 29th.
	got, err = Next(&rule, ts(2028, 1, 31, 10, 30))
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if want := ts(2028, 2, 29, 10, 30); !got.Equal(want) {
		t.Fatalf("leap jan 31 + 1 month = %v, want %v", got, want)
	}

	// The clamp does not compound: stepping from a nominal 31st again
	// recovers the 31st in long months.
	got, err = Next(&rule, ts(2026, 3, 31, 10, 30))
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if want := ts(2026, 4, 30, 10, 30); !got.Equal(want) {
		t.Fatalf("mar 31 + 1 month = %v, want %v", got, want)
	}
}

func TestNextCron(t *testing.T) {
	rule := queue.RecurrenceRule{Frequency: queue.FreqCron, CronSpec: "0 9 * * 1"}
	// Tuesday nominal, next Monday 09:00.
	got, err := Next(&rule, ts(2026, 3, 10, 9, 0))
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if want := ts(2026, 3, 16, 9, 0); !got.Equal(want) {
		t.Fatalf("next monday = %v, want %v", got, want)
	}
}

func TestValidate(t *testing.T) {
	end := ts(2026, 6, 1, 0, 0)
	cases := []struct {
		name    string
		rule    *queue.RecurrenceRule
		wantErr bool
	}{
		{"nil rule is one-shot", nil, false},
		{"daily", &queue.RecurrenceRule{Frequency: queue.FreqDaily, Interval: 1}, false},
		{"zero interval", &queue.RecurrenceRule{Frequency: queue.FreqDaily}, true},
		{"negative interval", &queue.RecurrenceRule{Frequency: queue.FreqWeekly, Interval: -2}, true},
		{"cron", &queue.RecurrenceRule{Frequency: queue.FreqCron, CronSpec: "*/15 * * * *"}, false},
		{"cron descriptor", &queue.RecurrenceRule{Frequency: queue.FreqCron, CronSpec: "@daily"}, false},
		{"bad cron", &queue.RecurrenceRule{Frequency: queue.FreqCron, CronSpec: "not a spec"}, true},
		{"cron spec on daily", &queue.RecurrenceRule{Frequency: queue.FreqDaily, Interval: 1, CronSpec: "@daily"}, true},
		{"both end conditions", &queue.RecurrenceRule{Frequency: queue.FreqDaily, Interval: 1, EndAt: &end, EndAfterOccurrences: 3}, true},
		{"unknown frequency", &queue.RecurrenceRule{Frequency: "yearly", Interval: 1}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(tc.rule)
			if (err != nil) != tc.wantErr {
				t.Fatalf("validate err = %v, wantErr = %v", err, tc.wantErr)
			}
		})
	}
}

func TestSuccessor(t *testing.T) {
	base := queue.New("ch1", queue.Payload{Kind: queue.PayloadText, Text: "hi"},
		queue.PriorityHigh, ts(2026, 3, 10, 9, 0),
		&queue.RecurrenceRule{Frequency: queue.FreqDaily, Interval: 1})

	succ, ok, err := Successor(base)
	if err != nil || !ok {
		t.Fatalf("successor: ok=%v err=%v", ok, err)
	}
	if succ.ID == base.ID {
		t.Fatal("successor must get a fresh id")
	}
	if succ.DedupToken == base.DedupToken {
		t.Fatal("successor must get a fresh dedup token")
	}
	if !succ.ScheduledAt.Equal(ts(2026, 3, 11, 9, 0)) {
		t.Fatalf("successor scheduled at %v", succ.ScheduledAt)
	}
	if succ.State != queue.StateScheduled || succ.AttemptCount != 0 {
		t.Fatalf("successor not pristine: %+v", succ)
	}
	if succ.Recurrence.OccurrencesDone != 1 {
		t.Fatalf("occurrences done = %d, want 1", succ.Recurrence.OccurrencesDone)
	}
	if succ.ChannelID != base.ChannelID || succ.Priority != base.Priority {
		t.Fatal("successor must inherit channel and priority")
	}
}

func TestSuccessorEndConditions(t *testing.T) {
	t.Run("no rule", func(t *testing.T) {
		it := queue.New("ch1", queue.Payload{Kind: queue.PayloadText, Text: "once"},
			queue.PriorityNormal, ts(2026, 3, 10, 9, 0), nil)
		if _, ok, err := Successor(it); ok || err != nil {
			t.Fatalf("one-shot item produced a successor: ok=%v err=%v", ok, err)
		}
	})

	t.Run("end date reached", func(t *testing.T) {
		end := ts(2026, 3, 11, 0, 0)
		it := queue.New("ch1", queue.Payload{Kind: queue.PayloadText, Text: "hi"},
			queue.PriorityNormal, ts(2026, 3, 10, 9, 0),
			&queue.RecurrenceRule{Frequency: queue.FreqDaily, Interval: 1, EndAt: &end})
		if _, ok, err := Successor(it); ok || err != nil {
			t.Fatalf("chain past end date produced a successor: ok=%v err=%v", ok, err)
		}
	})

	t.Run("occurrence budget", func(t *testing.T) {
		it := queue.New("ch1", queue.Payload{Kind: queue.PayloadText, Text: "hi"},
			queue.PriorityNormal, ts(2026, 3, 10, 9, 0),
			&queue.RecurrenceRule{Frequency: queue.FreqDaily, Interval: 1, EndAfterOccurrences: 3})

		// The template spawns exactly three successors, then ends.
		for want := 1; want <= 3; want++ {
			succ, ok, err := Successor(it)
			if err != nil || !ok {
				t.Fatalf("occurrence %d: ok=%v err=%v", want, ok, err)
			}
			if succ.Recurrence.OccurrencesDone != want {
				t.Fatalf("occurrences done = %d, want %d", succ.Recurrence.OccurrencesDone, want)
			}
			it = succ
		}
		if _, ok, err := Successor(it); ok || err != nil {
			t.Fatalf("budget exhausted but chain continued: ok=%v err=%v", ok, err)
		}
	})
}
