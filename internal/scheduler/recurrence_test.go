package scheduler

import (
	"testing"
	"time"
)

func date(s string) time.Time {
	ts, err := time.Parse("2006-01-02 15:04", s)
	if err != nil {
		panic(err)
	}
	return ts
}

func TestNextOccurrence(t *testing.T) {
	tests := []struct {
		name   string
		last   string
		rule   Recurrence
		want   string
		wantOK bool
	}{
		{"none", "2024-01-31 09:00", Recurrence{}, "", false},
		{"daily month end", "2024-01-31 09:00", Recurrence{Kind: RecurDaily}, "2024-02-01 09:00", true},
		{"daily year end", "2023-12-31 23:30", Recurrence{Kind: RecurDaily}, "2024-01-01 23:30", true},
		{"weekly", "2024-02-26 08:00", Recurrence{Kind: RecurWeekly}, "2024-03-04 08:00", true},
		{"monthly clamps to leap Feb", "2024-01-31 09:00", Recurrence{Kind: RecurMonthly}, "2024-02-29 09:00", true},
		{"monthly clamps to Feb", "2023-01-31 09:00", Recurrence{Kind: RecurMonthly}, "2023-02-28 09:00", true},
		{"monthly clamps to 30 days", "2024-03-31 09:00", Recurrence{Kind: RecurMonthly}, "2024-04-30 09:00", true},
		{"monthly across year", "2024-12-15 09:00", Recurrence{Kind: RecurMonthly}, "2025-01-15 09:00", true},
		{"monthly drifts after clamp", "2024-02-29 09:00", Recurrence{Kind: RecurMonthly}, "2024-03-29 09:00", true},
		{"yearly", "2023-06-10 12:00", Recurrence{Kind: RecurYearly}, "2024-06-10 12:00", true},
		{"yearly leap day", "2024-02-29 12:00", Recurrence{Kind: RecurYearly}, "2025-02-28 12:00", true},
		{"custom", "2024-02-27 07:00", Recurrence{Kind: RecurCustom, IntervalDays: 3}, "2024-03-01 07:00", true},
		{"custom zero interval", "2024-02-27 07:00", Recurrence{Kind: RecurCustom}, "", false},
		{"cron hourly", "2024-02-27 07:10", Recurrence{Kind: RecurCron, Cron: "0 * * * *"}, "2024-02-27 08:00", true},
		{"cron descriptor", "2024-02-27 07:10", Recurrence{Kind: RecurCron, Cron: "@daily"}, "2024-02-28 00:00", true},
		{"cron invalid", "2024-02-27 07:10", Recurrence{Kind: RecurCron, Cron: "not a cron"}, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := NextOccurrence(date(tt.last), tt.rule)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if want := date(tt.want); !got.Equal(want) {
				t.Errorf("NextOccurrence(%s) = %s, want %s", tt.last, got.Format(time.RFC3339), want.Format(time.RFC3339))
			}
		})
	}
}

func TestNextAfter_CoalescesMissed(t *testing.T) {
	last := date("2024-01-01 09:00")
	now := date("2024-01-10 12:00")

	got, ok := nextAfter(last, now, Recurrence{Kind: RecurDaily})
	if !ok {
		t.Fatal("expected a next occurrence")
	}
	if want := date("2024-01-11 09:00"); !got.Equal(want) {
		t.Errorf("nextAfter = %s, want %s", got, want)
	}
}

func TestValidateRecurrence(t *testing.T) {
	valid := []Recurrence{
		{},
		{Kind: RecurDaily},
		{Kind: RecurCustom, IntervalDays: 2},
		{Kind: RecurCron, Cron: "*/5 * * * *"},
	}
	for _, r := range valid {
		if err := ValidateRecurrence(r); err != nil {
			t.Errorf("ValidateRecurrence(%+v) = %v", r, err)
		}
	}

	invalid := []Recurrence{
		{Kind: RecurCustom},
		{Kind: RecurCron, Cron: "bogus"},
		{Kind: RecurrenceKind(42)},
	}
	for _, r := range invalid {
		if err := ValidateRecurrence(r); err == nil {
			t.Errorf("ValidateRecurrence(%+v) accepted invalid rule", r)
		}
	}
}
