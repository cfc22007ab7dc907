package core

import (
	"errors"
	"testing"
	"time"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		raw  string
		kind ScheduleKind
	}{
		{name: "interval", raw: "interval:300000", kind: ScheduleInterval},
		{name: "cron", raw: "cron:0 9 * * 1", kind: ScheduleCron},
		{name: "date", raw: "date:2099-01-02T15:04:05Z", kind: ScheduleDate},
		{name: "weekly", raw: "weekly:1:9:30", kind: ScheduleWeekly},
		{name: "monthly", raw: "monthly:15:0:0", kind: ScheduleMonthly},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSchedule(tt.raw)
			if err != nil {
				t.Fatalf("ParseSchedule(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", got.Kind, tt.kind)
			}
			if got.String() != tt.raw {
				t.Fatalf("String() = %q, want %q", got.String(), tt.raw)
			}
		})
	}
}

func TestParseScheduleRejectsMalformed(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		raw   string
		field string
	}{
		{name: "empty", raw: "", field: "schedule"},
		{name: "no prefix", raw: "300000", field: "schedule"},
		{name: "unknown prefix", raw: "hourly:5", field: "schedule"},
		{name: "interval not a number", raw: "interval:soon", field: "interval"},
		{name: "interval zero", raw: "interval:0", field: "interval"},
		{name: "interval negative", raw: "interval:-5", field: "interval"},
		{name: "cron descriptor macro", raw: "cron:@daily", field: "cron"},
		{name: "cron six fields", raw: "cron:0 0 9 * * 1", field: "cron"},
		{name: "cron garbage", raw: "cron:a b c d e", field: "cron"},
		{name: "date not rfc3339", raw: "date:tomorrow", field: "date"},
		{name: "date in the past", raw: "date:2001-01-01T00:00:00Z", field: "date"},
		{name: "weekly missing minute", raw: "weekly:9:10", field: "weekly"},
		{name: "weekly day out of range", raw: "weekly:7:0:0", field: "day"},
		{name: "monthly day zero", raw: "monthly:0:0:0", field: "day"},
		{name: "monthly hour out of range", raw: "monthly:1:24:0", field: "hour"},
		{name: "monthly minute out of range", raw: "monthly:1:0:60", field: "minute"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSchedule(tt.raw)
			if err == nil {
				t.Fatalf("ParseSchedule(%q): expected error", tt.raw)
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("error type = %T, want *ValidationError", err)
			}
			if verr.Field != tt.field {
				t.Fatalf("Field = %q, want %q", verr.Field, tt.field)
			}
		})
	}
}

func TestIntervalNext(t *testing.T) {
	t.Parallel()
	sched, err := ParseSchedule("interval:300000")
	if err != nil {
		t.Fatalf("ParseSchedule error: %v", err)
	}
	anchor := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	next := sched.Next(anchor)
	if next == nil {
		t.Fatal("Next returned nil")
	}
	want := anchor.Add(5 * time.Minute)
	if !next.Equal(want) {
		t.Fatalf("Next = %v, want %v", next, want)
	}
	// Same anchor, same answer.
	again := sched.Next(anchor)
	if !again.Equal(*next) {
		t.Fatalf("Next not stable: %v vs %v", again, next)
	}
}

func TestCronNext(t *testing.T) {
	t.Parallel()
	sched, err := ParseSchedule("cron:0 9 * * 1")
	if err != nil {
		t.Fatalf("ParseSchedule error: %v", err)
	}
	// 2026-03-01 is a Sunday.
	anchor := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	next := sched.Next(anchor)
	if next == nil {
		t.Fatal("Next returned nil")
	}
	want := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("Next = %v, want %v", next, want)
	}
}

func TestCronNextAfterReload(t *testing.T) {
	t.Parallel()
	// A schedule reparsed from its stored descriptor has no cached cron spec.
	sched := Schedule{Kind: ScheduleCron, Expr: "30 8 * * *"}
	anchor := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	next := sched.Next(anchor)
	if next == nil {
		t.Fatal("Next returned nil")
	}
	want := time.Date(2026, 3, 2, 8, 30, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("Next = %v, want %v", next, want)
	}
}

func TestDateFiresOnce(t *testing.T) {
	t.Parallel()
	at := time.Date(2099, 1, 2, 15, 4, 5, 0, time.UTC)
	sched, err := ParseSchedule("date:" + at.Format(time.RFC3339))
	if err != nil {
		t.Fatalf("ParseSchedule error: %v", err)
	}
	next := sched.Next(time.Now().UTC())
	if next == nil || !next.Equal(at) {
		t.Fatalf("Next = %v, want %v", next, at)
	}
	if after := sched.Next(at); after != nil {
		t.Fatalf("Next after firing = %v, want nil", after)
	}
}

func TestWeeklyNext(t *testing.T) {
	t.Parallel()
	sched, err := ParseSchedule("weekly:1:9:30")
	if err != nil {
		t.Fatalf("ParseSchedule error: %v", err)
	}
	tests := []struct {
		name   string
		anchor time.Time
		want   time.Time
	}{
		{
			name:   "sunday before",
			anchor: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), // Sunday
			want:   time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC),
		},
		{
			name:   "monday before the slot",
			anchor: time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC),
			want:   time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC),
		},
		{
			name:   "exactly at the slot advances a week",
			anchor: time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC),
			want:   time.Date(2026, 3, 9, 9, 30, 0, 0, time.UTC),
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			next := sched.Next(tt.anchor)
			if next == nil {
				t.Fatal("Next returned nil")
			}
			if !next.Equal(tt.want) {
				t.Fatalf("Next = %v, want %v", next, tt.want)
			}
		})
	}
}

func TestMonthlyNextSkipsShortMonths(t *testing.T) {
	t.Parallel()
	sched, err := ParseSchedule("monthly:31:0:0")
	if err != nil {
		t.Fatalf("ParseSchedule error: %v", err)
	}
	// After Jan 31, February has no day 31; the run lands in March.
	anchor := time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC)
	next := sched.Next(anchor)
	if next == nil {
		t.Fatal("Next returned nil")
	}
	want := time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("Next = %v, want %v", next, want)
	}
}

func TestMonthlyNextSameMonth(t *testing.T) {
	t.Parallel()
	sched, err := ParseSchedule("monthly:15:6:0")
	if err != nil {
		t.Fatalf("ParseSchedule error: %v", err)
	}
	anchor := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	next := sched.Next(anchor)
	want := time.Date(2026, 3, 15, 6, 0, 0, 0, time.UTC)
	if next == nil || !next.Equal(want) {
		t.Fatalf("Next = %v, want %v", next, want)
	}
}
