package core

import (
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ScheduleKind names the five supported schedule grammars.
type ScheduleKind string

const (
	ScheduleInterval ScheduleKind = "interval"
	ScheduleCron     ScheduleKind = "cron"
	ScheduleDate     ScheduleKind = "date"
	ScheduleWeekly   ScheduleKind = "weekly"
	ScheduleMonthly  ScheduleKind = "monthly"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Schedule is a parsed schedule descriptor. Exactly one variant is active,
// indicated by Kind; the remaining fields belong to that variant.
type Schedule struct {
	Kind ScheduleKind

	// interval
	Every time.Duration

	// cron
	Expr     string
	cronSpec cron.Schedule

	// date
	At time.Time

	// weekly (Day 0-6, Sunday=0) and monthly (Day 1-31)
	Day    int
	Hour   int
	Minute int
}

// ParseSchedule parses a prefixed schedule descriptor into a Schedule.
//
// Supported forms:
//
//	interval:<positive integer milliseconds>
//	cron:<minute hour day month weekday>
//	date:<RFC 3339 instant, strictly in the future>
//	weekly:<day 0-6>:<hour 0-23>:<minute 0-59>
//	monthly:<day 1-31>:<hour 0-23>:<minute 0-59>
//
// Anything else is rejected with a ValidationError naming the offending field.
func ParseSchedule(descriptor string) (Schedule, error) {
	s := strings.TrimSpace(descriptor)
	if s == "" {
		return Schedule{}, &ValidationError{Field: "schedule", Message: "descriptor is empty"}
	}
	prefix, payload, ok := strings.Cut(s, ":")
	if !ok {
		return Schedule{}, &ValidationError{Field: "schedule", Message: "descriptor must be <prefix>:<payload>"}
	}

	switch ScheduleKind(prefix) {
	case ScheduleInterval:
		return parseInterval(payload)
	case ScheduleCron:
		return parseCronSchedule(payload)
	case ScheduleDate:
		return parseDate(payload)
	case ScheduleWeekly:
		return parseCalendar(ScheduleWeekly, payload)
	case ScheduleMonthly:
		return parseCalendar(ScheduleMonthly, payload)
	}
	return Schedule{}, &ValidationError{Field: "schedule", Message: "unknown prefix " + strconv.Quote(prefix)}
}

func parseInterval(payload string) (Schedule, error) {
	ms, err := strconv.ParseInt(strings.TrimSpace(payload), 10, 64)
	if err != nil {
		return Schedule{}, &ValidationError{Field: "interval", Message: "milliseconds must be an integer"}
	}
	if ms <= 0 {
		return Schedule{}, &ValidationError{Field: "interval", Message: "milliseconds must be positive"}
	}
	return Schedule{Kind: ScheduleInterval, Every: time.Duration(ms) * time.Millisecond}, nil
}

func parseCronSchedule(payload string) (Schedule, error) {
	expr := strings.TrimSpace(payload)
	if strings.HasPrefix(expr, "@") {
		return Schedule{}, &ValidationError{Field: "cron", Message: "only 5-field cron expressions are supported"}
	}
	if n := len(strings.Fields(expr)); n != 5 {
		return Schedule{}, &ValidationError{Field: "cron", Message: "expression must have 5 fields, got " + strconv.Itoa(n)}
	}
	spec, err := cronParser.Parse(expr)
	if err != nil {
		return Schedule{}, &ValidationError{Field: "cron", Message: err.Error()}
	}
	return Schedule{Kind: ScheduleCron, Expr: expr, cronSpec: spec}, nil
}

func parseDate(payload string) (Schedule, error) {
	at, err := time.Parse(time.RFC3339, strings.TrimSpace(payload))
	if err != nil {
		return Schedule{}, &ValidationError{Field: "date", Message: "instant must be RFC 3339"}
	}
	if !at.After(time.Now()) {
		return Schedule{}, &ValidationError{Field: "date", Message: "instant must be in the future"}
	}
	return Schedule{Kind: ScheduleDate, At: at}, nil
}

func parseCalendar(kind ScheduleKind, payload string) (Schedule, error) {
	fields := strings.Split(payload, ":")
	if len(fields) != 3 {
		return Schedule{}, &ValidationError{Field: string(kind), Message: "expected <day>:<hour>:<minute>, got " + strconv.Itoa(len(fields)) + " fields"}
	}
	day, err := parseBounded(fields[0], "day", dayBounds(kind))
	if err != nil {
		return Schedule{}, err
	}
	hour, err := parseBounded(fields[1], "hour", bounds{0, 23})
	if err != nil {
		return Schedule{}, err
	}
	minute, err := parseBounded(fields[2], "minute", bounds{0, 59})
	if err != nil {
		return Schedule{}, err
	}
	return Schedule{Kind: kind, Day: day, Hour: hour, Minute: minute}, nil
}

type bounds struct{ min, max int }

func dayBounds(kind ScheduleKind) bounds {
	if kind == ScheduleMonthly {
		return bounds{1, 31}
	}
	return bounds{0, 6}
}

func parseBounded(field, name string, b bounds) (int, error) {
	v, err := strconv.Atoi(strings.TrimSpace(field))
	if err != nil {
		return 0, &ValidationError{Field: name, Message: name + " must be an integer"}
	}
	if v < b.min || v > b.max {
		return 0, &ValidationError{Field: name, Message: name + " must be between " + strconv.Itoa(b.min) + " and " + strconv.Itoa(b.max)}
	}
	return v, nil
}

// Next computes the next run instant strictly after the given anchor
// (the last run, or creation time for a task that has never run).
// It returns nil only for a one-shot date schedule that has already fired.
// Repeated calls with the same anchor return the same instant.
func (s Schedule) Next(after time.Time) *time.Time {
	switch s.Kind {
	case ScheduleInterval:
		t := after.Add(s.Every)
		return &t
	case ScheduleCron:
		spec := s.cronSpec
		if spec == nil {
			// Schedules loaded from storage carry only the expression.
			parsed, err := cronParser.Parse(s.Expr)
			if err != nil {
				return nil
			}
			spec = parsed
		}
		t := spec.Next(after)
		return &t
	case ScheduleDate:
		if after.Before(s.At) {
			t := s.At
			return &t
		}
		return nil
	case ScheduleWeekly:
		t := s.nextWeekly(after)
		return &t
	case ScheduleMonthly:
		t := s.nextMonthly(after)
		return &t
	}
	return nil
}

func (s Schedule) nextWeekly(after time.Time) time.Time {
	t := time.Date(after.Year(), after.Month(), after.Day(), s.Hour, s.Minute, 0, 0, after.Location())
	if !t.After(after) {
		t = t.AddDate(0, 0, 1)
	}
	for int(t.Weekday()) != s.Day {
		t = t.AddDate(0, 0, 1)
	}
	return t
}

func (s Schedule) nextMonthly(after time.Time) time.Time {
	year, month, _ := after.Date()
	// Months without the requested day (e.g. 31 in February) are skipped;
	// the candidate's normalized day exposes the overflow.
	for i := 0; ; i++ {
		cand := time.Date(year, month+time.Month(i), s.Day, s.Hour, s.Minute, 0, 0, after.Location())
		if cand.Day() == s.Day && cand.After(after) {
			return cand
		}
	}
}

// String reconstructs the canonical descriptor for the schedule.
func (s Schedule) String() string {
	switch s.Kind {
	case ScheduleInterval:
		return "interval:" + strconv.FormatInt(s.Every.Milliseconds(), 10)
	case ScheduleCron:
		return "cron:" + s.Expr
	case ScheduleDate:
		return "date:" + s.At.Format(time.RFC3339)
	case ScheduleWeekly, ScheduleMonthly:
		return string(s.Kind) + ":" + strconv.Itoa(s.Day) + ":" + strconv.Itoa(s.Hour) + ":" + strconv.Itoa(s.Minute)
	}
	return ""
}
