package recurrence

import (
	"errors"
	"testing"
	"time"
)

func TestFromGraphPatternWeekly(t *testing.T) {
	rule, err := FromGraphPattern(&GraphPattern{
		Type:       "weekly",
		Interval:   2,
		DaysOfWeek: []string{"monday", "wednesday"},
		RangeType:  "noEnd",
	})
	if err != nil {
		t.Fatalf("FromGraphPattern: %v", err)
	}
	if rule.Frequency != Weekly {
		t.Errorf("frequency = %q, want %q", rule.Frequency, Weekly)
	}
	if rule.Interval != 2 {
		t.Errorf("interval = %d, want 2", rule.Interval)
	}
	if len(rule.ByDay) != 2 || rule.ByDay[0] != "MO" || rule.ByDay[1] != "WE" {
		t.Errorf("byday = %v, want [MO WE]", rule.ByDay)
	}
	if rule.EndType != EndNone {
		t.Errorf("end type = %q, want %q", rule.EndType, EndNone)
	}
}

func TestFromGraphPatternRelativeMonthly(t *testing.T) {
	rule, err := FromGraphPattern(&GraphPattern{
		Type:       "relativeMonthly",
		Interval:   1,
		DaysOfWeek: []string{"friday"},
		Index:      "last",
		RangeType:  "numbered",

		NumberOfOccurrences: 10,
	})
	if err != nil {
		t.Fatalf("FromGraphPattern: %v", err)
	}
	if rule.Frequency != Monthly {
		t.Errorf("frequency = %q, want %q", rule.Frequency, Monthly)
	}
	if rule.BySetPos != -1 {
		t.Errorf("bysetpos = %d, want -1", rule.BySetPos)
	}
	if rule.EndType != EndCount || rule.Count != 10 {
		t.Errorf("end = %q/%d, want COUNT/10", rule.EndType, rule.Count)
	}
}

func TestFromGraphPatternEndDate(t *testing.T) {
	rule, err := FromGraphPattern(&GraphPattern{
		Type:      "daily",
		Interval:  1,
		RangeType: "endDate",
		EndDate:   "2027-06-30",
	})
	if err != nil {
		t.Fatalf("FromGraphPattern: %v", err)
	}
	want := time.Date(2027, 6, 30, 0, 0, 0, 0, time.UTC)
	if rule.EndType != EndUntil || !rule.Until.Equal(want) {
		t.Errorf("until = %v, want %v", rule.Until, want)
	}
}

func TestFromGraphPatternUnknownType(t *testing.T) {
	cases := []GraphPattern{
		{Type: "lunar", RangeType: "noEnd"},
		{Type: "weekly", RangeType: "forever"},
		{Type: "relativeMonthly", Index: "fifth", RangeType: "noEnd"},
		{Type: "daily", RangeType: "numbered", NumberOfOccurrences: 0},
	}
	for _, tc := range cases {
		if _, err := FromGraphPattern(&tc); !errors.Is(err, ErrUnknownPattern) {
			t.Errorf("FromGraphPattern(%+v) err = %v, want ErrUnknownPattern", tc, err)
		}
	}
}

func TestFromGraphPatternNil(t *testing.T) {
	rule, err := FromGraphPattern(nil)
	if err != nil || rule != nil {
		t.Errorf("FromGraphPattern(nil) = %v, %v, want nil, nil", rule, err)
	}
}

func TestFromGraphPatternDefaultsInterval(t *testing.T) {
	rule, err := FromGraphPattern(&GraphPattern{Type: "daily"})
	if err != nil {
		t.Fatalf("FromGraphPattern: %v", err)
	}
	if rule.Interval != 1 {
		t.Errorf("interval = %d, want 1", rule.Interval)
	}
}

func TestFromRRULE(t *testing.T) {
	rule, err := FromRRULE([]string{"RRULE:FREQ=WEEKLY;INTERVAL=2;BYDAY=TU,TH;COUNT=8"})
	if err != nil {
		t.Fatalf("FromRRULE: %v", err)
	}
	if rule.Frequency != Weekly || rule.Interval != 2 {
		t.Errorf("got %q/%d, want WEEKLY/2", rule.Frequency, rule.Interval)
	}
	if len(rule.ByDay) != 2 || rule.ByDay[0] != "TU" || rule.ByDay[1] != "TH" {
		t.Errorf("byday = %v, want [TU TH]", rule.ByDay)
	}
	if rule.EndType != EndCount || rule.Count != 8 {
		t.Errorf("end = %q/%d, want COUNT/8", rule.EndType, rule.Count)
	}
}

func TestFromRRULENoRule(t *testing.T) {
	rule, err := FromRRULE([]string{"EXDATE;TZID=UTC:20260101T000000"})
	if err != nil || rule != nil {
		t.Errorf("FromRRULE without RRULE = %v, %v, want nil, nil", rule, err)
	}
}

func TestFromRRULESubDaily(t *testing.T) {
	if _, err := FromRRULE([]string{"RRULE:FREQ=HOURLY"}); !errors.Is(err, ErrUnknownPattern) {
		t.Errorf("err = %v, want ErrUnknownPattern", err)
	}
}

func TestRRULERender(t *testing.T) {
	rule := &Rule{
		Frequency: Monthly,
		Interval:  3,
		ByDay:     []string{"MO"},
		BySetPos:  1,
		EndType:   EndCount,
		Count:     6,
	}
	out, err := rule.RRULE()
	if err != nil {
		t.Fatalf("RRULE: %v", err)
	}

	parsed, err := FromRRULE([]string{out})
	if err != nil {
		t.Fatalf("reparse %q: %v", out, err)
	}
	if parsed.Frequency != Monthly || parsed.Interval != 3 || parsed.BySetPos != 1 || parsed.Count != 6 {
		t.Errorf("roundtrip mismatch: %+v from %q", parsed, out)
	}
}

func TestRRULERenderUnknownDay(t *testing.T) {
	rule := &Rule{Frequency: Weekly, Interval: 1, ByDay: []string{"XX"}}
	if _, err := rule.RRULE(); !errors.Is(err, ErrUnknownPattern) {
		t.Errorf("err = %v, want ErrUnknownPattern", err)
	}
}
