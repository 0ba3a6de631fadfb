// Package recurrence converts provider-specific recurrence structures into a
// single canonical rule shape.
//
// Conversion is deterministic and side-effect-free. A recurrence pattern the
// package does not understand is reported as an error rather than silently
// coerced into a default frequency; callers log it as a data-quality signal.
package recurrence

import (
	"fmt"
	"strings"
	"time"

	"github.com/teambition/rrule-go"
)

// ErrUnknownPattern reports a provider recurrence shape with no canonical mapping.
var ErrUnknownPattern = fmt.Errorf("unknown recurrence pattern")

// Frequency is the canonical recurrence frequency.
type Frequency string

const (
	Daily   Frequency = "DAILY"
	Weekly  Frequency = "WEEKLY"
	Monthly Frequency = "MONTHLY"
	Yearly  Frequency = "YEARLY"
)

// EndType describes how a recurrence terminates.
type EndType string

const (
	EndNone  EndType = "NONE"
	EndUntil EndType = "UNTIL"
	EndCount EndType = "COUNT"
)

// Rule is the canonical recurrence rule.
type Rule struct {
	Frequency  Frequency
	Interval   int
	ByDay      []string // two-letter day codes: MO, TU, ...
	ByMonthDay int
	ByMonth    int
	BySetPos   int // non-zero for relative monthly/yearly patterns ("first Monday")
	EndType    EndType
	Until      time.Time
	Count      int
}

// GraphPattern is a provider-neutral copy of a Microsoft Graph
// patternedRecurrence, extracted by the Microsoft adapter so that no Graph SDK
// type escapes it.
type GraphPattern struct {
	Type                string // daily, weekly, absoluteMonthly, relativeMonthly, absoluteYearly, relativeYearly
	Interval            int
	DaysOfWeek          []string // full day names: monday, tuesday, ...
	DayOfMonth          int
	Month               int
	Index               string // first, second, third, fourth, last
	RangeType           string // noEnd, endDate, numbered
	EndDate             string // YYYY-MM-DD
	NumberOfOccurrences int
}

var graphFrequencies = map[string]Frequency{
	"daily":           Daily,
	"weekly":          Weekly,
	"absoluteMonthly": Monthly,
	"relativeMonthly": Monthly,
	"absoluteYearly":  Yearly,
	"relativeYearly":  Yearly,
}

var graphIndexes = map[string]int{
	"first":  1,
	"second": 2,
	"third":  3,
	"fourth": 4,
	"last":   -1,
}

// FromGraphPattern converts a Graph recurrence pattern to the canonical rule.
// A nil pattern yields a nil rule. Unknown pattern or range types return
// ErrUnknownPattern with the offending value.
func FromGraphPattern(p *GraphPattern) (*Rule, error) {
	if p == nil {
		return nil, nil
	}

	freq, ok := graphFrequencies[p.Type]
	if !ok {
		return nil, fmt.Errorf("%w: pattern type %q", ErrUnknownPattern, p.Type)
	}

	rule := &Rule{
		Frequency:  freq,
		Interval:   p.Interval,
		ByMonthDay: p.DayOfMonth,
		ByMonth:    p.Month,
		EndType:    EndNone,
	}
	if rule.Interval < 1 {
		rule.Interval = 1
	}

	for _, day := range p.DaysOfWeek {
		if len(day) < 2 {
			return nil, fmt.Errorf("%w: day of week %q", ErrUnknownPattern, day)
		}
		rule.ByDay = append(rule.ByDay, strings.ToUpper(day[:2]))
	}

	if strings.HasPrefix(p.Type, "relative") {
		pos, ok := graphIndexes[p.Index]
		if !ok {
			return nil, fmt.Errorf("%w: week index %q", ErrUnknownPattern, p.Index)
		}
		rule.BySetPos = pos
	}

	switch p.RangeType {
	case "", "noEnd":
		rule.EndType = EndNone
	case "endDate":
		until, err := time.Parse("2006-01-02", p.EndDate)
		if err != nil {
			return nil, fmt.Errorf("%w: end date %q", ErrUnknownPattern, p.EndDate)
		}
		rule.EndType = EndUntil
		rule.Until = until
	case "numbered":
		if p.NumberOfOccurrences < 1 {
			return nil, fmt.Errorf("%w: occurrence count %d", ErrUnknownPattern, p.NumberOfOccurrences)
		}
		rule.EndType = EndCount
		rule.Count = p.NumberOfOccurrences
	default:
		return nil, fmt.Errorf("%w: range type %q", ErrUnknownPattern, p.RangeType)
	}

	return rule, nil
}

var rruleFrequencies = map[rrule.Frequency]Frequency{
	rrule.DAILY:   Daily,
	rrule.WEEKLY:  Weekly,
	rrule.MONTHLY: Monthly,
	rrule.YEARLY:  Yearly,
}

// FromRRULE converts a Google-style recurrence line set (RRULE/EXDATE/RDATE
// strings) to the canonical rule. Only the RRULE line participates; an input
// without one yields a nil rule.
func FromRRULE(lines []string) (*Rule, error) {
	var raw string
	for _, line := range lines {
		if strings.HasPrefix(line, "RRULE:") {
			raw = strings.TrimPrefix(line, "RRULE:")
			break
		}
		if strings.HasPrefix(line, "RRULE;") || strings.HasPrefix(line, "FREQ=") {
			raw = line
			break
		}
	}
	if raw == "" {
		return nil, nil
	}

	opt, err := rrule.StrToROption(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownPattern, err)
	}

	freq, ok := rruleFrequencies[opt.Freq]
	if !ok {
		return nil, fmt.Errorf("%w: sub-daily frequency %v", ErrUnknownPattern, opt.Freq)
	}

	rule := &Rule{
		Frequency: freq,
		Interval:  opt.Interval,
		EndType:   EndNone,
	}
	if rule.Interval < 1 {
		rule.Interval = 1
	}
	for _, wd := range opt.Byweekday {
		rule.ByDay = append(rule.ByDay, wd.String())
	}
	if len(opt.Bymonthday) > 0 {
		rule.ByMonthDay = opt.Bymonthday[0]
	}
	if len(opt.Bymonth) > 0 {
		rule.ByMonth = opt.Bymonth[0]
	}
	if len(opt.Bysetpos) > 0 {
		rule.BySetPos = opt.Bysetpos[0]
	}
	if opt.Count > 0 {
		rule.EndType = EndCount
		rule.Count = opt.Count
	} else if !opt.Until.IsZero() {
		rule.EndType = EndUntil
		rule.Until = opt.Until
	}

	return rule, nil
}

var weekdays = map[string]rrule.Weekday{
	"MO": rrule.MO,
	"TU": rrule.TU,
	"WE": rrule.WE,
	"TH": rrule.TH,
	"FR": rrule.FR,
	"SA": rrule.SA,
	"SU": rrule.SU,
}

// RRULE renders the canonical rule back to an RFC 5545 RRULE string.
func (r *Rule) RRULE() (string, error) {
	if r == nil {
		return "", nil
	}

	opt := rrule.ROption{Interval: r.Interval}
	switch r.Frequency {
	case Daily:
		opt.Freq = rrule.DAILY
	case Weekly:
		opt.Freq = rrule.WEEKLY
	case Monthly:
		opt.Freq = rrule.MONTHLY
	case Yearly:
		opt.Freq = rrule.YEARLY
	default:
		return "", fmt.Errorf("%w: frequency %q", ErrUnknownPattern, r.Frequency)
	}

	for _, code := range r.ByDay {
		wd, ok := weekdays[code]
		if !ok {
			return "", fmt.Errorf("%w: day code %q", ErrUnknownPattern, code)
		}
		opt.Byweekday = append(opt.Byweekday, wd)
	}
	if r.ByMonthDay != 0 {
		opt.Bymonthday = []int{r.ByMonthDay}
	}
	if r.ByMonth != 0 {
		opt.Bymonth = []int{r.ByMonth}
	}
	if r.BySetPos != 0 {
		opt.Bysetpos = []int{r.BySetPos}
	}
	switch r.EndType {
	case EndUntil:
		opt.Until = r.Until
	case EndCount:
		opt.Count = r.Count
	}

	rule, err := rrule.NewRRule(opt)
	if err != nil {
		return "", fmt.Errorf("render rule: %w", err)
	}
	return rule.String(), nil
}
