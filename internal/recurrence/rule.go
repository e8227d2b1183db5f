package recurrence

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/teambition/rrule-go"
)

// ErrInvalidRule is returned when a recurrence rule cannot be parsed.
var ErrInvalidRule = errors.New("invalid recurrence rule")

// ParseRule parses an RRULE value, with or without the "RRULE:" prefix.
func ParseRule(rule string) (*rrule.ROption, error) {
	rule = strings.TrimSpace(rule)
	rule = strings.TrimPrefix(rule, "RRULE:")
	if rule == "" {
		return nil, fmt.Errorf("%w: empty rule", ErrInvalidRule)
	}
	opt, err := rrule.StrToROption(rule)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRule, err)
	}
	return opt, nil
}

// IsBounded reports whether the rule carries its own COUNT or UNTIL.
func IsBounded(rule string) bool {
	opt, err := ParseRule(rule)
	if err != nil {
		return false
	}
	return opt.Count > 0 || !opt.Until.IsZero()
}

// buildSet turns the rule into an rrule set anchored at dtstart.
func buildSet(rule string, dtstart time.Time, exclusions []time.Time) (*rrule.Set, *rrule.ROption, error) {
	opt, err := ParseRule(rule)
	if err != nil {
		return nil, nil, err
	}
	opt.Dtstart = dtstart
	r, err := rrule.NewRRule(*opt)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrInvalidRule, err)
	}

	set := &rrule.Set{}
	set.RRule(r)
	for _, ex := range exclusions {
		set.ExDate(ex.In(dtstart.Location()))
	}
	return set, opt, nil
}

// EndBefore rewrites rule so that the series stops before cut. A COUNT rule
// keeps its COUNT form with the number of instances before cut; any other
// rule gets an UNTIL one second before cut. It returns "" when no instance
// remains before cut.
func EndBefore(rule string, dtstart, cut time.Time) (string, error) {
	opt, err := ParseRule(rule)
	if err != nil {
		return "", err
	}
	before, err := countBefore(rule, dtstart, cut)
	if err != nil {
		return "", err
	}
	if before == 0 {
		return "", nil
	}

	if opt.Count > 0 {
		if before < opt.Count {
			opt.Count = before
		}
		return opt.RRuleString(), nil
	}
	until := cut.Add(-time.Second).UTC()
	if opt.Until.IsZero() || opt.Until.After(until) {
		opt.Until = until
	}
	return opt.RRuleString(), nil
}

// countBefore counts the instances of rule that start before cut.
func countBefore(rule string, dtstart, cut time.Time) (int, error) {
	set, _, err := buildSet(rule, dtstart, nil)
	if err != nil {
		return 0, err
	}
	n := 0
	next := set.Iterator()
	for {
		t, ok := next()
		if !ok || !t.Before(cut) {
			return n, nil
		}
		n++
	}
}

// Remainder returns the rule of the sub-series that starts at the cut
// instance, with COUNT reduced by the instances that came before it.
func Remainder(rule string, dtstart, cut time.Time) (string, error) {
	opt, err := ParseRule(rule)
	if err != nil {
		return "", err
	}
	if opt.Count == 0 {
		return strings.TrimPrefix(strings.TrimSpace(rule), "RRULE:"), nil
	}

	before, err := countBefore(rule, dtstart, cut)
	if err != nil {
		return "", err
	}
	if before >= opt.Count {
		return "", nil
	}
	opt.Count -= before
	return opt.RRuleString(), nil
}

// FirstAtOrAfter returns the first instance of rule starting at or after t.
// The bool is false when the series ends before t.
func FirstAtOrAfter(rule string, dtstart, t time.Time) (time.Time, bool, error) {
	set, _, err := buildSet(rule, dtstart, nil)
	if err != nil {
		return time.Time{}, false, err
	}
	next := set.After(t.In(dtstart.Location()), true)
	if next.IsZero() {
		return time.Time{}, false, nil
	}
	return next, true, nil
}

// HasInstance reports whether the rule, minus exclusions, produces an
// instance starting exactly at t.
func HasInstance(rule string, dtstart time.Time, exclusions []time.Time, t time.Time) (bool, error) {
	set, _, err := buildSet(rule, dtstart, exclusions)
	if err != nil {
		return false, err
	}
	next := set.After(t.In(dtstart.Location()), true)
	return !next.IsZero() && next.Equal(t), nil
}
