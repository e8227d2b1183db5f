package db

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// Thresholds used to tell integer exclusion encodings apart by magnitude.
const (
	minUnixMillis  = int64(100_000_000_000) // 1973-03-03 in millis
	minUnixSeconds = int64(100_000_000)     // 1973-03-03 in seconds
)

// ExclusionSet is the set of excluded instance start times of a recurring
// master, held as absolute instants.
//
// Stored values arrive in several historical encodings (unix millis, unix
// seconds, YYYYMMDD day codes, iCalendar date-times). They are normalized
// once by ParseExclusions and always written back as unix millis. Tokens that
// cannot be understood are kept verbatim so they survive a rewrite.
type ExclusionSet struct {
	instants map[int64]struct{}
	unparsed []string
}

// NewExclusionSet returns a set holding the given instants.
func NewExclusionSet(times ...time.Time) ExclusionSet {
	var s ExclusionSet
	for _, t := range times {
		s.Add(t)
	}
	return s
}

// ParseExclusions decodes a stored exclusion list. anchor is the master's
// start in its own zone; day codes and floating date-times are resolved
// against its location and wall-clock time of day.
func ParseExclusions(raw string, anchor time.Time) ExclusionSet {
	var s ExclusionSet
	raw = strings.Trim(strings.TrimSpace(raw), "[]")
	if raw == "" {
		return s
	}
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ';' || r == ' ' || r == '\n' || r == '\t'
	})
	for _, f := range fields {
		tok := strings.Trim(f, `"'`)
		if tok == "" {
			continue
		}
		t, ok := parseExclusionToken(tok, anchor)
		if !ok {
			s.unparsed = append(s.unparsed, tok)
			continue
		}
		s.Add(t)
	}
	return s
}

func parseExclusionToken(tok string, anchor time.Time) (time.Time, bool) {
	loc := anchor.Location()
	if loc == nil {
		loc = time.UTC
	}

	if n, err := strconv.ParseInt(tok, 10, 64); err == nil {
		switch {
		case looksLikeDayCode(tok):
			return atAnchorClock(DayCode(n), anchor), true
		case n >= minUnixMillis:
			return time.UnixMilli(n).UTC(), true
		case n >= minUnixSeconds:
			return time.Unix(n, 0).UTC(), true
		default:
			return time.Time{}, false
		}
	}

	if t, err := time.Parse("20060102T150405Z", tok); err == nil {
		return t.UTC(), true
	}
	if t, err := time.ParseInLocation("20060102T150405", tok, loc); err == nil {
		return t.UTC(), true
	}
	if t, err := time.Parse(time.RFC3339, tok); err == nil {
		return t.UTC(), true
	}
	if t, err := time.Parse("2006-01-02", tok); err == nil {
		return atAnchorClock(DayOf(t, time.UTC), anchor), true
	}
	return time.Time{}, false
}

// atAnchorClock places a day code at the anchor's wall-clock time of day.
func atAnchorClock(d DayCode, anchor time.Time) time.Time {
	loc := anchor.Location()
	if loc == nil {
		loc = time.UTC
	}
	y, m, day := d.Date()
	return time.Date(y, m, day, anchor.Hour(), anchor.Minute(), anchor.Second(), 0, loc).UTC()
}

func exclusionKey(t time.Time) int64 {
	return t.Truncate(time.Second).UnixMilli()
}

// Add inserts t and reports whether it was new.
func (s *ExclusionSet) Add(t time.Time) bool {
	if s.instants == nil {
		s.instants = make(map[int64]struct{})
	}
	k := exclusionKey(t)
	if _, ok := s.instants[k]; ok {
		return false
	}
	s.instants[k] = struct{}{}
	return true
}

// Remove deletes t from the set.
func (s *ExclusionSet) Remove(t time.Time) {
	delete(s.instants, exclusionKey(t))
}

// Contains reports whether t is excluded.
func (s ExclusionSet) Contains(t time.Time) bool {
	_, ok := s.instants[exclusionKey(t)]
	return ok
}

// Len returns the number of understood instants.
func (s ExclusionSet) Len() int {
	return len(s.instants)
}

// Times returns the excluded instants in ascending order, in UTC.
func (s ExclusionSet) Times() []time.Time {
	keys := make([]int64, 0, len(s.instants))
	for k := range s.instants {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	out := make([]time.Time, len(keys))
	for i, k := range keys {
		out[i] = time.UnixMilli(k).UTC()
	}
	return out
}

// Unparsed returns tokens that could not be decoded.
func (s ExclusionSet) Unparsed() []string {
	return s.unparsed
}

// Encode returns the canonical storage form.
func (s ExclusionSet) Encode() string {
	times := s.Times()
	parts := make([]string, 0, len(times)+len(s.unparsed))
	for _, t := range times {
		parts = append(parts, strconv.FormatInt(t.UnixMilli(), 10))
	}
	parts = append(parts, s.unparsed...)
	return strings.Join(parts, ",")
}

// Clone returns an independent copy.
func (s ExclusionSet) Clone() ExclusionSet {
	c := ExclusionSet{unparsed: append([]string(nil), s.unparsed...)}
	if len(s.instants) > 0 {
		c.instants = make(map[int64]struct{}, len(s.instants))
		for k := range s.instants {
			c.instants[k] = struct{}{}
		}
	}
	return c
}
