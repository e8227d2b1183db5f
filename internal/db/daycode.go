package db

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DayCode is a calendar day encoded as YYYYMMDD. Occurrences are queried by
// day code, never by raw timestamp, when the question is which day an
// instance appears on.
type DayCode int

// DayOf returns the day code of t in loc.
func DayOf(t time.Time, loc *time.Location) DayCode {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := t.In(loc).Date()
	return DayCode(y*10000 + int(m)*100 + d)
}

// ParseDayCode accepts "2006-01-02" or "20060102".
func ParseDayCode(s string) (DayCode, error) {
	s = strings.TrimSpace(s)
	layout := "20060102"
	if strings.Contains(s, "-") {
		layout = "2006-01-02"
	}
	t, err := time.Parse(layout, s)
	if err != nil {
		return 0, fmt.Errorf("invalid day %q: %w", s, err)
	}
	return DayOf(t, time.UTC), nil
}

// Date splits the code into its components.
func (d DayCode) Date() (int, time.Month, int) {
	n := int(d)
	return n / 10000, time.Month(n / 100 % 100), n % 100
}

// Time returns midnight of the day in loc.
func (d DayCode) Time(loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	y, m, day := d.Date()
	return time.Date(y, m, day, 0, 0, 0, 0, loc)
}

// AddDays shifts the code by n calendar days.
func (d DayCode) AddDays(n int) DayCode {
	return DayOf(d.Time(time.UTC).AddDate(0, 0, n), time.UTC)
}

// Valid reports whether the code names a real calendar day.
func (d DayCode) Valid() bool {
	y, m, day := d.Date()
	if y < 1000 || y > 9999 || m < 1 || m > 12 || day < 1 {
		return false
	}
	return d.Time(time.UTC).Day() == day
}

func (d DayCode) String() string {
	y, m, day := d.Date()
	return fmt.Sprintf("%04d-%02d-%02d", y, int(m), day)
}

// looksLikeDayCode reports whether a bare integer is in YYYYMMDD form.
func looksLikeDayCode(s string) bool {
	if len(s) != 8 {
		return false
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return false
	}
	return DayCode(n).Valid()
}
