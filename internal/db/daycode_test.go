package db

import (
	"testing"
	"time"
)

func TestDayCode(t *testing.T) {
	t.Run("uses the location to pick the day", func(t *testing.T) {
		tokyo := time.FixedZone("JST", 9*3600)
		instant := time.Date(2026, 1, 15, 20, 0, 0, 0, time.UTC)
		if got := DayOf(instant, time.UTC); got != 20260115 {
			t.Errorf("utc day = %d", got)
		}
		if got := DayOf(instant, tokyo); got != 20260116 {
			t.Errorf("tokyo day = %d", got)
		}
	})

	t.Run("adds days across month and year boundaries", func(t *testing.T) {
		if got := DayCode(20260131).AddDays(1); got != 20260201 {
			t.Errorf("got %d", got)
		}
		if got := DayCode(20260101).AddDays(-1); got != 20251231 {
			t.Errorf("got %d", got)
		}
	})

	t.Run("parses both layouts", func(t *testing.T) {
		for _, s := range []string{"2026-01-18", "20260118"} {
			d, err := ParseDayCode(s)
			if err != nil {
				t.Fatalf("ParseDayCode(%q): %v", s, err)
			}
			if d != 20260118 || d.String() != "2026-01-18" {
				t.Errorf("ParseDayCode(%q) = %d", s, d)
			}
		}
		if _, err := ParseDayCode("2026-13-01"); err == nil {
			t.Error("expected error for invalid month")
		}
	})

	t.Run("validates", func(t *testing.T) {
		if !DayCode(20240229).Valid() {
			t.Error("leap day should be valid")
		}
		if DayCode(20250229).Valid() {
			t.Error("non-leap Feb 29 should be invalid")
		}
	})
}
