package db

import (
	"context"
	"testing"
	"time"
)

func TestOccurrenceDayQueries(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	cal := createTestCalendar(t, db, "days")

	start := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	ev := &Event{CalendarID: cal.ID, UID: "trip", Summary: "Trip", AllDay: true, Start: start, End: start.AddDate(0, 0, 3)}
	if err := db.InsertEvent(ctx, ev); err != nil {
		t.Fatalf("InsertEvent failed: %v", err)
	}
	occ := &Occurrence{EventID: ev.ID, InstanceTime: ev.Start, Start: ev.Start, End: ev.End, StartDay: 20260115, EndDay: 20260117}
	if err := db.UpsertOccurrence(ctx, occ); err != nil {
		t.Fatalf("UpsertOccurrence failed: %v", err)
	}

	t.Run("matches every inclusive day", func(t *testing.T) {
		for _, day := range []DayCode{20260115, 20260116, 20260117} {
			got, err := db.OccurrencesForDay(ctx, day)
			if err != nil {
				t.Fatalf("OccurrencesForDay failed: %v", err)
			}
			if len(got) != 1 || got[0].Summary != "Trip" || !got[0].AllDay {
				t.Errorf("day %d: unexpected %+v", day, got)
			}
		}
	})

	t.Run("excludes the exclusive end day", func(t *testing.T) {
		got, err := db.OccurrencesForDay(ctx, 20260118)
		if err != nil {
			t.Fatalf("OccurrencesForDay failed: %v", err)
		}
		if len(got) != 0 {
			t.Errorf("expected nothing on 2026-01-18, got %d", len(got))
		}
	})

	t.Run("range overlaps by day", func(t *testing.T) {
		got, err := db.OccurrencesInRange(ctx, 20260110, 20260115)
		if err != nil {
			t.Fatalf("OccurrencesInRange failed: %v", err)
		}
		if len(got) != 1 {
			t.Errorf("expected 1, got %d", len(got))
		}
	})

	t.Run("hides cancelled occurrences", func(t *testing.T) {
		if err := db.SetOccurrenceCancelled(ctx, ev.ID, ev.Start, true); err != nil {
			t.Fatalf("SetOccurrenceCancelled failed: %v", err)
		}
		got, err := db.OccurrencesInRange(ctx, 20260101, 20260131)
		if err != nil {
			t.Fatalf("OccurrencesInRange failed: %v", err)
		}
		if len(got) != 0 {
			t.Errorf("expected cancelled occurrence hidden, got %d", len(got))
		}
	})
}

func TestOccurrenceUpsertKeepsLink(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	cal := createTestCalendar(t, db, "links")
	start := time.Date(2026, 1, 20, 9, 0, 0, 0, time.UTC)

	master := createTestEvent(t, db.Queries, cal.ID, "series", start)
	exc := &Event{CalendarID: cal.ID, UID: "series", Summary: "Moved", Start: start.Add(2 * time.Hour),
		End: start.Add(3 * time.Hour), OriginalEventID: master.ID, OriginalInstanceTime: start}
	if err := db.InsertEvent(ctx, exc); err != nil {
		t.Fatalf("InsertEvent failed: %v", err)
	}

	linked := &Occurrence{EventID: master.ID, InstanceTime: start, Start: exc.Start, End: exc.End,
		StartDay: 20260120, EndDay: 20260120, ExceptionEventID: exc.ID}
	if err := db.UpsertOccurrence(ctx, linked); err != nil {
		t.Fatalf("UpsertOccurrence failed: %v", err)
	}

	plain := &Occurrence{EventID: master.ID, InstanceTime: start, Start: start, End: start.Add(30 * time.Minute),
		StartDay: 20260120, EndDay: 20260120}
	inserted, err := db.InsertOccurrenceIfMissing(ctx, plain)
	if err != nil {
		t.Fatalf("InsertOccurrenceIfMissing failed: %v", err)
	}
	if inserted {
		t.Error("expected existing row to be kept")
	}

	got, err := db.OccurrencesForDay(ctx, 20260120)
	if err != nil {
		t.Fatalf("OccurrencesForDay failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected one occurrence, got %d", len(got))
	}
	if got[0].DisplayEventID != exc.ID || got[0].Summary != "Moved" {
		t.Errorf("expected exception content, got %+v", got[0])
	}

	n, err := db.CountOccurrencesAt(ctx, master.ID, start)
	if err != nil {
		t.Fatalf("CountOccurrencesAt failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 row at instance, got %d", n)
	}
}
