package db

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// setupTestDB creates a temporary test database.
func setupTestDB(t *testing.T) (*DB, func()) {
	t.Helper()

	tempDir, err := os.MkdirTemp("", "offlinecal-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}

	dbPath := filepath.Join(tempDir, "test.db")
	db, err := New(dbPath)
	if err != nil {
		os.RemoveAll(tempDir)
		t.Fatalf("failed to create test database: %v", err)
	}

	cleanup := func() {
		db.Close()
		os.RemoveAll(tempDir)
	}

	return db, cleanup
}

// createTestCalendar creates an account and one calendar under it.
func createTestCalendar(t *testing.T, db *DB, name string) *Calendar {
	t.Helper()
	ctx := context.Background()

	account := &Account{Name: name, ServerURL: "https://dav.example.com/", Username: "user", Enabled: true}
	if err := db.CreateAccount(ctx, account); err != nil {
		t.Fatalf("failed to create test account: %v", err)
	}
	cal := &Calendar{AccountID: account.ID, Href: "/cal/" + name + "/", Name: name}
	if err := db.CreateCalendar(ctx, cal); err != nil {
		t.Fatalf("failed to create test calendar: %v", err)
	}
	return cal
}

func createTestEvent(t *testing.T, q *Queries, calendarID int64, uid string, start time.Time) *Event {
	t.Helper()
	ev := &Event{
		CalendarID: calendarID,
		UID:        uid,
		Summary:    "Standup",
		Start:      start,
		End:        start.Add(30 * time.Minute),
	}
	if err := q.InsertEvent(context.Background(), ev); err != nil {
		t.Fatalf("failed to create test event: %v", err)
	}
	return ev
}

func TestAccountsAndCalendars(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	t.Run("creates and reads back an account", func(t *testing.T) {
		account := &Account{Name: "Work", ServerURL: "https://dav.example.com/", Username: "alice", Secret: "enc", Enabled: true}
		if err := db.CreateAccount(ctx, account); err != nil {
			t.Fatalf("CreateAccount failed: %v", err)
		}
		if account.ID == "" {
			t.Fatal("expected generated ID")
		}

		got, err := db.GetAccount(ctx, account.ID)
		if err != nil {
			t.Fatalf("GetAccount failed: %v", err)
		}
		if got.Username != "alice" || got.Secret != "enc" || !got.Enabled {
			t.Errorf("unexpected account: %+v", got)
		}
		if got.SyncInterval != 300 {
			t.Errorf("expected default interval 300, got %d", got.SyncInterval)
		}
	})

	t.Run("returns ErrNotFound for unknown account", func(t *testing.T) {
		_, err := db.GetAccount(ctx, "missing")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("stores and clears sync state", func(t *testing.T) {
		cal := createTestCalendar(t, db, "home")
		if err := db.MarkCalendarNeedsResync(ctx, cal.ID); err != nil {
			t.Fatalf("MarkCalendarNeedsResync failed: %v", err)
		}
		if err := db.UpdateCalendarSyncState(ctx, cal.ID, "ctag-1", "token-1"); err != nil {
			t.Fatalf("UpdateCalendarSyncState failed: %v", err)
		}

		got, err := db.GetCalendar(ctx, cal.ID)
		if err != nil {
			t.Fatalf("GetCalendar failed: %v", err)
		}
		if got.CTag != "ctag-1" || got.SyncToken != "token-1" {
			t.Errorf("unexpected sync state: ctag=%q token=%q", got.CTag, got.SyncToken)
		}
		if got.NeedsFullResync {
			t.Error("expected resync flag cleared")
		}

		byHref, err := db.GetCalendarByHref(ctx, cal.AccountID, cal.Href)
		if err != nil || byHref.ID != cal.ID {
			t.Errorf("GetCalendarByHref = %v, %v", byHref, err)
		}
	})
}

func TestSyncLogs(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	cal := createTestCalendar(t, db, "logs")

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	db.SetClock(func() time.Time { return now.AddDate(0, 0, -40) })
	if err := db.CreateSyncLog(ctx, &SyncLog{CalendarID: cal.ID, Status: SyncLogSuccess, Message: "old"}); err != nil {
		t.Fatalf("CreateSyncLog failed: %v", err)
	}
	db.SetClock(func() time.Time { return now })
	if err := db.CreateSyncLog(ctx, &SyncLog{CalendarID: cal.ID, Status: SyncLogPartial, Message: "new", Added: 3, Duration: 1500 * time.Millisecond}); err != nil {
		t.Fatalf("CreateSyncLog failed: %v", err)
	}

	deleted, err := db.CleanOldSyncLogs(ctx, now.AddDate(0, 0, -30))
	if err != nil {
		t.Fatalf("CleanOldSyncLogs failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("expected 1 deleted log, got %d", deleted)
	}

	logs, err := db.GetSyncLogs(ctx, cal.ID, 10)
	if err != nil {
		t.Fatalf("GetSyncLogs failed: %v", err)
	}
	if len(logs) != 1 || logs[0].Message != "new" || logs[0].Added != 3 {
		t.Fatalf("unexpected logs: %+v", logs)
	}
	if logs[0].Duration != 1500*time.Millisecond {
		t.Errorf("expected duration 1.5s, got %v", logs[0].Duration)
	}
}

func TestMasterUniqueness(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	cal := createTestCalendar(t, db, "uniq")
	start := time.Date(2026, 1, 20, 9, 0, 0, 0, time.UTC)

	master := createTestEvent(t, db.Queries, cal.ID, "uid-1", start)

	t.Run("rejects a second master with the same uid", func(t *testing.T) {
		dup := &Event{CalendarID: cal.ID, UID: "uid-1", Start: start, End: start.Add(time.Hour)}
		err := db.InsertEvent(ctx, dup)
		if !errors.Is(err, ErrDuplicateMaster) {
			t.Errorf("expected ErrDuplicateMaster, got %v", err)
		}
	})

	t.Run("allows an exception sharing the uid", func(t *testing.T) {
		exc := &Event{
			CalendarID:           cal.ID,
			UID:                  "uid-1",
			Start:                start.AddDate(0, 0, 1).Add(time.Hour),
			End:                  start.AddDate(0, 0, 1).Add(2 * time.Hour),
			OriginalEventID:      master.ID,
			OriginalInstanceTime: start.AddDate(0, 0, 1),
		}
		if err := db.InsertEvent(ctx, exc); err != nil {
			t.Fatalf("InsertEvent exception failed: %v", err)
		}
		excs, err := db.ListExceptions(ctx, master.ID)
		if err != nil {
			t.Fatalf("ListExceptions failed: %v", err)
		}
		if len(excs) != 1 || !excs[0].OriginalInstanceTime.Equal(start.AddDate(0, 0, 1)) {
			t.Errorf("unexpected exceptions: %+v", excs)
		}
	})

	t.Run("rejects renaming another master onto the uid", func(t *testing.T) {
		other := createTestEvent(t, db.Queries, cal.ID, "uid-2", start)
		other.UID = "uid-1"
		if err := db.UpdateEvent(ctx, other); !errors.Is(err, ErrDuplicateMaster) {
			t.Errorf("expected ErrDuplicateMaster, got %v", err)
		}
	})
}

func TestWithTx(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	cal := createTestCalendar(t, db, "tx")
	start := time.Date(2026, 2, 2, 10, 0, 0, 0, time.UTC)

	t.Run("rolls back the event and its operation together", func(t *testing.T) {
		boom := errors.New("boom")
		err := db.WithTx(ctx, func(tx *Tx) error {
			ev := createTestEvent(t, tx.Queries, cal.ID, "tx-1", start)
			if err := tx.EnqueueOperation(ctx, &PendingOperation{EventID: ev.ID, CalendarID: cal.ID, Kind: OpCreate}); err != nil {
				return err
			}
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("expected boom, got %v", err)
		}
		if _, err := db.FindMasterByUID(ctx, cal.ID, "tx-1"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected event rolled back, got %v", err)
		}
		ops, _ := db.ListOperations(ctx, cal.ID)
		if len(ops) != 0 {
			t.Errorf("expected no operations, got %d", len(ops))
		}
	})

	t.Run("commits on success", func(t *testing.T) {
		err := db.WithTx(ctx, func(tx *Tx) error {
			createTestEvent(t, tx.Queries, cal.ID, "tx-2", start)
			return nil
		})
		if err != nil {
			t.Fatalf("WithTx failed: %v", err)
		}
		if _, err := db.FindMasterByUID(ctx, cal.ID, "tx-2"); err != nil {
			t.Errorf("expected committed event, got %v", err)
		}
	})
}

func TestEventExclusionsPersistCanonically(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	cal := createTestCalendar(t, db, "exdates")
	start := time.Date(2026, 1, 20, 9, 0, 0, 0, time.UTC)

	ev := createTestEvent(t, db.Queries, cal.ID, "ex-1", start)
	ev.RRule = "FREQ=DAILY;COUNT=5"
	ev.Exclusions = ParseExclusions("20260122,1769504400000", ev.LocalStart())
	if err := db.UpdateEvent(ctx, ev); err != nil {
		t.Fatalf("UpdateEvent failed: %v", err)
	}

	var raw string
	if err := db.Conn().QueryRow(`SELECT exdates FROM events WHERE id = ?`, ev.ID).Scan(&raw); err != nil {
		t.Fatalf("query failed: %v", err)
	}
	want := "1769072400000,1769504400000"
	if raw != want {
		t.Errorf("expected canonical %q, got %q", want, raw)
	}

	got, err := db.GetEvent(ctx, ev.ID)
	if err != nil {
		t.Fatalf("GetEvent failed: %v", err)
	}
	if !got.Exclusions.Contains(time.Date(2026, 1, 22, 9, 0, 0, 0, time.UTC)) {
		t.Error("expected 2026-01-22 09:00 excluded")
	}
	if !got.Exclusions.Contains(time.Date(2026, 1, 27, 9, 0, 0, 0, time.UTC)) {
		t.Error("expected 2026-01-27 09:00 excluded")
	}
}
