package activity

import (
	"testing"
	"time"
)

func TestTrackerLifecycle(t *testing.T) {
	tr := NewTracker()
	clock := time.Date(2026, 1, 15, 8, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return clock }

	tr.StartSync(7, "Work")
	if !tr.IsSyncing(7) {
		t.Fatal("expected calendar 7 to be syncing")
	}

	tr.SetState(7, StateCheckingTag)
	tr.SetState(7, StatePulling)
	tr.SetState(7, StatePulling)
	tr.SetState(7, StateMerging)
	tr.IncrementProgress(7, 2, 1, 0, 0, 0)
	tr.IncrementProgress(7, 1, 0, 1, 3, 1)

	active := tr.GetActive()
	if len(active) != 1 {
		t.Fatalf("expected 1 active sync, got %d", len(active))
	}
	if active[0].State != StateMerging {
		t.Errorf("expected state %s, got %s", StateMerging, active[0].State)
	}

	clock = clock.Add(1500 * time.Millisecond)
	tr.FinishSync(7, "partial", "1 operation failed", []string{"boom"})

	if tr.IsSyncing(7) {
		t.Error("expected calendar 7 to be finished")
	}
	recent := tr.GetRecent()
	if len(recent) != 1 {
		t.Fatalf("expected 1 recent sync, got %d", len(recent))
	}
	got := recent[0]
	if got.Added != 3 || got.Updated != 1 || got.Deleted != 1 || got.Pushed != 3 || got.Failed != 1 {
		t.Errorf("unexpected counters: %+v", got)
	}
	if got.Duration != "1.5s" {
		t.Errorf("expected duration 1.5s, got %s", got.Duration)
	}
	want := []State{StateIdle, StateCheckingTag, StatePulling, StateMerging, StateIdle}
	if len(got.StateTransition) != len(want) {
		t.Fatalf("expected states %v, got %v", want, got.StateTransition)
	}
	for i := range want {
		if got.StateTransition[i] != want[i] {
			t.Errorf("state %d: expected %s, got %s", i, want[i], got.StateTransition[i])
		}
	}
}

func TestTrackerIgnoresUnknownCalendar(t *testing.T) {
	tr := NewTracker()
	tr.SetState(1, StatePushing)
	tr.IncrementProgress(1, 1, 1, 1, 1, 1)
	tr.FinishSync(1, "completed", "", nil)

	if len(tr.GetActive()) != 0 || len(tr.GetRecent()) != 0 {
		t.Error("expected no activity for a calendar that never started")
	}
}

func TestTrackerKeepsRecentBounded(t *testing.T) {
	tr := NewTracker()
	for i := int64(1); i <= 25; i++ {
		tr.StartSync(i, "cal")
		tr.FinishSync(i, "completed", "", nil)
	}
	recent := tr.GetRecent()
	if len(recent) != 20 {
		t.Fatalf("expected 20 recent syncs, got %d", len(recent))
	}
	if recent[0].CalendarID != 25 {
		t.Errorf("expected newest first, got calendar %d", recent[0].CalendarID)
	}
}
