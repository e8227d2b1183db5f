package activity

import (
	"sort"
	"sync"
	"time"
)

// State is the step of a calendar sync cycle.
type State string

const (
	StateIdle        State = "idle"
	StateCheckingTag State = "checking_remote_tag"
	StateNoChange    State = "no_change"
	StatePulling     State = "pulling"
	StateMerging     State = "merging"
	StatePushPending State = "push_pending"
	StatePushing     State = "pushing"
)

// SyncActivity represents the current state of a calendar sync.
type SyncActivity struct {
	CalendarID      int64      `json:"calendar_id"`
	CalendarName    string     `json:"calendar_name"`
	State           State      `json:"state"`
	Status          string     `json:"status"` // "running", "completed", "partial", "error", "no_change"
	Added           int        `json:"added"`
	Updated         int        `json:"updated"`
	Deleted         int        `json:"deleted"`
	Pushed          int        `json:"pushed"`
	Failed          int        `json:"failed"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	Duration        string     `json:"duration,omitempty"`
	Message         string     `json:"message,omitempty"`
	Errors          []string   `json:"errors,omitempty"`
	StateTransition []State    `json:"states,omitempty"`
}

// Tracker tracks sync activity across all calendars.
type Tracker struct {
	mu             sync.RWMutex
	active         map[int64]*SyncActivity
	recent         []*SyncActivity
	maxRecentSyncs int
	now            func() time.Time
}

// NewTracker creates a new activity tracker.
func NewTracker() *Tracker {
	return &Tracker{
		active:         make(map[int64]*SyncActivity),
		recent:         make([]*SyncActivity, 0),
		maxRecentSyncs: 20,
		now:            time.Now,
	}
}

// StartSync begins tracking a sync of one calendar.
func (t *Tracker) StartSync(calendarID int64, calendarName string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.active[calendarID] = &SyncActivity{
		CalendarID:      calendarID,
		CalendarName:    calendarName,
		State:           StateIdle,
		Status:          "running",
		StartedAt:       t.now(),
		StateTransition: []State{StateIdle},
	}
}

// SetState records the cycle moving to state.
func (t *Tracker) SetState(calendarID int64, state State) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if a, ok := t.active[calendarID]; ok && a.State != state {
		a.State = state
		a.StateTransition = append(a.StateTransition, state)
	}
}

// IncrementProgress adds to the counters of a running sync.
func (t *Tracker) IncrementProgress(calendarID int64, added, updated, deleted, pushed, failed int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if a, ok := t.active[calendarID]; ok {
		a.Added += added
		a.Updated += updated
		a.Deleted += deleted
		a.Pushed += pushed
		a.Failed += failed
	}
}

// FinishSync marks a sync as completed and moves it to recent.
func (t *Tracker) FinishSync(calendarID int64, status, message string, errors []string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	a, ok := t.active[calendarID]
	if !ok {
		return
	}

	now := t.now()
	a.CompletedAt = &now
	a.Duration = now.Sub(a.StartedAt).Round(time.Millisecond).String()
	a.Message = message
	a.Errors = errors
	a.Status = status
	if a.State != StateIdle {
		a.StateTransition = append(a.StateTransition, StateIdle)
	}
	a.State = StateIdle

	t.recent = append([]*SyncActivity{a}, t.recent...)
	if len(t.recent) > t.maxRecentSyncs {
		t.recent = t.recent[:t.maxRecentSyncs]
	}
	delete(t.active, calendarID)
}

// GetActive returns all currently running syncs ordered by calendar.
func (t *Tracker) GetActive() []*SyncActivity {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]*SyncActivity, 0, len(t.active))
	for _, a := range t.active {
		c := *a
		c.StateTransition = append([]State(nil), a.StateTransition...)
		c.Duration = t.now().Sub(a.StartedAt).Round(time.Millisecond).String()
		result = append(result, &c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CalendarID < result[j].CalendarID })
	return result
}

// GetRecent returns recently completed syncs, newest first.
func (t *Tracker) GetRecent() []*SyncActivity {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]*SyncActivity, len(t.recent))
	for i, a := range t.recent {
		c := *a
		result[i] = &c
	}
	return result
}

// GetAll returns both active and recent syncs.
func (t *Tracker) GetAll() map[string]interface{} {
	return map[string]interface{}{
		"active": t.GetActive(),
		"recent": t.GetRecent(),
	}
}

// IsSyncing returns true if the calendar is currently syncing.
func (t *Tracker) IsSyncing(calendarID int64) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.active[calendarID]
	return ok
}
