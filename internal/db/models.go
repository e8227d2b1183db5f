package db

import (
	"time"
)

// SyncStatus is the replication state of a single event.
type SyncStatus string

const (
	SyncStatusSynced        SyncStatus = "synced"
	SyncStatusPendingCreate SyncStatus = "pending_create"
	SyncStatusPendingUpdate SyncStatus = "pending_update"
	SyncStatusPendingDelete SyncStatus = "pending_delete"
)

// ValidSyncStatuses contains all valid event sync status values.
var ValidSyncStatuses = map[SyncStatus]bool{
	SyncStatusSynced:        true,
	SyncStatusPendingCreate: true,
	SyncStatusPendingUpdate: true,
	SyncStatusPendingDelete: true,
}

// IsValid returns true if the sync status is a known valid value.
func (s SyncStatus) IsValid() bool {
	return ValidSyncStatuses[s]
}

// IsPending reports whether the event carries unpushed local changes.
func (s SyncStatus) IsPending() bool {
	return s != SyncStatusSynced && s != ""
}

// OpKind is the kind of a queued local mutation.
type OpKind string

const (
	OpCreate OpKind = "create"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
	OpMove   OpKind = "move"
)

// ValidOpKinds contains all valid pending operation kinds.
var ValidOpKinds = map[OpKind]bool{
	OpCreate: true,
	OpUpdate: true,
	OpDelete: true,
	OpMove:   true,
}

// IsValid returns true if the operation kind is a known valid value.
func (k OpKind) IsValid() bool {
	return ValidOpKinds[k]
}

// OpStatus is the queue state of a pending operation.
type OpStatus string

const (
	OpStatusPending OpStatus = "pending"
	OpStatusFailed  OpStatus = "failed"
)

// OpPhase is the step a MOVE operation is on. Other kinds leave it empty.
type OpPhase string

const (
	PhaseNone   OpPhase = ""
	PhaseDelete OpPhase = "delete_phase"
	PhaseCreate OpPhase = "create_phase"
)

// SyncLogStatus is the outcome of one sync cycle.
type SyncLogStatus string

const (
	SyncLogSuccess  SyncLogStatus = "success"
	SyncLogPartial  SyncLogStatus = "partial" // Cycle completed but some resources or operations failed
	SyncLogError    SyncLogStatus = "error"   // Cycle aborted
	SyncLogNoChange SyncLogStatus = "no_change"
)

// Account holds the remote credentials shared by a set of calendars.
// Secret and BearerToken are stored encrypted.
type Account struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	ServerURL    string    `json:"server_url"`
	Username     string    `json:"username"`
	Secret       string    `json:"-"`
	BearerToken  string    `json:"-"`
	LocalOnly    bool      `json:"local_only"`
	SyncInterval int       `json:"sync_interval"` // seconds
	Enabled      bool      `json:"enabled"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Calendar is a local calendar, optionally mirrored to a remote collection.
type Calendar struct {
	ID              int64         `json:"id"`
	AccountID       string        `json:"account_id"`
	Href            string        `json:"href"`
	Name            string        `json:"name"`
	Color           string        `json:"color,omitempty"`
	CTag            string        `json:"ctag,omitempty"`
	SyncToken       string        `json:"sync_token,omitempty"`
	ReadOnly        bool          `json:"read_only"`
	LocalOnly       bool          `json:"local_only"`
	NeedsFullResync bool          `json:"needs_full_resync"`
	LastSyncAt      time.Time     `json:"last_sync_at,omitempty"`
	LastSyncStatus  SyncLogStatus `json:"last_sync_status,omitempty"`
	LastSyncMessage string        `json:"last_sync_message,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// Event is a standalone item, the master of a recurring series, or an
// exception overriding one instance of a master.
type Event struct {
	ID          int64  `json:"id"`
	CalendarID  int64  `json:"calendar_id"`
	UID         string `json:"uid"`
	ImportID    string `json:"import_id,omitempty"`
	Summary     string `json:"summary"`
	Description string `json:"description,omitempty"`
	Location    string `json:"location,omitempty"`

	// Start and End are absolute instants. All-day events are floating and
	// held at UTC midnight; End is the exclusive day boundary.
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	TimeZone string    `json:"timezone,omitempty"`
	AllDay   bool      `json:"all_day"`

	RRule      string       `json:"rrule,omitempty"`
	Exclusions ExclusionSet `json:"-"`

	// Set only on exceptions.
	OriginalEventID      int64     `json:"original_event_id,omitempty"`
	OriginalInstanceTime time.Time `json:"original_instance_time,omitempty"`

	RemoteHref      string     `json:"remote_href,omitempty"`
	ETag            string     `json:"etag,omitempty"`
	RawPayload      string     `json:"-"`
	SyncStatus      SyncStatus `json:"sync_status"`
	LocalModifiedAt time.Time  `json:"local_modified_at,omitempty"`
	RetryCount      int        `json:"retry_count"`
	LastError       string     `json:"last_error,omitempty"`
	Sequence        int        `json:"sequence"`
	GeneratedUntil  time.Time  `json:"generated_until,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// IsException reports whether the event overrides an instance of a master.
func (e *Event) IsException() bool {
	return e.OriginalEventID != 0
}

// IsRecurring reports whether the event is a master with a recurrence rule.
func (e *Event) IsRecurring() bool {
	return e.RRule != "" && !e.IsException()
}

// Duration returns End - Start.
func (e *Event) Duration() time.Duration {
	return e.End.Sub(e.Start)
}

// Loc returns the zone the event's wall-clock times are expressed in.
// All-day events are floating and always use UTC.
func (e *Event) Loc() *time.Location {
	if e.AllDay || e.TimeZone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(e.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// LocalStart returns Start in the event's own zone.
func (e *Event) LocalStart() time.Time {
	return e.Start.In(e.Loc())
}

// Clone returns a deep copy of the event.
func (e *Event) Clone() *Event {
	c := *e
	c.Exclusions = e.Exclusions.Clone()
	return &c
}

// Occurrence is one concrete instance of an event. For recurring series the
// owning event is the master; exceptions are shown through ExceptionEventID.
type Occurrence struct {
	ID               int64     `json:"id"`
	EventID          int64     `json:"event_id"`
	InstanceTime     time.Time `json:"instance_time"`
	Start            time.Time `json:"start"`
	End              time.Time `json:"end"`
	StartDay         DayCode   `json:"start_day"`
	EndDay           DayCode   `json:"end_day"` // inclusive
	Cancelled        bool      `json:"cancelled"`
	ExceptionEventID int64     `json:"exception_event_id,omitempty"`
}

// OccurrenceView is a visible occurrence joined with the event that supplies
// its content (the exception when linked, otherwise the owner).
type OccurrenceView struct {
	Occurrence
	DisplayEventID int64  `json:"display_event_id"`
	CalendarID     int64  `json:"calendar_id"`
	UID            string `json:"uid"`
	Summary        string `json:"summary"`
	Location       string `json:"location,omitempty"`
	AllDay         bool   `json:"all_day"`
}

// PendingOperation is a durable record of a local mutation awaiting
// confirmation by the remote server.
type PendingOperation struct {
	ID              int64     `json:"id"`
	EventID         int64     `json:"event_id"`
	CalendarID      int64     `json:"calendar_id"`
	Kind            OpKind    `json:"kind"`
	Status          OpStatus  `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
	RetryCount      int       `json:"retry_count"`
	LastError       string    `json:"last_error,omitempty"`
	LifetimeResetAt time.Time `json:"lifetime_reset_at"`
	FailedAt        time.Time `json:"failed_at,omitempty"`
	ConflictCount   int       `json:"conflict_count"`

	// Captured at enqueue time. MOVE reads its delete phase target from
	// here because the event already points at the destination.
	Phase            OpPhase `json:"phase,omitempty"`
	SourceCalendarID int64   `json:"source_calendar_id,omitempty"`
	SourceHref       string  `json:"source_href,omitempty"`
	SourceETag       string  `json:"source_etag,omitempty"`
	DestCalendarID   int64   `json:"dest_calendar_id,omitempty"`
	DeleteRetryCount int     `json:"delete_retry_count"`
	CreateRetryCount int     `json:"create_retry_count"`
}

// Failed reports whether the operation exhausted its retry budget.
func (op *PendingOperation) Failed() bool {
	return op.Status == OpStatusFailed
}

// SyncLog represents a sync history entry for one calendar.
type SyncLog struct {
	ID         int64         `json:"id"`
	CalendarID int64         `json:"calendar_id"`
	Status     SyncLogStatus `json:"status"`
	Message    string        `json:"message"`
	Details    string        `json:"details,omitempty"`
	Added      int           `json:"added"`
	Updated    int           `json:"updated"`
	Deleted    int           `json:"deleted"`
	Conflicts  int           `json:"conflicts"`
	Pushed     int           `json:"pushed"`
	Failed     int           `json:"failed"`
	Duration   time.Duration `json:"duration"`
	CreatedAt  time.Time     `json:"created_at"`
}
