// Package events is the only write path for calendar events. Every user
// level intent (edit one occurrence, split a series, move between calendars)
// becomes one transaction that updates the event rows, their occurrences and
// the pending operation queue together.
package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/slog"

	"github.com/macjediwizard/offlinecal/internal/db"
	"github.com/macjediwizard/offlinecal/internal/notify"
	"github.com/macjediwizard/offlinecal/internal/recurrence"
)

// Validation errors. All of them wrap ErrValidation.
var (
	ErrValidation       = errors.New("validation failed")
	ErrInvalidTimeRange = fmt.Errorf("%w: end is before start", ErrValidation)
	ErrReadOnlyCalendar = fmt.Errorf("%w: calendar is read-only", ErrValidation)
	ErrExceptionDelete  = fmt.Errorf("%w: exceptions are deleted through their occurrence", ErrValidation)
	ErrExceptionMove    = fmt.Errorf("%w: exceptions move with their series", ErrValidation)
	ErrNotRecurring     = fmt.Errorf("%w: event is not recurring", ErrValidation)
	ErrNoSuchInstance   = fmt.Errorf("%w: series has no instance at that time", ErrValidation)
	ErrInvalidSplit     = fmt.Errorf("%w: split time leaves an empty series", ErrValidation)
	ErrSameCalendar     = fmt.Errorf("%w: event is already in that calendar", ErrValidation)
	ErrEventDeleted     = fmt.Errorf("%w: event is being deleted", ErrValidation)
	ErrInvalidRule      = fmt.Errorf("%w: invalid recurrence rule", ErrValidation)
	ErrDuplicateUID     = fmt.Errorf("%w: calendar already has an event with that uid", ErrValidation)
)

const (
	DefaultHorizon  = 365 * 24 * time.Hour
	DefaultLookback = 365 * 24 * time.Hour
)

// Service applies event mutations.
type Service struct {
	db       *db.DB
	gen      *recurrence.Generator
	notifier notify.Notifier
	logger   *slog.Logger
	now      func() time.Time
	horizon  time.Duration
	lookback time.Duration

	onQueued func(calendarID int64)
}

// Option configures a Service.
type Option func(*Service)

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithWindow sets how far ahead of and behind now recurring events are
// materialized into occurrences.
func WithWindow(horizon, lookback time.Duration) Option {
	return func(s *Service) {
		if horizon > 0 {
			s.horizon = horizon
		}
		if lookback > 0 {
			s.lookback = lookback
		}
	}
}

// WithQueueHook registers fn to run after a mutation queued work for a
// calendar. The scheduler uses it to expedite a sync.
func WithQueueHook(fn func(calendarID int64)) Option {
	return func(s *Service) {
		s.onQueued = fn
	}
}

// NewService creates the mutation layer.
func NewService(database *db.DB, gen *recurrence.Generator, notifier notify.Notifier, opts ...Option) *Service {
	s := &Service{
		db:       database,
		gen:      gen,
		notifier: notifier,
		logger:   slog.Default(),
		now:      time.Now,
		horizon:  DefaultHorizon,
		lookback: DefaultLookback,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.notifier == nil {
		s.notifier = notify.Nop{}
	}
	return s
}

// Generator returns the occurrence generator used by the service.
func (s *Service) Generator() *recurrence.Generator {
	return s.gen
}

// Window returns the current materialization window.
func (s *Service) Window() (time.Time, time.Time) {
	now := s.now()
	return now.Add(-s.lookback), now.Add(s.horizon)
}

// change collects what a transaction touched so signals go out after commit.
type change struct {
	calendars map[int64]bool
	queued    map[int64]bool
	eventID   int64
	summary   string
}

func newChange() *change {
	return &change{calendars: make(map[int64]bool), queued: make(map[int64]bool)}
}

func (c *change) touch(ev *db.Event) {
	c.calendars[ev.CalendarID] = true
	if c.eventID == 0 {
		c.eventID = ev.ID
		c.summary = ev.Summary
	}
}

// update runs fn in one transaction and emits the resulting signals once it
// committed.
func (s *Service) update(ctx context.Context, fn func(tx *db.Tx, c *change) error) error {
	c := newChange()
	if err := s.db.WithTx(ctx, func(tx *db.Tx) error {
		return fn(tx, c)
	}); err != nil {
		return err
	}
	s.emit(ctx, c)
	return nil
}

func (s *Service) emit(ctx context.Context, c *change) {
	for calID := range c.calendars {
		s.notifier.Notify(ctx, notify.Signal{
			Kind:       notify.KindEventsChanged,
			CalendarID: calID,
			EventID:    c.eventID,
			Summary:    c.summary,
			Message:    "Events changed",
		})
		s.notifier.Notify(ctx, notify.Signal{
			Kind:       notify.KindRemindersChanged,
			CalendarID: calID,
			EventID:    c.eventID,
			Message:    "Reminders need rescheduling",
		})
	}
	if s.onQueued != nil {
		for calID := range c.queued {
			s.onQueued(calID)
		}
	}
}

// CreateEvent stores a new standalone or recurring event and generates its
// occurrences. Unless isLocal is set or the calendar is local-only, a create
// operation is queued for the remote server. A uid is assigned when ev has
// none.
func (s *Service) CreateEvent(ctx context.Context, ev *db.Event, isLocal bool) (*db.Event, error) {
	if ev.IsException() {
		return nil, fmt.Errorf("%w: use EditSingleOccurrence to create exceptions", ErrValidation)
	}
	ev = ev.Clone()
	normalizeTimes(ev)
	if err := validateEvent(ev); err != nil {
		return nil, err
	}

	err := s.update(ctx, func(tx *db.Tx, c *change) error {
		cal, err := writableCalendar(ctx, tx, ev.CalendarID)
		if err != nil {
			return err
		}
		if ev.UID == "" {
			ev.UID = uuid.NewString()
		}
		ev.RemoteHref, ev.ETag = "", ""
		ev.OriginalEventID, ev.OriginalInstanceTime = 0, time.Time{}
		ev.GeneratedUntil = time.Time{}
		ev.SyncStatus = db.SyncStatusSynced
		if !isLocal && !cal.LocalOnly {
			ev.SyncStatus = db.SyncStatusPendingCreate
			ev.LocalModifiedAt = s.now()
		}

		if err := tx.InsertEvent(ctx, ev); err != nil {
			return mapWriteError(err)
		}
		if err := s.regenerate(ctx, tx, ev); err != nil {
			return err
		}
		if !isLocal {
			if err := s.queueWrite(ctx, tx, cal, ev, c); err != nil {
				return err
			}
		}
		c.touch(ev)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Debug("event created", "event_id", ev.ID, "calendar_id", ev.CalendarID, "recurring", ev.IsRecurring())
	return ev, nil
}

// UpdateEvent applies mutator to a whole series, or to a standalone event.
// Called on an exception it edits that exception only. Identity fields (id,
// uid, calendar, exception markers) cannot be changed through mutator.
func (s *Service) UpdateEvent(ctx context.Context, eventID int64, mutator func(*db.Event)) (*db.Event, error) {
	var out *db.Event
	err := s.update(ctx, func(tx *db.Tx, c *change) error {
		ev, err := tx.GetEvent(ctx, eventID)
		if err != nil {
			return err
		}
		if ev.SyncStatus == db.SyncStatusPendingDelete {
			return ErrEventDeleted
		}
		cal, err := writableCalendar(ctx, tx, ev.CalendarID)
		if err != nil {
			return err
		}

		if ev.IsException() {
			out, err = s.editException(ctx, tx, cal, ev, mutator, c)
			return err
		}

		before := ev.Clone()
		mutator(ev)
		keepIdentity(ev, before)
		normalizeTimes(ev)
		if err := validateEvent(ev); err != nil {
			return err
		}

		if scheduleChanged(before, ev) {
			if err := s.pruneExceptions(ctx, tx, ev); err != nil {
				return err
			}
		}
		s.markModified(cal, ev)
		if err := tx.UpdateEvent(ctx, ev); err != nil {
			return mapWriteError(err)
		}
		if err := s.regenerate(ctx, tx, ev); err != nil {
			return err
		}
		if err := s.queueWrite(ctx, tx, cal, ev, c); err != nil {
			return err
		}
		c.touch(ev)
		out = ev
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteEvent deletes a standalone event or a whole series. An event that
// never reached the server is removed at once; otherwise it stays hidden
// until the queued delete is confirmed.
func (s *Service) DeleteEvent(ctx context.Context, eventID int64) error {
	return s.update(ctx, func(tx *db.Tx, c *change) error {
		ev, err := tx.GetEvent(ctx, eventID)
		if err != nil {
			return err
		}
		if ev.IsException() {
			return ErrExceptionDelete
		}
		if ev.SyncStatus == db.SyncStatusPendingDelete {
			return nil
		}
		cal, err := writableCalendar(ctx, tx, ev.CalendarID)
		if err != nil {
			return err
		}
		c.touch(ev)
		return s.deleteSeries(ctx, tx, cal, ev, c)
	})
}

func (s *Service) deleteSeries(ctx context.Context, tx *db.Tx, cal *db.Calendar, ev *db.Event, c *change) error {
	ops, err := tx.OperationsForEvent(ctx, ev.ID)
	if err != nil {
		return err
	}

	// Remote copy the delete has to reach, if any.
	target := &db.PendingOperation{
		EventID:          ev.ID,
		CalendarID:       cal.ID,
		Kind:             db.OpDelete,
		SourceCalendarID: cal.ID,
		SourceHref:       ev.RemoteHref,
		SourceETag:       ev.ETag,
		LifetimeResetAt:  s.now(),
	}
	for _, op := range ops {
		pendingSourceDelete := op.Kind == db.OpDelete || (op.Kind == db.OpMove && op.Phase == db.PhaseDelete)
		if pendingSourceDelete && op.SourceHref != "" {
			target.SourceCalendarID = op.SourceCalendarID
			target.SourceHref = op.SourceHref
			target.SourceETag = op.SourceETag
		}
	}
	if cal.LocalOnly && target.SourceCalendarID == cal.ID {
		target.SourceHref = ""
	}
	// The delete runs with the calendar that holds the remote copy.
	target.CalendarID = target.SourceCalendarID

	if target.SourceHref == "" {
		if err := tx.DeleteEvent(ctx, ev.ID); err != nil {
			return err
		}
		return nil
	}

	if _, err := tx.DeleteOperationsForEvent(ctx, ev.ID); err != nil {
		return err
	}
	if _, err := tx.DeleteOccurrencesForEvent(ctx, ev.ID, time.Time{}, time.Time{}); err != nil {
		return err
	}
	exceptions, err := tx.ListExceptions(ctx, ev.ID)
	if err != nil {
		return err
	}
	for _, exc := range exceptions {
		if _, err := tx.DeleteOccurrencesForEvent(ctx, exc.ID, time.Time{}, time.Time{}); err != nil {
			return err
		}
	}
	ev.SyncStatus = db.SyncStatusPendingDelete
	ev.LocalModifiedAt = s.now()
	if err := tx.UpdateEvent(ctx, ev); err != nil {
		return err
	}
	if err := tx.EnqueueOperation(ctx, target); err != nil {
		return err
	}
	c.queued[target.CalendarID] = true
	return nil
}

// TouchEvent records renewed user interaction with an event, restarting the
// lifetime budget of its queued operations.
func (s *Service) TouchEvent(ctx context.Context, eventID int64) error {
	return s.db.WithTx(ctx, func(tx *db.Tx) error {
		ev, err := tx.GetEvent(ctx, eventID)
		if err != nil {
			return err
		}
		if ev.IsException() {
			eventID = ev.OriginalEventID
		}
		return tx.ResetOperationLifetime(ctx, eventID, s.now())
	})
}

// ExtendWindows grows the occurrence window of every recurring master to
// newEnd, one transaction per master. It returns the number of occurrences
// added.
func (s *Service) ExtendWindows(ctx context.Context, newEnd time.Time) (int, error) {
	masters, err := s.db.ListRecurringMasters(ctx, newEnd)
	if err != nil {
		return 0, err
	}
	total := 0
	c := newChange()
	for _, m := range masters {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		var added int
		err := s.db.WithTx(ctx, func(tx *db.Tx) error {
			ev, err := tx.GetEvent(ctx, m.ID)
			if err != nil {
				return err
			}
			added, err = s.gen.Extend(ctx, tx, ev, newEnd)
			return err
		})
		if err != nil {
			s.logger.Warn("failed to extend occurrences", "event_id", m.ID, "error", err)
			continue
		}
		if added > 0 {
			c.calendars[m.CalendarID] = true
		}
		total += added
	}
	s.emit(ctx, c)
	return total, nil
}

// regenerate rebuilds the occurrences of ev for the current window.
func (s *Service) regenerate(ctx context.Context, tx *db.Tx, ev *db.Event) error {
	from, to := s.Window()
	if ev.IsRecurring() {
		if _, err := tx.DeleteOccurrencesForEvent(ctx, ev.ID, time.Time{}, from); err != nil {
			return err
		}
	}
	if _, err := s.gen.Generate(ctx, tx, ev, from, to); err != nil {
		if errors.Is(err, recurrence.ErrInvalidRule) {
			return fmt.Errorf("%w: %w", ErrInvalidRule, err)
		}
		return err
	}
	return nil
}

// markModified flags a master as carrying unpushed changes.
func (s *Service) markModified(cal *db.Calendar, ev *db.Event) {
	if cal.LocalOnly {
		ev.SyncStatus = db.SyncStatusSynced
		return
	}
	ev.LocalModifiedAt = s.now()
	switch ev.SyncStatus {
	case db.SyncStatusPendingCreate:
	case db.SyncStatusSynced:
		ev.Sequence++
		ev.SyncStatus = db.SyncStatusPendingUpdate
	default:
		ev.SyncStatus = db.SyncStatusPendingUpdate
	}
	if ev.RemoteHref == "" {
		ev.SyncStatus = db.SyncStatusPendingCreate
	}
}

// queueWrite makes sure one create, update or move operation covers the
// current state of ev. Writes serialize the event as it is when they run,
// so a second one is never queued behind the first; the existing one has
// its lifetime restarted instead.
func (s *Service) queueWrite(ctx context.Context, tx *db.Tx, cal *db.Calendar, ev *db.Event, c *change) error {
	if cal.LocalOnly {
		return nil
	}
	now := s.now()
	ops, err := tx.OperationsForEvent(ctx, ev.ID)
	if err != nil {
		return err
	}
	for _, op := range ops {
		switch op.Kind {
		case db.OpCreate, db.OpUpdate, db.OpMove:
			c.queued[cal.ID] = true
			return tx.ResetOperationLifetime(ctx, ev.ID, now)
		}
	}

	kind := db.OpUpdate
	if ev.RemoteHref == "" {
		kind = db.OpCreate
	}
	if err := tx.EnqueueOperation(ctx, &db.PendingOperation{
		EventID:         ev.ID,
		CalendarID:      cal.ID,
		Kind:            kind,
		LifetimeResetAt: now,
	}); err != nil {
		return err
	}
	c.queued[cal.ID] = true
	return nil
}

func writableCalendar(ctx context.Context, tx *db.Tx, id int64) (*db.Calendar, error) {
	cal, err := tx.GetCalendar(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load calendar %d: %w", id, err)
	}
	if cal.ReadOnly {
		return nil, ErrReadOnlyCalendar
	}
	return cal, nil
}

// normalizeTimes pins all-day events to UTC midnight of their dates and
// gives an empty all-day span one day.
func normalizeTimes(ev *db.Event) {
	if !ev.AllDay {
		return
	}
	ev.TimeZone = ""
	ev.Start = midnightUTC(ev.Start)
	ev.End = midnightUTC(ev.End)
	if ev.End.Equal(ev.Start) {
		ev.End = ev.Start.AddDate(0, 0, 1)
	}
}

func midnightUTC(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func validateEvent(ev *db.Event) error {
	if ev.Start.IsZero() {
		return fmt.Errorf("%w: start is required", ErrValidation)
	}
	if ev.End.Before(ev.Start) {
		return ErrInvalidTimeRange
	}
	if ev.TimeZone != "" {
		if _, err := time.LoadLocation(ev.TimeZone); err != nil {
			return fmt.Errorf("%w: unknown time zone %q", ErrValidation, ev.TimeZone)
		}
	}
	if ev.RRule != "" && !ev.IsException() {
		if _, err := recurrence.ParseRule(ev.RRule); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidRule, err)
		}
	}
	return nil
}

// keepIdentity restores the fields a mutator may not change.
func keepIdentity(ev, before *db.Event) {
	ev.ID = before.ID
	ev.UID = before.UID
	ev.CalendarID = before.CalendarID
	ev.OriginalEventID = before.OriginalEventID
	ev.OriginalInstanceTime = before.OriginalInstanceTime
	ev.RemoteHref = before.RemoteHref
	ev.ETag = before.ETag
	ev.RawPayload = before.RawPayload
	ev.SyncStatus = before.SyncStatus
	ev.GeneratedUntil = before.GeneratedUntil
	ev.CreatedAt = before.CreatedAt
}

// scheduleChanged reports whether the instants a series produces may differ.
func scheduleChanged(before, after *db.Event) bool {
	return !before.Start.Equal(after.Start) ||
		before.RRule != after.RRule ||
		before.TimeZone != after.TimeZone ||
		before.AllDay != after.AllDay
}

// pruneExceptions deletes exceptions of master whose instance the new
// schedule no longer produces.
func (s *Service) pruneExceptions(ctx context.Context, tx *db.Tx, master *db.Event) error {
	exceptions, err := tx.ListExceptions(ctx, master.ID)
	if err != nil {
		return err
	}
	for _, exc := range exceptions {
		keep := false
		if master.RRule != "" {
			keep, err = recurrence.HasInstance(master.RRule, master.LocalStart(), nil, exc.OriginalInstanceTime)
			if err != nil {
				return fmt.Errorf("%w: %w", ErrInvalidRule, err)
			}
		}
		if keep {
			continue
		}
		if err := tx.DeleteEvent(ctx, exc.ID); err != nil {
			return err
		}
	}
	return nil
}

func mapWriteError(err error) error {
	if errors.Is(err, db.ErrDuplicateMaster) {
		return fmt.Errorf("%w: %w", ErrDuplicateUID, err)
	}
	return err
}
