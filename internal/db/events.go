package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const eventColumns = `id, calendar_id, uid, import_id, summary, description, location, start_ms, end_ms,
	timezone, all_day, rrule, exdates, original_event_id, original_instance_ms, remote_href, etag,
	raw_payload, sync_status, local_modified_at, retry_count, last_error, sequence, generated_until,
	created_at, updated_at`

// InsertEvent inserts a new event. A second master for the same
// (calendar, uid) is rejected with ErrDuplicateMaster before the write.
func (q *Queries) InsertEvent(ctx context.Context, ev *Event) error {
	if err := q.checkMasterUnique(ctx, ev); err != nil {
		return err
	}
	if ev.SyncStatus == "" {
		ev.SyncStatus = SyncStatusSynced
	}
	now := q.now()
	ev.CreatedAt = now
	ev.UpdatedAt = now

	query := `INSERT INTO events (calendar_id, uid, import_id, summary, description, location, start_ms, end_ms,
		timezone, all_day, rrule, exdates, original_event_id, original_instance_ms, remote_href, etag,
		raw_payload, sync_status, local_modified_at, retry_count, last_error, sequence, generated_until,
		created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	result, err := q.q.ExecContext(ctx, query, q.eventArgs(ev)...)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %w", ErrDuplicate, err)
		}
		return fmt.Errorf("failed to insert event: %w", err)
	}
	ev.ID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read event id: %w", err)
	}
	return nil
}

// UpdateEvent writes every mutable column of ev.
func (q *Queries) UpdateEvent(ctx context.Context, ev *Event) error {
	if err := q.checkMasterUnique(ctx, ev); err != nil {
		return err
	}
	ev.UpdatedAt = q.now()

	query := `UPDATE events SET calendar_id = ?, uid = ?, import_id = ?, summary = ?, description = ?,
		location = ?, start_ms = ?, end_ms = ?, timezone = ?, all_day = ?, rrule = ?, exdates = ?,
		original_event_id = ?, original_instance_ms = ?, remote_href = ?, etag = ?, raw_payload = ?,
		sync_status = ?, local_modified_at = ?, retry_count = ?, last_error = ?, sequence = ?,
		generated_until = ?, created_at = ?, updated_at = ? WHERE id = ?`
	args := append(q.eventArgs(ev), ev.ID)
	result, err := q.q.ExecContext(ctx, query, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %w", ErrDuplicate, err)
		}
		return fmt.Errorf("failed to update event: %w", err)
	}
	return requireAffected(result)
}

func (q *Queries) eventArgs(ev *Event) []any {
	var origInstance sql.NullInt64
	if ev.IsException() {
		origInstance = sql.NullInt64{Int64: toMillis(ev.OriginalInstanceTime), Valid: true}
	}
	return []any{
		ev.CalendarID, ev.UID, ev.ImportID, ev.Summary, ev.Description, ev.Location,
		toMillis(ev.Start), toMillis(ev.End), ev.TimeZone, boolToInt(ev.AllDay), ev.RRule,
		ev.Exclusions.Encode(), nullID(ev.OriginalEventID), origInstance, ev.RemoteHref, ev.ETag,
		ev.RawPayload, string(ev.SyncStatus), nullMillis(ev.LocalModifiedAt), ev.RetryCount,
		ev.LastError, ev.Sequence, nullMillis(ev.GeneratedUntil), toMillis(ev.CreatedAt),
		toMillis(ev.UpdatedAt),
	}
}

// checkMasterUnique enforces one master per (calendar, uid) at write time.
func (q *Queries) checkMasterUnique(ctx context.Context, ev *Event) error {
	if ev.IsException() {
		return nil
	}
	var id int64
	err := q.q.QueryRowContext(ctx,
		`SELECT id FROM events WHERE calendar_id = ? AND uid = ? AND original_event_id IS NULL AND id != ?`,
		ev.CalendarID, ev.UID, ev.ID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to check master uniqueness: %w", err)
	}
	return fmt.Errorf("%w: uid %s (event %d)", ErrDuplicateMaster, ev.UID, id)
}

// GetEvent returns an event by ID.
func (q *Queries) GetEvent(ctx context.Context, id int64) (*Event, error) {
	return q.queryEvent(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
}

// FindEventByHref returns the master event stored for a remote resource.
func (q *Queries) FindEventByHref(ctx context.Context, calendarID int64, href string) (*Event, error) {
	return q.queryEvent(ctx, `SELECT `+eventColumns+` FROM events
		WHERE calendar_id = ? AND remote_href = ? AND original_event_id IS NULL`, calendarID, href)
}

// FindMasterByUID returns the master event of a calendar with the given uid.
func (q *Queries) FindMasterByUID(ctx context.Context, calendarID int64, uid string) (*Event, error) {
	return q.queryEvent(ctx, `SELECT `+eventColumns+` FROM events
		WHERE calendar_id = ? AND uid = ? AND original_event_id IS NULL`, calendarID, uid)
}

// FindException returns the exception of masterID replacing instance.
func (q *Queries) FindException(ctx context.Context, masterID int64, instance time.Time) (*Event, error) {
	return q.queryEvent(ctx, `SELECT `+eventColumns+` FROM events
		WHERE original_event_id = ? AND original_instance_ms = ?`, masterID, toMillis(instance))
}

// ListExceptions returns the exceptions of a master ordered by instance.
func (q *Queries) ListExceptions(ctx context.Context, masterID int64) ([]*Event, error) {
	return q.queryEvents(ctx, `SELECT `+eventColumns+` FROM events
		WHERE original_event_id = ? ORDER BY original_instance_ms`, masterID)
}

// ListEvents returns the masters and standalone events of a calendar that are
// not awaiting remote deletion.
func (q *Queries) ListEvents(ctx context.Context, calendarID int64) ([]*Event, error) {
	return q.queryEvents(ctx, `SELECT `+eventColumns+` FROM events
		WHERE calendar_id = ? AND original_event_id IS NULL AND sync_status != ? ORDER BY start_ms`,
		calendarID, string(SyncStatusPendingDelete))
}

// ListRemoteEvents maps remote href to master event for a calendar.
func (q *Queries) ListRemoteEvents(ctx context.Context, calendarID int64) (map[string]*Event, error) {
	events, err := q.queryEvents(ctx, `SELECT `+eventColumns+` FROM events
		WHERE calendar_id = ? AND original_event_id IS NULL AND remote_href != ''`, calendarID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*Event, len(events))
	for _, ev := range events {
		out[ev.RemoteHref] = ev
	}
	return out, nil
}

// ListRecurringMasters returns recurring masters whose generation window ends
// before horizon.
func (q *Queries) ListRecurringMasters(ctx context.Context, horizon time.Time) ([]*Event, error) {
	return q.queryEvents(ctx, `SELECT `+eventColumns+` FROM events
		WHERE original_event_id IS NULL AND rrule != '' AND sync_status != ?
		AND (generated_until IS NULL OR generated_until < ?) ORDER BY id`,
		string(SyncStatusPendingDelete), toMillis(horizon))
}

// DeleteEvent removes an event. Occurrences, exceptions and queued
// operations go with it by cascade.
func (q *Queries) DeleteEvent(ctx context.Context, id int64) error {
	result, err := q.q.ExecContext(ctx, `DELETE FROM events WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete event: %w", err)
	}
	return requireAffected(result)
}

// SetEventSyncStatus updates the replication bookkeeping of an event.
func (q *Queries) SetEventSyncStatus(ctx context.Context, id int64, status SyncStatus, retryCount int, lastError string) error {
	result, err := q.q.ExecContext(ctx,
		`UPDATE events SET sync_status = ?, retry_count = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		string(status), retryCount, lastError, toMillis(q.now()), id)
	if err != nil {
		return fmt.Errorf("failed to update event sync status: %w", err)
	}
	return requireAffected(result)
}

// SetEventRemote records the remote location and version of a pushed event.
func (q *Queries) SetEventRemote(ctx context.Context, id int64, href, etag, payload string) error {
	result, err := q.q.ExecContext(ctx,
		`UPDATE events SET remote_href = ?, etag = ?, raw_payload = ?, updated_at = ? WHERE id = ?`,
		href, etag, payload, toMillis(q.now()), id)
	if err != nil {
		return fmt.Errorf("failed to update event remote state: %w", err)
	}
	return requireAffected(result)
}

// SetGeneratedUntil records how far occurrences of a master have been generated.
func (q *Queries) SetGeneratedUntil(ctx context.Context, id int64, until time.Time) error {
	result, err := q.q.ExecContext(ctx, `UPDATE events SET generated_until = ? WHERE id = ?`, nullMillis(until), id)
	if err != nil {
		return fmt.Errorf("failed to update generation window: %w", err)
	}
	return requireAffected(result)
}

func (q *Queries) queryEvent(ctx context.Context, query string, args ...any) (*Event, error) {
	row := q.q.QueryRowContext(ctx, query, args...)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	return ev, nil
}

func (q *Queries) queryEvents(ctx context.Context, query string, args ...any) ([]*Event, error) {
	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func scanEvent(s scanner) (*Event, error) {
	ev := &Event{}
	var startMs, endMs, created, updated int64
	var allDay int
	var exdates, status string
	var origID, origInstance, modified, generated sql.NullInt64
	err := s.Scan(&ev.ID, &ev.CalendarID, &ev.UID, &ev.ImportID, &ev.Summary, &ev.Description,
		&ev.Location, &startMs, &endMs, &ev.TimeZone, &allDay, &ev.RRule, &exdates, &origID,
		&origInstance, &ev.RemoteHref, &ev.ETag, &ev.RawPayload, &status, &modified,
		&ev.RetryCount, &ev.LastError, &ev.Sequence, &generated, &created, &updated)
	if err != nil {
		return nil, err
	}
	ev.Start = fromMillis(startMs)
	ev.End = fromMillis(endMs)
	ev.AllDay = allDay == 1
	if origID.Valid {
		ev.OriginalEventID = origID.Int64
	}
	ev.OriginalInstanceTime = fromNullMillis(origInstance)
	ev.SyncStatus = SyncStatus(status)
	ev.LocalModifiedAt = fromNullMillis(modified)
	ev.GeneratedUntil = fromNullMillis(generated)
	ev.CreatedAt = fromMillis(created)
	ev.UpdatedAt = fromMillis(updated)
	ev.Exclusions = ParseExclusions(exdates, ev.LocalStart())
	return ev, nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
