package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const occurrenceColumns = `id, event_id, instance_ms, start_ms, end_ms, start_day, end_day, cancelled, exception_event_id`

// UpsertOccurrence writes the occurrence of (event, instance), replacing
// every column of an existing row.
func (q *Queries) UpsertOccurrence(ctx context.Context, occ *Occurrence) error {
	query := `INSERT INTO occurrences (event_id, instance_ms, start_ms, end_ms, start_day, end_day, cancelled, exception_event_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id, instance_ms) DO UPDATE SET
			start_ms = excluded.start_ms,
			end_ms = excluded.end_ms,
			start_day = excluded.start_day,
			end_day = excluded.end_day,
			cancelled = excluded.cancelled,
			exception_event_id = excluded.exception_event_id`
	_, err := q.q.ExecContext(ctx, query,
		occ.EventID, toMillis(occ.InstanceTime), toMillis(occ.Start), toMillis(occ.End),
		int(occ.StartDay), int(occ.EndDay), boolToInt(occ.Cancelled), nullID(occ.ExceptionEventID),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert occurrence: %w", err)
	}
	return nil
}

// InsertOccurrenceIfMissing adds the occurrence unless a row already exists
// for (event, instance). It reports whether a row was written.
func (q *Queries) InsertOccurrenceIfMissing(ctx context.Context, occ *Occurrence) (bool, error) {
	result, err := q.q.ExecContext(ctx,
		`INSERT INTO occurrences (event_id, instance_ms, start_ms, end_ms, start_day, end_day, cancelled, exception_event_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT(event_id, instance_ms) DO NOTHING`,
		occ.EventID, toMillis(occ.InstanceTime), toMillis(occ.Start), toMillis(occ.End),
		int(occ.StartDay), int(occ.EndDay), boolToInt(occ.Cancelled), nullID(occ.ExceptionEventID),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert occurrence: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

// OccurrenceAt returns the occurrence owned by eventID at instance.
func (q *Queries) OccurrenceAt(ctx context.Context, eventID int64, instance time.Time) (*Occurrence, error) {
	row := q.q.QueryRowContext(ctx,
		`SELECT `+occurrenceColumns+` FROM occurrences WHERE event_id = ? AND instance_ms = ?`,
		eventID, toMillis(instance))
	occ, err := scanOccurrence(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get occurrence: %w", err)
	}
	return occ, nil
}

// ListOccurrences returns every occurrence owned by eventID, cancelled ones
// included, ordered by instance.
func (q *Queries) ListOccurrences(ctx context.Context, eventID int64) ([]*Occurrence, error) {
	rows, err := q.q.QueryContext(ctx,
		`SELECT `+occurrenceColumns+` FROM occurrences WHERE event_id = ? ORDER BY instance_ms`, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to list occurrences: %w", err)
	}
	defer rows.Close()

	var out []*Occurrence
	for rows.Next() {
		occ, err := scanOccurrence(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan occurrence: %w", err)
		}
		out = append(out, occ)
	}
	return out, rows.Err()
}

// DeleteOccurrencesForEvent removes occurrences of eventID whose instance
// falls in [from, to). A zero bound is open.
func (q *Queries) DeleteOccurrencesForEvent(ctx context.Context, eventID int64, from, to time.Time) (int64, error) {
	query := `DELETE FROM occurrences WHERE event_id = ?`
	args := []any{eventID}
	if !from.IsZero() {
		query += ` AND instance_ms >= ?`
		args = append(args, toMillis(from))
	}
	if !to.IsZero() {
		query += ` AND instance_ms < ?`
		args = append(args, toMillis(to))
	}
	result, err := q.q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete occurrences: %w", err)
	}
	return result.RowsAffected()
}

// DeleteOccurrence removes the occurrence of eventID at instance.
func (q *Queries) DeleteOccurrence(ctx context.Context, eventID int64, instance time.Time) error {
	_, err := q.q.ExecContext(ctx, `DELETE FROM occurrences WHERE event_id = ? AND instance_ms = ?`,
		eventID, toMillis(instance))
	if err != nil {
		return fmt.Errorf("failed to delete occurrence: %w", err)
	}
	return nil
}

// SetOccurrenceCancelled flips the cancellation flag of one occurrence and
// clears its exception link when cancelling.
func (q *Queries) SetOccurrenceCancelled(ctx context.Context, eventID int64, instance time.Time, cancelled bool) error {
	query := `UPDATE occurrences SET cancelled = ? WHERE event_id = ? AND instance_ms = ?`
	if cancelled {
		query = `UPDATE occurrences SET cancelled = ?, exception_event_id = NULL WHERE event_id = ? AND instance_ms = ?`
	}
	result, err := q.q.ExecContext(ctx, query, boolToInt(cancelled), eventID, toMillis(instance))
	if err != nil {
		return fmt.Errorf("failed to update occurrence: %w", err)
	}
	return requireAffected(result)
}

// CancelOccurrencesFrom cancels every occurrence of eventID at or after from.
func (q *Queries) CancelOccurrencesFrom(ctx context.Context, eventID int64, from time.Time) (int64, error) {
	result, err := q.q.ExecContext(ctx,
		`UPDATE occurrences SET cancelled = 1, exception_event_id = NULL WHERE event_id = ? AND instance_ms >= ?`,
		eventID, toMillis(from))
	if err != nil {
		return 0, fmt.Errorf("failed to cancel occurrences: %w", err)
	}
	return result.RowsAffected()
}

// UnlinkException drops every link pointing at the exception event.
func (q *Queries) UnlinkException(ctx context.Context, exceptionID int64) error {
	_, err := q.q.ExecContext(ctx,
		`UPDATE occurrences SET exception_event_id = NULL WHERE exception_event_id = ?`, exceptionID)
	if err != nil {
		return fmt.Errorf("failed to unlink exception: %w", err)
	}
	return nil
}

// CountOccurrencesAt counts occurrence rows representing (master, instance):
// the master's own row plus any standalone row owned by one of its exceptions.
func (q *Queries) CountOccurrencesAt(ctx context.Context, masterID int64, instance time.Time) (int, error) {
	var n int
	err := q.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM occurrences o
		WHERE (o.event_id = ? AND o.instance_ms = ?)
		OR o.event_id IN (SELECT id FROM events WHERE original_event_id = ? AND original_instance_ms = ?)`,
		masterID, toMillis(instance), masterID, toMillis(instance)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count occurrences: %w", err)
	}
	return n, nil
}

const occurrenceViewQuery = `SELECT o.id, o.event_id, o.instance_ms, o.start_ms, o.end_ms, o.start_day, o.end_day,
	o.cancelled, o.exception_event_id, d.id, d.calendar_id, d.uid, d.summary, d.location, d.all_day
	FROM occurrences o
	JOIN events d ON d.id = COALESCE(o.exception_event_id, o.event_id)
	WHERE o.cancelled = 0 AND d.sync_status != 'pending_delete'`

// OccurrencesForDay returns the visible occurrences spanning day.
func (q *Queries) OccurrencesForDay(ctx context.Context, day DayCode) ([]*OccurrenceView, error) {
	return q.OccurrencesInRange(ctx, day, day)
}

// OccurrencesInRange returns the visible occurrences that touch any day in
// [from, to], both inclusive. Cancelled occurrences are never returned.
func (q *Queries) OccurrencesInRange(ctx context.Context, from, to DayCode) ([]*OccurrenceView, error) {
	rows, err := q.q.QueryContext(ctx, occurrenceViewQuery+
		` AND o.start_day <= ? AND o.end_day >= ? ORDER BY o.start_ms, o.id`, int(to), int(from))
	if err != nil {
		return nil, fmt.Errorf("failed to query occurrences: %w", err)
	}
	defer rows.Close()

	var out []*OccurrenceView
	for rows.Next() {
		v := &OccurrenceView{}
		var instance, start, end int64
		var startDay, endDay, cancelled, allDay int
		var exc sql.NullInt64
		if err := rows.Scan(&v.ID, &v.EventID, &instance, &start, &end, &startDay, &endDay, &cancelled,
			&exc, &v.DisplayEventID, &v.CalendarID, &v.UID, &v.Summary, &v.Location, &allDay); err != nil {
			return nil, fmt.Errorf("failed to scan occurrence: %w", err)
		}
		v.InstanceTime = fromMillis(instance)
		v.Start = fromMillis(start)
		v.End = fromMillis(end)
		v.StartDay = DayCode(startDay)
		v.EndDay = DayCode(endDay)
		v.Cancelled = cancelled == 1
		if exc.Valid {
			v.ExceptionEventID = exc.Int64
		}
		v.AllDay = allDay == 1
		out = append(out, v)
	}
	return out, rows.Err()
}

func scanOccurrence(s scanner) (*Occurrence, error) {
	occ := &Occurrence{}
	var instance, start, end int64
	var startDay, endDay, cancelled int
	var exc sql.NullInt64
	if err := s.Scan(&occ.ID, &occ.EventID, &instance, &start, &end, &startDay, &endDay, &cancelled, &exc); err != nil {
		return nil, err
	}
	occ.InstanceTime = fromMillis(instance)
	occ.Start = fromMillis(start)
	occ.End = fromMillis(end)
	occ.StartDay = DayCode(startDay)
	occ.EndDay = DayCode(endDay)
	occ.Cancelled = cancelled == 1
	if exc.Valid {
		occ.ExceptionEventID = exc.Int64
	}
	return occ, nil
}
