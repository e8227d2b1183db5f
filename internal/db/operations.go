package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const operationColumns = `id, event_id, calendar_id, kind, status, created_at, retry_count, last_error,
	lifetime_reset_at, failed_at, conflict_count, phase, source_calendar_id, source_href, source_etag,
	dest_calendar_id, delete_retry_count, create_retry_count`

// EnqueueOperation appends an operation to its calendar's queue.
func (q *Queries) EnqueueOperation(ctx context.Context, op *PendingOperation) error {
	if !op.Kind.IsValid() {
		return fmt.Errorf("invalid operation kind %q", op.Kind)
	}
	now := q.now()
	op.CreatedAt = now
	if op.LifetimeResetAt.IsZero() {
		op.LifetimeResetAt = now
	}
	if op.Status == "" {
		op.Status = OpStatusPending
	}

	query := `INSERT INTO pending_operations (event_id, calendar_id, kind, status, created_at, retry_count,
		last_error, lifetime_reset_at, failed_at, conflict_count, phase, source_calendar_id, source_href,
		source_etag, dest_calendar_id, delete_retry_count, create_retry_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	result, err := q.q.ExecContext(ctx, query,
		op.EventID, op.CalendarID, string(op.Kind), string(op.Status), toMillis(op.CreatedAt),
		op.RetryCount, op.LastError, toMillis(op.LifetimeResetAt), nullMillis(op.FailedAt),
		op.ConflictCount, string(op.Phase), nullID(op.SourceCalendarID), op.SourceHref, op.SourceETag,
		nullID(op.DestCalendarID), op.DeleteRetryCount, op.CreateRetryCount,
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue operation: %w", err)
	}
	op.ID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read operation id: %w", err)
	}
	return nil
}

// UpdateOperation persists the retry bookkeeping of an operation.
func (q *Queries) UpdateOperation(ctx context.Context, op *PendingOperation) error {
	query := `UPDATE pending_operations SET kind = ?, status = ?, retry_count = ?, last_error = ?,
		lifetime_reset_at = ?, failed_at = ?, conflict_count = ?, phase = ?, source_calendar_id = ?,
		source_href = ?, source_etag = ?, dest_calendar_id = ?, delete_retry_count = ?,
		create_retry_count = ? WHERE id = ?`
	result, err := q.q.ExecContext(ctx, query,
		string(op.Kind), string(op.Status), op.RetryCount, op.LastError, toMillis(op.LifetimeResetAt),
		nullMillis(op.FailedAt), op.ConflictCount, string(op.Phase), nullID(op.SourceCalendarID),
		op.SourceHref, op.SourceETag, nullID(op.DestCalendarID), op.DeleteRetryCount,
		op.CreateRetryCount, op.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update operation: %w", err)
	}
	return requireAffected(result)
}

// DeleteOperation removes a consumed operation.
func (q *Queries) DeleteOperation(ctx context.Context, id int64) error {
	result, err := q.q.ExecContext(ctx, `DELETE FROM pending_operations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete operation: %w", err)
	}
	return requireAffected(result)
}

// DeleteOperationsForEvent drops every queued operation of an event.
func (q *Queries) DeleteOperationsForEvent(ctx context.Context, eventID int64) (int64, error) {
	result, err := q.q.ExecContext(ctx, `DELETE FROM pending_operations WHERE event_id = ?`, eventID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete operations: %w", err)
	}
	return result.RowsAffected()
}

// GetOperation returns an operation by ID.
func (q *Queries) GetOperation(ctx context.Context, id int64) (*PendingOperation, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+operationColumns+` FROM pending_operations WHERE id = ?`, id)
	op, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get operation: %w", err)
	}
	return op, nil
}

// ListOperations returns the queue of a calendar in creation order, failed
// operations included.
func (q *Queries) ListOperations(ctx context.Context, calendarID int64) ([]*PendingOperation, error) {
	return q.queryOperations(ctx, `SELECT `+operationColumns+` FROM pending_operations
		WHERE calendar_id = ? ORDER BY created_at, id`, calendarID)
}

// OperationsForEvent returns the queued operations of an event in creation order.
func (q *Queries) OperationsForEvent(ctx context.Context, eventID int64) ([]*PendingOperation, error) {
	return q.queryOperations(ctx, `SELECT `+operationColumns+` FROM pending_operations
		WHERE event_id = ? ORDER BY created_at, id`, eventID)
}

// ListAllOperations returns every queued operation.
func (q *Queries) ListAllOperations(ctx context.Context) ([]*PendingOperation, error) {
	return q.queryOperations(ctx, `SELECT `+operationColumns+` FROM pending_operations ORDER BY created_at, id`)
}

// ResetOperationLifetime restarts the lifetime budget of an event's operations.
func (q *Queries) ResetOperationLifetime(ctx context.Context, eventID int64, at time.Time) error {
	_, err := q.q.ExecContext(ctx,
		`UPDATE pending_operations SET lifetime_reset_at = ? WHERE event_id = ?`, toMillis(at), eventID)
	if err != nil {
		return fmt.Errorf("failed to reset operation lifetime: %w", err)
	}
	return nil
}

// ReenableFailedOperations makes failed operations that failed before cutoff
// retry-eligible again. A zero cutoff re-enables all of them.
func (q *Queries) ReenableFailedOperations(ctx context.Context, calendarID int64, cutoff time.Time) (int64, error) {
	query := `UPDATE pending_operations SET status = ?, retry_count = 0, failed_at = NULL,
		delete_retry_count = CASE WHEN phase = ? THEN 0 ELSE delete_retry_count END,
		create_retry_count = 0
		WHERE status = ?`
	args := []any{string(OpStatusPending), string(PhaseDelete), string(OpStatusFailed)}
	if calendarID != 0 {
		query += ` AND calendar_id = ?`
		args = append(args, calendarID)
	}
	if !cutoff.IsZero() {
		query += ` AND failed_at <= ?`
		args = append(args, toMillis(cutoff))
	}
	result, err := q.q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to re-enable operations: %w", err)
	}
	return result.RowsAffected()
}

func (q *Queries) queryOperations(ctx context.Context, query string, args ...any) ([]*PendingOperation, error) {
	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query operations: %w", err)
	}
	defer rows.Close()

	var ops []*PendingOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

func scanOperation(s scanner) (*PendingOperation, error) {
	op := &PendingOperation{}
	var kind, status, phase string
	var created, lifetime int64
	var failed, srcCal, destCal sql.NullInt64
	err := s.Scan(&op.ID, &op.EventID, &op.CalendarID, &kind, &status, &created, &op.RetryCount,
		&op.LastError, &lifetime, &failed, &op.ConflictCount, &phase, &srcCal, &op.SourceHref,
		&op.SourceETag, &destCal, &op.DeleteRetryCount, &op.CreateRetryCount)
	if err != nil {
		return nil, err
	}
	op.Kind = OpKind(kind)
	op.Status = OpStatus(status)
	op.Phase = OpPhase(phase)
	op.CreatedAt = fromMillis(created)
	op.LifetimeResetAt = fromMillis(lifetime)
	op.FailedAt = fromNullMillis(failed)
	if srcCal.Valid {
		op.SourceCalendarID = srcCal.Int64
	}
	if destCal.Valid {
		op.DestCalendarID = destCal.Int64
	}
	return op, nil
}
