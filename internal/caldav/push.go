package caldav

import (
	"context"
	"errors"
	"fmt"

	"github.com/macjediwizard/offlinecal/internal/activity"
	"github.com/macjediwizard/offlinecal/internal/db"
	"github.com/macjediwizard/offlinecal/internal/ics"
	"github.com/macjediwizard/offlinecal/internal/notify"
)

// push replays the calendar's queue oldest first. Operations of one event
// run in order; once one of them fails, the later ones wait for the next
// cycle.
func (se *SyncEngine) push(ctx context.Context, c *cycle) error {
	ops, err := se.db.ListOperations(ctx, c.cal.ID)
	if err != nil {
		return err
	}
	if len(ops) == 0 {
		return nil
	}
	se.state(c, activity.StatePushPending)
	se.state(c, activity.StatePushing)

	blocked := make(map[int64]bool)
	seen := make(map[int64]bool)
	for _, op := range ops {
		if err := ctx.Err(); err != nil {
			return err
		}
		if op.Failed() {
			blocked[op.EventID] = true
			continue
		}
		if blocked[op.EventID] || c.conflicted[op.EventID] {
			continue
		}
		if seen[op.EventID] {
			// An earlier operation of the event may have rewritten or
			// removed this one.
			fresh, err := se.db.GetOperation(ctx, op.ID)
			if errors.Is(err, db.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			op = fresh
		}
		seen[op.EventID] = true

		err := se.pushOperation(ctx, c, op)
		if err == nil {
			continue
		}
		blocked[op.EventID] = true
		if stop := se.pushFailed(ctx, c, op, err); stop != nil {
			return stop
		}
	}
	return nil
}

func (se *SyncEngine) pushOperation(ctx context.Context, c *cycle, op *db.PendingOperation) error {
	switch op.Kind {
	case db.OpCreate, db.OpUpdate:
		return se.pushWrite(ctx, c, op)
	case db.OpDelete:
		return se.pushDelete(ctx, c, op)
	case db.OpMove:
		if op.Phase == db.PhaseDelete {
			if err := se.pushDelete(ctx, c, op); err != nil {
				return err
			}
			if op.Phase != db.PhaseCreate {
				return nil
			}
		}
		return se.pushWrite(ctx, c, op)
	}
	return fmt.Errorf("%w: unknown operation kind %q", ErrRejected, op.Kind)
}

// pushWrite uploads the current state of the event with its exceptions.
func (se *SyncEngine) pushWrite(ctx context.Context, c *cycle, op *db.PendingOperation) error {
	ev, err := se.db.GetEvent(ctx, op.EventID)
	if errors.Is(err, db.ErrNotFound) {
		return se.db.DeleteOperation(ctx, op.ID)
	}
	if err != nil {
		return err
	}
	exceptions, err := se.db.ListExceptions(ctx, ev.ID)
	if err != nil {
		return err
	}
	kept := exceptions[:0:0]
	for _, exc := range exceptions {
		if !ev.Exclusions.Contains(exc.OriginalInstanceTime) {
			kept = append(kept, exc)
		}
	}
	payload, err := ics.Encode(ev, kept)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRejected, err)
	}

	href, etag := ev.RemoteHref, ev.ETag
	if href == "" {
		href, etag = ResourceHref(c.cal.Href, ev.UID), ""
	}
	newETag, err := c.transport.PutResource(ctx, href, payload, etag)
	if err != nil {
		return err
	}
	if newETag == "" {
		// Some servers only report the new version on the next read.
		if fetched, _, err := c.transport.FetchResource(ctx, href); err == nil {
			newETag = fetched
		}
	}

	err = se.db.WithTx(ctx, func(tx *db.Tx) error {
		cur, err := tx.GetEvent(ctx, ev.ID)
		if errors.Is(err, db.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := tx.SetEventRemote(ctx, ev.ID, href, newETag, payload); err != nil {
			return err
		}
		if !cur.LocalModifiedAt.Equal(ev.LocalModifiedAt) {
			// Edited while the upload was in flight: keep the operation
			// for the newer state.
			op.Kind, op.Phase = db.OpUpdate, db.PhaseNone
			op.RetryCount, op.CreateRetryCount, op.LastError = 0, 0, ""
			return tx.UpdateOperation(ctx, op)
		}
		if err := tx.SetEventSyncStatus(ctx, ev.ID, db.SyncStatusSynced, 0, ""); err != nil {
			return err
		}
		for _, exc := range exceptions {
			if err := tx.SetEventRemote(ctx, exc.ID, href, newETag, ""); err != nil {
				return err
			}
			if err := tx.SetEventSyncStatus(ctx, exc.ID, db.SyncStatusSynced, 0, ""); err != nil {
				return err
			}
		}
		return tx.DeleteOperation(ctx, op.ID)
	})
	if err != nil {
		return err
	}
	c.res.Pushed++
	se.logger.Debug("pushed event", "calendar_id", c.cal.ID, "event_id", ev.ID, "href", href, "kind", op.Kind)
	return nil
}

// pushDelete removes the remote copy an operation captured. The copy may
// live in another calendar when the operation belongs to a move. A copy
// that is already gone counts as deleted.
func (se *SyncEngine) pushDelete(ctx context.Context, c *cycle, op *db.PendingOperation) error {
	if op.SourceHref != "" {
		t, _, err := se.transportForCalendar(ctx, c, op.SourceCalendarID)
		if err != nil {
			return err
		}
		err = t.DeleteResource(ctx, op.SourceHref, op.SourceETag)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
	}
	if err := se.sourceGone(ctx, op); err != nil {
		return err
	}
	if op.Kind == db.OpDelete {
		c.res.Pushed++
	}
	return nil
}

// sourceGone settles an operation whose remote source copy no longer
// exists. A move goes on to its create phase, a deleted event is removed
// for good, and any other delete is simply dropped.
func (se *SyncEngine) sourceGone(ctx context.Context, op *db.PendingOperation) error {
	return se.db.WithTx(ctx, func(tx *db.Tx) error {
		ev, err := tx.GetEvent(ctx, op.EventID)
		if errors.Is(err, db.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		switch {
		case op.Kind == db.OpMove:
			op.Phase = db.PhaseCreate
			op.RetryCount = op.CreateRetryCount
			op.LastError = ""
			return tx.UpdateOperation(ctx, op)
		case ev.SyncStatus == db.SyncStatusPendingDelete:
			return tx.DeleteEvent(ctx, ev.ID)
		default:
			return tx.DeleteOperation(ctx, op.ID)
		}
	})
}

// pushFailed books a failed operation. It returns an error only when the
// whole cycle has to stop.
func (se *SyncEngine) pushFailed(ctx context.Context, c *cycle, op *db.PendingOperation, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	logArgs := []any{"calendar_id", c.cal.ID, "event_id", op.EventID, "kind", op.Kind, "phase", op.Phase, "error", err}

	switch Classify(err) {
	case OutcomeConflict:
		se.logger.Info("push conflict", logArgs...)
		return se.conflict(ctx, c, op.EventID, se.conflictTarget(ctx, c, op))
	case OutcomeFatal:
		if errors.Is(err, ErrAuthFailed) {
			return err
		}
		se.logger.Warn("operation rejected", logArgs...)
		c.res.addError("%s event %d: %v", op.Kind, op.EventID, err)
		return se.failOperation(ctx, c, op, err)
	}

	attempt := recordAttempt(op)
	op.LastError = err.Error()
	c.res.addError("%s event %d: %v", op.Kind, op.EventID, err)
	if attempt >= se.policy.MaxAttempts {
		se.logger.Warn("operation out of attempts", append(logArgs, "attempts", attempt)...)
		return se.failOperation(ctx, c, op, err)
	}
	se.logger.Info("operation will retry", append(logArgs, "attempts", attempt)...)
	if err := se.db.UpdateOperation(ctx, op); err != nil {
		return err
	}
	return se.markEventError(ctx, op.EventID, attempt, err)
}

// recordAttempt counts a failed attempt against the operation's current
// phase. A move keeps separate budgets for deleting and creating, and the
// delete budget is frozen once that phase finished.
func recordAttempt(op *db.PendingOperation) int {
	switch {
	case op.Kind == db.OpMove && op.Phase == db.PhaseDelete:
		op.DeleteRetryCount++
		op.RetryCount = op.DeleteRetryCount
	case op.Kind == db.OpMove:
		op.CreateRetryCount++
		op.RetryCount = op.CreateRetryCount
	default:
		op.RetryCount++
	}
	return op.RetryCount
}

func (se *SyncEngine) failOperation(ctx context.Context, c *cycle, op *db.PendingOperation, err error) error {
	op.Status = db.OpStatusFailed
	op.FailedAt = se.now()
	op.LastError = err.Error()
	if err := se.db.UpdateOperation(ctx, op); err != nil {
		return err
	}
	c.res.Failed++
	return se.markEventError(ctx, op.EventID, op.RetryCount, err)
}

func (se *SyncEngine) markEventError(ctx context.Context, eventID int64, attempts int, cause error) error {
	ev, err := se.db.GetEvent(ctx, eventID)
	if errors.Is(err, db.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return se.db.SetEventSyncStatus(ctx, ev.ID, ev.SyncStatus, attempts, cause.Error())
}

// conflictTarget names the href whose precondition failed for op.
func (se *SyncEngine) conflictTarget(ctx context.Context, c *cycle, op *db.PendingOperation) remoteVersion {
	if deletesSource(op) {
		return remoteVersion{calendarID: op.SourceCalendarID, href: op.SourceHref}
	}
	target := remoteVersion{calendarID: c.cal.ID}
	if ev, err := se.db.GetEvent(ctx, op.EventID); err == nil {
		target.href = ev.RemoteHref
		if target.href == "" {
			target.href = ResourceHref(c.cal.Href, ev.UID)
		}
	}
	return target
}

// abandonExpired gives up on operations whose lifetime ran out, across all
// calendars when calendarID is 0. Each abandoned event is returned to its
// server state and reported once.
func (se *SyncEngine) abandonExpired(ctx context.Context, calendarID int64, res *SyncResult) error {
	var (
		ops []*db.PendingOperation
		err error
	)
	if calendarID == 0 {
		ops, err = se.db.ListAllOperations(ctx)
	} else {
		ops, err = se.db.ListOperations(ctx, calendarID)
	}
	if err != nil {
		return err
	}

	now := se.now()
	expired := make(map[int64]*db.PendingOperation)
	var order []int64
	for _, op := range ops {
		if now.Sub(op.LifetimeResetAt) <= se.policy.Lifetime {
			continue
		}
		if _, ok := expired[op.EventID]; !ok {
			order = append(order, op.EventID)
			expired[op.EventID] = op
		}
	}

	for _, eventID := range order {
		op := expired[eventID]
		summary := se.eventSummary(ctx, eventID)
		if _, err := se.events.DiscardLocalChanges(ctx, eventID); err != nil {
			if errors.Is(err, db.ErrNotFound) {
				continue
			}
			return err
		}
		for _, id := range []int64{op.CalendarID, op.SourceCalendarID} {
			if id == 0 {
				continue
			}
			if err := se.db.MarkCalendarNeedsResync(ctx, id); err != nil && !errors.Is(err, db.ErrNotFound) {
				return err
			}
		}
		res.Abandoned++
		se.logger.Warn("abandoned operation", "calendar_id", op.CalendarID, "event_id", eventID,
			"kind", op.Kind, "age", now.Sub(op.LifetimeResetAt), "last_error", op.LastError)
		se.notifier.Notify(ctx, notify.Signal{
			Kind:       notify.KindOperationAbandoned,
			CalendarID: op.CalendarID,
			EventID:    eventID,
			Summary:    summary,
			Message:    fmt.Sprintf("Gave up syncing changes to %q", summary),
			Details:    op.LastError,
		})
	}
	return nil
}
