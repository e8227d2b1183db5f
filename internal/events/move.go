package events

import (
	"context"

	"github.com/macjediwizard/offlinecal/internal/db"
)

// MoveEventToCalendar moves a standalone event or a whole series to another
// calendar. The remote copy in the source calendar is captured on the queued
// operation before the event is re-pointed, so the delete phase can still
// find it after the event's own references moved to the destination.
func (s *Service) MoveEventToCalendar(ctx context.Context, eventID, newCalendarID int64) error {
	return s.update(ctx, func(tx *db.Tx, c *change) error {
		ev, err := tx.GetEvent(ctx, eventID)
		if err != nil {
			return err
		}
		if ev.IsException() {
			return ErrExceptionMove
		}
		if ev.SyncStatus == db.SyncStatusPendingDelete {
			return ErrEventDeleted
		}
		if ev.CalendarID == newCalendarID {
			return ErrSameCalendar
		}
		src, err := writableCalendar(ctx, tx, ev.CalendarID)
		if err != nil {
			return err
		}
		dest, err := writableCalendar(ctx, tx, newCalendarID)
		if err != nil {
			return err
		}
		c.touch(ev) // source calendar

		source, err := s.captureSource(ctx, tx, src, ev)
		if err != nil {
			return err
		}
		if _, err := tx.DeleteOperationsForEvent(ctx, ev.ID); err != nil {
			return err
		}

		now := s.now()
		ev.CalendarID = dest.ID
		ev.RemoteHref, ev.ETag = "", ""
		ev.LocalModifiedAt = now
		ev.SyncStatus = db.SyncStatusSynced
		if !dest.LocalOnly {
			ev.SyncStatus = db.SyncStatusPendingCreate
		}
		if err := tx.UpdateEvent(ctx, ev); err != nil {
			return mapWriteError(err)
		}
		exceptions, err := tx.ListExceptions(ctx, ev.ID)
		if err != nil {
			return err
		}
		for _, exc := range exceptions {
			exc.CalendarID = dest.ID
			exc.RemoteHref, exc.ETag = "", ""
			exc.SyncStatus = ev.SyncStatus
			if err := tx.UpdateEvent(ctx, exc); err != nil {
				return err
			}
		}
		c.touch(ev)

		op := &db.PendingOperation{
			EventID:         ev.ID,
			LifetimeResetAt: now,
		}
		switch {
		case source != nil && !dest.LocalOnly:
			op.Kind = db.OpMove
			op.Phase = db.PhaseDelete
			op.CalendarID = dest.ID
			op.DestCalendarID = dest.ID
			op.SourceCalendarID = source.SourceCalendarID
			op.SourceHref = source.SourceHref
			op.SourceETag = source.SourceETag
		case source != nil:
			// Leaving the server for a local calendar is a plain delete at
			// the source.
			op.Kind = db.OpDelete
			op.CalendarID = source.SourceCalendarID
			op.SourceCalendarID = source.SourceCalendarID
			op.SourceHref = source.SourceHref
			op.SourceETag = source.SourceETag
		case !dest.LocalOnly:
			op.Kind = db.OpMove
			op.Phase = db.PhaseCreate
			op.CalendarID = dest.ID
			op.DestCalendarID = dest.ID
		default:
			return nil
		}
		if err := tx.EnqueueOperation(ctx, op); err != nil {
			return err
		}
		c.queued[op.CalendarID] = true
		return nil
	})
}

// captureSource returns the remote copy a move has to delete, or nil when
// the event does not exist remotely. A move that has not finished deleting
// its original source keeps that source.
func (s *Service) captureSource(ctx context.Context, tx *db.Tx, src *db.Calendar, ev *db.Event) (*db.PendingOperation, error) {
	ops, err := tx.OperationsForEvent(ctx, ev.ID)
	if err != nil {
		return nil, err
	}
	for _, op := range ops {
		pendingSourceDelete := op.Kind == db.OpDelete || (op.Kind == db.OpMove && op.Phase == db.PhaseDelete)
		if pendingSourceDelete && op.SourceHref != "" {
			return &db.PendingOperation{
				SourceCalendarID: op.SourceCalendarID,
				SourceHref:       op.SourceHref,
				SourceETag:       op.SourceETag,
			}, nil
		}
	}
	if src.LocalOnly || ev.RemoteHref == "" {
		return nil, nil
	}
	return &db.PendingOperation{
		SourceCalendarID: src.ID,
		SourceHref:       ev.RemoteHref,
		SourceETag:       ev.ETag,
	}, nil
}
