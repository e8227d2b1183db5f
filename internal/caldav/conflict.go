package caldav

import (
	"context"
	"errors"
	"fmt"

	"github.com/macjediwizard/offlinecal/internal/db"
	"github.com/macjediwizard/offlinecal/internal/events"
	"github.com/macjediwizard/offlinecal/internal/notify"
)

// remoteVersion is what the server holds for a conflicting href. resource
// is nil when the resource was deleted or when only a failed precondition
// told us it changed.
type remoteVersion struct {
	calendarID int64
	href       string
	resource   *events.RemoteResource
	deleted    bool
}

// conflict records a disagreement between queued local changes of an event
// and the server. Local changes keep priority for the first
// ConflictRetries conflicts; after that the configured resolution applies.
func (se *SyncEngine) conflict(ctx context.Context, c *cycle, eventID int64, remote remoteVersion) error {
	ops, err := se.db.OperationsForEvent(ctx, eventID)
	if err != nil {
		return err
	}
	if len(ops) == 0 {
		return nil
	}
	c.res.Conflicts++
	c.conflicted[eventID] = true

	count := 0
	for _, op := range ops {
		op.ConflictCount++
		count = max(count, op.ConflictCount)
		if err := se.db.UpdateOperation(ctx, op); err != nil {
			return err
		}
	}
	if count <= se.policy.ConflictRetries {
		se.logger.Info("conflict deferred", "calendar_id", remote.calendarID, "event_id", eventID,
			"href", remote.href, "conflicts", count)
		return nil
	}

	se.logger.Warn("resolving conflict", "calendar_id", remote.calendarID, "event_id", eventID,
		"href", remote.href, "resolution", se.policy.Resolution)
	switch se.policy.Resolution {
	case LocalWins:
		return se.keepLocal(ctx, c, eventID, ops, remote)
	case Manual:
		return se.holdConflict(ctx, c, eventID, ops)
	default:
		return se.takeRemote(ctx, c, eventID, remote)
	}
}

// takeRemote drops the local changes and applies the server version. When
// that version is unknown the calendar is flagged for a full resync, which
// refetches it because the discarded event no longer carries an entity tag.
func (se *SyncEngine) takeRemote(ctx context.Context, c *cycle, eventID int64, remote remoteVersion) error {
	summary := se.eventSummary(ctx, eventID)
	if _, err := se.events.DiscardLocalChanges(ctx, eventID); err != nil && !errors.Is(err, db.ErrNotFound) {
		return err
	}

	switch {
	case remote.resource != nil:
		outcome, err := se.events.ApplyRemote(ctx, remote.calendarID, *remote.resource)
		if err != nil {
			return err
		}
		c.res.count(outcome)
	case remote.deleted:
		ok, err := se.events.ApplyRemoteDeletion(ctx, remote.calendarID, remote.href)
		if err != nil {
			return err
		}
		if ok {
			c.res.Deleted++
		}
	default:
		if err := se.db.MarkCalendarNeedsResync(ctx, remote.calendarID); err != nil {
			return err
		}
	}

	se.notifier.Notify(ctx, notify.Signal{
		Kind:       notify.KindLocalChangeDiscarded,
		CalendarID: remote.calendarID,
		EventID:    eventID,
		Summary:    summary,
		Message:    fmt.Sprintf("Your changes to %q were replaced by the server version", summary),
	})
	return nil
}

// keepLocal rebases the queued operations onto the server version so the
// next push overwrites it. A resource the server deleted is created again.
func (se *SyncEngine) keepLocal(ctx context.Context, c *cycle, eventID int64, ops []*db.PendingOperation, remote remoteVersion) error {
	res, deleted := remote.resource, remote.deleted
	if res == nil && !deleted {
		t, _, err := se.transportForCalendar(ctx, c, remote.calendarID)
		if err != nil {
			return err
		}
		etag, payload, err := t.FetchResource(ctx, remote.href)
		switch {
		case errors.Is(err, ErrNotFound):
			deleted = true
		case err != nil:
			return err
		default:
			res = &events.RemoteResource{Href: remote.href, ETag: etag, Payload: payload}
		}
	}

	return se.db.WithTx(ctx, func(tx *db.Tx) error {
		ev, err := tx.GetEvent(ctx, eventID)
		if errors.Is(err, db.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		for _, op := range ops {
			op.ConflictCount = 0
			claimsHref := deletesSource(op) && op.SourceHref == remote.href
			switch {
			case claimsHref && deleted:
				if op.Kind == db.OpMove {
					op.Phase = db.PhaseCreate
				} else if ev.SyncStatus == db.SyncStatusPendingDelete {
					return tx.DeleteEvent(ctx, ev.ID)
				} else {
					if err := tx.DeleteOperation(ctx, op.ID); err != nil {
						return err
					}
					continue
				}
			case claimsHref:
				op.SourceETag = res.ETag
			case deleted && op.Kind == db.OpUpdate:
				op.Kind = db.OpCreate
			}
			if err := tx.UpdateOperation(ctx, op); err != nil {
				return err
			}
		}

		if ev.RemoteHref != remote.href || ev.SyncStatus == db.SyncStatusPendingDelete {
			return nil
		}
		if deleted {
			if err := tx.SetEventRemote(ctx, ev.ID, "", "", ev.RawPayload); err != nil {
				return err
			}
			return tx.SetEventSyncStatus(ctx, ev.ID, db.SyncStatusPendingCreate, 0, "")
		}
		return tx.SetEventRemote(ctx, ev.ID, remote.href, res.ETag, res.Payload)
	})
}

// holdConflict parks the operations of an event as failed until the user
// decides.
func (se *SyncEngine) holdConflict(ctx context.Context, c *cycle, eventID int64, ops []*db.PendingOperation) error {
	now := se.now()
	for _, op := range ops {
		op.Status = db.OpStatusFailed
		op.FailedAt = now
		op.LastError = "conflicting change on server"
		if err := se.db.UpdateOperation(ctx, op); err != nil {
			return err
		}
	}
	c.res.Failed++

	summary := se.eventSummary(ctx, eventID)
	se.notifier.Notify(ctx, notify.Signal{
		Kind:       notify.KindConflictNeedsAttention,
		CalendarID: ops[0].CalendarID,
		EventID:    eventID,
		Summary:    summary,
		Message:    fmt.Sprintf("%q was changed both here and on the server", summary),
	})
	return nil
}

func (se *SyncEngine) eventSummary(ctx context.Context, eventID int64) string {
	ev, err := se.db.GetEvent(ctx, eventID)
	if err != nil {
		return ""
	}
	return ev.Summary
}
