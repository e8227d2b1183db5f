package events

import (
	"context"
	"errors"
	"fmt"

	"github.com/macjediwizard/offlinecal/internal/db"
	"github.com/macjediwizard/offlinecal/internal/ics"
)

// ErrOrphanException is returned for a resource carrying only exceptions
// whose master is not stored locally.
var ErrOrphanException = errors.New("exception without a local master")

// RemoteResource is one calendar object as fetched from the server.
type RemoteResource struct {
	Href    string
	ETag    string
	Payload string
}

// ApplyOutcome reports what ApplyRemote did.
type ApplyOutcome int

const (
	ApplyUnchanged ApplyOutcome = iota
	ApplyAdded
	ApplyUpdated
)

func (o ApplyOutcome) String() string {
	switch o {
	case ApplyAdded:
		return "added"
	case ApplyUpdated:
		return "updated"
	default:
		return "unchanged"
	}
}

// ApplyRemote stores a fetched resource: the master is upserted by href,
// then by uid; its exceptions are upserted by instance and linked to the
// master's occurrences; exceptions missing from the resource are removed.
// No pending operations are produced. Conflict handling is the caller's
// job: ApplyRemote overwrites whatever is stored.
func (s *Service) ApplyRemote(ctx context.Context, calendarID int64, res RemoteResource) (ApplyOutcome, error) {
	obj, err := ics.Decode(res.Payload)
	if err != nil {
		return ApplyUnchanged, err
	}

	outcome := ApplyUnchanged
	err = s.update(ctx, func(tx *db.Tx, c *change) error {
		master, err := findLocal(ctx, tx, calendarID, res.Href, obj.UID())
		if err != nil {
			return err
		}

		if obj.Master == nil {
			if master == nil {
				return fmt.Errorf("%w: uid %s", ErrOrphanException, obj.UID())
			}
		} else {
			if master != nil && master.ETag == res.ETag && master.RemoteHref == res.Href &&
				master.SyncStatus == db.SyncStatusSynced {
				return nil
			}
			incoming := obj.Master
			if master == nil {
				master = incoming
				master.CalendarID = calendarID
				remoteFields(master, res)
				if err := tx.InsertEvent(ctx, master); err != nil {
					return err
				}
				outcome = ApplyAdded
			} else {
				copyContent(master, incoming)
				remoteFields(master, res)
				if err := tx.UpdateEvent(ctx, master); err != nil {
					return err
				}
				outcome = ApplyUpdated
			}
		}
		if outcome == ApplyUnchanged {
			outcome = ApplyUpdated
		}

		exceptions, err := s.syncExceptions(ctx, tx, master, obj, res)
		if err != nil {
			return err
		}
		if err := s.regenerate(ctx, tx, master); err != nil {
			return err
		}
		if master.IsRecurring() {
			for _, exc := range exceptions {
				if master.Exclusions.Contains(exc.OriginalInstanceTime) {
					continue
				}
				if err := s.gen.LinkException(ctx, tx, master.ID, exc.OriginalInstanceTime, exc); err != nil {
					return err
				}
			}
		}
		c.touch(master)
		return nil
	})
	if err != nil {
		return ApplyUnchanged, err
	}
	return outcome, nil
}

// syncExceptions upserts the resource's exceptions under master. When the
// resource carries the master too, stored exceptions it no longer lists are
// deleted.
func (s *Service) syncExceptions(ctx context.Context, tx *db.Tx, master *db.Event, obj *ics.Object, res RemoteResource) ([]*db.Event, error) {
	stored, err := tx.ListExceptions(ctx, master.ID)
	if err != nil {
		return nil, err
	}
	byInstance := make(map[int64]*db.Event, len(stored))
	for _, exc := range stored {
		byInstance[exc.OriginalInstanceTime.UnixMilli()] = exc
	}

	seen := make(map[int64]bool, len(obj.Exceptions))
	out := make([]*db.Event, 0, len(obj.Exceptions))
	for _, inc := range obj.Exceptions {
		key := inc.OriginalInstanceTime.UnixMilli()
		inc.CalendarID = master.CalendarID
		inc.UID = master.UID
		inc.OriginalEventID = master.ID
		remoteFields(inc, res)
		inc.RawPayload = ""
		if old, ok := byInstance[key]; ok {
			inc.ID = old.ID
			inc.CreatedAt = old.CreatedAt
			if err := tx.UpdateEvent(ctx, inc); err != nil {
				return nil, err
			}
		} else if err := tx.InsertEvent(ctx, inc); err != nil {
			return nil, err
		}
		seen[key] = true
		out = append(out, inc)
	}

	if obj.Master != nil {
		for key, old := range byInstance {
			if seen[key] {
				continue
			}
			if err := tx.DeleteEvent(ctx, old.ID); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// ApplyRemoteDeletion removes the event stored for a deleted remote
// resource, with its exceptions and occurrences. It reports whether an
// event existed.
func (s *Service) ApplyRemoteDeletion(ctx context.Context, calendarID int64, href string) (bool, error) {
	deleted := false
	err := s.update(ctx, func(tx *db.Tx, c *change) error {
		ev, err := tx.FindEventByHref(ctx, calendarID, href)
		if errors.Is(err, db.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := tx.DeleteEvent(ctx, ev.ID); err != nil {
			return err
		}
		c.touch(ev)
		deleted = true
		return nil
	})
	return deleted, err
}

// DiscardLocalChanges drops every queued operation of an event and returns
// it to the last state the server knows. An unfinished move goes back to
// its source calendar. An event the server never saw is deleted. The stored
// entity tag is cleared so the next pull fetches the server's version. It
// reports whether the event still exists.
func (s *Service) DiscardLocalChanges(ctx context.Context, eventID int64) (bool, error) {
	exists := true
	err := s.update(ctx, func(tx *db.Tx, c *change) error {
		ev, err := tx.GetEvent(ctx, eventID)
		if err != nil {
			return err
		}
		if ev.IsException() {
			if ev, err = tx.GetEvent(ctx, ev.OriginalEventID); err != nil {
				return err
			}
		}
		c.touch(ev)

		ops, err := tx.OperationsForEvent(ctx, ev.ID)
		if err != nil {
			return err
		}
		for _, op := range ops {
			pendingSourceDelete := op.Kind == db.OpDelete || (op.Kind == db.OpMove && op.Phase == db.PhaseDelete)
			if pendingSourceDelete && op.SourceHref != "" && op.SourceCalendarID != 0 {
				ev.CalendarID = op.SourceCalendarID
				ev.RemoteHref = op.SourceHref
			}
		}
		if _, err := tx.DeleteOperationsForEvent(ctx, ev.ID); err != nil {
			return err
		}

		if ev.RemoteHref == "" {
			exists = false
			return tx.DeleteEvent(ctx, ev.ID)
		}

		ev.SyncStatus = db.SyncStatusSynced
		ev.ETag = ""
		ev.RetryCount = 0
		ev.LastError = ""
		if err := tx.UpdateEvent(ctx, ev); err != nil {
			if errors.Is(err, db.ErrDuplicateMaster) {
				exists = false
				return tx.DeleteEvent(ctx, ev.ID)
			}
			return err
		}
		exceptions, err := tx.ListExceptions(ctx, ev.ID)
		if err != nil {
			return err
		}
		for _, exc := range exceptions {
			exc.CalendarID = ev.CalendarID
			exc.SyncStatus = db.SyncStatusSynced
			exc.ETag = ""
			if err := tx.UpdateEvent(ctx, exc); err != nil {
				return err
			}
		}
		c.touch(ev)
		return s.regenerate(ctx, tx, ev)
	})
	return exists, err
}

func findLocal(ctx context.Context, tx *db.Tx, calendarID int64, href, uid string) (*db.Event, error) {
	if href != "" {
		ev, err := tx.FindEventByHref(ctx, calendarID, href)
		if err == nil {
			return ev, nil
		}
		if !errors.Is(err, db.ErrNotFound) {
			return nil, err
		}
	}
	if uid == "" {
		return nil, nil
	}
	ev, err := tx.FindMasterByUID(ctx, calendarID, uid)
	if errors.Is(err, db.ErrNotFound) {
		return nil, nil
	}
	return ev, err
}

func remoteFields(ev *db.Event, res RemoteResource) {
	ev.RemoteHref = res.Href
	ev.ETag = res.ETag
	ev.RawPayload = res.Payload
	ev.SyncStatus = db.SyncStatusSynced
	ev.RetryCount = 0
	ev.LastError = ""
}

// copyContent overwrites the user visible fields of dst with src.
func copyContent(dst, src *db.Event) {
	dst.Summary = src.Summary
	dst.Description = src.Description
	dst.Location = src.Location
	dst.Start = src.Start
	dst.End = src.End
	dst.TimeZone = src.TimeZone
	dst.AllDay = src.AllDay
	dst.RRule = src.RRule
	dst.Exclusions = src.Exclusions.Clone()
	dst.Sequence = src.Sequence
	dst.GeneratedUntil = src.GeneratedUntil
}
