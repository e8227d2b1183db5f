package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/macjediwizard/offlinecal/internal/db"
	"github.com/macjediwizard/offlinecal/internal/recurrence"
)

// EditSingleOccurrence applies mutator to one instance of a series. The
// first edit of an instance creates its exception event; later edits update
// it. The exception always carries the master's uid, since servers correlate
// the instances of a series by uid.
func (s *Service) EditSingleOccurrence(ctx context.Context, masterID int64, instance time.Time, mutator func(*db.Event)) (*db.Event, error) {
	instance = instance.UTC()
	var out *db.Event
	err := s.update(ctx, func(tx *db.Tx, c *change) error {
		master, cal, err := s.loadSeries(ctx, tx, masterID)
		if err != nil {
			return err
		}

		exc, err := tx.FindException(ctx, master.ID, instance)
		if err == nil {
			out, err = s.editException(ctx, tx, cal, exc, mutator, c)
			return err
		}
		if !errors.Is(err, db.ErrNotFound) {
			return err
		}

		has, err := recurrence.HasInstance(master.RRule, master.LocalStart(), master.Exclusions.Times(), instance)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidRule, err)
		}
		if !has {
			return ErrNoSuchInstance
		}

		exc = newException(master, instance)
		blank := exc.Clone()
		mutator(exc)
		keepIdentity(exc, blank)
		exc.RRule = ""
		exc.Exclusions = db.NewExclusionSet()
		normalizeTimes(exc)
		if err := validateEvent(exc); err != nil {
			return err
		}

		s.markModified(cal, master)
		exc.SyncStatus = master.SyncStatus
		if err := tx.InsertEvent(ctx, exc); err != nil {
			return err
		}
		if err := s.gen.LinkException(ctx, tx, master.ID, instance, exc); err != nil {
			return err
		}
		if err := s.commitMaster(ctx, tx, cal, master, c); err != nil {
			return err
		}
		out = exc
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// editException applies mutator to an existing exception and refreshes the
// occurrence it replaces.
func (s *Service) editException(ctx context.Context, tx *db.Tx, cal *db.Calendar, exc *db.Event, mutator func(*db.Event), c *change) (*db.Event, error) {
	master, err := tx.GetEvent(ctx, exc.OriginalEventID)
	if err != nil {
		return nil, fmt.Errorf("failed to load master %d: %w", exc.OriginalEventID, err)
	}

	before := exc.Clone()
	mutator(exc)
	keepIdentity(exc, before)
	exc.UID = master.UID
	exc.RRule = ""
	exc.Exclusions = db.NewExclusionSet()
	normalizeTimes(exc)
	if err := validateEvent(exc); err != nil {
		return nil, err
	}

	s.markModified(cal, master)
	exc.SyncStatus = master.SyncStatus
	if err := tx.UpdateEvent(ctx, exc); err != nil {
		return nil, err
	}
	if !master.Exclusions.Contains(exc.OriginalInstanceTime) {
		if err := s.gen.LinkException(ctx, tx, master.ID, exc.OriginalInstanceTime, exc); err != nil {
			return nil, err
		}
	}
	if err := s.commitMaster(ctx, tx, cal, master, c); err != nil {
		return nil, err
	}
	return exc, nil
}

// DeleteSingleOccurrence removes one instance of a series by excluding it.
// An exception at that instant keeps its row but is no longer shown.
func (s *Service) DeleteSingleOccurrence(ctx context.Context, masterID int64, instance time.Time) error {
	instance = instance.UTC()
	return s.update(ctx, func(tx *db.Tx, c *change) error {
		master, cal, err := s.loadSeries(ctx, tx, masterID)
		if err != nil {
			return err
		}
		if master.Exclusions.Contains(instance) {
			return nil
		}

		exc, err := tx.FindException(ctx, master.ID, instance)
		switch {
		case err == nil:
			if err := tx.UnlinkException(ctx, exc.ID); err != nil {
				return err
			}
			if _, err := tx.DeleteOccurrencesForEvent(ctx, exc.ID, time.Time{}, time.Time{}); err != nil {
				return err
			}
		case errors.Is(err, db.ErrNotFound):
			has, err := recurrence.HasInstance(master.RRule, master.LocalStart(), nil, instance)
			if err != nil {
				return fmt.Errorf("%w: %w", ErrInvalidRule, err)
			}
			if !has {
				return ErrNoSuchInstance
			}
		default:
			return err
		}

		master.Exclusions.Add(instance)
		if err := s.gen.CancelOccurrence(ctx, tx, master.ID, instance); err != nil {
			return err
		}
		s.markModified(cal, master)
		return s.commitMaster(ctx, tx, cal, master, c)
	})
}

// DeleteThisAndFuture ends the series just before fromTime. Exceptions at or
// after fromTime are deleted with the instances they replaced. When nothing
// remains before fromTime the whole series is deleted.
func (s *Service) DeleteThisAndFuture(ctx context.Context, masterID int64, fromTime time.Time) error {
	fromTime = fromTime.UTC()
	return s.update(ctx, func(tx *db.Tx, c *change) error {
		master, cal, err := s.loadSeries(ctx, tx, masterID)
		if err != nil {
			return err
		}
		c.touch(master)

		rule, err := recurrence.EndBefore(master.RRule, master.LocalStart(), fromTime)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidRule, err)
		}
		if rule == "" {
			return s.deleteSeries(ctx, tx, cal, master, c)
		}

		if err := s.dropExceptionsFrom(ctx, tx, master.ID, fromTime); err != nil {
			return err
		}
		for _, t := range master.Exclusions.Times() {
			if !t.Before(fromTime) {
				master.Exclusions.Remove(t)
			}
		}
		master.RRule = rule
		if _, err := tx.CancelOccurrencesFrom(ctx, master.ID, fromTime); err != nil {
			return err
		}

		s.markModified(cal, master)
		if err := tx.UpdateEvent(ctx, master); err != nil {
			return err
		}
		if err := s.regenerate(ctx, tx, master); err != nil {
			return err
		}
		return s.queueWrite(ctx, tx, cal, master, c)
	})
}

// SplitSeries ends the series before splitTime and starts a new series, with
// its own uid, at the first instance at or after splitTime. mutator edits the
// new series. Exceptions and exclusions from the split onward move to it.
func (s *Service) SplitSeries(ctx context.Context, masterID int64, splitTime time.Time, mutator func(*db.Event)) (*db.Event, error) {
	var out *db.Event
	err := s.update(ctx, func(tx *db.Tx, c *change) error {
		master, cal, err := s.loadSeries(ctx, tx, masterID)
		if err != nil {
			return err
		}
		dtstart := master.LocalStart()

		first, ok, err := recurrence.FirstAtOrAfter(master.RRule, dtstart, splitTime)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidRule, err)
		}
		if !ok {
			return ErrInvalidSplit
		}
		first = first.UTC()
		head, err := recurrence.EndBefore(master.RRule, dtstart, first)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidRule, err)
		}
		tail, err := recurrence.Remainder(master.RRule, dtstart, first)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidRule, err)
		}
		if head == "" || tail == "" {
			return ErrInvalidSplit
		}

		next := master.Clone()
		next.ID = 0
		next.UID = uuid.NewString()
		next.RRule = tail
		next.Start = first
		next.End = first.Add(master.Duration())
		next.RemoteHref, next.ETag = "", ""
		next.GeneratedUntil = time.Time{}
		next.Sequence = 0
		next.CreatedAt = time.Time{}
		next.SyncStatus = db.SyncStatusPendingCreate
		next.Exclusions = db.NewExclusionSet()
		for _, t := range master.Exclusions.Times() {
			if !t.Before(first) {
				next.Exclusions.Add(t)
				master.Exclusions.Remove(t)
			}
		}

		snapshot := next.Clone()
		mutator(next)
		keepIdentity(next, snapshot)
		normalizeTimes(next)
		if err := validateEvent(next); err != nil {
			return err
		}
		s.markModified(cal, next)

		master.RRule = head
		s.markModified(cal, master)
		if err := tx.UpdateEvent(ctx, master); err != nil {
			return err
		}
		if err := tx.InsertEvent(ctx, next); err != nil {
			return mapWriteError(err)
		}
		if err := s.moveExceptions(ctx, tx, master, next, first, scheduleChanged(snapshot, next)); err != nil {
			return err
		}
		if err := s.regenerate(ctx, tx, master); err != nil {
			return err
		}
		if err := s.regenerate(ctx, tx, next); err != nil {
			return err
		}
		if err := s.queueWrite(ctx, tx, cal, master, c); err != nil {
			return err
		}
		if err := s.queueWrite(ctx, tx, cal, next, c); err != nil {
			return err
		}
		c.touch(next)
		c.touch(master)
		out = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// moveExceptions re-parents the exceptions of from at or after cut onto to.
// When the new series has a different schedule, exceptions whose instance it
// no longer produces are dropped.
func (s *Service) moveExceptions(ctx context.Context, tx *db.Tx, from, to *db.Event, cut time.Time, rescheduled bool) error {
	exceptions, err := tx.ListExceptions(ctx, from.ID)
	if err != nil {
		return err
	}
	for _, exc := range exceptions {
		if exc.OriginalInstanceTime.Before(cut) {
			continue
		}
		if rescheduled {
			has, err := recurrence.HasInstance(to.RRule, to.LocalStart(), nil, exc.OriginalInstanceTime)
			if err != nil {
				return fmt.Errorf("%w: %w", ErrInvalidRule, err)
			}
			if !has {
				if err := tx.DeleteEvent(ctx, exc.ID); err != nil {
					return err
				}
				continue
			}
		}
		if _, err := tx.DeleteOccurrencesForEvent(ctx, exc.ID, time.Time{}, time.Time{}); err != nil {
			return err
		}
		exc.OriginalEventID = to.ID
		exc.UID = to.UID
		exc.CalendarID = to.CalendarID
		exc.SyncStatus = to.SyncStatus
		if err := tx.UpdateEvent(ctx, exc); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) dropExceptionsFrom(ctx context.Context, tx *db.Tx, masterID int64, from time.Time) error {
	exceptions, err := tx.ListExceptions(ctx, masterID)
	if err != nil {
		return err
	}
	for _, exc := range exceptions {
		if exc.OriginalInstanceTime.Before(from) {
			continue
		}
		if err := tx.DeleteEvent(ctx, exc.ID); err != nil {
			return err
		}
	}
	return nil
}

// loadSeries loads a recurring master and checks it can be written to.
func (s *Service) loadSeries(ctx context.Context, tx *db.Tx, masterID int64) (*db.Event, *db.Calendar, error) {
	master, err := tx.GetEvent(ctx, masterID)
	if err != nil {
		return nil, nil, err
	}
	if master.SyncStatus == db.SyncStatusPendingDelete {
		return nil, nil, ErrEventDeleted
	}
	if !master.IsRecurring() {
		return nil, nil, ErrNotRecurring
	}
	cal, err := writableCalendar(ctx, tx, master.CalendarID)
	if err != nil {
		return nil, nil, err
	}
	return master, cal, nil
}

// commitMaster writes a master whose exceptions changed and queues the
// update of the resource they share.
func (s *Service) commitMaster(ctx context.Context, tx *db.Tx, cal *db.Calendar, master *db.Event, c *change) error {
	if err := tx.UpdateEvent(ctx, master); err != nil {
		return err
	}
	if err := s.queueWrite(ctx, tx, cal, master, c); err != nil {
		return err
	}
	c.touch(master)
	return nil
}

func newException(master *db.Event, instance time.Time) *db.Event {
	return &db.Event{
		CalendarID:           master.CalendarID,
		UID:                  master.UID,
		Summary:              master.Summary,
		Description:          master.Description,
		Location:             master.Location,
		Start:                instance,
		End:                  instance.Add(master.Duration()),
		TimeZone:             master.TimeZone,
		AllDay:               master.AllDay,
		OriginalEventID:      master.ID,
		OriginalInstanceTime: instance,
		Sequence:             master.Sequence,
		Exclusions:           db.NewExclusionSet(),
	}
}
