// Package recurrence expands recurring events into stored occurrences and
// keeps exception and cancellation state on those occurrences consistent.
package recurrence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/exp/slog"

	"github.com/macjediwizard/offlinecal/internal/db"
)

// DefaultMaxOccurrences caps the instances generated for one event.
const DefaultMaxOccurrences = 5000

// Store is the slice of persistence the generator needs. *db.Tx satisfies it.
type Store interface {
	GetEvent(ctx context.Context, id int64) (*db.Event, error)
	ListExceptions(ctx context.Context, masterID int64) ([]*db.Event, error)
	SetGeneratedUntil(ctx context.Context, id int64, until time.Time) error
	ListOccurrences(ctx context.Context, eventID int64) ([]*db.Occurrence, error)
	UpsertOccurrence(ctx context.Context, occ *db.Occurrence) error
	InsertOccurrenceIfMissing(ctx context.Context, occ *db.Occurrence) (bool, error)
	DeleteOccurrence(ctx context.Context, eventID int64, instance time.Time) error
	DeleteOccurrencesForEvent(ctx context.Context, eventID int64, from, to time.Time) (int64, error)
	SetOccurrenceCancelled(ctx context.Context, eventID int64, instance time.Time, cancelled bool) error
}

// Generator expands events into occurrences.
type Generator struct {
	loc         *time.Location
	maxPerEvent int
	logger      *slog.Logger
}

// NewGenerator creates a generator. loc is the display zone used to derive
// the day codes of timed events; maxPerEvent <= 0 selects the default cap.
func NewGenerator(loc *time.Location, maxPerEvent int, logger *slog.Logger) *Generator {
	if loc == nil {
		loc = time.Local
	}
	if maxPerEvent <= 0 {
		maxPerEvent = DefaultMaxOccurrences
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{loc: loc, maxPerEvent: maxPerEvent, logger: logger}
}

// Location returns the display zone.
func (g *Generator) Location() *time.Location {
	return g.loc
}

// DayRange returns the inclusive first and last day a span appears on.
// All-day ends are exclusive on the wire, so the last day is end - 1 day;
// all-day dates are floating and read in UTC. Timed spans use the display
// zone and treat end as exclusive down to the millisecond.
func (g *Generator) DayRange(start, end time.Time, allDay bool) (db.DayCode, db.DayCode) {
	if allDay {
		first := db.DayOf(start, time.UTC)
		last := db.DayOf(end, time.UTC).AddDays(-1)
		if last < first {
			last = first
		}
		return first, last
	}
	first := db.DayOf(start, g.loc)
	if !end.After(start) {
		return first, first
	}
	return first, db.DayOf(end.Add(-time.Millisecond), g.loc)
}

// Instances returns the start times of ev in [from, to]. Rules with their own
// COUNT or UNTIL are expanded in full regardless of the window. The bool
// reports whether the safety cap truncated the result.
func (g *Generator) Instances(ev *db.Event, from, to time.Time) ([]time.Time, bool, error) {
	if !ev.IsRecurring() {
		return []time.Time{ev.Start}, false, nil
	}

	set, opt, err := buildSet(ev.RRule, ev.LocalStart(), ev.Exclusions.Times())
	if err != nil {
		return nil, false, err
	}

	var times []time.Time
	if opt.Count > 0 || !opt.Until.IsZero() {
		next := set.Iterator()
		for {
			t, ok := next()
			if !ok {
				break
			}
			if len(times) >= g.maxPerEvent {
				return times, true, nil
			}
			times = append(times, t.UTC())
		}
		return times, false, nil
	}

	loc := ev.Loc()
	for _, t := range set.Between(from.In(loc), to.In(loc), true) {
		if len(times) >= g.maxPerEvent {
			return times, true, nil
		}
		times = append(times, t.UTC())
	}
	return times, false, nil
}

// Generate replaces the occurrences of ev from windowStart onward with the
// instances its rule produces up to windowEnd, and returns how many exist.
// Exceptions stay linked to their instance. Generating an exception event
// links it to its master instead.
func (g *Generator) Generate(ctx context.Context, s Store, ev *db.Event, windowStart, windowEnd time.Time) (int, error) {
	if ev.IsException() {
		if err := g.LinkException(ctx, s, ev.OriginalEventID, ev.OriginalInstanceTime, ev); err != nil {
			return 0, err
		}
		return 1, nil
	}

	if !ev.IsRecurring() {
		if _, err := s.DeleteOccurrencesForEvent(ctx, ev.ID, time.Time{}, time.Time{}); err != nil {
			return 0, err
		}
		first, last := g.DayRange(ev.Start, ev.End, ev.AllDay)
		occ := &db.Occurrence{
			EventID:      ev.ID,
			InstanceTime: ev.Start,
			Start:        ev.Start,
			End:          ev.End,
			StartDay:     first,
			EndDay:       last,
		}
		if err := s.UpsertOccurrence(ctx, occ); err != nil {
			return 0, err
		}
		return 1, nil
	}

	instances, capped, err := g.Instances(ev, windowStart, windowEnd)
	if err != nil {
		return 0, fmt.Errorf("failed to expand event %d: %w", ev.ID, err)
	}
	if capped {
		g.logger.Warn("occurrence cap reached", "event_id", ev.ID, "uid", ev.UID, "cap", g.maxPerEvent)
	}

	exceptions, err := g.exceptionsByInstance(ctx, s, ev.ID)
	if err != nil {
		return 0, err
	}

	keep := make(map[int64]bool, len(instances))
	for _, inst := range instances {
		keep[inst.UnixMilli()] = true
	}

	existing, err := s.ListOccurrences(ctx, ev.ID)
	if err != nil {
		return 0, err
	}
	for _, occ := range existing {
		if occ.InstanceTime.Before(windowStart) || keep[occ.InstanceTime.UnixMilli()] {
			continue
		}
		if err := s.DeleteOccurrence(ctx, ev.ID, occ.InstanceTime); err != nil {
			return 0, err
		}
	}

	for _, inst := range instances {
		if err := g.writeInstance(ctx, s, ev, inst, exceptions); err != nil {
			return 0, err
		}
	}

	if err := s.SetGeneratedUntil(ctx, ev.ID, windowEnd); err != nil {
		return 0, err
	}
	ev.GeneratedUntil = windowEnd
	return len(instances), nil
}

// Extend grows the generation window of a recurring master to newWindowEnd.
// Instances already stored are left untouched, so calling it again with the
// same bound adds nothing. It returns the number of rows added.
func (g *Generator) Extend(ctx context.Context, s Store, ev *db.Event, newWindowEnd time.Time) (int, error) {
	if !ev.IsRecurring() {
		return 0, nil
	}
	from := ev.GeneratedUntil
	if from.IsZero() {
		from = ev.Start
	}
	if !newWindowEnd.After(from) {
		return 0, nil
	}

	set, _, err := buildSet(ev.RRule, ev.LocalStart(), ev.Exclusions.Times())
	if err != nil {
		return 0, fmt.Errorf("failed to expand event %d: %w", ev.ID, err)
	}
	loc := ev.Loc()
	instances := set.Between(from.In(loc), newWindowEnd.In(loc), true)
	if len(instances) > g.maxPerEvent {
		g.logger.Warn("occurrence cap reached", "event_id", ev.ID, "uid", ev.UID, "cap", g.maxPerEvent)
		instances = instances[:g.maxPerEvent]
	}

	exceptions, err := g.exceptionsByInstance(ctx, s, ev.ID)
	if err != nil {
		return 0, err
	}

	added := 0
	for _, inst := range instances {
		inst = inst.UTC()
		if exc, ok := exceptions[inst.UnixMilli()]; ok {
			if err := g.link(ctx, s, ev.ID, inst, exc); err != nil {
				return added, err
			}
			added++
			continue
		}
		first, last := g.DayRange(inst, inst.Add(ev.Duration()), ev.AllDay)
		inserted, err := s.InsertOccurrenceIfMissing(ctx, &db.Occurrence{
			EventID:      ev.ID,
			InstanceTime: inst,
			Start:        inst,
			End:          inst.Add(ev.Duration()),
			StartDay:     first,
			EndDay:       last,
		})
		if err != nil {
			return added, err
		}
		if inserted {
			added++
		}
	}

	if err := s.SetGeneratedUntil(ctx, ev.ID, newWindowEnd); err != nil {
		return added, err
	}
	ev.GeneratedUntil = newWindowEnd
	return added, nil
}

// LinkException makes exc the visible content of the master's occurrence
// at instance. Any standalone occurrence owned by exc is removed first, so
// exactly one row represents the instant afterwards. Repeated calls with the
// same arguments leave the same single row.
func (g *Generator) LinkException(ctx context.Context, s Store, masterID int64, instance time.Time, exc *db.Event) error {
	master, err := s.GetEvent(ctx, masterID)
	if err != nil {
		return fmt.Errorf("failed to load master %d: %w", masterID, err)
	}

	// An exception that used to replace a different instance releases it.
	occs, err := s.ListOccurrences(ctx, masterID)
	if err != nil {
		return err
	}
	for _, occ := range occs {
		if occ.ExceptionEventID != exc.ID || occ.InstanceTime.Equal(instance) {
			continue
		}
		if err := g.writeInstance(ctx, s, master, occ.InstanceTime, nil); err != nil {
			return err
		}
	}

	return g.link(ctx, s, masterID, instance, exc)
}

func (g *Generator) link(ctx context.Context, s Store, masterID int64, instance time.Time, exc *db.Event) error {
	if _, err := s.DeleteOccurrencesForEvent(ctx, exc.ID, time.Time{}, time.Time{}); err != nil {
		return err
	}
	first, last := g.DayRange(exc.Start, exc.End, exc.AllDay)
	return s.UpsertOccurrence(ctx, &db.Occurrence{
		EventID:          masterID,
		InstanceTime:     instance.UTC(),
		Start:            exc.Start,
		End:              exc.End,
		StartDay:         first,
		EndDay:           last,
		ExceptionEventID: exc.ID,
	})
}

// CancelOccurrence hides the master's occurrence at instance from every
// day and range query. A missing occurrence is not an error.
func (g *Generator) CancelOccurrence(ctx context.Context, s Store, masterID int64, instance time.Time) error {
	err := s.SetOccurrenceCancelled(ctx, masterID, instance, true)
	if errors.Is(err, db.ErrNotFound) {
		return nil
	}
	return err
}

// writeInstance stores the occurrence of master at inst, showing the
// matching exception when there is one.
func (g *Generator) writeInstance(ctx context.Context, s Store, master *db.Event, inst time.Time, exceptions map[int64]*db.Event) error {
	inst = inst.UTC()
	if exc, ok := exceptions[inst.UnixMilli()]; ok {
		return g.link(ctx, s, master.ID, inst, exc)
	}

	end := inst.Add(master.Duration())
	first, last := g.DayRange(inst, end, master.AllDay)
	occ := &db.Occurrence{
		EventID:      master.ID,
		InstanceTime: inst,
		Start:        inst,
		End:          end,
		StartDay:     first,
		EndDay:       last,
	}
	return s.UpsertOccurrence(ctx, occ)
}

func (g *Generator) exceptionsByInstance(ctx context.Context, s Store, masterID int64) (map[int64]*db.Event, error) {
	excs, err := s.ListExceptions(ctx, masterID)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]*db.Event, len(excs))
	for _, exc := range excs {
		if exc.SyncStatus == db.SyncStatusPendingDelete {
			continue
		}
		out[exc.OriginalInstanceTime.UnixMilli()] = exc
	}
	return out, nil
}
