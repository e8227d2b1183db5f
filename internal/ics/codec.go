// Package ics converts between stored events and iCalendar payloads. A
// recurring series and its exceptions travel as one VCALENDAR holding a
// master VEVENT and one VEVENT per exception, all sharing the master's UID.
package ics

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-ical"

	"github.com/macjediwizard/offlinecal/internal/db"
)

// ProductID is written to calendars created from scratch.
const ProductID = "-//MacJediWizard//offlinecal//EN"

// ErrMalformedPayload is returned when a payload cannot be read as iCalendar.
var ErrMalformedPayload = errors.New("malformed calendar payload")

// Object is the decoded content of one calendar resource. Master is nil when
// the resource only carries exceptions of a series stored elsewhere.
type Object struct {
	Master     *db.Event
	Exceptions []*db.Event
}

// UID returns the uid shared by the resource's events.
func (o *Object) UID() string {
	if o.Master != nil {
		return o.Master.UID
	}
	if len(o.Exceptions) > 0 {
		return o.Exceptions[0].UID
	}
	return ""
}

// Decode parses a VCALENDAR payload. Exceptions come back with
// OriginalInstanceTime set; linking them to a stored master is left to the
// caller. Cancelled exceptions are folded into the master's exclusions.
func Decode(payload string) (*Object, error) {
	cal, err := ical.NewDecoder(strings.NewReader(payload)).Decode()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}

	obj := &Object{}
	var cancelled []time.Time
	for _, child := range cal.Children {
		if child.Name != ical.CompEvent {
			continue
		}
		ev, isCancelled, err := decodeEvent(child)
		if err != nil {
			return nil, err
		}
		switch {
		case ev.OriginalInstanceTime.IsZero():
			if obj.Master == nil {
				obj.Master = ev
			}
		case isCancelled:
			cancelled = append(cancelled, ev.OriginalInstanceTime)
		default:
			obj.Exceptions = append(obj.Exceptions, ev)
		}
	}
	if obj.Master == nil && len(obj.Exceptions) == 0 && len(cancelled) == 0 {
		return nil, fmt.Errorf("%w: no VEVENT", ErrMalformedPayload)
	}

	if obj.Master != nil {
		obj.Master.RawPayload = payload
		for _, t := range cancelled {
			obj.Master.Exclusions.Add(t)
		}
	}
	sort.Slice(obj.Exceptions, func(i, j int) bool {
		return obj.Exceptions[i].OriginalInstanceTime.Before(obj.Exceptions[j].OriginalInstanceTime)
	})
	return obj, nil
}

func decodeEvent(comp *ical.Component) (*db.Event, bool, error) {
	uid, _ := comp.Props.Text(ical.PropUID)
	if uid == "" {
		return nil, false, fmt.Errorf("%w: VEVENT without UID", ErrMalformedPayload)
	}

	ev := &db.Event{UID: uid, Exclusions: db.NewExclusionSet()}
	ev.Summary, _ = comp.Props.Text(ical.PropSummary)
	ev.Description, _ = comp.Props.Text(ical.PropDescription)
	ev.Location, _ = comp.Props.Text(ical.PropLocation)

	startProp := comp.Props.Get(ical.PropDateTimeStart)
	if startProp == nil {
		return nil, false, fmt.Errorf("%w: VEVENT %s without DTSTART", ErrMalformedPayload, uid)
	}
	start, err := parseTimeProp(startProp)
	if err != nil {
		return nil, false, err
	}
	if len(start.times) == 0 {
		return nil, false, fmt.Errorf("%w: VEVENT %s has an empty DTSTART", ErrMalformedPayload, uid)
	}
	ev.Start = start.times[0]
	ev.AllDay = start.allDay
	ev.TimeZone = start.tzid

	ev.End, err = decodeEnd(comp, ev)
	if err != nil {
		return nil, false, err
	}

	if p := comp.Props.Get(ical.PropRecurrenceRule); p != nil {
		ev.RRule = strings.TrimPrefix(p.Value, "RRULE:")
	}
	for i := range comp.Props[ical.PropExceptionDates] {
		ex, err := parseTimeProp(&comp.Props[ical.PropExceptionDates][i])
		if err != nil {
			return nil, false, err
		}
		for _, t := range ex.times {
			ev.Exclusions.Add(t)
		}
	}
	if p := comp.Props.Get(ical.PropRecurrenceID); p != nil {
		rid, err := parseTimeProp(p)
		if err != nil {
			return nil, false, err
		}
		if len(rid.times) > 0 {
			ev.OriginalInstanceTime = rid.times[0]
		}
	}
	if p := comp.Props.Get(ical.PropSequence); p != nil {
		if n, err := strconv.Atoi(strings.TrimSpace(p.Value)); err == nil {
			ev.Sequence = n
		}
	}

	status, _ := comp.Props.Text(ical.PropStatus)
	return ev, strings.EqualFold(status, "CANCELLED"), nil
}

// decodeEnd reads DTEND, falling back to DURATION and finally to the
// RFC 5545 defaults: one day for dates, zero length for date-times.
func decodeEnd(comp *ical.Component, ev *db.Event) (time.Time, error) {
	if p := comp.Props.Get(ical.PropDateTimeEnd); p != nil {
		end, err := parseTimeProp(p)
		if err != nil {
			return time.Time{}, err
		}
		if len(end.times) > 0 && !end.times[0].Before(ev.Start) {
			return end.times[0], nil
		}
	}
	if p := comp.Props.Get(ical.PropDuration); p != nil {
		d, err := p.Duration()
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: DURATION %q: %w", ErrMalformedPayload, p.Value, err)
		}
		if d >= 0 {
			return ev.Start.Add(d), nil
		}
	}
	if ev.AllDay {
		return ev.Start.AddDate(0, 0, 1), nil
	}
	return ev.Start, nil
}

// Encode serializes a master and its exceptions as one VCALENDAR. When the
// master carries the payload it was last synced with, that payload is
// patched in place so alarms, X- properties and timezone definitions the
// store does not model are kept. Exception VEVENTs missing from exceptions
// are dropped.
func Encode(master *db.Event, exceptions []*db.Event) (string, error) {
	if master == nil || master.UID == "" {
		return "", fmt.Errorf("%w: master without UID", ErrMalformedPayload)
	}

	cal, err := baseCalendar(master.RawPayload)
	if err != nil {
		return "", err
	}

	var (
		others     []*ical.Component
		masterComp *ical.Component
		byInstance = make(map[int64]*ical.Component)
	)
	for _, child := range cal.Children {
		if child.Name != ical.CompEvent {
			others = append(others, child)
			continue
		}
		rid := child.Props.Get(ical.PropRecurrenceID)
		if rid == nil {
			if masterComp == nil {
				masterComp = child
			}
			continue
		}
		if parsed, err := parseTimeProp(rid); err == nil && len(parsed.times) > 0 {
			byInstance[parsed.times[0].UnixMilli()] = child
		}
	}
	if masterComp == nil {
		masterComp = ical.NewComponent(ical.CompEvent)
	}

	now := time.Now().UTC()
	masterForm := formFor(master.AllDay, master.TimeZone)
	patchEvent(masterComp, master, now)
	if master.RRule != "" {
		rule := ical.NewProp(ical.PropRecurrenceRule)
		rule.Value = strings.TrimPrefix(master.RRule, "RRULE:")
		masterComp.Props.Set(rule)
	} else {
		masterComp.Props.Del(ical.PropRecurrenceRule)
	}
	masterComp.Props.Del(ical.PropExceptionDates)
	if times := master.Exclusions.Times(); len(times) > 0 {
		masterComp.Props.Set(masterForm.prop(ical.PropExceptionDates, times...))
	}
	masterComp.Props.Del(ical.PropRecurrenceID)

	sorted := append([]*db.Event(nil), exceptions...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].OriginalInstanceTime.Before(sorted[j].OriginalInstanceTime)
	})

	children := append(others, masterComp)
	for _, exc := range sorted {
		if exc.OriginalInstanceTime.IsZero() {
			return "", fmt.Errorf("%w: exception of %s without instance time", ErrMalformedPayload, master.UID)
		}
		comp, ok := byInstance[exc.OriginalInstanceTime.UnixMilli()]
		if !ok {
			comp = ical.NewComponent(ical.CompEvent)
		}
		exc = exc.Clone()
		exc.UID = master.UID
		if exc.TimeZone == "" && !exc.AllDay {
			exc.TimeZone = master.TimeZone
		}
		patchEvent(comp, exc, now)
		comp.Props.Del(ical.PropRecurrenceRule)
		comp.Props.Del(ical.PropExceptionDates)
		comp.Props.Set(masterForm.prop(ical.PropRecurrenceID, exc.OriginalInstanceTime))
		children = append(children, comp)
	}
	cal.Children = children

	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return "", fmt.Errorf("failed to encode calendar: %w", err)
	}
	return buf.String(), nil
}

func baseCalendar(raw string) (*ical.Calendar, error) {
	if raw != "" {
		cal, err := ical.NewDecoder(strings.NewReader(raw)).Decode()
		if err == nil {
			if cal.Props.Get(ical.PropProductID) == nil {
				cal.Props.SetText(ical.PropProductID, ProductID)
			}
			cal.Props.SetText(ical.PropVersion, "2.0")
			return cal, nil
		}
	}
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropProductID, ProductID)
	cal.Props.SetText(ical.PropVersion, "2.0")
	return cal, nil
}

func patchEvent(comp *ical.Component, ev *db.Event, now time.Time) {
	form := formFor(ev.AllDay, ev.TimeZone)

	comp.Props.SetText(ical.PropUID, ev.UID)
	comp.Props.SetText(ical.PropSummary, ev.Summary)
	setOptionalText(comp, ical.PropDescription, ev.Description)
	setOptionalText(comp, ical.PropLocation, ev.Location)

	comp.Props.Set(form.prop(ical.PropDateTimeStart, ev.Start))
	comp.Props.Del(ical.PropDuration)
	end := ev.End
	if !end.After(ev.Start) && ev.AllDay {
		end = ev.Start.AddDate(0, 0, 1)
	}
	comp.Props.Set(form.prop(ical.PropDateTimeEnd, end))

	comp.Props.SetText(ical.PropSequence, strconv.Itoa(ev.Sequence))
	comp.Props.SetDateTime(ical.PropDateTimeStamp, now)
}

func setOptionalText(comp *ical.Component, name, value string) {
	if value == "" {
		comp.Props.Del(name)
		return
	}
	comp.Props.SetText(name, value)
}
