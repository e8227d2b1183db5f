package ics

import (
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-ical"
)

const (
	paramTZID  = "TZID"
	paramValue = "VALUE"
	valueDate  = "DATE"

	dateFormat        = "20060102"
	dateTimeFormat    = "20060102T150405"
	dateTimeUTCFormat = "20060102T150405Z"
)

// timeForm is how a date-time property is written: as a floating date, in a
// named zone, or in UTC. Exclusions and recurrence ids follow the form of
// their master's DTSTART.
type timeForm struct {
	allDay bool
	tzid   string
	loc    *time.Location
}

func formFor(allDay bool, tzid string) timeForm {
	if allDay {
		return timeForm{allDay: true, loc: time.UTC}
	}
	if tzid != "" {
		if loc, err := time.LoadLocation(tzid); err == nil {
			return timeForm{tzid: tzid, loc: loc}
		}
	}
	return timeForm{loc: time.UTC}
}

func (f timeForm) format(t time.Time) string {
	switch {
	case f.allDay:
		return t.UTC().Format(dateFormat)
	case f.tzid != "":
		return t.In(f.loc).Format(dateTimeFormat)
	default:
		return t.UTC().Format(dateTimeUTCFormat)
	}
}

// prop builds a property holding one or more instants in this form.
func (f timeForm) prop(name string, times ...time.Time) *ical.Prop {
	p := ical.NewProp(name)
	values := make([]string, len(times))
	for i, t := range times {
		values[i] = f.format(t)
	}
	p.Value = strings.Join(values, ",")
	switch {
	case f.allDay:
		p.Params.Set(paramValue, valueDate)
	case f.tzid != "":
		p.Params.Set(paramTZID, f.tzid)
	}
	return p
}

// parsedTime is a decoded date or date-time property value.
type parsedTime struct {
	times  []time.Time
	allDay bool
	tzid   string // IANA name when the TZID could be resolved
}

// parseTimeProp decodes a possibly multi-valued date/date-time property.
// Dates become UTC midnight. TZIDs that are not IANA names but GMT offsets
// ("GMT-0500") resolve to fixed zones; anything else falls back to UTC.
func parseTimeProp(p *ical.Prop) (parsedTime, error) {
	var out parsedTime
	loc := time.UTC
	if tzid := p.Params.Get(paramTZID); tzid != "" {
		if l, err := time.LoadLocation(tzid); err == nil {
			loc = l
			out.tzid = tzid
		} else if l := parseGMTOffset(tzid); l != nil {
			loc = l
		}
	}
	isDate := strings.EqualFold(p.Params.Get(paramValue), valueDate)

	for _, v := range strings.Split(p.Value, ",") {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		var (
			t   time.Time
			err error
		)
		switch {
		case isDate || len(v) == len(dateFormat):
			t, err = time.ParseInLocation(dateFormat, v, time.UTC)
			out.allDay = true
		case strings.HasSuffix(v, "Z"):
			t, err = time.Parse(dateTimeUTCFormat, v)
		default:
			t, err = time.ParseInLocation(dateTimeFormat, v, loc)
		}
		if err != nil {
			return out, fmt.Errorf("%w: %s value %q: %w", ErrMalformedPayload, p.Name, v, err)
		}
		out.times = append(out.times, t.UTC())
	}
	if out.allDay {
		out.tzid = ""
	}
	return out, nil
}

// parseGMTOffset parses timezone strings like "GMT-0400", "GMT+0530", "UTC+05:30"
// and returns a fixed timezone location.
func parseGMTOffset(tzid string) *time.Location {
	offset := tzid
	for _, prefix := range []string{"Etc/GMT", "GMT", "UTC"} {
		if strings.HasPrefix(offset, prefix) {
			offset = strings.TrimPrefix(offset, prefix)
			break
		}
	}
	if offset == tzid {
		return nil
	}
	if offset == "" {
		return time.UTC
	}

	sign := 1
	switch offset[0] {
	case '-':
		sign = -1
		offset = offset[1:]
	case '+':
		offset = offset[1:]
	default:
		return nil
	}

	offset = strings.ReplaceAll(offset, ":", "")
	var hours, minutes int
	var err error
	switch len(offset) {
	case 1, 2:
		_, err = fmt.Sscanf(offset, "%d", &hours)
	case 3:
		_, err = fmt.Sscanf(offset, "%1d%2d", &hours, &minutes)
	case 4:
		_, err = fmt.Sscanf(offset, "%2d%2d", &hours, &minutes)
	default:
		return nil
	}
	if err != nil {
		return nil
	}
	return time.FixedZone(tzid, sign*(hours*3600+minutes*60))
}
