// Package ical parses RFC 5545 feeds into the minimum VEVENT subset the
// ingestion path needs: UID, DTSTART, DTEND, SUMMARY, DESCRIPTION, LOCATION,
// STATUS, TRANSP, SEQUENCE, RRULE, plus attendee/organizer enrichment.
package ical

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	goical "github.com/emersion/go-ical"
)

// ParseCalendar decodes feed bytes into events. Malformed VEVENTs are
// skipped; an unparsable calendar is an error.
func ParseCalendar(data []byte) ([]*Event, error) {
	cal, err := goical.NewDecoder(bytes.NewReader(data)).Decode()
	if err != nil {
		return nil, fmt.Errorf("failed to parse calendar: %w", err)
	}

	var events []*Event
	for _, comp := range cal.Children {
		if comp.Name != goical.CompEvent {
			continue
		}
		event, err := parseEvent(comp)
		if err != nil {
			continue
		}
		events = append(events, event)
	}
	return events, nil
}

func parseEvent(comp *goical.Component) (*Event, error) {
	event := &Event{}

	if uid := comp.Props.Get(goical.PropUID); uid != nil {
		event.UID = uid.Value
	} else {
		return nil, fmt.Errorf("missing UID")
	}

	if summary := comp.Props.Get(goical.PropSummary); summary != nil {
		event.Summary = summary.Value
	}
	if desc := comp.Props.Get(goical.PropDescription); desc != nil {
		event.Description = desc.Value
	}
	if loc := comp.Props.Get(goical.PropLocation); loc != nil {
		event.Location = loc.Value
	}

	dtstart := comp.Props.Get(goical.PropDateTimeStart)
	if dtstart == nil {
		return nil, fmt.Errorf("missing DTSTART")
	}
	start, isAllDay, err := ParseDateTime(dtstart.Value)
	if err != nil {
		return nil, fmt.Errorf("invalid DTSTART: %w", err)
	}
	event.Start = start
	event.IsAllDay = isAllDay

	if dtend := comp.Props.Get(goical.PropDateTimeEnd); dtend != nil {
		end, _, err := ParseDateTime(dtend.Value)
		if err != nil {
			return nil, fmt.Errorf("invalid DTEND: %w", err)
		}
		event.End = end
		event.Duration = end.Sub(start)
	} else if duration := comp.Props.Get(goical.PropDuration); duration != nil {
		dur, err := parseDuration(duration.Value)
		if err != nil {
			return nil, fmt.Errorf("invalid DURATION: %w", err)
		}
		event.Duration = dur
		event.End = start.Add(dur)
	} else {
		if isAllDay {
			event.Duration = 24 * time.Hour
		}
		event.End = start.Add(event.Duration)
	}

	if status := comp.Props.Get(goical.PropStatus); status != nil {
		event.Status = strings.ToUpper(status.Value)
	}
	if transp := comp.Props.Get(goical.PropTransparency); transp != nil {
		event.Transparency = strings.ToUpper(transp.Value)
	}
	if seq := comp.Props.Get(goical.PropSequence); seq != nil {
		if n, err := strconv.ParseInt(seq.Value, 10, 64); err == nil {
			event.Sequence = n
		}
	}
	if rrule := comp.Props.Get(goical.PropRecurrenceRule); rrule != nil {
		event.RRule = rrule.Value
		event.IsRecurring = true
	}
	for _, rdate := range comp.Props.Values(goical.PropRecurrenceDates) {
		dates, err := parseMultipleDates(rdate.Value)
		if err != nil {
			continue
		}
		event.RDates = append(event.RDates, dates...)
	}
	if len(event.RDates) > 0 {
		event.IsRecurring = true
	}
	for _, exdate := range comp.Props.Values(goical.PropExceptionDates) {
		dates, err := parseMultipleDates(exdate.Value)
		if err != nil {
			continue
		}
		event.ExDates = append(event.ExDates, dates...)
	}
	if recID := comp.Props.Get(goical.PropRecurrenceID); recID != nil {
		if recTime, _, err := ParseDateTime(recID.Value); err == nil {
			event.RecurrenceID = &recTime
		}
	}
	if u := comp.Props.Get(goical.PropURL); u != nil {
		event.URL = u.Value
	}

	for _, att := range comp.Props.Values(goical.PropAttendee) {
		a := Attendee{Email: stripMailto(att.Value)}
		if cn := att.Params.Get(goical.ParamCommonName); cn != "" {
			a.DisplayName = cn
		}
		if ps := att.Params.Get(goical.ParamParticipationStatus); ps != "" {
			a.Response = strings.ToLower(ps)
		}
		if a.Email != "" {
			event.Attendees = append(event.Attendees, a)
		}
	}
	if org := comp.Props.Get(goical.PropOrganizer); org != nil {
		o := &Organizer{Email: stripMailto(org.Value)}
		if cn := org.Params.Get(goical.ParamCommonName); cn != "" {
			o.DisplayName = cn
		}
		if o.Email != "" {
			event.Organizer = o
		}
	}

	return event, nil
}

// ParseDateTime accepts the three DTSTART shapes feeds produce: date-only
// (all-day), UTC-suffixed, and floating local time. Floating values are read
// as UTC; a multi-provider store has no better offset to assign.
func ParseDateTime(s string) (t time.Time, isAllDay bool, err error) {
	if len(s) == 8 {
		t, err = time.Parse("20060102", s)
		return t, true, err
	}
	if strings.HasSuffix(s, "Z") {
		t, err = time.Parse("20060102T150405Z", s)
		return t, false, err
	}
	t, err = time.Parse("20060102T150405", s)
	if err == nil {
		return t.UTC(), false, nil
	}
	t, err = time.Parse(time.RFC3339, s)
	return t, false, err
}

// parseDuration handles the RFC 5545 subset PnDTnHnMnS / PnW.
func parseDuration(s string) (time.Duration, error) {
	orig := s
	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}
	s = strings.TrimPrefix(s, "+")
	if !strings.HasPrefix(s, "P") {
		return 0, fmt.Errorf("invalid duration %q", orig)
	}
	s = s[1:]

	var d time.Duration
	num := ""
	inTime := false
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			num += string(r)
		case r == 'T':
			inTime = true
		case r == 'W' || r == 'D' || r == 'H' || r == 'M' || r == 'S':
			n, err := strconv.Atoi(num)
			if err != nil {
				return 0, fmt.Errorf("invalid duration %q", orig)
			}
			num = ""
			switch {
			case r == 'W':
				d += time.Duration(n) * 7 * 24 * time.Hour
			case r == 'D':
				d += time.Duration(n) * 24 * time.Hour
			case r == 'H':
				d += time.Duration(n) * time.Hour
			case r == 'M' && inTime:
				d += time.Duration(n) * time.Minute
			case r == 'S':
				d += time.Duration(n) * time.Second
			default:
				return 0, fmt.Errorf("month durations unsupported: %q", orig)
			}
		default:
			return 0, fmt.Errorf("invalid duration %q", orig)
		}
	}
	if neg {
		d = -d
	}
	return d, nil
}

func parseMultipleDates(value string) ([]time.Time, error) {
	var dates []time.Time
	for _, part := range strings.Split(value, ",") {
		t, _, err := ParseDateTime(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		dates = append(dates, t)
	}
	return dates, nil
}

func stripMailto(s string) string {
	return strings.TrimPrefix(strings.TrimPrefix(s, "mailto:"), "MAILTO:")
}
