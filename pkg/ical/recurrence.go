package ical

import (
	"fmt"
	"sort"
	"time"

	"github.com/teambition/rrule-go"
)

type RecurrenceExpander struct {
	timeZone *time.Location
}

func NewRecurrenceExpander(tz *time.Location) *RecurrenceExpander {
	if tz == nil {
		tz = time.UTC
	}
	return &RecurrenceExpander{timeZone: tz}
}

// ExpandRecurrences materializes recurring events into concrete instances
// overlapping [rangeStart, rangeEnd). Non-recurring events pass through when
// they overlap the range.
func (re *RecurrenceExpander) ExpandRecurrences(events []*Event, rangeStart, rangeEnd time.Time) ([]*Event, error) {
	var expandedEvents []*Event

	for _, event := range events {
		if !event.IsRecurring {
			if re.eventOverlapsRange(event, rangeStart, rangeEnd) {
				expandedEvents = append(expandedEvents, event)
			}
			continue
		}

		instances, err := re.expandEvent(event, rangeStart, rangeEnd)
		if err != nil {
			continue // Skip events that fail to expand
		}
		expandedEvents = append(expandedEvents, instances...)
	}

	return expandedEvents, nil
}

func (re *RecurrenceExpander) expandEvent(event *Event, rangeStart, rangeEnd time.Time) ([]*Event, error) {
	var instances []time.Time

	if event.RRule != "" {
		rruleStr := "DTSTART:" + event.Start.Format("20060102T150405Z") + "\nRRULE:" + event.RRule
		rule, err := rrule.StrToRRule(rruleStr)
		if err != nil {
			return nil, fmt.Errorf("invalid RRULE: %w", err)
		}

		extendedEnd := rangeEnd.Add(event.Duration)
		occurrences := rule.Between(rangeStart.Add(-event.Duration), extendedEnd, true)
		instances = append(instances, occurrences...)
	}

	instances = append(instances, event.RDates...)
	instances = filterExcludedDates(instances, event.ExDates)

	var filteredInstances []time.Time
	for _, instance := range instances {
		eventEnd := instance.Add(event.Duration)
		if re.timeRangeOverlaps(instance, eventEnd, rangeStart, rangeEnd) {
			filteredInstances = append(filteredInstances, instance)
		}
	}

	sort.Slice(filteredInstances, func(i, j int) bool {
		return filteredInstances[i].Before(filteredInstances[j])
	})

	var expandedEvents []*Event
	for _, instanceTime := range filteredInstances {
		t := instanceTime
		instanceEvent := &Event{
			UID:          event.UID,
			Summary:      event.Summary,
			Description:  event.Description,
			Location:     event.Location,
			Start:        t,
			End:          t.Add(event.Duration),
			Duration:     event.Duration,
			IsAllDay:     event.IsAllDay,
			Status:       event.Status,
			Transparency: event.Transparency,
			Sequence:     event.Sequence,
			IsRecurring:  false,
			RecurrenceID: &t,
			Attendees:    event.Attendees,
			Organizer:    event.Organizer,
			URL:          event.URL,
		}
		expandedEvents = append(expandedEvents, instanceEvent)
	}

	return expandedEvents, nil
}

// ExpandWindow materializes the occurrence start times of a recurrence rule
// whose [start, start+duration) span overlaps [rangeStart, rangeEnd). The
// series start doubles as DTSTART.
func ExpandWindow(rule string, seriesStart time.Time, duration time.Duration, rangeStart, rangeEnd time.Time) ([]time.Time, error) {
	r, err := rrule.StrToRRule("DTSTART:" + seriesStart.UTC().Format("20060102T150405Z") + "\nRRULE:" + rule)
	if err != nil {
		return nil, fmt.Errorf("invalid RRULE: %w", err)
	}
	occurrences := r.Between(rangeStart.Add(-duration), rangeEnd.Add(duration), true)
	var out []time.Time
	for _, o := range occurrences {
		if o.Before(rangeEnd) && o.Add(duration).After(rangeStart) {
			out = append(out, o)
		}
	}
	return out, nil
}

func (re *RecurrenceExpander) eventOverlapsRange(event *Event, rangeStart, rangeEnd time.Time) bool {
	return re.timeRangeOverlaps(event.Start, event.End, rangeStart, rangeEnd)
}

func (re *RecurrenceExpander) timeRangeOverlaps(eventStart, eventEnd, rangeStart, rangeEnd time.Time) bool {
	return eventStart.Before(rangeEnd) && eventEnd.After(rangeStart)
}

func filterExcludedDates(instances, exDates []time.Time) []time.Time {
	if len(exDates) == 0 {
		return instances
	}
	excluded := make(map[int64]bool, len(exDates))
	for _, ex := range exDates {
		excluded[ex.Unix()] = true
	}
	var out []time.Time
	for _, instance := range instances {
		if !excluded[instance.Unix()] {
			out = append(out, instance)
		}
	}
	return out
}
