package ics

import (
	"strings"

	"github.com/tempora-io/tempora/internal/storage"
	"github.com/tempora-io/tempora/pkg/ical"
)

// FeedDiff is the per-UID comparison between the stored snapshot and a
// freshly parsed feed body.
type FeedDiff struct {
	Added    []*ical.Event
	Modified []*ical.Event
	Deleted  []string // origin UIDs no longer present
}

func (d FeedDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Modified) == 0 && len(d.Deleted) == 0
}

// DiffEvents compares stored rows (keyed by origin UID) against incoming
// events. An event is modified when its SEQUENCE advanced or its body
// changed; a stored UID missing from the feed is deleted.
func DiffEvents(existing []*storage.CanonicalEvent, incoming []*ical.Event) FeedDiff {
	byUID := make(map[string]*storage.CanonicalEvent, len(existing))
	for _, e := range existing {
		byUID[e.OriginEventID] = e
	}

	var diff FeedDiff
	seen := make(map[string]bool, len(incoming))
	for _, ev := range incoming {
		seen[ev.UID] = true
		stored, ok := byUID[ev.UID]
		if !ok {
			diff.Added = append(diff.Added, ev)
			continue
		}
		if feedVersion(ev) > stored.Version || feedBodyChanged(stored, ev) {
			diff.Modified = append(diff.Modified, ev)
		}
	}
	for _, e := range existing {
		if e.Status == storage.EventCancelled && e.Title == "" {
			continue // already tombstoned
		}
		if !seen[e.OriginEventID] {
			diff.Deleted = append(diff.Deleted, e.OriginEventID)
		}
	}
	return diff
}

// feedVersion maps an iCalendar SEQUENCE onto the store's version counter.
// SEQUENCE starts at 0, versions at 1.
func feedVersion(ev *ical.Event) int64 {
	return ev.Sequence + 1
}

func feedBodyChanged(stored *storage.CanonicalEvent, ev *ical.Event) bool {
	return stored.Title != ev.Summary ||
		!stored.Start.Equal(ev.Start) ||
		!stored.End.Equal(ev.End) ||
		stored.Description != ev.Description ||
		stored.Location != ev.Location ||
		stored.Status != feedStatus(ev.Status) ||
		stored.RecurrenceRule != ev.RRule
}

func feedStatus(s string) storage.EventStatus {
	switch strings.ToUpper(s) {
	case "TENTATIVE":
		return storage.EventTentative
	case "CANCELLED":
		return storage.EventCancelled
	default:
		return storage.EventConfirmed
	}
}

func feedTransparency(s string) storage.Transparency {
	if strings.ToUpper(s) == "TRANSPARENT" {
		return storage.TransparencyTransparent
	}
	return storage.TransparencyOpaque
}

// Upsert converts a parsed feed event into a store upsert.
func Upsert(ev *ical.Event) storage.EventUpsert {
	payload := storage.EventPayload{
		ICalUID:        ev.UID,
		Title:          ev.Summary,
		Description:    ev.Description,
		Location:       ev.Location,
		Start:          ev.Start,
		End:            ev.End,
		AllDay:         ev.IsAllDay,
		Status:         feedStatus(ev.Status),
		Transparency:   feedTransparency(ev.Transparency),
		RecurrenceRule: ev.RRule,
		Source:         storage.SourceICSFeed,
		MeetingURL:     ev.URL,
	}
	for _, a := range ev.Attendees {
		payload.Attendees = append(payload.Attendees, storage.Attendee{
			Email:       a.Email,
			DisplayName: a.DisplayName,
			Response:    a.Response,
		})
	}
	if ev.Organizer != nil {
		payload.Organizer = &storage.Organizer{
			Email:       ev.Organizer.Email,
			DisplayName: ev.Organizer.DisplayName,
		}
	}
	return storage.EventUpsert{
		OriginEventID: ev.UID,
		Version:       feedVersion(ev),
		Payload:       payload,
	}
}
