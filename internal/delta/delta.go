// Package delta implements the merge policy for provider and feed batches.
// Decisions are pure; backends execute them inside the partition commit.
package delta

import (
	"time"

	"github.com/tempora-io/tempora/internal/storage"
)

type Action int

const (
	// ActionInsert creates a new row.
	ActionInsert Action = iota
	// ActionSkip drops an out-of-order upsert (stored version is newer).
	ActionSkip
	// ActionEnrich merges enrichment fields without bumping version.
	ActionEnrich
	// ActionOverwrite replaces body fields and adopts the incoming version.
	ActionOverwrite
)

// Decide classifies one upsert against the stored row. existing == nil means
// the (account, origin_event_id) pair is unseen.
func Decide(existing *storage.CanonicalEvent, up storage.EventUpsert) Action {
	if existing == nil {
		return ActionInsert
	}
	if existing.Version > up.Version {
		if extendsEnrichment(existing, up.Payload) {
			return ActionEnrich
		}
		return ActionSkip
	}
	if existing.Version == up.Version && extendsEnrichment(existing, up.Payload) && !bodyChanged(existing, up.Payload) {
		return ActionEnrich
	}
	return ActionOverwrite
}

// extendsEnrichment reports whether the payload strictly extends the stored
// enrichment set: attendees, organizer, conference.
func extendsEnrichment(existing *storage.CanonicalEvent, p storage.EventPayload) bool {
	if len(p.Attendees) > 0 && len(existing.Attendees) == 0 {
		return true
	}
	if p.Organizer != nil && existing.Organizer == nil {
		return true
	}
	if p.Conference != nil && existing.Conference == nil {
		return true
	}
	if p.MeetingURL != "" && existing.MeetingURL == "" {
		return true
	}
	return false
}

func bodyChanged(existing *storage.CanonicalEvent, p storage.EventPayload) bool {
	return existing.Title != p.Title ||
		!existing.Start.Equal(p.Start) ||
		!existing.End.Equal(p.End) ||
		existing.Status != p.Status ||
		existing.Description != p.Description ||
		existing.Location != p.Location ||
		existing.RecurrenceRule != p.RecurrenceRule
}

// Enrich copies enrichment fields the stored row lacks. Version is untouched.
// Returns the names of the fields that were filled.
func Enrich(existing *storage.CanonicalEvent, p storage.EventPayload, now time.Time) []string {
	var filled []string
	if len(p.Attendees) > 0 && len(existing.Attendees) == 0 {
		existing.Attendees = p.Attendees
		filled = append(filled, "attendees")
	}
	if p.Organizer != nil && existing.Organizer == nil {
		existing.Organizer = p.Organizer
		filled = append(filled, "organizer")
	}
	if p.Conference != nil && existing.Conference == nil {
		existing.Conference = p.Conference
		filled = append(filled, "conference_data")
	}
	if p.MeetingURL != "" && existing.MeetingURL == "" {
		existing.MeetingURL = p.MeetingURL
		filled = append(filled, "meeting_url")
	}
	if len(filled) > 0 {
		existing.UpdatedAt = now
	}
	return filled
}

// Overwrite replaces body fields with the payload and adopts the incoming
// version. Canonical ID and origin identity are preserved.
func Overwrite(existing *storage.CanonicalEvent, up storage.EventUpsert, now time.Time) {
	p := up.Payload
	existing.ICalUID = p.ICalUID
	existing.Title = p.Title
	existing.Description = p.Description
	existing.Location = p.Location
	existing.Start = p.Start
	existing.End = p.End
	existing.AllDay = p.AllDay
	existing.Timezone = p.Timezone
	existing.Status = p.Status
	existing.Visibility = p.Visibility
	existing.Transparency = p.Transparency
	existing.RecurrenceRule = p.RecurrenceRule
	existing.Source = p.Source
	existing.Attendees = p.Attendees
	existing.Organizer = p.Organizer
	existing.Conference = p.Conference
	existing.MeetingURL = p.MeetingURL
	existing.Version = up.Version
	existing.UpdatedAt = now
}

// New builds a fresh row for an insert. A missing version defaults to 1.
func New(id, accountID string, up storage.EventUpsert, now time.Time) *storage.CanonicalEvent {
	version := up.Version
	if version <= 0 {
		version = 1
	}
	p := up.Payload
	return &storage.CanonicalEvent{
		ID:             id,
		AccountID:      accountID,
		OriginEventID:  up.OriginEventID,
		ICalUID:        p.ICalUID,
		Title:          p.Title,
		Description:    p.Description,
		Location:       p.Location,
		Start:          p.Start,
		End:            p.End,
		AllDay:         p.AllDay,
		Timezone:       p.Timezone,
		Status:         p.Status,
		Visibility:     p.Visibility,
		Transparency:   p.Transparency,
		RecurrenceRule: p.RecurrenceRule,
		Source:         p.Source,
		Version:        version,
		Attendees:      p.Attendees,
		Organizer:      p.Organizer,
		Conference:     p.Conference,
		MeetingURL:     p.MeetingURL,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Takeover re-points an ics_feed row at a provider account that produced the
// same iCalUID: provider wins base fields, feed enrichment survives where the
// provider side is empty. The canonical ID never changes. Returns the fields
// preserved from the feed row.
func Takeover(row *storage.CanonicalEvent, accountID string, up storage.EventUpsert, now time.Time) []string {
	keepAttendees := row.Attendees
	keepOrganizer := row.Organizer
	keepConference := row.Conference
	keepMeetingURL := row.MeetingURL

	Overwrite(row, up, now)
	row.AccountID = accountID
	row.OriginEventID = up.OriginEventID
	row.Source = storage.SourceProvider
	if row.Version <= 0 {
		row.Version = 1
	}

	var preserved []string
	if len(row.Attendees) == 0 && len(keepAttendees) > 0 {
		row.Attendees = keepAttendees
		preserved = append(preserved, "attendees")
	}
	if row.Organizer == nil && keepOrganizer != nil {
		row.Organizer = keepOrganizer
		preserved = append(preserved, "organizer")
	}
	if row.Conference == nil && keepConference != nil {
		row.Conference = keepConference
		preserved = append(preserved, "conference_data")
	}
	if row.MeetingURL == "" && keepMeetingURL != "" {
		row.MeetingURL = keepMeetingURL
		preserved = append(preserved, "meeting_url")
	}
	return preserved
}

// Cancel marks a row deleted: status=cancelled with the body blanked. Rows
// are hard-deleted only when their account is removed.
func Cancel(row *storage.CanonicalEvent, now time.Time) {
	row.Status = storage.EventCancelled
	row.Title = ""
	row.Description = ""
	row.Location = ""
	row.Attendees = nil
	row.Organizer = nil
	row.Conference = nil
	row.MeetingURL = ""
	row.UpdatedAt = now
}
