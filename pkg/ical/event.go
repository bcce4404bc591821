package ical

import "time"

// Event is one VEVENT from a subscribed feed, reduced to the fields the
// ingestion path consumes.
type Event struct {
	UID          string
	Summary      string
	Description  string
	Location     string
	Start        time.Time
	End          time.Time
	Duration     time.Duration
	IsAllDay     bool
	Status       string // CONFIRMED / TENTATIVE / CANCELLED
	Transparency string // OPAQUE / TRANSPARENT
	Sequence     int64
	RRule        string
	IsRecurring  bool
	RDates       []time.Time
	ExDates      []time.Time
	RecurrenceID *time.Time
	Attendees    []Attendee
	Organizer    *Organizer
	URL          string
}

type Attendee struct {
	Email       string
	DisplayName string
	Response    string
}

type Organizer struct {
	Email       string
	DisplayName string
}
