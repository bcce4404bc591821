package ics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tempora-io/tempora/internal/storage"
	"github.com/tempora-io/tempora/pkg/ical"
)

func storedEvent(uid string, seq int64) *storage.CanonicalEvent {
	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	return &storage.CanonicalEvent{
		ID:            "evt_" + uid,
		OriginEventID: uid,
		ICalUID:       uid,
		Title:         "Meeting " + uid,
		Start:         start,
		End:           start.Add(time.Hour),
		Status:        storage.EventConfirmed,
		Source:        storage.SourceICSFeed,
		Version:       seq + 1,
	}
}

func feedEvent(uid string, seq int64) *ical.Event {
	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	return &ical.Event{
		UID:      uid,
		Summary:  "Meeting " + uid,
		Start:    start,
		End:      start.Add(time.Hour),
		Sequence: seq,
	}
}

func TestDiffEvents(t *testing.T) {
	// Stored snapshot {A(SEQ=0), B, C}; fresh body {A(SEQ=2), C, D}.
	existing := []*storage.CanonicalEvent{
		storedEvent("A", 0),
		storedEvent("B", 0),
		storedEvent("C", 0),
	}
	incoming := []*ical.Event{
		feedEvent("A", 2),
		feedEvent("C", 0),
		feedEvent("D", 0),
	}

	diff := DiffEvents(existing, incoming)

	require.Len(t, diff.Added, 1)
	assert.Equal(t, "D", diff.Added[0].UID)
	require.Len(t, diff.Modified, 1)
	assert.Equal(t, "A", diff.Modified[0].UID)
	assert.Equal(t, []string{"B"}, diff.Deleted)
}

func TestDiffEventsBodyChange(t *testing.T) {
	existing := []*storage.CanonicalEvent{storedEvent("A", 0)}
	moved := feedEvent("A", 0)
	moved.Start = moved.Start.Add(time.Hour)
	moved.End = moved.End.Add(time.Hour)

	diff := DiffEvents(existing, []*ical.Event{moved})
	require.Len(t, diff.Modified, 1, "same SEQUENCE but a changed body still counts")
	assert.True(t, diff.Empty() == false)
}

func TestDiffEventsIgnoresTombstones(t *testing.T) {
	gone := storedEvent("B", 0)
	gone.Status = storage.EventCancelled
	gone.Title = ""

	diff := DiffEvents([]*storage.CanonicalEvent{storedEvent("A", 0), gone}, []*ical.Event{feedEvent("A", 0)})
	assert.Empty(t, diff.Deleted, "already-cancelled rows are not re-deleted")
}

func TestUpsertMapping(t *testing.T) {
	ev := feedEvent("A", 2)
	ev.Status = "TENTATIVE"
	ev.Transparency = "TRANSPARENT"
	ev.Attendees = []ical.Attendee{{Email: "lee@example.com", Response: "accepted"}}
	ev.Organizer = &ical.Organizer{Email: "dana@example.com"}

	up := Upsert(ev)
	assert.Equal(t, "A", up.OriginEventID)
	assert.Equal(t, int64(3), up.Version, "SEQUENCE 2 maps to version 3")
	assert.Equal(t, storage.EventTentative, up.Payload.Status)
	assert.Equal(t, storage.TransparencyTransparent, up.Payload.Transparency)
	assert.Equal(t, storage.SourceICSFeed, up.Payload.Source)
	require.Len(t, up.Payload.Attendees, 1)
	require.NotNil(t, up.Payload.Organizer)
}
