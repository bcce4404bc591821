package ical

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleFeed = `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//Test//Test//EN
BEGIN:VEVENT
UID:evt-1@example.com
DTSTART:20260302T100000Z
DTEND:20260302T110000Z
SUMMARY:Design review
DESCRIPTION:Quarterly design sync
LOCATION:Room 4
STATUS:CONFIRMED
TRANSP:OPAQUE
SEQUENCE:2
ORGANIZER;CN=Dana:mailto:dana@example.com
ATTENDEE;CN=Lee;PARTSTAT=ACCEPTED:mailto:lee@example.com
ATTENDEE;PARTSTAT=NEEDS-ACTION:mailto:kim@example.com
END:VEVENT
BEGIN:VEVENT
UID:evt-2@example.com
DTSTART;VALUE=DATE:20260305
SUMMARY:Offsite
TRANSP:TRANSPARENT
END:VEVENT
BEGIN:VEVENT
DTSTART:20260302T100000Z
SUMMARY:No UID, skipped
END:VEVENT
END:VCALENDAR
`

func TestParseCalendar(t *testing.T) {
	events, err := ParseCalendar([]byte(sampleFeed))
	require.NoError(t, err)
	require.Len(t, events, 2, "the UID-less VEVENT is skipped")

	first := events[0]
	assert.Equal(t, "evt-1@example.com", first.UID)
	assert.Equal(t, "Design review", first.Summary)
	assert.Equal(t, "Quarterly design sync", first.Description)
	assert.Equal(t, "Room 4", first.Location)
	assert.Equal(t, "CONFIRMED", first.Status)
	assert.Equal(t, "OPAQUE", first.Transparency)
	assert.Equal(t, int64(2), first.Sequence)
	assert.Equal(t, time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC), first.Start)
	assert.Equal(t, time.Hour, first.Duration)
	assert.False(t, first.IsAllDay)

	require.NotNil(t, first.Organizer)
	assert.Equal(t, "dana@example.com", first.Organizer.Email)
	assert.Equal(t, "Dana", first.Organizer.DisplayName)
	require.Len(t, first.Attendees, 2)
	assert.Equal(t, "lee@example.com", first.Attendees[0].Email)
	assert.Equal(t, "accepted", first.Attendees[0].Response)
	assert.Equal(t, "needs-action", first.Attendees[1].Response)

	second := events[1]
	assert.True(t, second.IsAllDay)
	assert.Equal(t, 24*time.Hour, second.Duration)
	assert.Equal(t, "TRANSPARENT", second.Transparency)
}

func TestParseDateTime(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		want     time.Time
		isAllDay bool
	}{
		{"utc", "20260302T100000Z", time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC), false},
		{"date only", "20260305", time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC), true},
		{"floating read as utc", "20260302T100000", time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, allDay, err := ParseDateTime(tt.input)
			require.NoError(t, err)
			assert.True(t, got.Equal(tt.want))
			assert.Equal(t, tt.isAllDay, allDay)
		})
	}

	_, _, err := ParseDateTime("not-a-date")
	assert.Error(t, err)
}

func TestParseDuration(t *testing.T) {
	d, err := parseDuration("PT1H30M")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Minute, d)

	d, err = parseDuration("P1DT2H")
	require.NoError(t, err)
	assert.Equal(t, 26*time.Hour, d)

	d, err = parseDuration("P2W")
	require.NoError(t, err)
	assert.Equal(t, 14*24*time.Hour, d)

	_, err = parseDuration("1H")
	assert.Error(t, err)
}

func TestExpandRecurrences(t *testing.T) {
	weekly := &Event{
		UID:         "standup@example.com",
		Summary:     "Standup",
		Start:       time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
		End:         time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC),
		Duration:    30 * time.Minute,
		RRule:       "FREQ=WEEKLY;COUNT=10",
		IsRecurring: true,
	}
	single := &Event{
		UID:      "oneoff@example.com",
		Summary:  "One-off",
		Start:    time.Date(2026, 3, 4, 14, 0, 0, 0, time.UTC),
		End:      time.Date(2026, 3, 4, 15, 0, 0, 0, time.UTC),
		Duration: time.Hour,
	}

	expander := NewRecurrenceExpander(time.UTC)
	rangeStart := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	rangeEnd := time.Date(2026, 3, 22, 0, 0, 0, 0, time.UTC)

	out, err := expander.ExpandRecurrences([]*Event{weekly, single}, rangeStart, rangeEnd)
	require.NoError(t, err)

	var standups []*Event
	for _, e := range out {
		if e.UID == "standup@example.com" {
			standups = append(standups, e)
		}
	}
	require.Len(t, standups, 3, "three mondays fall inside the range")
	for _, e := range standups {
		assert.False(t, e.IsRecurring)
		require.NotNil(t, e.RecurrenceID)
		assert.Equal(t, 30*time.Minute, e.End.Sub(e.Start))
	}
	assert.True(t, standups[0].Start.Before(standups[1].Start))
}

func TestExpandRecurrencesExDates(t *testing.T) {
	skip := time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC)
	daily := &Event{
		UID:         "daily@example.com",
		Start:       time.Date(2026, 3, 8, 9, 0, 0, 0, time.UTC),
		End:         time.Date(2026, 3, 8, 10, 0, 0, 0, time.UTC),
		Duration:    time.Hour,
		RRule:       "FREQ=DAILY;COUNT=3",
		IsRecurring: true,
		ExDates:     []time.Time{skip},
	}

	expander := NewRecurrenceExpander(nil)
	out, err := expander.ExpandRecurrences([]*Event{daily},
		time.Date(2026, 3, 8, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, out, 2)
	for _, e := range out {
		assert.False(t, e.Start.Equal(skip))
	}
}

func TestExpandWindow(t *testing.T) {
	seriesStart := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC) // a Monday

	starts, err := ExpandWindow("FREQ=WEEKLY;COUNT=52", seriesStart, time.Hour,
		time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 16, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, starts, 2)
	assert.Equal(t, time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC), starts[0])
	assert.Equal(t, time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC), starts[1])

	// An instance straddling the range start still counts.
	straddle, err := ExpandWindow("FREQ=DAILY;COUNT=2", seriesStart, 2*time.Hour,
		seriesStart.Add(time.Hour), seriesStart.Add(3*time.Hour))
	require.NoError(t, err)
	require.Len(t, straddle, 1)
	assert.Equal(t, seriesStart, straddle[0])

	_, err = ExpandWindow("FREQ=BOGUS", seriesStart, time.Hour,
		seriesStart, seriesStart.Add(time.Hour))
	assert.Error(t, err)
}
