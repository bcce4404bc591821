package analytics

import (
	"time"

	"github.com/tempora-io/tempora/internal/storage"
)

type Slot struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	PFree float64   `json:"p_free"`
}

// BusyProbability maps event status to a base busy probability, scaled down
// by the recurring series' observed cancellation rate.
func BusyProbability(status storage.EventStatus, cancelRate float64) float64 {
	var base float64
	switch status {
	case storage.EventConfirmed:
		base = 0.95
	case storage.EventTentative:
		base = 0.50
	default:
		return 0
	}
	return base * (1 - clamp(cancelRate, 0, 1))
}

// AvailabilityGrid slices [start, end) into granularity-sized slots and
// computes the probability each slot is free. cancelRates is keyed by
// canonical event ID; missing entries mean no cancellation history.
func AvailabilityGrid(events []*storage.CanonicalEvent, start, end time.Time, granularity time.Duration, cancelRates map[string]float64) []Slot {
	if granularity <= 0 {
		granularity = 30 * time.Minute
	}
	busy := busyEvents(events, start, end)

	var slots []Slot
	for cursor := start; cursor.Before(end); cursor = cursor.Add(granularity) {
		slotEnd := cursor.Add(granularity)
		if slotEnd.After(end) {
			slotEnd = end
		}
		pFree := 1.0
		for _, e := range busy {
			if !e.Start.Before(slotEnd) || !e.End.After(cursor) {
				continue
			}
			pBusy := BusyProbability(e.Status, cancelRates[e.ID])
			pFree *= 1 - pBusy
		}
		slots = append(slots, Slot{Start: cursor, End: slotEnd, PFree: pFree})
	}
	return slots
}

// MultiParticipantFree multiplies per-participant free probabilities,
// assuming independence.
func MultiParticipantFree(pFrees ...float64) float64 {
	p := 1.0
	for _, f := range pFrees {
		p *= clamp(f, 0, 1)
	}
	return p
}
