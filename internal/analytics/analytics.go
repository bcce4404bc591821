// Package analytics computes cognitive load, context-switch cost, deep-work
// blocks, temporal risk, and probabilistic availability. Everything here is
// pure: callers pass the event snapshot and now explicitly.
package analytics

import (
	"sort"
	"time"

	"github.com/tempora-io/tempora/internal/storage"
)

// WorkingHours bounds a working day in the user's timezone, e.g. 9 to 17.
type WorkingHours struct {
	StartHour int
	EndHour   int
}

func (wh WorkingHours) Minutes() int {
	return (wh.EndHour - wh.StartHour) * 60
}

// window returns the working interval for the day containing dayStart.
func (wh WorkingHours) window(day time.Time) (time.Time, time.Time) {
	base := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	return base.Add(time.Duration(wh.StartHour) * time.Hour),
		base.Add(time.Duration(wh.EndHour) * time.Hour)
}

// busyEvents filters to opaque, non-cancelled events overlapping [start, end)
// and returns them sorted by start time.
func busyEvents(events []*storage.CanonicalEvent, start, end time.Time) []*storage.CanonicalEvent {
	var out []*storage.CanonicalEvent
	for _, e := range events {
		if e.Status == storage.EventCancelled {
			continue
		}
		if e.Transparency == storage.TransparencyTransparent {
			continue
		}
		if e.Start.Before(end) && e.End.After(start) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Start.Equal(out[j].Start) {
			return out[i].End.Before(out[j].End)
		}
		return out[i].Start.Before(out[j].Start)
	})
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
