package analytics

import (
	"time"

	"github.com/tempora-io/tempora/internal/storage"
)

type DeepWorkBlock struct {
	Start   time.Time `json:"start"`
	End     time.Time `json:"end"`
	Minutes int       `json:"minutes"`
}

// ConsolidationSuggestion proposes packing scattered short meetings together
// so the gaps between them merge into one protected block.
type ConsolidationSuggestion struct {
	EventIDs             []string `json:"event_ids"`
	EstimatedGainMinutes int      `json:"estimated_gain_minutes"`
}

type DeepWorkAnalysis struct {
	Blocks               []DeepWorkBlock           `json:"blocks"`
	ProtectedMinutes     int                       `json:"protected_minutes"`
	ProtectedHoursTarget float64                   `json:"protected_hours_target"`
	Suggestions          []ConsolidationSuggestion `json:"suggestions"`
}

const (
	deepWorkThreshold = 120 * time.Minute
	shortMeetingMax   = 30 * time.Minute
)

// AnalyzeDeepWork finds the day's protected blocks and consolidation
// opportunities. workingDays feeds the weekly protected-hours target
// (4 hours per working day).
func AnalyzeDeepWork(events []*storage.CanonicalEvent, day time.Time, wh WorkingHours, workingDays int) DeepWorkAnalysis {
	winStart, winEnd := wh.window(day)
	busy := busyEvents(events, winStart, winEnd)

	analysis := DeepWorkAnalysis{
		Blocks:               detectBlocks(busy, winStart, winEnd),
		ProtectedHoursTarget: 4 * float64(workingDays),
	}
	for _, b := range analysis.Blocks {
		analysis.ProtectedMinutes += b.Minutes
	}
	analysis.Suggestions = suggestConsolidation(busy)
	return analysis
}

// detectBlocks returns maximal gaps of at least two hours inside the working
// window containing no opaque event.
func detectBlocks(busy []*storage.CanonicalEvent, winStart, winEnd time.Time) []DeepWorkBlock {
	var blocks []DeepWorkBlock
	cursor := winStart
	emit := func(start, end time.Time) {
		if end.Sub(start) >= deepWorkThreshold {
			blocks = append(blocks, DeepWorkBlock{
				Start:   start,
				End:     end,
				Minutes: int(end.Sub(start) / time.Minute),
			})
		}
	}
	for _, e := range busy {
		if e.Start.After(cursor) {
			emit(cursor, e.Start)
		}
		if e.End.After(cursor) {
			cursor = e.End
		}
	}
	if cursor.Before(winEnd) {
		emit(cursor, winEnd)
	}
	return blocks
}

// suggestConsolidation looks for runs of three or more short meetings whose
// internal gaps would merge into a qualifying block.
func suggestConsolidation(busy []*storage.CanonicalEvent) []ConsolidationSuggestion {
	var suggestions []ConsolidationSuggestion

	var run []*storage.CanonicalEvent
	flush := func() {
		if len(run) >= 3 {
			gain := 0
			for i := 1; i < len(run); i++ {
				gap := run[i].Start.Sub(run[i-1].End)
				if gap > 0 {
					gain += int(gap / time.Minute)
				}
			}
			if gain >= int(deepWorkThreshold/time.Minute) {
				ids := make([]string, len(run))
				for i, e := range run {
					ids[i] = e.ID
				}
				suggestions = append(suggestions, ConsolidationSuggestion{
					EventIDs:             ids,
					EstimatedGainMinutes: gain,
				})
			}
		}
		run = nil
	}

	for _, e := range busy {
		if e.End.Sub(e.Start) <= shortMeetingMax {
			run = append(run, e)
			continue
		}
		flush()
	}
	flush()
	return suggestions
}
