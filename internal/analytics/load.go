package analytics

import (
	"math"
	"time"

	"github.com/tempora-io/tempora/internal/storage"
)

// CognitiveLoad is the per-day load breakdown.
type CognitiveLoad struct {
	Score           int     `json:"score"`
	MeetingDensity  float64 `json:"meeting_density"`
	ContextSwitches int     `json:"context_switches"`
	DeepWorkBlocks  int     `json:"deep_work_blocks"`
	Fragmentation   int     `json:"fragmentation"`
}

// ComputeCognitiveLoad scores one working day.
//
//	score = 0.40·density + 0.25·switch_component + 0.15·frag_component + 0.20·deep_work_penalty
//
// Switches cap at 15 and fragmentation at 10 before scaling to 100. A day
// with no busy events scores zero.
func ComputeCognitiveLoad(events []*storage.CanonicalEvent, day time.Time, wh WorkingHours) CognitiveLoad {
	winStart, winEnd := wh.window(day)
	busy := busyEvents(events, winStart, winEnd)
	if len(busy) == 0 {
		return CognitiveLoad{DeepWorkBlocks: countDeepWorkGaps(nil, winStart, winEnd)}
	}

	occupied := occupiedMinutes(busy, winStart, winEnd)
	density := clamp(float64(occupied)/float64(wh.Minutes())*100, 0, 100)

	switches := 0
	for i := 1; i < len(busy); i++ {
		if Classify(busy[i-1].Title) != Classify(busy[i].Title) {
			switches++
		}
	}

	fragmentation := 0
	for i := 1; i < len(busy); i++ {
		gap := busy[i].Start.Sub(busy[i-1].End)
		if gap > 0 && gap < 60*time.Minute {
			fragmentation++
		}
	}

	blocks := countDeepWorkGaps(busy, winStart, winEnd)
	penalty := 100 - minf(float64(blocks)*33, 100)

	score := 0.40*density +
		0.25*minf(float64(switches), 15)*(100.0/15) +
		0.15*minf(float64(fragmentation), 10)*(100.0/10) +
		0.20*penalty

	return CognitiveLoad{
		Score:           int(math.Round(score)),
		MeetingDensity:  density,
		ContextSwitches: switches,
		DeepWorkBlocks:  blocks,
		Fragmentation:   fragmentation,
	}
}

// occupiedMinutes merges overlapping busy intervals clipped to the window.
func occupiedMinutes(busy []*storage.CanonicalEvent, winStart, winEnd time.Time) int {
	var total time.Duration
	cursor := winStart
	for _, e := range busy {
		start, end := e.Start, e.End
		if start.Before(cursor) {
			start = cursor
		}
		if end.After(winEnd) {
			end = winEnd
		}
		if end.After(start) {
			total += end.Sub(start)
			cursor = end
		}
	}
	return int(total / time.Minute)
}

// countDeepWorkGaps counts maximal busy-free gaps of at least two hours
// inside the working window, boundary gaps included.
func countDeepWorkGaps(busy []*storage.CanonicalEvent, winStart, winEnd time.Time) int {
	const threshold = 120 * time.Minute
	blocks := 0
	cursor := winStart
	for _, e := range busy {
		start := e.Start
		if start.Before(cursor) {
			if e.End.After(cursor) {
				cursor = e.End
			}
			continue
		}
		if start.Sub(cursor) >= threshold {
			blocks++
		}
		if e.End.After(cursor) {
			cursor = e.End
		}
	}
	if cursor.Before(winEnd) && winEnd.Sub(cursor) >= threshold {
		blocks++
	}
	return blocks
}
