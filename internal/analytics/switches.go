package analytics

import (
	"sort"
	"time"

	"github.com/tempora-io/tempora/internal/storage"
)

type Transition struct {
	From      Category  `json:"from"`
	To        Category  `json:"to"`
	FromTitle string    `json:"from_title"`
	ToTitle   string    `json:"to_title"`
	At        time.Time `json:"at"`
	Cost      float64   `json:"cost"`
}

// ClusterSuggestion proposes grouping two categories that ping-pong during a
// day. EstimatedSavings compares the actual transition cost against the
// same-category cost the clustered schedule would pay.
type ClusterSuggestion struct {
	CategoryA        Category `json:"category_a"`
	CategoryB        Category `json:"category_b"`
	Transitions      int      `json:"transitions"`
	EstimatedSavings float64  `json:"estimated_savings"`
}

type SwitchAnalysis struct {
	Transitions []Transition        `json:"transitions"`
	TotalCost   float64             `json:"total_cost"`
	Suggestions []ClusterSuggestion `json:"suggestions"`
}

// AnalyzeContextSwitches walks the day's busy events in time order and prices
// every category change.
func AnalyzeContextSwitches(events []*storage.CanonicalEvent, day time.Time, wh WorkingHours) SwitchAnalysis {
	winStart, winEnd := wh.window(day)
	busy := busyEvents(events, winStart, winEnd)

	analysis := SwitchAnalysis{}
	type pairKey struct{ a, b Category }
	pairCost := map[pairKey]float64{}
	pairCount := map[pairKey]int{}

	for i := 1; i < len(busy); i++ {
		from := Classify(busy[i-1].Title)
		to := Classify(busy[i].Title)
		if from == to {
			continue
		}
		cost := TransitionCost(from, to)
		analysis.Transitions = append(analysis.Transitions, Transition{
			From:      from,
			To:        to,
			FromTitle: busy[i-1].Title,
			ToTitle:   busy[i].Title,
			At:        busy[i].Start,
			Cost:      cost,
		})
		analysis.TotalCost += cost

		key := pairKey{from, to}
		if key.b < key.a {
			key.a, key.b = key.b, key.a
		}
		pairCost[key] += cost
		pairCount[key]++
	}

	for key, count := range pairCount {
		if count < 3 {
			continue
		}
		clustered := TransitionCost(key.a, key.a) * float64(count)
		analysis.Suggestions = append(analysis.Suggestions, ClusterSuggestion{
			CategoryA:        key.a,
			CategoryB:        key.b,
			Transitions:      count,
			EstimatedSavings: pairCost[key] - clustered,
		})
	}
	sort.Slice(analysis.Suggestions, func(i, j int) bool {
		a, b := analysis.Suggestions[i], analysis.Suggestions[j]
		if a.CategoryA != b.CategoryA {
			return a.CategoryA < b.CategoryA
		}
		return a.CategoryB < b.CategoryB
	})
	return analysis
}
