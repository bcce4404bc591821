package analytics

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tempora-io/tempora/internal/storage"
)

var day = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

func event(id, title string, startHour, startMin, durMin int) *storage.CanonicalEvent {
	start := day.Add(time.Duration(startHour)*time.Hour + time.Duration(startMin)*time.Minute)
	return &storage.CanonicalEvent{
		ID:           id,
		Title:        title,
		Start:        start,
		End:          start.Add(time.Duration(durMin) * time.Minute),
		Status:       storage.EventConfirmed,
		Transparency: storage.TransparencyOpaque,
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		title string
		want  Category
	}{
		{"Sprint standup", CategoryEngineering},
		{"Pipeline review with ACME", CategorySales},
		{"Candidate interview", CategoryHiring},
		{"Deep work: quarterly essay", CategoryDeepWork},
		{"Team retro", CategoryAdmin},
		{"Lunch", CategoryOther},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.title), tt.title)
	}
}

func TestTransitionCostSymmetric(t *testing.T) {
	for _, a := range categoryOrder {
		for _, b := range categoryOrder {
			assert.Equal(t, TransitionCost(a, b), TransitionCost(b, a))
		}
		assert.Equal(t, 0.1, TransitionCost(a, a))
	}
}

func TestCognitiveLoadPackedDay(t *testing.T) {
	// Seven back-to-back one-hour meetings from 09:00 to 16:00, each in a
	// different category than its neighbor.
	titles := []string{
		"Sprint standup",
		"Sales pipeline",
		"Candidate interview",
		"Deep work writing",
		"Team retro",
		"Lunch & learn",
		"Deploy review",
	}
	var events []*storage.CanonicalEvent
	for i, title := range titles {
		events = append(events, event(fmt.Sprintf("evt_%d", i), title, 9+i, 0, 60))
	}

	load := ComputeCognitiveLoad(events, day, WorkingHours{StartHour: 9, EndHour: 17})

	assert.Equal(t, 6, load.ContextSwitches)
	assert.GreaterOrEqual(t, load.Score, 60)
	assert.LessOrEqual(t, load.DeepWorkBlocks, 1)
	assert.GreaterOrEqual(t, load.MeetingDensity, 75.0)
	assert.LessOrEqual(t, load.MeetingDensity, 90.0)
	assert.Equal(t, 0, load.Fragmentation)
}

func TestCognitiveLoadEmptyDay(t *testing.T) {
	load := ComputeCognitiveLoad(nil, day, WorkingHours{StartHour: 9, EndHour: 17})
	assert.Equal(t, 0, load.Score)
	assert.Equal(t, 0.0, load.MeetingDensity)
}

func TestCognitiveLoadFragmentation(t *testing.T) {
	events := []*storage.CanonicalEvent{
		event("a", "Standup", 9, 0, 30),
		event("b", "Sprint planning", 10, 0, 30), // 30 min gap
		event("c", "Deploy review", 11, 0, 30),   // 30 min gap
	}
	load := ComputeCognitiveLoad(events, day, WorkingHours{StartHour: 9, EndHour: 17})
	assert.Equal(t, 2, load.Fragmentation)
	// 11:30 to 17:00 leaves a qualifying deep-work gap.
	assert.Equal(t, 1, load.DeepWorkBlocks)
}

func TestAnalyzeContextSwitches(t *testing.T) {
	events := []*storage.CanonicalEvent{
		event("a", "Sprint standup", 9, 0, 30),
		event("b", "Sales pipeline", 9, 30, 30),
		event("c", "Deploy review", 10, 0, 30),
		event("d", "Client call", 10, 30, 30),
		event("e", "Code walkthrough", 11, 0, 30),
		event("f", "Deal review", 11, 30, 30),
	}
	analysis := AnalyzeContextSwitches(events, day, WorkingHours{StartHour: 9, EndHour: 17})

	require.Len(t, analysis.Transitions, 5)
	assert.InDelta(t, 5*0.9, analysis.TotalCost, 1e-9)

	require.Len(t, analysis.Suggestions, 1, "engineering/sales ping-pong hits the threshold")
	s := analysis.Suggestions[0]
	assert.Equal(t, 5, s.Transitions)
	assert.InDelta(t, 5*0.9-5*0.1, s.EstimatedSavings, 1e-9)
}

func TestAnalyzeDeepWork(t *testing.T) {
	events := []*storage.CanonicalEvent{
		event("a", "Standup", 9, 0, 30),
		event("b", "1:1", 13, 0, 60),
	}
	analysis := AnalyzeDeepWork(events, day, WorkingHours{StartHour: 9, EndHour: 17}, 5)

	require.Len(t, analysis.Blocks, 2)
	assert.Equal(t, 210, analysis.Blocks[0].Minutes) // 09:30 to 13:00
	assert.Equal(t, 180, analysis.Blocks[1].Minutes) // 14:00 to 17:00
	assert.Equal(t, 390, analysis.ProtectedMinutes)
	assert.Equal(t, 20.0, analysis.ProtectedHoursTarget)
}

func TestSuggestConsolidation(t *testing.T) {
	// Four 15-minute meetings spread across the morning. The gaps between
	// them total 180 minutes, enough for a protected block.
	events := []*storage.CanonicalEvent{
		event("a", "Standup", 9, 0, 15),
		event("b", "Status check", 10, 0, 15),
		event("c", "1:1", 11, 0, 15),
		event("d", "Planning sync", 12, 0, 15),
	}
	analysis := AnalyzeDeepWork(events, day, WorkingHours{StartHour: 9, EndHour: 17}, 5)

	require.Len(t, analysis.Suggestions, 1)
	s := analysis.Suggestions[0]
	assert.Equal(t, []string{"a", "b", "c", "d"}, s.EventIDs)
	assert.Equal(t, 135, s.EstimatedGainMinutes)
}

func TestBurnoutRisk(t *testing.T) {
	high := make([]int, 14)
	for i := range high {
		high[i] = 85
	}
	scores := ComputeTemporalRisk(high, 0, 10, nil, nil)
	assert.GreaterOrEqual(t, scores.BurnoutRisk, 85)

	broken := append(append([]int{}, high...), 40)
	scores = ComputeTemporalRisk(broken, 0, 10, nil, nil)
	assert.Equal(t, 0, scores.BurnoutRisk, "streak is trailing only")
}

func TestTravelOverload(t *testing.T) {
	assert.Less(t, travelOverload(1, 10), 20)
	assert.GreaterOrEqual(t, travelOverload(4, 10), 55)
	assert.LessOrEqual(t, travelOverload(5, 10), 80)
	assert.GreaterOrEqual(t, travelOverload(8, 10), 80)
	assert.Equal(t, 0, travelOverload(0, 10))
}

func TestStrategicDrift(t *testing.T) {
	current := map[Category]float64{CategoryEngineering: 20, CategorySales: 50, CategoryAdmin: 30}
	historical := map[Category]float64{CategoryEngineering: 50, CategorySales: 30, CategoryAdmin: 20}
	// Strategic share moved 30 points, non-strategic mirrored it.
	assert.Equal(t, 60, strategicDrift(current, historical))
}

func TestRiskLevels(t *testing.T) {
	assert.Equal(t, RiskLow, LevelFor(29))
	assert.Equal(t, RiskModerate, LevelFor(30))
	assert.Equal(t, RiskHigh, LevelFor(60))
	assert.Equal(t, RiskCritical, LevelFor(85))
}

func TestBusyProbability(t *testing.T) {
	assert.Equal(t, 0.95, BusyProbability(storage.EventConfirmed, 0))
	assert.Equal(t, 0.50, BusyProbability(storage.EventTentative, 0))
	assert.Equal(t, 0.0, BusyProbability(storage.EventCancelled, 0))
	assert.InDelta(t, 0.95*0.8, BusyProbability(storage.EventConfirmed, 0.2), 1e-9)
}

func TestAvailabilityGrid(t *testing.T) {
	confirmed := event("a", "Standup", 9, 0, 60)
	tentative := event("b", "Maybe sync", 9, 30, 60)
	tentative.Status = storage.EventTentative

	slots := AvailabilityGrid(
		[]*storage.CanonicalEvent{confirmed, tentative},
		day.Add(9*time.Hour), day.Add(11*time.Hour),
		30*time.Minute, nil)

	require.Len(t, slots, 4)
	assert.InDelta(t, 0.05, slots[0].PFree, 1e-9)     // confirmed only
	assert.InDelta(t, 0.05*0.5, slots[1].PFree, 1e-9) // both overlap
	assert.InDelta(t, 0.5, slots[2].PFree, 1e-9)      // tentative only
	assert.InDelta(t, 1.0, slots[3].PFree, 1e-9)      // free
}

func TestMultiParticipantFree(t *testing.T) {
	assert.InDelta(t, 0.25, MultiParticipantFree(0.5, 0.5), 1e-9)
	assert.InDelta(t, 1.0, MultiParticipantFree(), 1e-9)
}
