package analytics

import "math"

type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskModerate RiskLevel = "MODERATE"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

func LevelFor(score int) RiskLevel {
	switch {
	case score < 30:
		return RiskLow
	case score < 60:
		return RiskModerate
	case score < 85:
		return RiskHigh
	default:
		return RiskCritical
	}
}

type RiskScores struct {
	BurnoutRisk    int       `json:"burnout_risk"`
	TravelOverload int       `json:"travel_overload"`
	StrategicDrift int       `json:"strategic_drift"`
	OverallRisk    int       `json:"overall_risk"`
	RiskLevel      RiskLevel `json:"risk_level"`
}

// strategicCategories are the allocations that count toward strategic time
// when measuring drift.
var strategicCategories = map[Category]bool{
	CategoryEngineering: true,
	CategoryDeepWork:    true,
}

// ComputeTemporalRisk combines burnout, travel, and drift components.
// dailyScores is ordered oldest first; tripDays and workingDays describe the
// current window; current and historical are category shares summing to ~100.
func ComputeTemporalRisk(dailyScores []int, tripDays, workingDays int, current, historical map[Category]float64) RiskScores {
	burnout := burnoutRisk(dailyScores)
	travel := travelOverload(tripDays, workingDays)
	drift := strategicDrift(current, historical)

	overall := int(math.Round(0.50*float64(burnout) + 0.25*float64(travel) + 0.25*float64(drift)))
	return RiskScores{
		BurnoutRisk:    burnout,
		TravelOverload: travel,
		StrategicDrift: drift,
		OverallRisk:    overall,
		RiskLevel:      LevelFor(overall),
	}
}

// burnoutRisk scales with the trailing streak of days scoring 80 or more.
// Fourteen straight high-load days pins the component at 85 and it climbs
// toward 100 from there.
func burnoutRisk(dailyScores []int) int {
	streak := 0
	for i := len(dailyScores) - 1; i >= 0; i-- {
		if dailyScores[i] < 80 {
			break
		}
		streak++
	}
	if streak >= 14 {
		return int(minf(100, 85+float64(streak-14)*2))
	}
	return int(math.Round(float64(streak) * 85.0 / 14.0))
}

// travelOverload is piecewise linear on the trip-day ratio: below 0.2 stays
// low, 0.3 to 0.5 maps onto 55 to 80, beyond 0.5 climbs to 100.
func travelOverload(tripDays, workingDays int) int {
	if workingDays <= 0 || tripDays <= 0 {
		return 0
	}
	r := float64(tripDays) / float64(workingDays)
	var score float64
	switch {
	case r < 0.2:
		score = r / 0.2 * 20
	case r < 0.3:
		score = 20 + (r-0.2)/0.1*35
	case r <= 0.5:
		score = 55 + (r-0.3)/0.2*25
	default:
		score = minf(100, 80+(r-0.5)*40)
	}
	return int(math.Round(score))
}

// strategicDrift sums the absolute percentage-point movement of the strategic
// and non-strategic shares between the two windows, clamped to 100.
func strategicDrift(current, historical map[Category]float64) int {
	share := func(m map[Category]float64) float64 {
		var s float64
		for cat, pct := range m {
			if strategicCategories[cat] {
				s += pct
			}
		}
		return s
	}
	cur := share(current)
	hist := share(historical)
	drift := math.Abs(cur-hist) + math.Abs((100-cur)-(100-hist))
	return int(clamp(math.Round(drift), 0, 100))
}
