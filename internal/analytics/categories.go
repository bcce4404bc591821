package analytics

import "strings"

type Category string

const (
	CategoryEngineering Category = "engineering"
	CategorySales       Category = "sales"
	CategoryHiring      Category = "hiring"
	CategoryDeepWork    Category = "deep_work"
	CategoryAdmin       Category = "admin"
	CategoryOther       Category = "other"
)

// categoryOrder is the classification precedence; first match wins.
var categoryOrder = []Category{
	CategoryEngineering,
	CategorySales,
	CategoryHiring,
	CategoryDeepWork,
	CategoryAdmin,
	CategoryOther,
}

// Keyword sets are disjoint across categories.
var categoryKeywords = map[Category][]string{
	CategoryEngineering: {"standup", "sprint", "deploy", "code", "architecture", "incident", "postmortem", "oncall", "eng review", "tech"},
	CategorySales:       {"sales", "client call", "demo", "prospect", "pipeline", "deal", "renewal", "account review"},
	CategoryHiring:      {"interview", "hiring", "recruit", "candidate", "debrief", "offer"},
	CategoryDeepWork:    {"focus", "deep work", "writing", "research", "design doc", "heads down"},
	CategoryAdmin:       {"1:1", "one-on-one", "expense", "planning", "retro", "all hands", "status", "admin"},
}

// Classify resolves an event title to a category. Matching is
// case-insensitive substring search in fixed precedence order.
func Classify(title string) Category {
	lower := strings.ToLower(title)
	for _, cat := range categoryOrder {
		for _, kw := range categoryKeywords[cat] {
			if strings.Contains(lower, kw) {
				return cat
			}
		}
	}
	return CategoryOther
}

var categoryIndex = map[Category]int{
	CategoryEngineering: 0,
	CategorySales:       1,
	CategoryHiring:      2,
	CategoryDeepWork:    3,
	CategoryAdmin:       4,
	CategoryOther:       5,
}

// switchCosts is symmetric. Same-category transitions cost 0.1; the furthest
// pairs (engineering/sales, sales/deep_work) cost 0.9.
var switchCosts = [6][6]float64{
	{0.1, 0.9, 0.7, 0.4, 0.6, 0.5}, // engineering
	{0.9, 0.1, 0.5, 0.9, 0.4, 0.5}, // sales
	{0.7, 0.5, 0.1, 0.8, 0.4, 0.5}, // hiring
	{0.4, 0.9, 0.8, 0.1, 0.7, 0.6}, // deep_work
	{0.6, 0.4, 0.4, 0.7, 0.1, 0.3}, // admin
	{0.5, 0.5, 0.5, 0.6, 0.3, 0.1}, // other
}

func TransitionCost(from, to Category) float64 {
	return switchCosts[categoryIndex[from]][categoryIndex[to]]
}
