// Package scoring holds SpotBot's deterministic decision rules: the evidence
// scorer that turns one report's signals into a behavior score, and the
// aggregation that turns an address's reports into a confidence verdict.
package scoring

import "github.com/spotbot-io/spotbot/internal/bots/model"

// Finding is a single evidence rule that fired.
type Finding struct {
	Rule        string `json:"rule"`
	Description string `json:"description"`
	Points      int    `json:"points"`
}

// Result is the output of scoring one evidence snapshot.
type Result struct {
	// Score is the behavior score (0–100).
	Score int `json:"score"`

	// Severity is a label derived from Score:
	//   0–14   → "none"
	//   15–34  → "low"
	//   35–64  → "medium"
	//   65–84  → "high"
	//   85–100 → "critical"
	Severity string `json:"severity"`

	// Findings lists every rule that fired.
	Findings []Finding `json:"findings"`
}

// Scorer evaluates reporter-supplied evidence.
type Scorer interface {
	Evaluate(evidence model.Evidence) *Result
}

// severityLabel maps a 0–100 score to a severity string.
func severityLabel(score int) string {
	switch {
	case score >= 85:
		return "critical"
	case score >= 65:
		return "high"
	case score >= 35:
		return "medium"
	case score >= 15:
		return "low"
	default:
		return "none"
	}
}
