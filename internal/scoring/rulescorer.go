package scoring

import "github.com/spotbot-io/spotbot/internal/bots/model"

// MaxScore caps every score produced by this package.
const MaxScore = 100

// ruleFunc inspects an evidence bag and returns a Finding when its rule matches.
type ruleFunc func(ev model.Evidence) (Finding, bool)

// RuleBasedScorer is the default Scorer. It sums the points of a fixed set of
// threshold rules and clamps the total at MaxScore.
type RuleBasedScorer struct {
	rules []ruleFunc
}

// NewRuleBasedScorer returns a RuleBasedScorer loaded with the default rule set.
func NewRuleBasedScorer() *RuleBasedScorer {
	return &RuleBasedScorer{
		rules: []ruleFunc{
			ruleRequestFrequency,
			ruleUniqueUserAgents,
			ruleHTTPErrors,
			ruleSuspiciousHeaders,
			ruleSequentialPattern,
		},
	}
}

// Evaluate implements Scorer.
func (s *RuleBasedScorer) Evaluate(ev model.Evidence) *Result {
	findings := []Finding{}
	total := 0
	for _, r := range s.rules {
		if f, ok := r(ev); ok {
			findings = append(findings, f)
			total += f.Points
		}
	}
	if total > MaxScore {
		total = MaxScore
	}
	return &Result{
		Score:    total,
		Severity: severityLabel(total),
		Findings: findings,
	}
}

// Score returns only the clamped behavior score for ev.
func (s *RuleBasedScorer) Score(ev model.Evidence) int {
	return s.Evaluate(ev).Score
}

// ── Rules ─────────────────────────────────────────────────────────────────────

func ruleRequestFrequency(ev model.Evidence) (Finding, bool) {
	n, ok := ev.Number(model.EvidenceRequestFrequency)
	if !ok || n <= 10 {
		return Finding{}, false
	}
	return Finding{
		Rule:        "request_frequency",
		Description: "More than 10 requests per observation window",
		Points:      20,
	}, true
}

func ruleUniqueUserAgents(ev model.Evidence) (Finding, bool) {
	n, ok := ev.Number(model.EvidenceUniqueUserAgents)
	if !ok || n <= 5 {
		return Finding{}, false
	}
	return Finding{
		Rule:        "unique_user_agents",
		Description: "More than 5 distinct user agents from one address",
		Points:      15,
	}, true
}

// ruleHTTPErrors treats httpErrors as a fraction of requests, not a count.
func ruleHTTPErrors(ev model.Evidence) (Finding, bool) {
	n, ok := ev.Number(model.EvidenceHTTPErrors)
	if !ok || n <= 0.3 {
		return Finding{}, false
	}
	return Finding{
		Rule:        "http_errors",
		Description: "Error responses exceed 30% of requests",
		Points:      25,
	}, true
}

func ruleSuspiciousHeaders(ev model.Evidence) (Finding, bool) {
	if !ev.Truthy(model.EvidenceSuspiciousHeaders) {
		return Finding{}, false
	}
	return Finding{
		Rule:        "suspicious_headers",
		Description: "Request headers flagged as suspicious",
		Points:      10,
	}, true
}

func ruleSequentialPattern(ev model.Evidence) (Finding, bool) {
	if p, _ := ev.String(model.EvidenceRequestPattern); p != "sequential" {
		return Finding{}, false
	}
	return Finding{
		Rule:        "sequential_pattern",
		Description: "Requests follow a sequential access pattern",
		Points:      15,
	}, true
}
