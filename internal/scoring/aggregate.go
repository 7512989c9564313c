package scoring

import (
	"fmt"
	"math"
	"sort"

	"github.com/spotbot-io/spotbot/internal/bots/model"
)

const (
	// BotThreshold is the confidence above which an address is reported as a bot.
	BotThreshold = 30

	// MaxReportsConsidered bounds how many of the newest reports feed a verdict.
	MaxReportsConsidered = 50

	reportBonusPerReport = 2
	maxReportBonus       = 20
	commonBotTypesLimit  = 3
)

// Aggregation is the outcome of combining an address's reports.
type Aggregation struct {
	Confidence     int
	IsBot          bool
	ReportCount    int
	CommonBotTypes []model.BotTypeCount
}

// Aggregate combines reports (newest first) into a confidence score. Rejected
// reports are ignored. The confidence is the mean asserted score plus two
// points per report (at most 20), capped at 100 and rounded.
func Aggregate(reports []*model.BotReport) Aggregation {
	valid := make([]*model.BotReport, 0, len(reports))
	for _, r := range reports {
		if r.Status != model.ReportStatusRejected {
			valid = append(valid, r)
		}
	}

	agg := Aggregation{
		ReportCount:    len(valid),
		CommonBotTypes: CommonBotTypes(valid, commonBotTypesLimit),
	}
	if len(valid) == 0 {
		return agg
	}

	sum := 0
	for _, r := range valid {
		sum += r.ConfidenceScore
	}
	n := len(valid)
	avg := float64(sum) / float64(n)
	bonus := min(n*reportBonusPerReport, maxReportBonus)
	confidence := int(math.Round(math.Min(avg+float64(bonus), MaxScore)))

	if confidence < 0 || confidence > MaxScore {
		panic(fmt.Sprintf("scoring: confidence %d out of range (avg %.2f over %d reports)", confidence, avg, n))
	}

	agg.Confidence = confidence
	agg.IsBot = confidence > BotThreshold
	return agg
}

// CommonBotTypes ranks bot types by frequency, descending. Ties keep the
// order in which each type first appears in reports.
func CommonBotTypes(reports []*model.BotReport, limit int) []model.BotTypeCount {
	counts := []model.BotTypeCount{}
	index := make(map[model.BotType]int)
	for _, r := range reports {
		i, ok := index[r.BotType]
		if !ok {
			i = len(counts)
			index[r.BotType] = i
			counts = append(counts, model.BotTypeCount{Type: r.BotType})
		}
		counts[i].Count++
	}

	sort.SliceStable(counts, func(a, b int) bool {
		return counts[a].Count > counts[b].Count
	})
	if limit > 0 && len(counts) > limit {
		counts = counts[:limit]
	}
	return counts
}
