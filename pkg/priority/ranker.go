// Package priority classifies assessed candidates and orders them for
// display.
package priority

import (
	"sort"

	"github.com/gregtusar/arbai/pkg/models"
	"github.com/shopspring/decimal"
)

type Thresholds struct {
	HighProfitPercent   decimal.Decimal
	HighConfidence      int
	MediumProfitPercent decimal.Decimal
	MediumConfidence    int
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		HighProfitPercent:   decimal.RequireFromString("2.5"),
		HighConfidence:      85,
		MediumProfitPercent: decimal.RequireFromString("1.2"),
		MediumConfidence:    70,
	}
}

type Ranker struct {
	t Thresholds
}

func NewRanker(t Thresholds) Ranker {
	return Ranker{t: t}
}

// Rank is pure: it only reads the candidate's profit and the advisory.
func (r Ranker) Rank(c models.Candidate, a models.Advisory) models.Priority {
	if c.ProfitPercent.GreaterThan(r.t.HighProfitPercent) &&
		a.Confidence > r.t.HighConfidence &&
		a.RiskLevel == models.RiskLow {
		return models.PriorityHigh
	}
	if c.ProfitPercent.GreaterThan(r.t.MediumProfitPercent) && a.Confidence > r.t.MediumConfidence {
		return models.PriorityMedium
	}
	return models.PriorityLow
}

// Apply attaches the advisory and its priority to the candidate.
func (r Ranker) Apply(c models.Candidate, a models.Advisory) models.Candidate {
	adv := a
	c.Advisory = &adv
	c.Priority = r.Rank(c, a)
	return c
}

// Sort orders by priority, then profit percent descending, then symbol.
func Sort(cs []models.Candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		if wi, wj := cs[i].Priority.Weight(), cs[j].Priority.Weight(); wi != wj {
			return wi > wj
		}
		if cmp := cs[i].ProfitPercent.Cmp(cs[j].ProfitPercent); cmp != 0 {
			return cmp > 0
		}
		return cs[i].SymbolPair < cs[j].SymbolPair
	})
}
