package market

import (
	"sort"

	"github.com/gregtusar/arbai/pkg/models"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Detector turns one price snapshot into arbitrage candidates. It keeps no
// state between calls.
type Detector struct {
	MinProfitPercent decimal.Decimal
}

func NewDetector(minProfitPercent decimal.Decimal) Detector {
	return Detector{MinProfitPercent: minProfitPercent}
}

// Evaluate computes the candidate for one quote pair. ok is false when the
// cheaper price is not positive.
func Evaluate(symbol string, a, b decimal.Decimal, ts int64) (models.Candidate, bool) {
	low := decimal.Min(a, b)
	if !low.IsPositive() {
		return models.Candidate{}, false
	}
	diff := a.Sub(b).Abs()
	return models.Candidate{
		SymbolPair:      symbol,
		VenueAPrice:     a,
		VenueBPrice:     b,
		PriceDifference: diff,
		ProfitPercent:   diff.Div(low).Mul(hundred),
		Timestamp:       ts,
	}, true
}

// Detect emits a candidate for every symbol whose profit percent strictly
// exceeds the minimum, best first.
func (d Detector) Detect(quotes map[string]models.QuotePair) []models.Candidate {
	out := make([]models.Candidate, 0, len(quotes))
	for sym, q := range quotes {
		c, ok := Evaluate(sym, q.VenueA.Price, q.VenueB.Price, q.VenueA.Timestamp)
		if !ok {
			continue
		}
		if c.ProfitPercent.GreaterThan(d.MinProfitPercent) {
			out = append(out, c)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if cmp := out[i].ProfitPercent.Cmp(out[j].ProfitPercent); cmp != 0 {
			return cmp > 0
		}
		return out[i].SymbolPair < out[j].SymbolPair
	})
	return out
}
