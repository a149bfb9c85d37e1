package market

import (
	"context"

	"github.com/shopspring/decimal"
)

// ReferenceSource supplies the common reference price both venues are
// derived from. It may return prices for a subset of symbols.
type ReferenceSource interface {
	ReferencePrices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error)
}

// StaticSource serves a fixed base price table.
type StaticSource struct {
	prices map[string]decimal.Decimal
}

func NewStaticSource(prices map[string]decimal.Decimal) *StaticSource {
	cp := make(map[string]decimal.Decimal, len(prices))
	for k, v := range prices {
		cp[k] = v
	}
	return &StaticSource{prices: cp}
}

func (s *StaticSource) ReferencePrices(_ context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(symbols))
	for _, sym := range symbols {
		if p, ok := s.prices[sym]; ok && p.IsPositive() {
			out[sym] = p
		}
	}
	return out, nil
}

// DefaultBasePrices is the demo base table used when no feed is configured.
func DefaultBasePrices() map[string]decimal.Decimal {
	return map[string]decimal.Decimal{
		"ETH/USDC":  decimal.NewFromInt(3000),
		"BTC/USDC":  decimal.NewFromInt(65000),
		"NEAR/USDC": decimal.RequireFromString("5.2"),
		"SOL/USDC":  decimal.NewFromInt(150),
		"AVAX/USDC": decimal.NewFromInt(35),
	}
}
