package models

import (
	"github.com/shopspring/decimal"
)

type Venue string

const (
	VenueA Venue = "venue_a"
	VenueB Venue = "venue_b"
)

type PriceQuote struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Timestamp int64           `json:"timestamp"`
	Venue     Venue           `json:"venue"`
}

// QuotePair holds both venue quotes for one symbol taken in the same sample.
type QuotePair struct {
	VenueA PriceQuote `json:"venueA"`
	VenueB PriceQuote `json:"venueB"`
}

type Priority string

const (
	PriorityHigh   Priority = "HIGH"
	PriorityMedium Priority = "MEDIUM"
	PriorityLow    Priority = "LOW"
)

// Weight orders priorities for sorting; higher is more urgent.
func (p Priority) Weight() int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

type Candidate struct {
	SymbolPair      string          `json:"symbolPair"`
	VenueAPrice     decimal.Decimal `json:"venueAPrice"`
	VenueBPrice     decimal.Decimal `json:"venueBPrice"`
	PriceDifference decimal.Decimal `json:"priceDifference"`
	ProfitPercent   decimal.Decimal `json:"profitPercent"`
	Timestamp       int64           `json:"timestamp"`
	Advisory        *Advisory       `json:"advisory,omitempty"`
	Priority        Priority        `json:"priority,omitempty"`
}

// Confidence returns the advisory confidence or zero when the candidate has
// not been assessed.
func (c Candidate) Confidence() int {
	if c.Advisory == nil {
		return 0
	}
	return c.Advisory.Confidence
}
