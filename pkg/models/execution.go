package models

import (
	"github.com/shopspring/decimal"
)

// Execution is an immutable record of one completed or simulated arbitrage.
type Execution struct {
	ID                  string          `json:"id"`
	IntentID            string          `json:"intentId"`
	User                string          `json:"user"`
	SymbolPair          string          `json:"symbolPair"`
	PriceDifference     decimal.Decimal `json:"priceDifference"`
	Profit              decimal.Decimal `json:"profit"`
	FeeEstimate         decimal.Decimal `json:"feeEstimate"`
	SettlementReference string          `json:"settlementReference"`
	Timestamp           int64           `json:"timestamp"`
	VenueAPrice         decimal.Decimal `json:"venueAPrice"`
	VenueBPrice         decimal.Decimal `json:"venueBPrice"`
	Origin              Origin          `json:"origin"`
	RemoteID            string          `json:"remoteId,omitempty"`
}

// LedgerID mirrors Intent.LedgerID.
func (e Execution) LedgerID() string {
	if e.RemoteID != "" {
		return e.RemoteID
	}
	if e.Origin == OriginRemote {
		return e.ID
	}
	return ""
}

func (e Execution) Validate() error {
	if e.ID == "" {
		return &ValidationError{Field: "id", Reason: "must not be empty"}
	}
	if e.User == "" {
		return &ValidationError{Field: "user", Reason: "must not be empty"}
	}
	if e.PriceDifference.IsNegative() {
		return &ValidationError{Field: "priceDifference", Reason: "must not be negative"}
	}
	if e.FeeEstimate.IsNegative() {
		return &ValidationError{Field: "feeEstimate", Reason: "must not be negative"}
	}
	return nil
}

type ExecutionResult struct {
	ExecutionID         string          `json:"executionId"`
	Profit              decimal.Decimal `json:"profit"`
	SettlementReference string          `json:"settlementReference"`
	SucceededRemotely   bool            `json:"succeededRemotely"`
	Provenance          Provenance      `json:"provenance"`
}
