package models

import (
	"strings"

	"github.com/shopspring/decimal"
)

type IntentStatus string

const (
	IntentStatusActive   IntentStatus = "active"
	IntentStatusPaused   IntentStatus = "paused"
	IntentStatusExecuted IntentStatus = "executed"
)

func (s IntentStatus) Valid() bool {
	switch s {
	case IntentStatusActive, IntentStatusPaused, IntentStatusExecuted:
		return true
	}
	return false
}

// CanTransition reports whether an intent may move from s to next.
// Executed is terminal and paused intents must be resumed before execution.
func (s IntentStatus) CanTransition(next IntentStatus) bool {
	switch s {
	case IntentStatusActive:
		return next == IntentStatusPaused || next == IntentStatusExecuted
	case IntentStatusPaused:
		return next == IntentStatusActive
	default:
		return false
	}
}

// Origin records whether a record is known to the remote ledger.
type Origin string

const (
	OriginRemote Origin = "remote"
	OriginLocal  Origin = "local"
)

type Intent struct {
	ID                 string          `json:"id"`
	User               string          `json:"user"`
	SymbolPair         string          `json:"symbolPair"`
	MinProfitThreshold decimal.Decimal `json:"minProfitThresholdPercent"`
	Status             IntentStatus    `json:"status"`
	CreatedAt          int64           `json:"createdAt"`
	Origin             Origin          `json:"origin"`
	// RemoteID is the ledger's id for the intent. Local ids are never
	// reused from the ledger because ledger ids are only unique per ledger.
	RemoteID string `json:"remoteId,omitempty"`
}

// LedgerID returns the id to use when talking to the remote ledger, or ""
// when the intent is not known to it.
func (i Intent) LedgerID() string {
	if i.RemoteID != "" {
		return i.RemoteID
	}
	if i.Origin == OriginRemote {
		return i.ID
	}
	return ""
}

var maxThreshold = decimal.NewFromInt(100)

// ValidateIntentInput checks the user supplied fields of a new intent.
func ValidateIntentInput(symbolPair string, threshold decimal.Decimal) error {
	pair := strings.TrimSpace(symbolPair)
	if pair == "" {
		return &ValidationError{Field: "symbolPair", Reason: "must not be empty"}
	}
	base, quote, ok := strings.Cut(pair, "/")
	if !ok || strings.TrimSpace(base) == "" || strings.TrimSpace(quote) == "" {
		return &ValidationError{Field: "symbolPair", Reason: "must look like BASE/QUOTE"}
	}
	if !threshold.IsPositive() || threshold.GreaterThan(maxThreshold) {
		return &ValidationError{Field: "minProfitThresholdPercent", Reason: "must be in (0, 100]"}
	}
	return nil
}

// Validate checks a stored intent, e.g. one read from an import document.
func (i Intent) Validate() error {
	if i.ID == "" {
		return &ValidationError{Field: "id", Reason: "must not be empty"}
	}
	if err := ValidateIntentInput(i.SymbolPair, i.MinProfitThreshold); err != nil {
		return err
	}
	if !i.Status.Valid() {
		return &ValidationError{Field: "status", Reason: "unknown status " + string(i.Status)}
	}
	if i.Origin != OriginRemote && i.Origin != OriginLocal {
		return &ValidationError{Field: "origin", Reason: "unknown origin " + string(i.Origin)}
	}
	return nil
}
