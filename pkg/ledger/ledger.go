// Package ledger talks to the remote authoritative ledger holding intents
// and executions. Every error returned by a Client wraps either
// models.ErrRemoteUnavailable or models.ErrRemoteRejected.
package ledger

import (
	"context"
	"errors"

	"github.com/gregtusar/arbai/pkg/models"
	"github.com/shopspring/decimal"
)

// Receipt identifies a record the ledger created and the settlement
// reference (transaction hash) it was written under.
type Receipt struct {
	ID                  string `json:"id"`
	SettlementReference string `json:"settlementReference"`
}

// Client is the remote ledger. The user argument is the caller identity the
// ledger derives from the request signer.
type Client interface {
	CreateIntent(ctx context.Context, user, symbolPair string, minProfitThreshold decimal.Decimal) (Receipt, error)
	ListIntents(ctx context.Context, user string) ([]models.Intent, error)
	SetIntentStatus(ctx context.Context, user, intentID string, status models.IntentStatus) error
	Execute(ctx context.Context, user, intentID string, venueAPrice, venueBPrice decimal.Decimal) (Receipt, error)
	ListExecutions(ctx context.Context, user string) ([]models.Execution, error)
	TotalProfit(ctx context.Context, user string) (decimal.Decimal, error)
	GetExecution(ctx context.Context, user, executionID string) (models.Execution, error)
	StoreSignature(ctx context.Context, user string, rec models.SignatureRecord) error
	VerifySignature(ctx context.Context, user, executionID string) (bool, error)
	Info(ctx context.Context) (Info, error)
}

// Info describes the ledger deployment.
type Info struct {
	Name            string `json:"name"`
	Version         string `json:"version"`
	Owner           string `json:"owner"`
	TotalIntents    uint64 `json:"totalIntents"`
	TotalExecutions uint64 `json:"totalExecutions"`
}

// IsRejected reports whether err is a business-rule rejection rather than an
// outage. Both are handled as "use fallback"; only messages differ.
func IsRejected(err error) bool {
	return errors.Is(err, models.ErrRemoteRejected)
}
