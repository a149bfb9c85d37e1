package trader

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gregtusar/arbai/pkg/ledger"
	"github.com/gregtusar/arbai/pkg/models"
	"github.com/gregtusar/arbai/pkg/store"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type ExecutorConfig struct {
	FeeFactor   decimal.Decimal
	FeeEstimate decimal.Decimal
}

func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		FeeFactor:   decimal.RequireFromString("0.8"),
		FeeEstimate: decimal.RequireFromString("0.01"),
	}
}

// Executor records the outcome of executing an intent. The remote ledger is
// tried for intents it knows about; the local store is always written.
type Executor struct {
	store  *store.Store
	remote ledger.Client
	cfg    ExecutorConfig
	logger *logrus.Logger
	now    func() time.Time
	guard  *Guard
}

// NewExecutor accepts a nil remote when no ledger is configured.
func NewExecutor(st *store.Store, remote ledger.Client, cfg ExecutorConfig, logger *logrus.Logger) *Executor {
	return &Executor{
		store:  st,
		remote: remote,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		guard:  NewGuard(),
	}
}

// Guard returns the per-intent lock set shared with the intent book so
// status changes cannot interleave with an execution.
func (e *Executor) Guard() *Guard {
	return e.guard
}

// Profit is |a-b| scaled by the fee factor.
func (e *Executor) Profit(venueAPrice, venueBPrice decimal.Decimal) decimal.Decimal {
	return venueAPrice.Sub(venueBPrice).Abs().Mul(e.cfg.FeeFactor)
}

func (e *Executor) Execute(ctx context.Context, user, intentID string, venueAPrice, venueBPrice decimal.Decimal) (models.ExecutionResult, error) {
	if !venueAPrice.IsPositive() {
		return models.ExecutionResult{}, &models.ValidationError{Field: "venueAPrice", Reason: "must be positive"}
	}
	if !venueBPrice.IsPositive() {
		return models.ExecutionResult{}, &models.ValidationError{Field: "venueBPrice", Reason: "must be positive"}
	}

	if !e.guard.acquire(intentID) {
		return models.ExecutionResult{}, fmt.Errorf("intent %s: %w", intentID, models.ErrIntentAlreadyExecuting)
	}
	defer e.guard.release(intentID)

	intent, err := e.store.GetIntent(ctx, intentID)
	if err != nil {
		return models.ExecutionResult{}, err
	}
	if intent.User != user {
		return models.ExecutionResult{}, fmt.Errorf("intent %s: %w", intentID, models.ErrIntentNotFound)
	}
	if !intent.Status.CanTransition(models.IntentStatusExecuted) {
		return models.ExecutionResult{}, fmt.Errorf("intent %s is %s: %w", intentID, intent.Status, models.ErrInvalidStateTransition)
	}

	exec := models.Execution{
		ID:              uuid.New().String(),
		IntentID:        intentID,
		User:            user,
		SymbolPair:      intent.SymbolPair,
		PriceDifference: venueAPrice.Sub(venueBPrice).Abs(),
		Profit:          e.Profit(venueAPrice, venueBPrice),
		FeeEstimate:     e.cfg.FeeEstimate,
		Timestamp:       e.now().UnixMilli(),
		VenueAPrice:     venueAPrice,
		VenueBPrice:     venueBPrice,
		Origin:          models.OriginLocal,
	}
	result := models.ExecutionResult{
		ExecutionID: exec.ID,
		Profit:      exec.Profit,
		Provenance:  models.ProvenanceLocal,
	}

	if ledgerID := intent.LedgerID(); e.remote != nil && ledgerID != "" {
		receipt, err := e.remote.Execute(ctx, user, ledgerID, venueAPrice, venueBPrice)
		if err != nil {
			e.logger.WithFields(logrus.Fields{
				"intent_id": intentID,
				"rejected":  ledger.IsRejected(err),
				"error":     err.Error(),
			}).Warn("Remote execution failed, recording locally")
		} else {
			exec.SettlementReference = receipt.SettlementReference
			exec.RemoteID = receipt.ID
			exec.Origin = models.OriginRemote
			result.SucceededRemotely = true
			result.Provenance = models.ProvenanceRemote
		}
	}
	if exec.SettlementReference == "" {
		exec.SettlementReference = placeholderReference()
	}
	result.SettlementReference = exec.SettlementReference

	if _, err := e.store.RecordExecution(ctx, exec); err != nil {
		if result.SucceededRemotely {
			e.logger.WithFields(logrus.Fields{
				"intent_id":  intentID,
				"settlement": exec.SettlementReference,
				"error":      err.Error(),
			}).Error("Ledger settled but the local record was refused; reconciliation will import it")
		}
		return models.ExecutionResult{}, fmt.Errorf("failed to record execution: %w", err)
	}

	e.logger.WithFields(logrus.Fields{
		"intent_id":    intentID,
		"execution_id": exec.ID,
		"profit":       exec.Profit.String(),
		"remote":       result.SucceededRemotely,
	}).Info("Execution recorded")

	return result, nil
}

// Guard is a set of intent ids with work in progress.
type Guard struct {
	mu   sync.Mutex
	busy map[string]struct{}
}

func NewGuard() *Guard {
	return &Guard{busy: make(map[string]struct{})}
}

func (g *Guard) acquire(intentID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.busy[intentID]; busy {
		return false
	}
	g.busy[intentID] = struct{}{}
	return true
}

func (g *Guard) release(intentID string) {
	g.mu.Lock()
	delete(g.busy, intentID)
	g.mu.Unlock()
}

func placeholderReference() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "local-" + uuid.New().String()
	}
	return "local-" + hex.EncodeToString(b)
}
