package trader

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gregtusar/arbai/pkg/ledger"
	"github.com/gregtusar/arbai/pkg/models"
	"github.com/gregtusar/arbai/pkg/reconcile"
	"github.com/gregtusar/arbai/pkg/store"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Intents is the user-facing intent book. Reads go through the reconciler;
// writes try the ledger first and always land in the store.
type Intents struct {
	store      *store.Store
	remote     ledger.Client
	reconciler *reconcile.Reconciler
	guard      *Guard
	logger     *logrus.Logger
	now        func() time.Time
}

// NewIntents shares guard with the Executor (see Executor.Guard). A nil
// guard gives the book its own.
func NewIntents(st *store.Store, remote ledger.Client, rec *reconcile.Reconciler, guard *Guard, logger *logrus.Logger) *Intents {
	if guard == nil {
		guard = NewGuard()
	}
	return &Intents{
		store:      st,
		remote:     remote,
		reconciler: rec,
		guard:      guard,
		logger:     logger,
		now:        time.Now,
	}
}

func (s *Intents) Create(ctx context.Context, user, symbolPair string, threshold decimal.Decimal) (models.Intent, error) {
	if user == "" {
		return models.Intent{}, &models.ValidationError{Field: "user", Reason: "must not be empty"}
	}
	if err := models.ValidateIntentInput(symbolPair, threshold); err != nil {
		return models.Intent{}, err
	}

	intent := models.Intent{
		ID:                 uuid.New().String(),
		User:               user,
		SymbolPair:         symbolPair,
		MinProfitThreshold: threshold,
		Status:             models.IntentStatusActive,
		CreatedAt:          s.now().UnixMilli(),
		Origin:             models.OriginLocal,
	}

	if s.remote != nil {
		receipt, err := s.remote.CreateIntent(ctx, user, symbolPair, threshold)
		if err != nil {
			s.logger.WithFields(logrus.Fields{
				"user":     user,
				"symbol":   symbolPair,
				"rejected": ledger.IsRejected(err),
				"error":    err.Error(),
			}).Warn("Remote intent creation failed, keeping local intent")
		} else {
			intent.RemoteID = receipt.ID
			intent.Origin = models.OriginRemote
		}
	}

	if err := s.store.InsertIntent(ctx, intent); err != nil {
		return models.Intent{}, fmt.Errorf("failed to save intent: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"intent_id": intent.ID,
		"user":      user,
		"remote_id": intent.RemoteID,
		"origin":    intent.Origin,
	}).Info("Intent created")
	return intent, nil
}

func (s *Intents) Pause(ctx context.Context, user, id string) (models.Intent, error) {
	return s.setStatus(ctx, user, id, models.IntentStatusPaused)
}

func (s *Intents) Resume(ctx context.Context, user, id string) (models.Intent, error) {
	return s.setStatus(ctx, user, id, models.IntentStatusActive)
}

func (s *Intents) setStatus(ctx context.Context, user, id string, status models.IntentStatus) (models.Intent, error) {
	if !s.guard.acquire(id) {
		return models.Intent{}, fmt.Errorf("intent %s: %w", id, models.ErrIntentAlreadyExecuting)
	}
	defer s.guard.release(id)

	intent, err := s.store.GetIntent(ctx, id)
	if err != nil {
		return models.Intent{}, err
	}
	if intent.User != user {
		return models.Intent{}, fmt.Errorf("intent %s: %w", id, models.ErrIntentNotFound)
	}
	if !intent.Status.CanTransition(status) {
		return models.Intent{}, fmt.Errorf("intent %s %s -> %s: %w", id, intent.Status, status, models.ErrInvalidStateTransition)
	}

	if ledgerID := intent.LedgerID(); s.remote != nil && ledgerID != "" {
		if err := s.remote.SetIntentStatus(ctx, user, ledgerID, status); err != nil {
			s.logger.WithFields(logrus.Fields{
				"intent_id": id,
				"status":    status,
				"error":     err.Error(),
			}).Warn("Remote status change failed, applying locally")
		}
	}

	if err := s.store.SetIntentStatus(ctx, id, status); err != nil {
		return models.Intent{}, err
	}
	intent.Status = status
	return intent, nil
}

func (s *Intents) List(ctx context.Context, user string) ([]models.Intent, models.Provenance, error) {
	res, err := s.reconciler.Reconcile(ctx, user)
	if err != nil {
		return nil, "", err
	}
	return res.Intents, res.Provenance, nil
}

func (s *Intents) Executions(ctx context.Context, user string) ([]models.Execution, models.Provenance, error) {
	res, err := s.reconciler.Reconcile(ctx, user)
	if err != nil {
		return nil, "", err
	}
	return res.Executions, res.Provenance, nil
}

// TotalProfit reconciles first so remote executions are counted, then reads
// the maintained aggregate.
func (s *Intents) TotalProfit(ctx context.Context, user string) (decimal.Decimal, models.Provenance, error) {
	res, err := s.reconciler.Reconcile(ctx, user)
	if err != nil {
		return decimal.Zero, "", err
	}
	total, err := s.store.TotalProfit(ctx, user)
	if err != nil {
		return decimal.Zero, "", err
	}
	return total, res.Provenance, nil
}
