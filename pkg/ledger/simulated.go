package ledger

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gregtusar/arbai/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

var (
	simulatedFeeFactor = decimal.RequireFromString("0.8")
	simulatedGasFee    = decimal.RequireFromString("0.01")
	hundred            = decimal.NewFromInt(100)
)

// Simulated is an in-process ledger that follows the contract rules of the
// on-chain deployment: sequential ids, owner-only mutation, execution only
// of active intents whose price gap meets the intent threshold.
type Simulated struct {
	mu            sync.Mutex
	intents       map[string]models.Intent
	userIntents   map[string][]string
	executions    map[string]models.Execution
	userExecs     map[string][]string
	profits       map[string]decimal.Decimal
	signatures    map[string]models.SignatureRecord
	nextIntent    uint64
	nextExecution uint64
	offline       bool
	now           func() time.Time
	logger        *logrus.Logger
}

func NewSimulated(logger *logrus.Logger) *Simulated {
	return &Simulated{
		intents:       make(map[string]models.Intent),
		userIntents:   make(map[string][]string),
		executions:    make(map[string]models.Execution),
		userExecs:     make(map[string][]string),
		profits:       make(map[string]decimal.Decimal),
		signatures:    make(map[string]models.SignatureRecord),
		nextIntent:    1,
		nextExecution: 1,
		now:           time.Now,
		logger:        logger,
	}
}

// SetOffline makes every call fail with ErrRemoteUnavailable until reset.
func (s *Simulated) SetOffline(offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = offline
}

func (s *Simulated) checkOnline() error {
	if s.offline {
		return fmt.Errorf("simulated ledger offline: %w", models.ErrRemoteUnavailable)
	}
	return nil
}

func rejected(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), models.ErrRemoteRejected)
}

func (s *Simulated) CreateIntent(ctx context.Context, user, symbolPair string, minProfitThreshold decimal.Decimal) (Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOnline(); err != nil {
		return Receipt{}, err
	}
	if err := models.ValidateIntentInput(symbolPair, minProfitThreshold); err != nil {
		return Receipt{}, rejected("create intent: %v", err)
	}

	id := strconv.FormatUint(s.nextIntent, 10)
	s.nextIntent++
	s.intents[id] = models.Intent{
		ID:                 id,
		User:               user,
		SymbolPair:         symbolPair,
		MinProfitThreshold: minProfitThreshold,
		Status:             models.IntentStatusActive,
		CreatedAt:          s.now().UnixMilli(),
		Origin:             models.OriginRemote,
	}
	s.userIntents[user] = append(s.userIntents[user], id)

	s.logger.WithFields(logrus.Fields{"intent_id": id, "user": user}).Debug("Simulated ledger created intent")
	return Receipt{ID: id, SettlementReference: randomHash()}, nil
}

func (s *Simulated) ListIntents(ctx context.Context, user string) ([]models.Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOnline(); err != nil {
		return nil, err
	}
	out := make([]models.Intent, 0, len(s.userIntents[user]))
	for _, id := range s.userIntents[user] {
		out = append(out, s.intents[id])
	}
	return out, nil
}

func (s *Simulated) SetIntentStatus(ctx context.Context, user, intentID string, status models.IntentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOnline(); err != nil {
		return err
	}
	intent, ok := s.intents[intentID]
	if !ok {
		return rejected("intent %s not found", intentID)
	}
	if intent.User != user {
		return rejected("only the intent owner can change intent %s", intentID)
	}
	if status != models.IntentStatusActive && status != models.IntentStatusPaused {
		return rejected("status %s cannot be set directly", status)
	}
	intent.Status = status
	s.intents[intentID] = intent
	return nil
}

func (s *Simulated) Execute(ctx context.Context, user, intentID string, venueAPrice, venueBPrice decimal.Decimal) (Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOnline(); err != nil {
		return Receipt{}, err
	}
	intent, ok := s.intents[intentID]
	if !ok {
		return Receipt{}, rejected("intent %s not found", intentID)
	}
	if intent.User != user {
		return Receipt{}, rejected("only the intent owner can execute intent %s", intentID)
	}
	if intent.Status != models.IntentStatusActive {
		return Receipt{}, rejected("intent %s must be active", intentID)
	}
	if !venueAPrice.IsPositive() || !venueBPrice.IsPositive() {
		return Receipt{}, rejected("prices must be positive")
	}

	diff := venueAPrice.Sub(venueBPrice).Abs()
	profitPercent := diff.Div(decimal.Min(venueAPrice, venueBPrice)).Mul(hundred)
	if profitPercent.LessThan(intent.MinProfitThreshold) {
		return Receipt{}, rejected("profit %s%% below threshold %s%%", profitPercent.StringFixed(4), intent.MinProfitThreshold)
	}

	id := strconv.FormatUint(s.nextExecution, 10)
	s.nextExecution++
	exec := models.Execution{
		ID:                  id,
		IntentID:            intentID,
		User:                user,
		SymbolPair:          intent.SymbolPair,
		PriceDifference:     diff,
		Profit:              diff.Mul(simulatedFeeFactor),
		FeeEstimate:         simulatedGasFee,
		SettlementReference: randomHash(),
		Timestamp:           s.now().UnixMilli(),
		VenueAPrice:         venueAPrice,
		VenueBPrice:         venueBPrice,
		Origin:              models.OriginRemote,
	}
	s.executions[id] = exec
	s.userExecs[user] = append(s.userExecs[user], id)
	s.profits[user] = s.profits[user].Add(exec.Profit)

	intent.Status = models.IntentStatusExecuted
	s.intents[intentID] = intent

	return Receipt{ID: id, SettlementReference: exec.SettlementReference}, nil
}

func (s *Simulated) ListExecutions(ctx context.Context, user string) ([]models.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOnline(); err != nil {
		return nil, err
	}
	out := make([]models.Execution, 0, len(s.userExecs[user]))
	for _, id := range s.userExecs[user] {
		out = append(out, s.executions[id])
	}
	return out, nil
}

func (s *Simulated) TotalProfit(ctx context.Context, user string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOnline(); err != nil {
		return decimal.Zero, err
	}
	return s.profits[user], nil
}

func (s *Simulated) GetExecution(ctx context.Context, user, executionID string) (models.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOnline(); err != nil {
		return models.Execution{}, err
	}
	exec, ok := s.executions[executionID]
	if !ok || exec.User != user {
		return models.Execution{}, rejected("execution %s not found", executionID)
	}
	return exec, nil
}

// StoreSignature keeps one signature record per execution; a later record
// replaces an earlier one.
func (s *Simulated) StoreSignature(ctx context.Context, user string, rec models.SignatureRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOnline(); err != nil {
		return err
	}
	if err := rec.Validate(); err != nil {
		return rejected("store signature: %v", err)
	}
	exec, ok := s.executions[rec.ExecutionID]
	if !ok {
		return rejected("execution %s not found", rec.ExecutionID)
	}
	if exec.User != user {
		return rejected("only the execution owner can sign execution %s", rec.ExecutionID)
	}
	rec.StoredAt = s.now().UnixMilli()
	s.signatures[rec.ExecutionID] = rec
	return nil
}

// VerifySignature reports whether a signature record exists for the
// execution.
func (s *Simulated) VerifySignature(ctx context.Context, user, executionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOnline(); err != nil {
		return false, err
	}
	_, ok := s.signatures[executionID]
	return ok, nil
}

func (s *Simulated) Info(ctx context.Context) (Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOnline(); err != nil {
		return Info{}, err
	}
	return Info{
		Name:            "ArbitrageAI Cross-Chain Agent",
		Version:         "1.0.0",
		Owner:           "simulated",
		TotalIntents:    s.nextIntent - 1,
		TotalExecutions: s.nextExecution - 1,
	}, nil
}

func randomHash() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
