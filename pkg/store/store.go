package store

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/gregtusar/arbai/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// IntentMatcher decides whether an existing intent already represents
// candidate. Reconciliation passes one to InsertIntentIfAbsent.
type IntentMatcher func(existing, candidate models.Intent) bool

// ExecutionMatcher is the execution counterpart of IntentMatcher.
type ExecutionMatcher func(existing, candidate models.Execution) bool

// Snapshot is the export document.
type Snapshot struct {
	Intents    []models.Intent            `json:"intents"`
	Executions []models.Execution         `json:"executions"`
	Profits    map[string]decimal.Decimal `json:"profits"`
	Signatures []models.SignatureRecord   `json:"signatures"`
	ExportedAt int64                      `json:"exportedAt"`
}

// Validate checks an import document without touching the store. Profits,
// when present, must equal the per-user sum of the execution profits.
func (s Snapshot) Validate() error {
	seen := make(map[string]struct{}, len(s.Intents))
	for _, in := range s.Intents {
		if err := in.Validate(); err != nil {
			return fmt.Errorf("intent %q: %w", in.ID, err)
		}
		if _, dup := seen[in.ID]; dup {
			return fmt.Errorf("intent %q: %w", in.ID, &models.ValidationError{Field: "id", Reason: "duplicate"})
		}
		seen[in.ID] = struct{}{}
	}

	seen = make(map[string]struct{}, len(s.Executions))
	for _, e := range s.Executions {
		if err := e.Validate(); err != nil {
			return fmt.Errorf("execution %q: %w", e.ID, err)
		}
		if _, dup := seen[e.ID]; dup {
			return fmt.Errorf("execution %q: %w", e.ID, &models.ValidationError{Field: "id", Reason: "duplicate"})
		}
		seen[e.ID] = struct{}{}
	}

	signed := make(map[string]struct{}, len(s.Signatures))
	for _, r := range s.Signatures {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("signature for %q: %w", r.ExecutionID, err)
		}
		if _, ok := seen[r.ExecutionID]; !ok {
			return fmt.Errorf("signature for %q: %w", r.ExecutionID, &models.ValidationError{Field: "executionId", Reason: "unknown execution"})
		}
		if _, dup := signed[r.ExecutionID]; dup {
			return fmt.Errorf("signature for %q: %w", r.ExecutionID, &models.ValidationError{Field: "executionId", Reason: "duplicate"})
		}
		signed[r.ExecutionID] = struct{}{}
	}

	if s.Profits == nil {
		return nil
	}
	sums := sumProfits(s.Executions)
	for user, total := range s.Profits {
		if user == "" {
			return &models.ValidationError{Field: "profits", Reason: "empty user key"}
		}
		if !total.Equal(sums[user]) {
			return &models.ValidationError{
				Field:  "profits",
				Reason: fmt.Sprintf("total %s for %s does not match executions (%s)", total, user, sums[user]),
			}
		}
	}
	for user, sum := range sums {
		if _, ok := s.Profits[user]; !ok && !sum.IsZero() {
			return &models.ValidationError{
				Field:  "profits",
				Reason: fmt.Sprintf("missing total for %s (executions sum to %s)", user, sum),
			}
		}
	}
	return nil
}

func sumProfits(executions []models.Execution) map[string]decimal.Decimal {
	sums := make(map[string]decimal.Decimal)
	for _, e := range executions {
		sums[e.User] = sums[e.User].Add(e.Profit)
	}
	return sums
}

// Store is the local record store for intents, executions and per-user
// profit totals. It is the authority for display and works without any
// remote ledger.
type Store struct {
	backend Backend
	logger  *logrus.Logger
	now     func() time.Time
	mu      sync.Mutex
}

func New(backend Backend, logger *logrus.Logger) *Store {
	return &Store{
		backend: backend,
		logger:  logger,
		now:     time.Now,
	}
}

func (s *Store) Close() error {
	return s.backend.Close()
}

// collections is the decoded form of the stored documents.
type collections struct {
	intents    []models.Intent
	executions []models.Execution
	profits    map[string]decimal.Decimal
	signatures []models.SignatureRecord
}

// decode never fails. A malformed document is treated as empty. The profit
// totals follow the executions: they are dropped with a malformed executions
// document and rebuilt from the executions when only they are malformed.
func (s *Store) decode(docs map[string][]byte) collections {
	var c collections
	if body, ok := docs[KeyIntents]; ok && body != nil {
		if err := json.Unmarshal(body, &c.intents); err != nil {
			s.logCorrupt(KeyIntents, err)
			c.intents = nil
		}
	}

	execBody, haveExecs := docs[KeyExecutions]
	execsCorrupt := false
	if haveExecs && execBody != nil {
		if err := json.Unmarshal(execBody, &c.executions); err != nil {
			s.logCorrupt(KeyExecutions, err)
			c.executions = nil
			execsCorrupt = true
		}
	}

	if body, ok := docs[KeyProfits]; ok && body != nil {
		switch err := json.Unmarshal(body, &c.profits); {
		case err != nil && haveExecs && !execsCorrupt:
			s.logCorrupt(KeyProfits, err)
			s.logger.Warn("Rebuilding profit totals from executions")
			c.profits = sumProfits(c.executions)
		case err != nil:
			s.logCorrupt(KeyProfits, err)
			c.profits = nil
		case execsCorrupt:
			s.logger.WithField("collection", KeyProfits).Warn("Discarding profit totals along with malformed executions")
			c.profits = nil
		}
	}
	if c.profits == nil {
		c.profits = make(map[string]decimal.Decimal)
	}

	if body, ok := docs[KeySignatures]; ok && body != nil {
		if err := json.Unmarshal(body, &c.signatures); err != nil {
			s.logCorrupt(KeySignatures, err)
			c.signatures = nil
		}
	}
	return c
}

func (s *Store) logCorrupt(key string, err error) {
	s.logger.WithError(err).WithField("collection", key).Warn("Malformed store document, treating collection as empty")
}

func encodeInto(docs map[string][]byte, key string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	docs[key] = body
	return nil
}

func (s *Store) view(ctx context.Context, keys ...string) (collections, error) {
	docs, err := s.backend.View(ctx, keys)
	if err != nil {
		return collections{}, fmt.Errorf("failed to read store: %w", err)
	}
	return s.decode(docs), nil
}

func (s *Store) update(ctx context.Context, keys []string, fn func(c *collections, docs map[string][]byte) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.backend.Update(ctx, keys, func(docs map[string][]byte) error {
		c := s.decode(docs)
		return fn(&c, docs)
	})
}

// InsertIntent stores a new intent. An existing intent is never replaced;
// an id collision returns ErrDuplicateRecord.
func (s *Store) InsertIntent(ctx context.Context, intent models.Intent) error {
	if err := intent.Validate(); err != nil {
		return err
	}
	return s.update(ctx, []string{KeyIntents}, func(c *collections, docs map[string][]byte) error {
		for _, existing := range c.intents {
			if existing.ID == intent.ID {
				return fmt.Errorf("intent %s: %w", intent.ID, models.ErrDuplicateRecord)
			}
		}
		c.intents = append(c.intents, intent)
		return encodeInto(docs, KeyIntents, c.intents)
	})
}

// InsertIntentIfAbsent stores intent unless an intent with the same id
// exists or match reports an equivalent one. It returns whether it inserted.
func (s *Store) InsertIntentIfAbsent(ctx context.Context, intent models.Intent, match IntentMatcher) (bool, error) {
	if err := intent.Validate(); err != nil {
		return false, err
	}
	var inserted bool
	err := s.update(ctx, []string{KeyIntents}, func(c *collections, docs map[string][]byte) error {
		inserted = false
		for _, existing := range c.intents {
			if existing.ID == intent.ID || (match != nil && match(existing, intent)) {
				delete(docs, KeyIntents)
				return nil
			}
		}
		c.intents = append(c.intents, intent)
		inserted = true
		return encodeInto(docs, KeyIntents, c.intents)
	})
	return inserted, err
}

func (s *Store) GetIntent(ctx context.Context, id string) (models.Intent, error) {
	c, err := s.view(ctx, KeyIntents)
	if err != nil {
		return models.Intent{}, err
	}
	for _, in := range c.intents {
		if in.ID == id {
			return in, nil
		}
	}
	return models.Intent{}, fmt.Errorf("intent %s: %w", id, models.ErrIntentNotFound)
}

// ListIntents returns intents for user (all users when user is empty),
// newest first.
func (s *Store) ListIntents(ctx context.Context, user string) ([]models.Intent, error) {
	c, err := s.view(ctx, KeyIntents)
	if err != nil {
		return nil, err
	}
	out := make([]models.Intent, 0, len(c.intents))
	for _, in := range c.intents {
		if user == "" || in.User == user {
			out = append(out, in)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt > out[j].CreatedAt
	})
	return out, nil
}

// SetIntentStatus changes only the status field. An unknown id is a no-op
// because reconciliation may name intents that have not been synced yet.
func (s *Store) SetIntentStatus(ctx context.Context, id string, status models.IntentStatus) error {
	if !status.Valid() {
		return &models.ValidationError{Field: "status", Reason: "unknown status " + string(status)}
	}
	return s.update(ctx, []string{KeyIntents}, func(c *collections, docs map[string][]byte) error {
		for i := range c.intents {
			if c.intents[i].ID != id {
				continue
			}
			current := c.intents[i].Status
			if current == status {
				delete(docs, KeyIntents)
				return nil
			}
			if !current.CanTransition(status) {
				return fmt.Errorf("intent %s %s -> %s: %w", id, current, status, models.ErrInvalidStateTransition)
			}
			c.intents[i].Status = status
			return encodeInto(docs, KeyIntents, c.intents)
		}
		delete(docs, KeyIntents)
		return nil
	})
}

// AppendExecution stores e and adds its profit to the owner's total. A
// second append with the same id changes nothing and returns false.
func (s *Store) AppendExecution(ctx context.Context, e models.Execution) (bool, error) {
	return s.AppendExecutionIfAbsent(ctx, e, nil)
}

// AppendExecutionIfAbsent is AppendExecution with an extra equivalence check
// used when merging records from the remote ledger.
func (s *Store) AppendExecutionIfAbsent(ctx context.Context, e models.Execution, match ExecutionMatcher) (bool, error) {
	if err := e.Validate(); err != nil {
		return false, err
	}
	var inserted bool
	err := s.update(ctx, []string{KeyExecutions, KeyProfits}, func(c *collections, docs map[string][]byte) error {
		inserted = false
		for _, existing := range c.executions {
			if existing.ID == e.ID || (match != nil && match(existing, e)) {
				delete(docs, KeyExecutions)
				delete(docs, KeyProfits)
				return nil
			}
		}
		c.executions = append(c.executions, e)
		c.profits[e.User] = c.profits[e.User].Add(e.Profit)
		inserted = true

		if err := encodeInto(docs, KeyExecutions, c.executions); err != nil {
			return err
		}
		return encodeInto(docs, KeyProfits, c.profits)
	})
	return inserted, err
}

// RecordExecution stores e for its intent in one transaction: the intent
// must belong to e.User and be able to move to executed, the execution is
// appended, the owner's total grows by e.Profit and the intent becomes
// executed. Recording an execution id twice changes nothing and returns
// false.
func (s *Store) RecordExecution(ctx context.Context, e models.Execution) (bool, error) {
	if err := e.Validate(); err != nil {
		return false, err
	}
	var inserted bool
	err := s.update(ctx, []string{KeyIntents, KeyExecutions, KeyProfits}, func(c *collections, docs map[string][]byte) error {
		inserted = false
		for _, existing := range c.executions {
			if existing.ID == e.ID {
				delete(docs, KeyIntents)
				delete(docs, KeyExecutions)
				delete(docs, KeyProfits)
				return nil
			}
		}

		idx := -1
		for i := range c.intents {
			if c.intents[i].ID == e.IntentID {
				idx = i
				break
			}
		}
		if idx < 0 || c.intents[idx].User != e.User {
			return fmt.Errorf("intent %s: %w", e.IntentID, models.ErrIntentNotFound)
		}
		if current := c.intents[idx].Status; !current.CanTransition(models.IntentStatusExecuted) {
			return fmt.Errorf("intent %s is %s: %w", e.IntentID, current, models.ErrInvalidStateTransition)
		}

		c.intents[idx].Status = models.IntentStatusExecuted
		c.executions = append(c.executions, e)
		c.profits[e.User] = c.profits[e.User].Add(e.Profit)
		inserted = true

		if err := encodeInto(docs, KeyIntents, c.intents); err != nil {
			return err
		}
		if err := encodeInto(docs, KeyExecutions, c.executions); err != nil {
			return err
		}
		return encodeInto(docs, KeyProfits, c.profits)
	})
	return inserted, err
}

func (s *Store) GetExecution(ctx context.Context, id string) (models.Execution, error) {
	c, err := s.view(ctx, KeyExecutions)
	if err != nil {
		return models.Execution{}, err
	}
	for _, e := range c.executions {
		if e.ID == id {
			return e, nil
		}
	}
	return models.Execution{}, fmt.Errorf("execution %s: %w", id, models.ErrExecutionNotFound)
}

// ListExecutions returns executions for user (all when empty), newest first.
func (s *Store) ListExecutions(ctx context.Context, user string) ([]models.Execution, error) {
	c, err := s.view(ctx, KeyExecutions)
	if err != nil {
		return nil, err
	}
	out := make([]models.Execution, 0, len(c.executions))
	for _, e := range c.executions {
		if user == "" || e.User == user {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp > out[j].Timestamp
	})
	return out, nil
}

// TotalProfit returns the maintained aggregate; it is never recomputed.
func (s *Store) TotalProfit(ctx context.Context, user string) (decimal.Decimal, error) {
	c, err := s.view(ctx, KeyExecutions, KeyProfits)
	if err != nil {
		return decimal.Zero, err
	}
	return c.profits[user], nil
}

// StoreSignature attaches rec to its execution, replacing an earlier record
// for the same execution.
func (s *Store) StoreSignature(ctx context.Context, rec models.SignatureRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	if rec.StoredAt == 0 {
		rec.StoredAt = s.now().UnixMilli()
	}
	return s.update(ctx, []string{KeyExecutions, KeySignatures}, func(c *collections, docs map[string][]byte) error {
		delete(docs, KeyExecutions)
		found := false
		for _, e := range c.executions {
			if e.ID == rec.ExecutionID {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("execution %s: %w", rec.ExecutionID, models.ErrExecutionNotFound)
		}

		replaced := false
		for i := range c.signatures {
			if c.signatures[i].ExecutionID == rec.ExecutionID {
				c.signatures[i] = rec
				replaced = true
				break
			}
		}
		if !replaced {
			c.signatures = append(c.signatures, rec)
		}
		return encodeInto(docs, KeySignatures, c.signatures)
	})
}

func (s *Store) Signature(ctx context.Context, executionID string) (models.SignatureRecord, error) {
	c, err := s.view(ctx, KeySignatures)
	if err != nil {
		return models.SignatureRecord{}, err
	}
	for _, r := range c.signatures {
		if r.ExecutionID == executionID {
			return r, nil
		}
	}
	return models.SignatureRecord{}, fmt.Errorf("execution %s: %w", executionID, models.ErrSignatureNotFound)
}

// Counts is the size of each collection.
type Counts struct {
	Intents    int `json:"intents"`
	Executions int `json:"executions"`
	Signatures int `json:"signatures"`
}

func (s *Store) Counts(ctx context.Context) (Counts, error) {
	c, err := s.view(ctx, KeyIntents, KeyExecutions, KeySignatures)
	if err != nil {
		return Counts{}, err
	}
	return Counts{
		Intents:    len(c.intents),
		Executions: len(c.executions),
		Signatures: len(c.signatures),
	}, nil
}

// ClearAll wipes every collection.
func (s *Store) ClearAll(ctx context.Context) error {
	err := s.update(ctx, allKeys, func(c *collections, docs map[string][]byte) error {
		if err := encodeInto(docs, KeyIntents, []models.Intent{}); err != nil {
			return err
		}
		if err := encodeInto(docs, KeyExecutions, []models.Execution{}); err != nil {
			return err
		}
		if err := encodeInto(docs, KeyProfits, map[string]decimal.Decimal{}); err != nil {
			return err
		}
		return encodeInto(docs, KeySignatures, []models.SignatureRecord{})
	})
	if err == nil {
		s.logger.Warn("Local record store cleared")
	}
	return err
}

func (s *Store) Export(ctx context.Context) (Snapshot, error) {
	c, err := s.view(ctx, allKeys...)
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{
		Intents:    c.intents,
		Executions: c.executions,
		Profits:    c.profits,
		Signatures: c.signatures,
		ExportedAt: s.now().UnixMilli(),
	}
	if snap.Intents == nil {
		snap.Intents = []models.Intent{}
	}
	if snap.Executions == nil {
		snap.Executions = []models.Execution{}
	}
	if snap.Signatures == nil {
		snap.Signatures = []models.SignatureRecord{}
	}
	return snap, nil
}

// Import replaces every collection with the snapshot's. An invalid snapshot
// leaves the store untouched. Profit totals missing from the snapshot are
// rebuilt from its executions.
func (s *Store) Import(ctx context.Context, snap Snapshot) error {
	if err := snap.Validate(); err != nil {
		return err
	}
	executions := snap.Executions
	if executions == nil {
		executions = []models.Execution{}
	}
	profits := snap.Profits
	if profits == nil {
		profits = sumProfits(executions)
	}
	signatures := snap.Signatures
	if signatures == nil {
		signatures = []models.SignatureRecord{}
	}
	intents := snap.Intents
	if intents == nil {
		intents = []models.Intent{}
	}

	err := s.update(ctx, allKeys, func(c *collections, docs map[string][]byte) error {
		if err := encodeInto(docs, KeyIntents, intents); err != nil {
			return err
		}
		if err := encodeInto(docs, KeyExecutions, executions); err != nil {
			return err
		}
		if err := encodeInto(docs, KeyProfits, profits); err != nil {
			return err
		}
		return encodeInto(docs, KeySignatures, signatures)
	})
	if err != nil {
		return err
	}

	s.logger.WithFields(logrus.Fields{
		"intents":    len(intents),
		"executions": len(executions),
		"signatures": len(signatures),
	}).Info("Imported local record store")
	return nil
}

func (s *Store) ExportTo(ctx context.Context, w io.Writer) error {
	snap, err := s.Export(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(snap)
}

func (s *Store) ImportFrom(ctx context.Context, r io.Reader) error {
	var snap Snapshot
	if err := json.NewDecoder(r).Decode(&snap); err != nil {
		return &models.ValidationError{Field: "document", Reason: err.Error()}
	}
	return s.Import(ctx, snap)
}
