package trader

import (
	"context"
	"fmt"

	"github.com/gregtusar/arbai/pkg/ledger"
	"github.com/gregtusar/arbai/pkg/models"
	"github.com/gregtusar/arbai/pkg/store"
	"github.com/sirupsen/logrus"
)

// Execution returns one of user's executions after reconciling.
func (s *Intents) Execution(ctx context.Context, user, id string) (models.Execution, models.Provenance, error) {
	res, err := s.reconciler.Reconcile(ctx, user)
	if err != nil {
		return models.Execution{}, "", err
	}
	exec, err := s.store.GetExecution(ctx, id)
	if err != nil {
		return models.Execution{}, "", err
	}
	if exec.User != user {
		return models.Execution{}, "", fmt.Errorf("execution %s: %w", id, models.ErrExecutionNotFound)
	}
	return exec, res.Provenance, nil
}

// StoreSignature records a cross-chain signature for one of user's
// executions. The local record is authoritative; the ledger copy is best
// effort and reflected in the returned provenance.
func (s *Intents) StoreSignature(ctx context.Context, user string, rec models.SignatureRecord) (models.SignatureRecord, models.Provenance, error) {
	if err := rec.Validate(); err != nil {
		return models.SignatureRecord{}, "", err
	}
	exec, err := s.store.GetExecution(ctx, rec.ExecutionID)
	if err != nil {
		return models.SignatureRecord{}, "", err
	}
	if exec.User != user {
		return models.SignatureRecord{}, "", fmt.Errorf("execution %s: %w", rec.ExecutionID, models.ErrExecutionNotFound)
	}

	rec.StoredAt = s.now().UnixMilli()
	provenance := models.ProvenanceLocal
	if ledgerID := exec.LedgerID(); s.remote != nil && ledgerID != "" {
		remoteRec := rec
		remoteRec.ExecutionID = ledgerID
		if err := s.remote.StoreSignature(ctx, user, remoteRec); err != nil {
			s.logger.WithFields(logrus.Fields{
				"execution_id": rec.ExecutionID,
				"rejected":     ledger.IsRejected(err),
				"error":        err.Error(),
			}).Warn("Remote signature store failed, keeping local record")
		} else {
			provenance = models.ProvenanceRemote
		}
	}

	if err := s.store.StoreSignature(ctx, rec); err != nil {
		return models.SignatureRecord{}, "", fmt.Errorf("failed to save signature: %w", err)
	}
	return rec, provenance, nil
}

// SignatureCheck is the result of VerifySignature.
type SignatureCheck struct {
	ExecutionID string                  `json:"executionId"`
	Verified    bool                    `json:"verified"`
	Record      *models.SignatureRecord `json:"record,omitempty"`
	Provenance  models.Provenance       `json:"provenance"`
}

// VerifySignature reports whether a signature record exists for the
// execution, asking the ledger when none is stored locally.
func (s *Intents) VerifySignature(ctx context.Context, user, executionID string) (SignatureCheck, error) {
	exec, err := s.store.GetExecution(ctx, executionID)
	if err != nil {
		return SignatureCheck{}, err
	}
	if exec.User != user {
		return SignatureCheck{}, fmt.Errorf("execution %s: %w", executionID, models.ErrExecutionNotFound)
	}

	check := SignatureCheck{ExecutionID: executionID, Provenance: models.ProvenanceLocal}
	rec, err := s.store.Signature(ctx, executionID)
	if err == nil {
		check.Verified = true
		check.Record = &rec
		return check, nil
	}

	if ledgerID := exec.LedgerID(); s.remote != nil && ledgerID != "" {
		ok, err := s.remote.VerifySignature(ctx, user, ledgerID)
		if err != nil {
			s.logger.WithError(err).WithField("execution_id", executionID).Info("Remote signature check failed, using local records")
			return check, nil
		}
		check.Verified = ok
		check.Provenance = models.ProvenanceRemote
	}
	return check, nil
}

// Info summarises the local records and, when reachable, the ledger.
type Info struct {
	Name       string            `json:"name"`
	Version    string            `json:"version"`
	Local      store.Counts      `json:"local"`
	Ledger     *ledger.Info      `json:"ledger,omitempty"`
	Provenance models.Provenance `json:"provenance"`
}

func (s *Intents) Info(ctx context.Context) (Info, error) {
	counts, err := s.store.Counts(ctx)
	if err != nil {
		return Info{}, err
	}
	info := Info{
		Name:       "ArbitrageAI Cross-Chain Agent",
		Version:    "1.0.0",
		Local:      counts,
		Provenance: models.ProvenanceLocal,
	}
	if s.remote != nil {
		remote, err := s.remote.Info(ctx)
		if err != nil {
			s.logger.WithError(err).Info("Remote ledger info unavailable")
		} else {
			info.Ledger = &remote
			info.Provenance = models.ProvenanceRemote
		}
	}
	return info, nil
}
