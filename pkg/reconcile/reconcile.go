// Package reconcile merges remote ledger records into the local store.
package reconcile

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/gregtusar/arbai/pkg/ledger"
	"github.com/gregtusar/arbai/pkg/models"
	"github.com/gregtusar/arbai/pkg/store"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

type Result struct {
	Intents    []models.Intent    `json:"intents"`
	Executions []models.Execution `json:"executions"`
	// Provenance is remote when the ledger was read during this call and
	// local when the store view was returned as-is.
	Provenance      models.Provenance `json:"provenance"`
	AddedIntents    int               `json:"addedIntents"`
	AddedExecutions int               `json:"addedExecutions"`
}

type Reconciler struct {
	store          *store.Store
	remote         ledger.Client
	timeout        time.Duration
	matchIntent    store.IntentMatcher
	matchExecution store.ExecutionMatcher
	group          singleflight.Group
	logger         *logrus.Logger
}

// New builds a Reconciler. remote may be nil when no ledger is configured.
func New(st *store.Store, remote ledger.Client, timeout time.Duration, logger *logrus.Logger) *Reconciler {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Reconciler{
		store:          st,
		remote:         remote,
		timeout:        timeout,
		matchIntent:    MatchIntent,
		matchExecution: MatchExecution,
		logger:         logger,
	}
}

// WithMatchers swaps the matching strategies, e.g. once the ledger exposes a
// shared identifier.
func (r *Reconciler) WithMatchers(intent store.IntentMatcher, execution store.ExecutionMatcher) *Reconciler {
	r.matchIntent = intent
	r.matchExecution = execution
	return r
}

// Reconcile merges the ledger's view for user into the store and returns the
// store's view. Remote failures are logged and skipped; only local store
// failures are returned. Concurrent calls for one user share one merge.
func (r *Reconciler) Reconcile(ctx context.Context, user string) (Result, error) {
	v, err, _ := r.group.Do(user, func() (any, error) {
		return r.reconcile(ctx, user)
	})
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

func (r *Reconciler) reconcile(ctx context.Context, user string) (Result, error) {
	res := Result{Provenance: models.ProvenanceLocal}

	if r.remote != nil {
		if err := r.merge(ctx, user, &res); err != nil {
			r.logger.WithError(err).WithField("user", user).Info("Remote ledger unavailable, using local records")
		} else {
			res.Provenance = models.ProvenanceRemote
		}
	}

	intents, err := r.store.ListIntents(ctx, user)
	if err != nil {
		return Result{}, err
	}
	execs, err := r.store.ListExecutions(ctx, user)
	if err != nil {
		return Result{}, err
	}
	res.Intents = intents
	res.Executions = execs
	return res, nil
}

func (r *Reconciler) merge(ctx context.Context, user string, res *Result) error {
	fetchCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	remoteIntents, err := r.remote.ListIntents(fetchCtx, user)
	if err != nil {
		return err
	}
	remoteExecs, err := r.remote.ListExecutions(fetchCtx, user)
	if err != nil {
		return err
	}

	// Ledger ids are only unique within one ledger, so merged records get
	// local ids and keep the ledger's id in RemoteID.
	for _, in := range remoteIntents {
		in.Origin = models.OriginRemote
		if in.User == "" {
			in.User = user
		}
		in.RemoteID = in.ID
		in.ID = uuid.New().String()
		added, err := r.store.InsertIntentIfAbsent(ctx, in, r.matchIntent)
		if err != nil {
			r.logger.WithError(err).WithField("remote_id", in.RemoteID).Warn("Skipping remote intent")
			continue
		}
		if added {
			res.AddedIntents++
		}
	}

	localIntents, err := r.store.ListIntents(ctx, user)
	if err != nil {
		return err
	}
	byLedgerID := make(map[string]string, len(localIntents))
	for _, in := range localIntents {
		if id := in.LedgerID(); id != "" {
			byLedgerID[id] = in.ID
		}
	}

	for _, e := range remoteExecs {
		e.Origin = models.OriginRemote
		if e.User == "" {
			e.User = user
		}
		e.RemoteID = e.ID
		e.ID = uuid.New().String()
		if local, ok := byLedgerID[e.IntentID]; ok {
			e.IntentID = local
		}
		added, err := r.store.AppendExecutionIfAbsent(ctx, e, r.matchExecution)
		if err != nil {
			r.logger.WithError(err).WithField("remote_id", e.RemoteID).Warn("Skipping remote execution")
			continue
		}
		if added {
			res.AddedExecutions++
		}
	}

	if res.AddedIntents > 0 || res.AddedExecutions > 0 {
		r.logger.WithFields(logrus.Fields{
			"user":       user,
			"intents":    res.AddedIntents,
			"executions": res.AddedExecutions,
		}).Info("Merged remote ledger records")
	}
	return nil
}
