package trader

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gregtusar/arbai/pkg/advisory"
	"github.com/gregtusar/arbai/pkg/ledger"
	"github.com/gregtusar/arbai/pkg/market"
	"github.com/gregtusar/arbai/pkg/models"
	"github.com/gregtusar/arbai/pkg/priority"
	"github.com/gregtusar/arbai/pkg/reconcile"
	"github.com/gregtusar/arbai/pkg/scheduler"
	"github.com/gregtusar/arbai/pkg/store"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newStore() *store.Store {
	return store.New(store.NewMemoryBackend(), testLogger())
}

func seedIntent(t *testing.T, st *store.Store, id, user string, origin models.Origin) models.Intent {
	t.Helper()
	in := models.Intent{
		ID:                 id,
		User:               user,
		SymbolPair:         "ETH/USDC",
		MinProfitThreshold: d("1"),
		Status:             models.IntentStatusActive,
		CreatedAt:          1700000000000,
		Origin:             origin,
	}
	if err := st.InsertIntent(context.Background(), in); err != nil {
		t.Fatal(err)
	}
	return in
}

func TestExecute_ProfitComputation(t *testing.T) {
	ctx := context.Background()
	st := newStore()
	seedIntent(t, st, "i-1", "alice.near", models.OriginLocal)
	ex := NewExecutor(st, nil, DefaultExecutorConfig(), testLogger())

	res, err := ex.Execute(ctx, "alice.near", "i-1", d("3000"), d("2954.50"))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Profit.Equal(d("36.40")) {
		t.Fatalf("profit=%s want=36.40", res.Profit)
	}
	if res.SucceededRemotely || res.Provenance != models.ProvenanceLocal {
		t.Fatalf("result=%+v want local", res)
	}

	execs, _ := st.ListExecutions(ctx, "alice.near")
	if len(execs) != 1 || !execs[0].FeeEstimate.Equal(d("0.01")) || !execs[0].PriceDifference.Equal(d("45.5")) {
		t.Fatalf("executions=%+v", execs)
	}
}

func TestExecute_DegradedModeStillRecords(t *testing.T) {
	ctx := context.Background()
	st := newStore()
	seedIntent(t, st, "i-1", "alice.near", models.OriginRemote)
	remote := ledger.NewSimulated(testLogger())
	remote.SetOffline(true)
	ex := NewExecutor(st, remote, DefaultExecutorConfig(), testLogger())

	res, err := ex.Execute(ctx, "alice.near", "i-1", d("3000"), d("2950"))
	if err != nil {
		t.Fatalf("degraded execute failed: %v", err)
	}
	if res.SucceededRemotely {
		t.Fatal("succeededRemotely=true with an offline ledger")
	}
	if !strings.HasPrefix(res.SettlementReference, "local-") {
		t.Fatalf("reference=%s want local placeholder", res.SettlementReference)
	}

	in, _ := st.GetIntent(ctx, "i-1")
	if in.Status != models.IntentStatusExecuted {
		t.Fatalf("status=%s want=executed", in.Status)
	}
	execs, _ := st.ListExecutions(ctx, "")
	if len(execs) != 1 {
		t.Fatalf("executions=%d want=1", len(execs))
	}
	total, _ := st.TotalProfit(ctx, "alice.near")
	if !total.Equal(d("40")) {
		t.Fatalf("total=%s want=40", total)
	}
}

func TestExecute_RemoteSuccessReconcilesOnce(t *testing.T) {
	ctx := context.Background()
	st := newStore()
	remote := ledger.NewSimulated(testLogger())
	rec := reconcile.New(st, remote, time.Second, testLogger())
	ex := NewExecutor(st, remote, DefaultExecutorConfig(), testLogger())
	intents := NewIntents(st, remote, rec, ex.Guard(), testLogger())

	in, err := intents.Create(ctx, "alice.near", "ETH/USDC", d("1"))
	if err != nil {
		t.Fatal(err)
	}
	if in.Origin != models.OriginRemote || in.RemoteID != "1" || in.ID == in.RemoteID {
		t.Fatalf("intent=%+v want remote with a local id", in)
	}

	res, err := ex.Execute(ctx, "alice.near", in.ID, d("3000"), d("2950"))
	if err != nil {
		t.Fatal(err)
	}
	if !res.SucceededRemotely || res.Provenance != models.ProvenanceRemote {
		t.Fatalf("result=%+v want remote", res)
	}

	total, prov, err := intents.TotalProfit(ctx, "alice.near")
	if err != nil {
		t.Fatal(err)
	}
	if prov != models.ProvenanceRemote {
		t.Fatalf("provenance=%s want=remote", prov)
	}
	if !total.Equal(d("40")) {
		t.Fatalf("total=%s want=40 counted once", total)
	}
	list, _, _ := intents.List(ctx, "alice.near")
	if len(list) != 1 {
		t.Fatalf("intents=%d want=1", len(list))
	}
}

func TestExecute_StateErrors(t *testing.T) {
	ctx := context.Background()
	st := newStore()
	seedIntent(t, st, "i-1", "alice.near", models.OriginLocal)
	ex := NewExecutor(st, nil, DefaultExecutorConfig(), testLogger())

	if _, err := ex.Execute(ctx, "alice.near", "missing", d("3000"), d("2950")); !errors.Is(err, models.ErrIntentNotFound) {
		t.Fatalf("missing err=%v", err)
	}
	if _, err := ex.Execute(ctx, "bob.near", "i-1", d("3000"), d("2950")); !errors.Is(err, models.ErrIntentNotFound) {
		t.Fatalf("foreign err=%v", err)
	}
	if _, err := ex.Execute(ctx, "alice.near", "i-1", d("0"), d("2950")); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("zero price err=%v", err)
	}

	if err := st.SetIntentStatus(ctx, "i-1", models.IntentStatusPaused); err != nil {
		t.Fatal(err)
	}
	if _, err := ex.Execute(ctx, "alice.near", "i-1", d("3000"), d("2950")); !errors.Is(err, models.ErrInvalidStateTransition) {
		t.Fatalf("paused err=%v", err)
	}

	if err := st.SetIntentStatus(ctx, "i-1", models.IntentStatusActive); err != nil {
		t.Fatal(err)
	}
	if _, err := ex.Execute(ctx, "alice.near", "i-1", d("3000"), d("2950")); err != nil {
		t.Fatal(err)
	}
	if _, err := ex.Execute(ctx, "alice.near", "i-1", d("3000"), d("2950")); !errors.Is(err, models.ErrInvalidStateTransition) {
		t.Fatalf("executed err=%v", err)
	}
}

func TestExecute_ConcurrentOnlyOneSucceeds(t *testing.T) {
	ctx := context.Background()
	st := newStore()
	seedIntent(t, st, "i-1", "alice.near", models.OriginLocal)
	ex := NewExecutor(st, nil, DefaultExecutorConfig(), testLogger())

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ex.Execute(ctx, "alice.near", "i-1", d("3000"), d("2950"))
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
				return
			}
			if !errors.Is(err, models.ErrIntentAlreadyExecuting) && !errors.Is(err, models.ErrInvalidStateTransition) {
				t.Errorf("unexpected err=%v", err)
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Fatalf("successes=%d want=1", successes)
	}
	execs, _ := st.ListExecutions(ctx, "alice.near")
	if len(execs) != 1 {
		t.Fatalf("executions=%d want=1", len(execs))
	}
}

func TestIntents_CreateAndTransitions(t *testing.T) {
	ctx := context.Background()
	st := newStore()
	rec := reconcile.New(st, nil, time.Second, testLogger())
	svc := NewIntents(st, nil, rec, nil, testLogger())

	if _, err := svc.Create(ctx, "alice.near", "ETHUSDC", d("1")); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("bad pair err=%v", err)
	}
	if _, err := svc.Create(ctx, "alice.near", "ETH/USDC", d("0")); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("zero threshold err=%v", err)
	}

	in, err := svc.Create(ctx, "alice.near", "ETH/USDC", d("1.5"))
	if err != nil {
		t.Fatal(err)
	}
	if in.Origin != models.OriginLocal || in.Status != models.IntentStatusActive {
		t.Fatalf("intent=%+v", in)
	}

	if _, err := svc.Pause(ctx, "bob.near", in.ID); !errors.Is(err, models.ErrIntentNotFound) {
		t.Fatalf("foreign pause err=%v", err)
	}
	paused, err := svc.Pause(ctx, "alice.near", in.ID)
	if err != nil || paused.Status != models.IntentStatusPaused {
		t.Fatalf("pause=%+v err=%v", paused, err)
	}
	if _, err := svc.Pause(ctx, "alice.near", in.ID); !errors.Is(err, models.ErrInvalidStateTransition) {
		t.Fatalf("double pause err=%v", err)
	}
	if _, err := svc.Resume(ctx, "alice.near", in.ID); err != nil {
		t.Fatal(err)
	}

	list, prov, err := svc.List(ctx, "alice.near")
	if err != nil {
		t.Fatal(err)
	}
	if prov != models.ProvenanceLocal || len(list) != 1 || list[0].Status != models.IntentStatusActive {
		t.Fatalf("list=%+v provenance=%s", list, prov)
	}
}

func TestIntents_CreateFallsBackWhenLedgerOffline(t *testing.T) {
	ctx := context.Background()
	st := newStore()
	remote := ledger.NewSimulated(testLogger())
	remote.SetOffline(true)
	svc := NewIntents(st, remote, reconcile.New(st, remote, time.Second, testLogger()), nil, testLogger())

	in, err := svc.Create(ctx, "alice.near", "ETH/USDC", d("1.5"))
	if err != nil {
		t.Fatal(err)
	}
	if in.Origin != models.OriginLocal {
		t.Fatalf("origin=%s want=local", in.Origin)
	}
	if _, err := st.GetIntent(ctx, in.ID); err != nil {
		t.Fatalf("intent not stored: %v", err)
	}
}

type fixedProvider struct {
	adv models.Advisory
}

func (f fixedProvider) Assess(context.Context, advisory.Request) (models.Advisory, error) {
	return f.adv, nil
}

func newTestAgent(t *testing.T, provider advisory.Provider) (*Agent, *scheduler.Manual, *store.Store) {
	t.Helper()
	logger := testLogger()
	st := newStore()

	src := market.NewStaticSource(market.DefaultBasePrices())
	sampler := market.NewSampler(src, market.SamplerConfig{VenueBSpread: 0.05, Seed: 42}, logger)
	advCfg := advisory.DefaultConfig()
	advCfg.RequestsPerSecond = 0
	advisor := advisory.NewClient(provider, advCfg, logger)
	sched := scheduler.NewManual()

	cfg := DefaultAgentConfig()
	agent := NewAgent(
		sampler,
		market.NewDetector(decimal.Zero),
		advisor,
		priority.NewRanker(priority.DefaultThresholds()),
		NewExecutor(st, nil, DefaultExecutorConfig(), logger),
		sched,
		cfg,
		logger,
	)
	return agent, sched, st
}

func TestAgent_ScheduledScanPublishesRankedList(t *testing.T) {
	agent, sched, _ := newTestAgent(t, fixedProvider{adv: models.Advisory{Action: "BUY", Confidence: 90, RiskLevel: "LOW", Sentiment: "BULLISH"}})
	ctx := context.Background()

	updates, unsubscribe := agent.Subscribe()
	defer unsubscribe()

	if err := agent.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := agent.Start(ctx); !errors.Is(err, ErrAgentRunning) {
		t.Fatalf("second start err=%v", err)
	}

	sched.Advance(15 * time.Second)

	opps, at := agent.Opportunities()
	if len(opps) == 0 || at.IsZero() {
		t.Fatal("no opportunities after a scheduled scan")
	}
	for i, c := range opps {
		if c.Advisory == nil || c.Advisory.Source != models.ProvenanceRemote {
			t.Fatalf("candidate %s not assessed", c.SymbolPair)
		}
		if i > 0 {
			prev := opps[i-1]
			if prev.Priority.Weight() < c.Priority.Weight() {
				t.Fatalf("not sorted by priority at %d", i)
			}
			if prev.Priority == c.Priority && prev.ProfitPercent.LessThan(c.ProfitPercent) {
				t.Fatalf("not sorted by profit at %d", i)
			}
		}
	}

	select {
	case pushed := <-updates:
		if len(pushed) != len(opps) {
			t.Fatalf("pushed=%d want=%d", len(pushed), len(opps))
		}
	default:
		t.Fatal("subscriber received nothing")
	}

	agent.Stop()
	if sched.Pending() != 0 {
		t.Fatalf("pending jobs=%d after stop", sched.Pending())
	}
}

func TestAgent_DiscardsScanAfterStop(t *testing.T) {
	agent, _, _ := newTestAgent(t, nil)
	ctx := context.Background()
	if err := agent.Start(ctx); err != nil {
		t.Fatal(err)
	}

	agent.mu.RLock()
	gen := agent.generation
	agent.mu.RUnlock()

	agent.Stop()
	agent.scan(ctx, gen)

	if opps, _ := agent.Opportunities(); len(opps) != 0 {
		t.Fatalf("opportunities=%d want=0 after stop", len(opps))
	}
}

func TestAgent_ExecuteOpportunityRequiresConfidence(t *testing.T) {
	ctx := context.Background()

	low, _, lowStore := newTestAgent(t, nil)
	seedIntent(t, lowStore, "i-1", "alice.near", models.OriginLocal)
	low.Scan(ctx)
	if _, err := low.ExecuteOpportunity(ctx, "alice.near", "i-1", "ETH/USDC"); !errors.Is(err, ErrLowConfidence) {
		t.Fatalf("fallback advisory err=%v want ErrLowConfidence", err)
	}
	if _, err := low.ExecuteOpportunity(ctx, "alice.near", "i-1", "DOGE/USDC"); !errors.Is(err, ErrOpportunityNotFound) {
		t.Fatalf("unknown pair err=%v", err)
	}

	high, _, highStore := newTestAgent(t, fixedProvider{adv: models.Advisory{Action: "BUY", Confidence: 95, RiskLevel: "LOW"}})
	seedIntent(t, highStore, "i-1", "alice.near", models.OriginLocal)
	high.Scan(ctx)
	res, err := high.ExecuteOpportunity(ctx, "alice.near", "i-1", "ETH/USDC")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Profit.IsPositive() {
		t.Fatalf("profit=%s want positive", res.Profit)
	}
	in, _ := highStore.GetIntent(ctx, "i-1")
	if in.Status != models.IntentStatusExecuted {
		t.Fatalf("status=%s want=executed", in.Status)
	}
}

func TestIntents_LedgerRestartDoesNotOverwrite(t *testing.T) {
	ctx := context.Background()
	st := newStore()

	// Two runs sharing one store, each with a fresh ledger whose ids start at 1.
	first := ledger.NewSimulated(testLogger())
	firstBook := NewIntents(st, first, reconcile.New(st, first, time.Second, testLogger()), nil, testLogger())
	firstExec := NewExecutor(st, first, DefaultExecutorConfig(), testLogger())

	alice, err := firstBook.Create(ctx, "alice.near", "ETH/USDC", d("1"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := firstExec.Execute(ctx, "alice.near", alice.ID, d("3000"), d("2950")); err != nil {
		t.Fatal(err)
	}

	second := ledger.NewSimulated(testLogger())
	secondBook := NewIntents(st, second, reconcile.New(st, second, time.Second, testLogger()), nil, testLogger())
	bob, err := secondBook.Create(ctx, "bob.near", "BTC/USDC", d("2"))
	if err != nil {
		t.Fatal(err)
	}
	if bob.ID == alice.ID {
		t.Fatalf("local ids collide: %s", bob.ID)
	}
	if alice.RemoteID != bob.RemoteID {
		t.Fatalf("remote ids %s/%s, expected both ledgers to hand out the same id", alice.RemoteID, bob.RemoteID)
	}

	stored, err := st.GetIntent(ctx, alice.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.User != "alice.near" || stored.SymbolPair != "ETH/USDC" || stored.Status != models.IntentStatusExecuted {
		t.Fatalf("alice's intent overwritten: %+v", stored)
	}
	all, _ := st.ListIntents(ctx, "")
	if len(all) != 2 {
		t.Fatalf("intents=%d want=2", len(all))
	}
}

// pausingLedger runs hook while the remote execution is in flight.
type pausingLedger struct {
	*ledger.Simulated
	hook func()
}

func (p *pausingLedger) Execute(ctx context.Context, user, intentID string, a, b decimal.Decimal) (ledger.Receipt, error) {
	if p.hook != nil {
		p.hook()
	}
	return p.Simulated.Execute(ctx, user, intentID, a, b)
}

func TestExecute_StatusChangeDuringRemoteCall(t *testing.T) {
	ctx := context.Background()
	st := newStore()
	remote := &pausingLedger{Simulated: ledger.NewSimulated(testLogger())}
	ex := NewExecutor(st, remote, DefaultExecutorConfig(), testLogger())
	book := NewIntents(st, remote, reconcile.New(st, remote, time.Second, testLogger()), ex.Guard(), testLogger())

	in, err := book.Create(ctx, "alice.near", "ETH/USDC", d("1"))
	if err != nil {
		t.Fatal(err)
	}

	var pauseErr error
	remote.hook = func() {
		_, pauseErr = book.Pause(ctx, "alice.near", in.ID)
		// A writer that bypasses the intent book, e.g. another process.
		if err := st.SetIntentStatus(ctx, in.ID, models.IntentStatusPaused); err != nil {
			t.Errorf("direct pause: %v", err)
		}
	}

	_, err = ex.Execute(ctx, "alice.near", in.ID, d("3000"), d("2950"))
	if !errors.Is(err, models.ErrInvalidStateTransition) {
		t.Fatalf("execute err=%v want ErrInvalidStateTransition", err)
	}
	if !errors.Is(pauseErr, models.ErrIntentAlreadyExecuting) {
		t.Fatalf("pause err=%v want ErrIntentAlreadyExecuting", pauseErr)
	}

	execs, _ := st.ListExecutions(ctx, "alice.near")
	total, _ := st.TotalProfit(ctx, "alice.near")
	if len(execs) != 0 || !total.IsZero() {
		t.Fatalf("executions=%d total=%s want nothing recorded", len(execs), total)
	}
	stored, _ := st.GetIntent(ctx, in.ID)
	if stored.Status != models.IntentStatusPaused {
		t.Fatalf("status=%s want=paused", stored.Status)
	}
}

func TestIntents_SignaturesAndInfo(t *testing.T) {
	ctx := context.Background()
	st := newStore()
	remote := ledger.NewSimulated(testLogger())
	ex := NewExecutor(st, remote, DefaultExecutorConfig(), testLogger())
	book := NewIntents(st, remote, reconcile.New(st, remote, time.Second, testLogger()), ex.Guard(), testLogger())

	in, err := book.Create(ctx, "alice.near", "ETH/USDC", d("1"))
	if err != nil {
		t.Fatal(err)
	}
	res, err := ex.Execute(ctx, "alice.near", in.ID, d("3000"), d("2950"))
	if err != nil {
		t.Fatal(err)
	}

	exec, prov, err := book.Execution(ctx, "alice.near", res.ExecutionID)
	if err != nil {
		t.Fatal(err)
	}
	if prov != models.ProvenanceRemote || exec.RemoteID != "1" {
		t.Fatalf("execution=%+v provenance=%s", exec, prov)
	}
	if _, _, err := book.Execution(ctx, "bob.near", res.ExecutionID); !errors.Is(err, models.ErrExecutionNotFound) {
		t.Fatalf("foreign execution err=%v", err)
	}

	check, err := book.VerifySignature(ctx, "alice.near", res.ExecutionID)
	if err != nil {
		t.Fatal(err)
	}
	if check.Verified {
		t.Fatalf("verified before signing: %+v", check)
	}

	rec := models.SignatureRecord{ExecutionID: res.ExecutionID, Signature: "c2lnbmVk", PublicKey: "ed25519:pk", ChainID: 1, Nonce: 3}
	stored, prov, err := book.StoreSignature(ctx, "alice.near", rec)
	if err != nil {
		t.Fatal(err)
	}
	if prov != models.ProvenanceRemote || stored.StoredAt == 0 {
		t.Fatalf("stored=%+v provenance=%s", stored, prov)
	}
	if ok, _ := remote.VerifySignature(ctx, "alice.near", "1"); !ok {
		t.Fatal("ledger copy missing")
	}

	check, err = book.VerifySignature(ctx, "alice.near", res.ExecutionID)
	if err != nil {
		t.Fatal(err)
	}
	if !check.Verified || check.Record == nil || check.Record.Nonce != 3 {
		t.Fatalf("check=%+v", check)
	}

	info, err := book.Info(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if info.Local.Intents != 1 || info.Local.Executions != 1 || info.Local.Signatures != 1 {
		t.Fatalf("local counts=%+v", info.Local)
	}
	if info.Ledger == nil || info.Ledger.TotalExecutions != 1 || info.Provenance != models.ProvenanceRemote {
		t.Fatalf("info=%+v", info)
	}

	remote.SetOffline(true)
	info, _ = book.Info(ctx)
	if info.Ledger != nil || info.Provenance != models.ProvenanceLocal {
		t.Fatalf("offline info=%+v", info)
	}
}
