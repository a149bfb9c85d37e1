package trader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gregtusar/arbai/pkg/advisory"
	"github.com/gregtusar/arbai/pkg/market"
	"github.com/gregtusar/arbai/pkg/models"
	"github.com/gregtusar/arbai/pkg/priority"
	"github.com/gregtusar/arbai/pkg/scheduler"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var (
	ErrOpportunityNotFound = errors.New("opportunity not found")
	ErrLowConfidence       = errors.New("advisory confidence too low to execute")
	ErrAgentRunning        = errors.New("agent already running")
)

type AgentConfig struct {
	Symbols              []string
	ScanInterval         time.Duration
	AdvisoryConcurrency  int
	MinExecuteConfidence int
	Venues               advisory.VenueMetadata
}

func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		Symbols:              []string{"ETH/USDC", "BTC/USDC", "NEAR/USDC", "SOL/USDC", "AVAX/USDC"},
		ScanInterval:         15 * time.Second,
		AdvisoryConcurrency:  4,
		MinExecuteConfidence: 70,
		Venues:               advisory.DefaultVenues(),
	}
}

// Agent runs the sampling loop: sample, detect, assess, rank. It keeps the
// latest ranked list and pushes each cycle to subscribers.
type Agent struct {
	sampler  *market.Sampler
	detector market.Detector
	advisor  *advisory.Client
	ranker   priority.Ranker
	executor *Executor
	sched    scheduler.Scheduler
	cfg      AgentConfig
	logger   *logrus.Logger

	mu         sync.RWMutex
	running    bool
	generation uint64
	cancelJob  func()
	cancelCtx  context.CancelFunc
	latest     []models.Candidate
	lastScan   time.Time
	subs       map[int]chan []models.Candidate
	nextSub    int
}

func NewAgent(
	sampler *market.Sampler,
	detector market.Detector,
	advisor *advisory.Client,
	ranker priority.Ranker,
	executor *Executor,
	sched scheduler.Scheduler,
	cfg AgentConfig,
	logger *logrus.Logger,
) *Agent {
	if cfg.AdvisoryConcurrency <= 0 {
		cfg.AdvisoryConcurrency = 1
	}
	return &Agent{
		sampler:  sampler,
		detector: detector,
		advisor:  advisor,
		ranker:   ranker,
		executor: executor,
		sched:    sched,
		cfg:      cfg,
		logger:   logger,
		subs:     make(map[int]chan []models.Candidate),
	}
}

func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return ErrAgentRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	gen := a.generation
	cancelJob, err := a.sched.Schedule(a.cfg.ScanInterval, func() {
		a.scan(runCtx, gen)
	})
	if err != nil {
		cancel()
		return fmt.Errorf("failed to schedule scans: %w", err)
	}

	a.running = true
	a.cancelJob = cancelJob
	a.cancelCtx = cancel
	a.logger.WithFields(logrus.Fields{
		"symbols":  a.cfg.Symbols,
		"interval": a.cfg.ScanInterval.String(),
	}).Info("Starting opportunity agent")
	return nil
}

// Stop cancels scheduled scans. Results of a scan still in flight are
// discarded.
func (a *Agent) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running {
		return
	}
	a.logger.Info("Stopping opportunity agent")
	a.running = false
	a.generation++
	a.cancelJob()
	a.cancelCtx()
}

func (a *Agent) Running() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.running
}

// Scan runs one cycle immediately and publishes its result.
func (a *Agent) Scan(ctx context.Context) []models.Candidate {
	a.mu.RLock()
	gen := a.generation
	a.mu.RUnlock()
	return a.scan(ctx, gen)
}

func (a *Agent) scan(ctx context.Context, gen uint64) []models.Candidate {
	quotes := a.sampler.Sample(ctx, a.cfg.Symbols)
	candidates := a.detector.Detect(quotes)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.AdvisoryConcurrency)
	for i := range candidates {
		i := i
		g.Go(func() error {
			adv := a.advisor.Assess(gctx, candidates[i], a.cfg.Venues)
			candidates[i] = a.ranker.Apply(candidates[i], adv)
			return nil
		})
	}
	_ = g.Wait()
	priority.Sort(candidates)

	if !a.publish(gen, candidates) {
		a.logger.Debug("Discarding scan finished after stop")
		return candidates
	}

	a.logger.WithFields(logrus.Fields{
		"quotes":        len(quotes),
		"opportunities": len(candidates),
	}).Debug("Scan complete")
	return candidates
}

func (a *Agent) publish(gen uint64, candidates []models.Candidate) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if gen != a.generation {
		return false
	}
	a.latest = candidates
	a.lastScan = time.Now()

	for _, ch := range a.subs {
		out := make([]models.Candidate, len(candidates))
		copy(out, candidates)
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- out:
		default:
		}
	}
	return true
}

func (a *Agent) Opportunities() ([]models.Candidate, time.Time) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]models.Candidate, len(a.latest))
	copy(out, a.latest)
	return out, a.lastScan
}

// Subscribe returns a channel receiving every published cycle. Slow
// subscribers only see the newest cycle.
func (a *Agent) Subscribe() (<-chan []models.Candidate, func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.nextSub
	a.nextSub++
	ch := make(chan []models.Candidate, 1)
	a.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			a.mu.Lock()
			delete(a.subs, id)
			a.mu.Unlock()
		})
	}
}

func (a *Agent) AdvisoryHistory() []models.Advisory {
	return a.advisor.History()
}

// ExecuteOpportunity executes intentID at the prices of the latest ranked
// opportunity for the intent's symbol pair.
func (a *Agent) ExecuteOpportunity(ctx context.Context, user, intentID, symbolPair string) (models.ExecutionResult, error) {
	var (
		found models.Candidate
		ok    bool
	)
	a.mu.RLock()
	for _, c := range a.latest {
		if c.SymbolPair == symbolPair {
			found, ok = c, true
			break
		}
	}
	a.mu.RUnlock()

	if !ok {
		return models.ExecutionResult{}, fmt.Errorf("%s: %w", symbolPair, ErrOpportunityNotFound)
	}
	if found.Confidence() <= a.cfg.MinExecuteConfidence {
		return models.ExecutionResult{}, fmt.Errorf("%s confidence %d: %w", symbolPair, found.Confidence(), ErrLowConfidence)
	}

	intent, err := a.executor.store.GetIntent(ctx, intentID)
	if err != nil {
		return models.ExecutionResult{}, err
	}
	if intent.SymbolPair != symbolPair {
		return models.ExecutionResult{}, &models.ValidationError{Field: "symbolPair", Reason: "does not match the intent"}
	}

	return a.executor.Execute(ctx, user, intentID, found.VenueAPrice, found.VenueBPrice)
}
