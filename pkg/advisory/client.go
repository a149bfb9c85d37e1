package advisory

import (
	"context"
	"errors"
	"hash/fnv"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/gregtusar/arbai/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

type Config struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration
	CacheTTL          time.Duration
	HistorySize       int
	Timeout           time.Duration
	// RequestsPerSecond bounds outbound provider calls; zero disables it.
	RequestsPerSecond float64
	Burst             int
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:       4,
		InitialBackoff:    500 * time.Millisecond,
		BackoffMultiplier: 2,
		MaxBackoff:        4 * time.Second,
		CacheTTL:          30 * time.Second,
		HistorySize:       15,
		Timeout:           20 * time.Second,
		RequestsPerSecond: 2,
		Burst:             4,
	}
}

var onePercent = decimal.NewFromInt(1)

type cacheEntry struct {
	advisory models.Advisory
	at       time.Time
}

// Client wraps a Provider with retries, a freshness cache, a rolling
// history and a local fallback. Assess always returns an advisory.
type Client struct {
	provider Provider
	cfg      Config
	limiter  *rate.Limiter
	logger   *logrus.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	group   singleflight.Group
	mu      sync.Mutex
	cache   map[string]cacheEntry
	history []models.Advisory
}

// NewClient accepts a nil provider, in which case every result is a
// fallback and no network call is made.
func NewClient(provider Provider, cfg Config, logger *logrus.Logger) *Client {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.BackoffMultiplier < 1 {
		cfg.BackoffMultiplier = def.BackoffMultiplier
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	return &Client{
		provider: provider,
		cfg:      cfg,
		limiter:  limiter,
		logger:   logger,
		now:      time.Now,
		sleep:    sleepContext,
		cache:    make(map[string]cacheEntry),
	}
}

func (c *Client) Enabled() bool {
	return c.provider != nil
}

// Assess returns a cached, provider or fallback advisory for candidate.
// Concurrent calls for one symbol pair share a single provider call. A
// result produced after ctx was cancelled is returned but neither cached nor
// kept in the history.
func (c *Client) Assess(ctx context.Context, candidate models.Candidate, venues VenueMetadata) models.Advisory {
	pair := candidate.SymbolPair
	if cached, ok := c.cached(pair); ok {
		return cached
	}

	v, _, _ := c.group.Do(pair, func() (any, error) {
		if cached, ok := c.cached(pair); ok {
			return cached, nil
		}
		return c.assess(ctx, candidate, venues), nil
	})
	return v.(models.Advisory)
}

func (c *Client) assess(ctx context.Context, candidate models.Candidate, venues VenueMetadata) models.Advisory {
	if c.provider == nil {
		result := Fallback(candidate, c.now())
		c.remember(result)
		return result
	}

	adv, err := c.assessRemote(ctx, Request{Candidate: candidate, Venues: venues})
	if err == nil {
		c.remember(adv)
		return adv
	}

	result := Fallback(candidate, c.now())
	if ctx.Err() != nil {
		c.logger.WithField("symbol", candidate.SymbolPair).Debug("Advisory abandoned, session stopped")
		return result
	}
	c.logger.WithFields(logrus.Fields{
		"symbol": candidate.SymbolPair,
		"error":  err.Error(),
	}).Warn("Advisory unavailable, using fallback")
	c.remember(result)
	return result
}

func (c *Client) assessRemote(ctx context.Context, req Request) (models.Advisory, error) {
	backoff := c.cfg.InitialBackoff
	var lastErr error

	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return models.Advisory{}, errors.Join(models.ErrAdvisoryUnavailable, err)
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		adv, err := c.provider.Assess(callCtx, req)
		cancel()
		if err == nil {
			return normalize(adv, req.Candidate.SymbolPair, c.now()), nil
		}

		lastErr = err
		if !errors.Is(err, ErrRateLimited) || attempt == c.cfg.MaxAttempts {
			break
		}

		c.logger.WithFields(logrus.Fields{
			"symbol":  req.Candidate.SymbolPair,
			"attempt": attempt,
			"backoff": backoff.String(),
		}).Debug("Advisory rate limited, backing off")

		if err := c.sleep(ctx, backoff); err != nil {
			return models.Advisory{}, errors.Join(models.ErrAdvisoryUnavailable, err)
		}
		backoff = time.Duration(float64(backoff) * c.cfg.BackoffMultiplier)
		if backoff > c.cfg.MaxBackoff {
			backoff = c.cfg.MaxBackoff
		}
	}

	return models.Advisory{}, errors.Join(models.ErrAdvisoryUnavailable, lastErr)
}

func (c *Client) cached(pair string) (models.Advisory, bool) {
	if c.cfg.CacheTTL <= 0 {
		return models.Advisory{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.cache[pair]
	if !ok || c.now().Sub(e.at) >= c.cfg.CacheTTL {
		return models.Advisory{}, false
	}
	return e.advisory, true
}

func (c *Client) remember(a models.Advisory) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[a.SymbolPair] = cacheEntry{advisory: a, at: c.now()}
	c.history = append(c.history, a)
	if over := len(c.history) - c.cfg.HistorySize; over > 0 {
		c.history = append([]models.Advisory(nil), c.history[over:]...)
	}
}

// History returns the retained results, oldest first.
func (c *Client) History() []models.Advisory {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.Advisory, len(c.history))
	copy(out, c.history)
	return out
}

// Fallback is the local heuristic used whenever the provider cannot answer.
// It is seeded by the symbol and candidate timestamp so one candidate always
// yields the same result, and it never suggests acting.
func Fallback(candidate models.Candidate, now time.Time) models.Advisory {
	h := fnv.New64a()
	h.Write([]byte(candidate.SymbolPair))
	seed := int64(h.Sum64()) ^ candidate.Timestamp
	rnd := rand.New(rand.NewSource(seed))

	action := models.ActionWait
	if candidate.ProfitPercent.GreaterThan(onePercent) {
		action = models.ActionHold
	}

	return models.Advisory{
		SymbolPair: candidate.SymbolPair,
		Action:     action,
		Confidence: 45 + rnd.Intn(20),
		RiskLevel:  models.RiskMedium,
		Rationale:  "Advisory service unavailable; local heuristic suggests monitoring the spread before acting.",
		Sentiment:  models.SentimentNeutral,
		Source:     models.ProvenanceFallback,
		AssessedAt: now.UnixMilli(),
	}
}

func normalize(a models.Advisory, pair string, now time.Time) models.Advisory {
	a.SymbolPair = pair
	a.Source = models.ProvenanceRemote
	a.AssessedAt = now.UnixMilli()

	if a.Confidence < 0 {
		a.Confidence = 0
	}
	if a.Confidence > 100 {
		a.Confidence = 100
	}

	switch models.AdvisoryAction(strings.ToUpper(string(a.Action))) {
	case models.ActionBuy, models.ActionSell, models.ActionHold, models.ActionWait:
		a.Action = models.AdvisoryAction(strings.ToUpper(string(a.Action)))
	default:
		a.Action = models.ActionHold
	}
	switch models.RiskLevel(strings.ToUpper(string(a.RiskLevel))) {
	case models.RiskLow, models.RiskMedium, models.RiskHigh:
		a.RiskLevel = models.RiskLevel(strings.ToUpper(string(a.RiskLevel)))
	default:
		a.RiskLevel = models.RiskHigh
	}
	switch models.Sentiment(strings.ToUpper(string(a.Sentiment))) {
	case models.SentimentBullish, models.SentimentBearish, models.SentimentNeutral:
		a.Sentiment = models.Sentiment(strings.ToUpper(string(a.Sentiment)))
	default:
		a.Sentiment = models.SentimentNeutral
	}
	return a
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
