package market

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/gregtusar/arbai/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type SamplerConfig struct {
	// VenueASpread and VenueBSpread are the perturbation amplitudes as
	// fractions, e.g. 0.012 for ±1.2%.
	VenueASpread float64
	VenueBSpread float64
	Seed         int64
}

func DefaultSamplerConfig() SamplerConfig {
	return SamplerConfig{
		VenueASpread: 0.012,
		VenueBSpread: 0.016,
	}
}

// Sampler produces one quote per venue for each symbol by perturbing a
// shared reference price. It remembers the last good reference per symbol
// and never invents a price for a symbol it has never seen.
type Sampler struct {
	source ReferenceSource
	cfg    SamplerConfig
	logger *logrus.Logger
	now    func() time.Time

	mu        sync.Mutex
	rnd       *rand.Rand
	lastKnown map[string]decimal.Decimal
}

func NewSampler(source ReferenceSource, cfg SamplerConfig, logger *logrus.Logger) *Sampler {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Sampler{
		source:    source,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		rnd:       rand.New(rand.NewSource(seed)),
		lastKnown: make(map[string]decimal.Decimal),
	}
}

// Sample never fails; symbols without any reference price are omitted.
func (s *Sampler) Sample(ctx context.Context, symbols []string) map[string]models.QuotePair {
	fresh, err := s.source.ReferencePrices(ctx, symbols)
	if err != nil {
		s.logger.WithError(err).Warn("Reference prices unavailable, using last known prices")
		fresh = nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ts := s.now().UnixMilli()
	out := make(map[string]models.QuotePair, len(symbols))
	for _, sym := range symbols {
		ref, ok := fresh[sym]
		if ok && ref.IsPositive() {
			s.lastKnown[sym] = ref
		} else {
			ref, ok = s.lastKnown[sym]
			if !ok {
				continue
			}
		}

		out[sym] = models.QuotePair{
			VenueA: models.PriceQuote{
				Symbol:    sym,
				Price:     s.perturb(ref, s.cfg.VenueASpread),
				Timestamp: ts,
				Venue:     models.VenueA,
			},
			VenueB: models.PriceQuote{
				Symbol:    sym,
				Price:     s.perturb(ref, s.cfg.VenueBSpread),
				Timestamp: ts,
				Venue:     models.VenueB,
			},
		}
	}
	return out
}

// perturb returns ref·(1+u) with u uniform in (-spread, +spread).
func (s *Sampler) perturb(ref decimal.Decimal, spread float64) decimal.Decimal {
	if spread <= 0 {
		return ref
	}
	u := (s.rnd.Float64()*2 - 1) * spread
	return ref.Mul(decimal.NewFromFloat(1 + u)).Round(8)
}
