package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gregtusar/arbai/internal/config"
	"github.com/gregtusar/arbai/pkg/advisory"
	"github.com/gregtusar/arbai/pkg/backup"
	"github.com/gregtusar/arbai/pkg/ledger"
	"github.com/gregtusar/arbai/pkg/market"
	"github.com/gregtusar/arbai/pkg/priority"
	"github.com/gregtusar/arbai/pkg/reconcile"
	"github.com/gregtusar/arbai/pkg/scheduler"
	"github.com/gregtusar/arbai/pkg/store"
	"github.com/gregtusar/arbai/pkg/trader"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// app holds the wired components for one process.
type app struct {
	cfg      *config.Config
	logger   *logrus.Logger
	store    *store.Store
	remote   ledger.Client
	intents  *trader.Intents
	executor *trader.Executor
	agent    *trader.Agent
	cron     *scheduler.Cron
	feed     *market.FeedSource
}

func newLogger(cfg config.LoggingConfig) (*logrus.Logger, error) {
	logger := logrus.New()
	if strings.EqualFold(cfg.Format, "text") {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		logger.WithError(err).Error("Invalid log level, using INFO")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		logger.SetOutput(io.MultiWriter(os.Stderr, f))
	}
	return logger, nil
}

func openBackend(ctx context.Context, cfg config.StoreConfig) (store.Backend, error) {
	switch cfg.Driver {
	case "memory":
		return store.NewMemoryBackend(), nil
	case "sqlite":
		return store.OpenSQLite(cfg.Path)
	case "redis":
		return store.OpenRedis(ctx, store.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func newLedger(cfg config.LedgerConfig, logger *logrus.Logger) (ledger.Client, error) {
	switch cfg.Mode {
	case "none":
		return nil, nil
	case "simulated":
		return ledger.NewSimulated(logger), nil
	case "http":
		var (
			auth *ledger.JWTAuthenticator
			err  error
		)
		if cfg.AuthType == "hs256" {
			auth, err = ledger.NewHS256Authenticator(cfg.KeyName, cfg.Secret)
		} else {
			auth, err = ledger.NewES256Authenticator(cfg.KeyName, cfg.PrivateKeyPEM)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to create ledger authenticator: %w", err)
		}
		return ledger.NewHTTPClient(ledger.HTTPConfig{
			BaseURL:           cfg.BaseURL,
			Timeout:           cfg.Timeout,
			RequestsPerSecond: cfg.RequestsPerSecond,
			Burst:             cfg.Burst,
		}, auth, logger), nil
	default:
		return nil, fmt.Errorf("unknown ledger mode %q", cfg.Mode)
	}
}

func newAdvisor(cfg config.AdvisoryConfig, logger *logrus.Logger) *advisory.Client {
	var provider advisory.Provider
	if cfg.Provider == "openai" && cfg.APIKey != "" {
		provider = advisory.NewOpenAIProvider(advisory.OpenAIConfig{
			APIKey:  cfg.APIKey,
			Model:   cfg.Model,
			BaseURL: cfg.BaseURL,
		})
	} else {
		logger.Info("No advisory API key configured, using local fallback assessments")
	}

	return advisory.NewClient(provider, advisory.Config{
		MaxAttempts:       cfg.MaxAttempts,
		InitialBackoff:    cfg.InitialBackoff,
		BackoffMultiplier: cfg.BackoffMultiplier,
		MaxBackoff:        cfg.MaxBackoff,
		CacheTTL:          cfg.CacheTTL,
		HistorySize:       cfg.HistorySize,
		Timeout:           cfg.Timeout,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Burst:             cfg.Burst,
	}, logger)
}

func newApp(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*app, error) {
	backend, err := openBackend(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	st := store.New(backend, logger)

	remote, err := newLedger(cfg.Ledger, logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	if cfg.Ledger.Mode == "simulated" && cfg.Store.Driver != "memory" {
		logger.WithField("store", cfg.Store.Driver).Warn("Simulated ledger starts empty on every run; its records are not persisted with the store")
	}

	rec := reconcile.New(st, remote, cfg.Ledger.ReconcileTimeout, logger)
	executor := trader.NewExecutor(st, remote, trader.ExecutorConfig{
		FeeFactor:   decimal.NewFromFloat(cfg.Execution.FeeFactor),
		FeeEstimate: decimal.NewFromFloat(cfg.Execution.FeeEstimate),
	}, logger)
	intents := trader.NewIntents(st, remote, rec, executor.Guard(), logger)

	var (
		source market.ReferenceSource
		feed   *market.FeedSource
	)
	if cfg.Market.Source == "feed" {
		feed = market.NewFeedSource(market.FeedConfig{
			URL:            cfg.Market.Feed.URL,
			Products:       cfg.Market.Feed.ProductIDs(),
			MaxAge:         cfg.Market.Feed.MaxAge,
			ReconnectDelay: cfg.Market.Feed.ReconnectDelay,
		}, cfg.Session.Symbols, logger)
		source = feed
	} else {
		prices := make(map[string]decimal.Decimal)
		for sym, p := range cfg.Market.Prices() {
			prices[sym] = decimal.NewFromFloat(p)
		}
		source = market.NewStaticSource(prices)
	}

	sampler := market.NewSampler(source, market.SamplerConfig{
		VenueASpread: cfg.Market.VenueASpread,
		VenueBSpread: cfg.Market.VenueBSpread,
		Seed:         cfg.Market.Seed,
	}, logger)

	ranker := priority.NewRanker(priority.Thresholds{
		HighProfitPercent:   decimal.NewFromFloat(cfg.Priority.HighProfitPercent),
		HighConfidence:      cfg.Priority.HighConfidence,
		MediumProfitPercent: decimal.NewFromFloat(cfg.Priority.MediumProfitPercent),
		MediumConfidence:    cfg.Priority.MediumConfidence,
	})

	cron := scheduler.NewCron(logger)
	agent := trader.NewAgent(
		sampler,
		market.NewDetector(decimal.NewFromFloat(cfg.Detector.MinProfitPercent)),
		newAdvisor(cfg.Advisory, logger),
		ranker,
		executor,
		cron,
		trader.AgentConfig{
			Symbols:              cfg.Session.Symbols,
			ScanInterval:         cfg.Session.ScanInterval,
			AdvisoryConcurrency:  cfg.Session.AdvisoryConcurrency,
			MinExecuteConfidence: cfg.Execution.MinConfidence,
			Venues: advisory.VenueMetadata{
				VenueA: cfg.Market.VenueAName,
				VenueB: cfg.Market.VenueBName,
			},
		},
		logger,
	)

	return &app{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		remote:   remote,
		intents:  intents,
		executor: executor,
		agent:    agent,
		cron:     cron,
		feed:     feed,
	}, nil
}

// startFeed runs the price feed in the background and waits up to wait for
// the first fresh prices.
func (a *app) startFeed(ctx context.Context, wait time.Duration) {
	if a.feed == nil {
		return
	}
	go func() {
		if err := a.feed.Run(ctx); err != nil && ctx.Err() == nil {
			a.logger.WithError(err).Error("Price feed stopped")
		}
	}()

	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		if _, err := a.feed.ReferencePrices(ctx, a.cfg.Session.Symbols); err == nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(250 * time.Millisecond):
		}
	}
	a.logger.Warn("No fresh feed prices yet, continuing")
}

func (a *app) archiver(ctx context.Context) (*backup.Archiver, error) {
	b := a.cfg.Backup
	return backup.NewArchiver(ctx, backup.Config{
		Bucket:          b.Bucket,
		Prefix:          b.Prefix,
		Region:          b.Region,
		Endpoint:        b.Endpoint,
		AccessKeyID:     b.AccessKeyID,
		SecretAccessKey: b.SecretAccessKey,
		UsePathStyle:    b.UsePathStyle,
	}, a.logger)
}

func (a *app) Close() error {
	return a.store.Close()
}
