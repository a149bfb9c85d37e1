package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gregtusar/arbai/pkg/secrets"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Session   SessionConfig   `mapstructure:"session"`
	Market    MarketConfig    `mapstructure:"market"`
	Detector  DetectorConfig  `mapstructure:"detector"`
	Advisory  AdvisoryConfig  `mapstructure:"advisory"`
	Priority  PriorityConfig  `mapstructure:"priority"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Store     StoreConfig     `mapstructure:"store"`
	Backup    BackupConfig    `mapstructure:"backup"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	GCP       GCPConfig       `mapstructure:"gcp"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
	// DefaultUser is used when a request names no user.
	DefaultUser string `mapstructure:"default_user"`
}

type SessionConfig struct {
	Symbols             []string      `mapstructure:"symbols"`
	ScanInterval        time.Duration `mapstructure:"scan_interval"`
	AdvisoryConcurrency int           `mapstructure:"advisory_concurrency"`
}

type MarketConfig struct {
	Source       string             `mapstructure:"source"` // "static" or "feed"
	VenueAName   string             `mapstructure:"venue_a_name"`
	VenueBName   string             `mapstructure:"venue_b_name"`
	VenueASpread float64            `mapstructure:"venue_a_spread"`
	VenueBSpread float64            `mapstructure:"venue_b_spread"`
	Seed         int64              `mapstructure:"seed"`
	BasePrices   map[string]float64 `mapstructure:"base_prices"`
	Feed         FeedConfig         `mapstructure:"feed"`
}

// Prices returns the base price table keyed by upper-case symbol pair;
// viper lower-cases map keys on load.
func (m MarketConfig) Prices() map[string]float64 {
	out := make(map[string]float64, len(m.BasePrices))
	for sym, p := range m.BasePrices {
		out[strings.ToUpper(sym)] = p
	}
	return out
}

// ProductIDs returns the feed product mapping keyed by upper-case symbol pair.
func (f FeedConfig) ProductIDs() map[string]string {
	out := make(map[string]string, len(f.Products))
	for sym, id := range f.Products {
		out[strings.ToUpper(sym)] = id
	}
	return out
}

type FeedConfig struct {
	URL            string            `mapstructure:"url"`
	MaxAge         time.Duration     `mapstructure:"max_age"`
	ReconnectDelay time.Duration     `mapstructure:"reconnect_delay"`
	Products       map[string]string `mapstructure:"products"`
}

type DetectorConfig struct {
	MinProfitPercent float64 `mapstructure:"min_profit_percent"`
}

type AdvisoryConfig struct {
	Provider          string        `mapstructure:"provider"` // "openai" or "none"
	APIKey            string        `mapstructure:"api_key"`
	Model             string        `mapstructure:"model"`
	BaseURL           string        `mapstructure:"base_url"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	InitialBackoff    time.Duration `mapstructure:"initial_backoff"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
	MaxBackoff        time.Duration `mapstructure:"max_backoff"`
	CacheTTL          time.Duration `mapstructure:"cache_ttl"`
	HistorySize       int           `mapstructure:"history_size"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
}

type PriorityConfig struct {
	HighProfitPercent   float64 `mapstructure:"high_profit_percent"`
	HighConfidence      int     `mapstructure:"high_confidence"`
	MediumProfitPercent float64 `mapstructure:"medium_profit_percent"`
	MediumConfidence    int     `mapstructure:"medium_confidence"`
}

type ExecutionConfig struct {
	FeeFactor     float64 `mapstructure:"fee_factor"`
	FeeEstimate   float64 `mapstructure:"fee_estimate"`
	MinConfidence int     `mapstructure:"min_confidence"`
}

type LedgerConfig struct {
	Mode              string        `mapstructure:"mode"` // "none", "simulated" or "http"
	BaseURL           string        `mapstructure:"base_url"`
	Timeout           time.Duration `mapstructure:"timeout"`
	ReconcileTimeout  time.Duration `mapstructure:"reconcile_timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`

	AuthType      string `mapstructure:"auth_type"` // "es256" or "hs256"
	KeyName       string `mapstructure:"key_name"`
	PrivateKeyPEM string `mapstructure:"private_key_pem"`
	Secret        string `mapstructure:"secret"`
}

type StoreConfig struct {
	Driver string      `mapstructure:"driver"` // "memory", "sqlite" or "redis"
	Path   string      `mapstructure:"path"`
	Redis  RedisConfig `mapstructure:"redis"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type BackupConfig struct {
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UsePathStyle    bool   `mapstructure:"use_path_style"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

type GCPConfig struct {
	ProjectID       string              `mapstructure:"project_id"`
	UseSecrets      bool                `mapstructure:"use_secrets"`
	CredentialsFile string              `mapstructure:"credentials_file"`
	SecretNames     secrets.SecretNames `mapstructure:"secret_names"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/arbai")
	}

	v.SetEnvPrefix("ARBAI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	overrideFromEnv(&config)

	if config.GCP.UseSecrets && config.GCP.ProjectID != "" {
		ctx := context.Background()
		logger := logrus.New()
		if err := loadSecretsFromGCP(ctx, &config, logger); err != nil {
			return nil, fmt.Errorf("error loading secrets from GCP: %w", err)
		}
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.default_user", "demo.near")

	v.SetDefault("session.symbols", []string{"ETH/USDC", "BTC/USDC", "NEAR/USDC", "SOL/USDC", "AVAX/USDC"})
	v.SetDefault("session.scan_interval", "15s")
	v.SetDefault("session.advisory_concurrency", 4)

	v.SetDefault("market.source", "static")
	v.SetDefault("market.venue_a_name", "NEAR")
	v.SetDefault("market.venue_b_name", "Ethereum")
	v.SetDefault("market.venue_a_spread", 0.012)
	v.SetDefault("market.venue_b_spread", 0.016)
	v.SetDefault("market.seed", 0)
	v.SetDefault("market.base_prices", map[string]float64{
		"ETH/USDC":  3000,
		"BTC/USDC":  65000,
		"NEAR/USDC": 5.2,
		"SOL/USDC":  150,
		"AVAX/USDC": 35,
	})
	v.SetDefault("market.feed.url", "wss://ws-feed.exchange.coinbase.com")
	v.SetDefault("market.feed.max_age", "30s")
	v.SetDefault("market.feed.reconnect_delay", "5s")

	v.SetDefault("detector.min_profit_percent", 0.5)

	v.SetDefault("advisory.provider", "openai")
	v.SetDefault("advisory.model", "gpt-4o-mini")
	v.SetDefault("advisory.max_attempts", 4)
	v.SetDefault("advisory.initial_backoff", "500ms")
	v.SetDefault("advisory.backoff_multiplier", 2.0)
	v.SetDefault("advisory.max_backoff", "4s")
	v.SetDefault("advisory.cache_ttl", "30s")
	v.SetDefault("advisory.history_size", 15)
	v.SetDefault("advisory.timeout", "20s")
	v.SetDefault("advisory.requests_per_second", 2.0)
	v.SetDefault("advisory.burst", 4)

	v.SetDefault("priority.high_profit_percent", 2.5)
	v.SetDefault("priority.high_confidence", 85)
	v.SetDefault("priority.medium_profit_percent", 1.2)
	v.SetDefault("priority.medium_confidence", 70)

	v.SetDefault("execution.fee_factor", 0.8)
	v.SetDefault("execution.fee_estimate", 0.01)
	v.SetDefault("execution.min_confidence", 70)

	v.SetDefault("ledger.mode", "none")
	v.SetDefault("ledger.timeout", "10s")
	v.SetDefault("ledger.reconcile_timeout", "5s")
	v.SetDefault("ledger.requests_per_second", 5.0)
	v.SetDefault("ledger.burst", 10)
	v.SetDefault("ledger.auth_type", "es256")

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "./data/arbai.db")
	v.SetDefault("store.redis.addr", "localhost:6379")
	v.SetDefault("store.redis.prefix", "arbai")

	v.SetDefault("backup.prefix", "arbai")
	v.SetDefault("backup.region", "us-east-1")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")

	v.SetDefault("gcp.use_secrets", false)
	v.SetDefault("gcp.project_id", "")

	secretNames := secrets.DefaultSecretNames()
	v.SetDefault("gcp.secret_names.advisory_api_key", secretNames.AdvisoryAPIKey)
	v.SetDefault("gcp.secret_names.ledger_key_name", secretNames.LedgerKeyName)
	v.SetDefault("gcp.secret_names.ledger_private_key", secretNames.LedgerPrivateKey)
	v.SetDefault("gcp.secret_names.ledger_secret", secretNames.LedgerSecret)
	v.SetDefault("gcp.secret_names.redis_password", secretNames.RedisPassword)
	v.SetDefault("gcp.secret_names.backup_access_key", secretNames.BackupAccessKey)
	v.SetDefault("gcp.secret_names.backup_secret_key", secretNames.BackupSecretKey)
}

func overrideFromEnv(config *Config) {
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" && config.Advisory.APIKey == "" {
		config.Advisory.APIKey = apiKey
	}
	if apiKey := os.Getenv("ARBAI_ADVISORY_API_KEY"); apiKey != "" {
		config.Advisory.APIKey = apiKey
	}

	if keyName := os.Getenv("ARBAI_LEDGER_KEY_NAME"); keyName != "" {
		config.Ledger.KeyName = keyName
	}
	if privateKey := os.Getenv("ARBAI_LEDGER_PRIVATE_KEY"); privateKey != "" {
		config.Ledger.PrivateKeyPEM = privateKey
	}
	if secret := os.Getenv("ARBAI_LEDGER_SECRET"); secret != "" {
		config.Ledger.Secret = secret
	}

	if password := os.Getenv("ARBAI_REDIS_PASSWORD"); password != "" {
		config.Store.Redis.Password = password
	}

	if accessKey := os.Getenv("AWS_ACCESS_KEY_ID"); accessKey != "" && config.Backup.AccessKeyID == "" {
		config.Backup.AccessKeyID = accessKey
	}
	if secretKey := os.Getenv("AWS_SECRET_ACCESS_KEY"); secretKey != "" && config.Backup.SecretAccessKey == "" {
		config.Backup.SecretAccessKey = secretKey
	}

	if projectID := os.Getenv("GCP_PROJECT_ID"); projectID != "" {
		config.GCP.ProjectID = projectID
	}
	if useSecrets := os.Getenv("GCP_USE_SECRETS"); useSecrets == "true" {
		config.GCP.UseSecrets = true
	}
}

func loadSecretsFromGCP(ctx context.Context, config *Config, logger *logrus.Logger) error {
	secretManager, err := secrets.NewGCPSecretManager(ctx, config.GCP.ProjectID, config.GCP.CredentialsFile, logger)
	if err != nil {
		return fmt.Errorf("failed to create secret manager: %w", err)
	}
	defer secretManager.Close()

	names := config.GCP.SecretNames
	fill := func(dst *string, secretName string) {
		if *dst == "" {
			*dst = secretManager.GetSecretWithDefault(ctx, secretName, "")
		}
	}

	fill(&config.Advisory.APIKey, names.AdvisoryAPIKey)
	fill(&config.Ledger.KeyName, names.LedgerKeyName)
	fill(&config.Ledger.PrivateKeyPEM, names.LedgerPrivateKey)
	fill(&config.Ledger.Secret, names.LedgerSecret)
	fill(&config.Store.Redis.Password, names.RedisPassword)
	fill(&config.Backup.AccessKeyID, names.BackupAccessKey)
	fill(&config.Backup.SecretAccessKey, names.BackupSecretKey)

	logger.Info("Successfully loaded secrets from GCP Secret Manager")
	return nil
}

// Validate rejects settings the components cannot run with.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Server.Port > 0 && c.Server.Port < 65536, "server.port %d out of range", c.Server.Port)
	check(len(c.Session.Symbols) > 0, "session.symbols must not be empty")
	check(c.Session.ScanInterval >= time.Second, "session.scan_interval must be at least 1s")

	check(c.Market.Source == "static" || c.Market.Source == "feed", "unknown market.source %q", c.Market.Source)
	check(c.Market.VenueASpread >= 0 && c.Market.VenueASpread < 1, "market.venue_a_spread must be in [0,1)")
	check(c.Market.VenueBSpread >= 0 && c.Market.VenueBSpread < 1, "market.venue_b_spread must be in [0,1)")
	if c.Market.Source == "feed" {
		check(c.Market.Feed.URL != "", "market.feed.url is required for the feed source")
	}

	check(c.Detector.MinProfitPercent >= 0, "detector.min_profit_percent must not be negative")

	check(c.Advisory.Provider == "openai" || c.Advisory.Provider == "none", "unknown advisory.provider %q", c.Advisory.Provider)
	check(c.Advisory.MaxAttempts >= 1, "advisory.max_attempts must be at least 1")

	check(c.Execution.FeeFactor > 0 && c.Execution.FeeFactor <= 1, "execution.fee_factor must be in (0,1]")
	check(c.Execution.FeeEstimate >= 0, "execution.fee_estimate must not be negative")
	check(c.Execution.MinConfidence >= 0 && c.Execution.MinConfidence <= 100, "execution.min_confidence must be in [0,100]")

	switch c.Ledger.Mode {
	case "none", "simulated":
	case "http":
		check(c.Ledger.BaseURL != "", "ledger.base_url is required in http mode")
		check(c.Ledger.AuthType == "es256" || c.Ledger.AuthType == "hs256", "unknown ledger.auth_type %q", c.Ledger.AuthType)
	default:
		check(false, "unknown ledger.mode %q", c.Ledger.Mode)
	}

	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		check(c.Store.Path != "", "store.path is required for sqlite")
	case "redis":
		check(c.Store.Redis.Addr != "", "store.redis.addr is required for redis")
	default:
		check(false, "unknown store.driver %q", c.Store.Driver)
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
