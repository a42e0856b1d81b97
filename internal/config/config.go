// Package config loads the pipeline's YAML configuration, layered with
// .env and environment-variable overrides. Grounded on the teacher's
// config/config.go.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full pipeline configuration.
type Config struct {
	Universe    UniverseConfig    `yaml:"universe"`
	Sigma       SigmaConfig       `yaml:"sigma"`
	Opportunity OpportunityConfig `yaml:"opportunity"`
	Execution   ExecutionConfig   `yaml:"execution"`
	Bus         BusConfig         `yaml:"bus"`
	Storage     StorageConfig     `yaml:"storage"`
	Log         LogConfig         `yaml:"log"`
	Collector   CollectorConfig   `yaml:"collector"`
}

// CollectorFeedConfig names one upstream source to poll. QuoteURLs is a
// list since a single feed typically tracks several markets' top-of-book
// off one underlying.
type CollectorFeedConfig struct {
	Name      string   `yaml:"name"`
	SpotURL   string   `yaml:"spot_url"`
	QuoteURLs []string `yaml:"quote_urls"`
}

// CollectorConfig controls the poll-and-publish producer. Enabled
// defaults to false: with no feed endpoints configured, the non-goal
// venue integration is simply never started rather than polling nothing.
type CollectorConfig struct {
	Enabled             bool                  `yaml:"enabled"`
	Feeds               []CollectorFeedConfig `yaml:"feeds"`
	PollIntervalSeconds int                   `yaml:"poll_interval_seconds"`
	RatePerSec          float64               `yaml:"rate_per_sec"`
	Burst               int                   `yaml:"burst"`
}

// BusConfig controls the event bus's retention and lag alerting, grounded
// on original_source/src/kalshi_bot/events/contracts.py's stream
// retention knobs (BUS_URL there addresses a real NATS deployment; this
// in-process bus has no URL to dial, so URL is carried purely as a
// passthrough config value for operators migrating to a real broker).
type BusConfig struct {
	URL                       string `yaml:"url"`
	StreamRetentionHours      int    `yaml:"stream_retention_hours"`
	ConsumerLagAlertThreshold int    `yaml:"consumer_lag_alert_threshold"`
}

// UniverseConfig controls market-selection and edge-tick cadence.
type UniverseConfig struct {
	ProductID           string   `yaml:"product_id"`
	Series              []string `yaml:"series"`
	AllowedStatuses     []string `yaml:"allowed_statuses"`
	TickIntervalSeconds int      `yaml:"tick_interval_seconds"`
	MinHorizonSeconds   int64    `yaml:"min_horizon_seconds"`
	MaxHorizonSeconds   int64    `yaml:"max_horizon_seconds"`
	Grace               int64    `yaml:"grace_seconds"`
	MaxQuoteAgeSeconds  int64    `yaml:"max_quote_age_seconds"`
	MaxSpotAgeSeconds   int64    `yaml:"max_spot_age_seconds"`
	MinAskCents         float64  `yaml:"min_ask_cents"`
	MaxAskCents         float64  `yaml:"max_ask_cents"`
	MaxResults          int      `yaml:"max_results"`
	PctBand             float64  `yaml:"pct_band"`
	SelectionMethod     string   `yaml:"selection_method"`
	MaxSpotPoints       int      `yaml:"max_spot_points"`
}

// SigmaConfig controls the volatility estimator's gates.
type SigmaConfig struct {
	BucketSeconds             int64   `yaml:"bucket_seconds"`
	EWMALambda                float64 `yaml:"ewma_lambda"`
	MinPoints                 int     `yaml:"min_points"`
	MinHistoryLookbackSeconds int64   `yaml:"min_history_lookback_seconds"`
	LookbackSeconds           int64   `yaml:"lookback_seconds"`
	Default                   float64 `yaml:"default"`
	Max                       float64 `yaml:"max"`
	MaxAutoExpandAttempts     int     `yaml:"max_auto_expand_attempts"`
}

// OpportunityConfig controls the TAKE/PASS gates.
type OpportunityConfig struct {
	MinEV              float64 `yaml:"min_ev"`
	MinAskCents        float64 `yaml:"min_ask_cents"`
	MaxAskCents        float64 `yaml:"max_ask_cents"`
	MaxSpotAgeSeconds  int64   `yaml:"max_spot_age_seconds"`
	MaxQuoteAgeSeconds int64   `yaml:"max_quote_age_seconds"`
	TopN               int     `yaml:"top_n"`
	EmitPasses         bool    `yaml:"emit_passes"`
	BestSideOnly       bool    `yaml:"best_side_only"`
	ModelVersion       int     `yaml:"model_version"`
}

// ExecutionConfig controls the paper-trading risk gates.
type ExecutionConfig struct {
	MaxOpenPositions         int     `yaml:"max_open_positions"`
	TakeCooldownSeconds      int64   `yaml:"take_cooldown_seconds"`
	KillSwitchPath           string  `yaml:"kill_switch_path"`
	AlertRejectRateThreshold float64 `yaml:"alert_reject_rate_threshold"`
	AlertRejectRateMinOrders int     `yaml:"alert_reject_rate_min_orders"`
	AlertCooldownSeconds     float64 `yaml:"alert_cooldown_seconds"`
	NoNewEntriesLastSeconds  int64   `yaml:"no_new_entries_last_seconds"`
	MaxDailyLossPct          float64 `yaml:"max_daily_loss_pct"`
	MaxPositionPct           float64 `yaml:"max_position_pct"`
}

// StorageConfig controls where events and projections persist. DSN doubles
// as the on-disk SQLite path (PG_DSN/DB_PATH in the original's Postgres
// deployment both override it here, since this implementation has one
// connection string rather than separate driver-specific ones).
type StorageConfig struct {
	DSN                 string `yaml:"dsn"`
	PoolMin             int    `yaml:"pool_min"`
	PoolMax             int    `yaml:"pool_max"`
	StatementTimeoutMs  int    `yaml:"statement_timeout_ms"`
}

// LogConfig controls logging format/level.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads .env (ignoring a missing file), parses the YAML at path,
// applies environment overrides, then fills in defaults.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	return &cfg, nil
}

// TickInterval returns the edge-engine's tick cadence as a Duration.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Universe.TickIntervalSeconds) * time.Second
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(key string, dst *int64) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

// applyEnvOverrides layers environment variables over the parsed YAML,
// matching the precedence order documented for every key in spec.md §6:
// env beats file, file beats built-in default.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}

	if v := os.Getenv("BUS_URL"); v != "" {
		cfg.Bus.URL = v
	}
	envInt("BUS_STREAM_RETENTION_HOURS", &cfg.Bus.StreamRetentionHours)
	envInt("BUS_CONSUMER_LAG_ALERT_THRESHOLD", &cfg.Bus.ConsumerLagAlertThreshold)

	if v := os.Getenv("STORAGE_DSN"); v != "" {
		cfg.Storage.DSN = v
	}
	if v := os.Getenv("PG_DSN"); v != "" {
		cfg.Storage.DSN = v
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		cfg.Storage.DSN = v
	}
	envInt("PG_POOL_MIN", &cfg.Storage.PoolMin)
	envInt("PG_POOL_MAX", &cfg.Storage.PoolMax)
	envInt("PG_STATEMENT_TIMEOUT_MS", &cfg.Storage.StatementTimeoutMs)

	if v := os.Getenv("KILL_SWITCH_PATH"); v != "" {
		cfg.Execution.KillSwitchPath = v
	}
	envFloat("EV_MIN", &cfg.Opportunity.MinEV)
	envInt("MAX_OPEN_POSITIONS", &cfg.Execution.MaxOpenPositions)
	envInt64("NO_NEW_ENTRIES_LAST_SECONDS", &cfg.Execution.NoNewEntriesLastSeconds)
	envFloat("MAX_DAILY_LOSS_PCT", &cfg.Execution.MaxDailyLossPct)
	envFloat("MAX_POSITION_PCT", &cfg.Execution.MaxPositionPct)

	if v := os.Getenv("COLLECTOR_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Collector.Enabled = b
		}
	}
	envInt("COLLECTOR_POLL_INTERVAL_SECONDS", &cfg.Collector.PollIntervalSeconds)
}

func setDefaults(cfg *Config) {
	if cfg.Universe.TickIntervalSeconds <= 0 {
		cfg.Universe.TickIntervalSeconds = 10
	}
	if cfg.Universe.MaxHorizonSeconds <= 0 {
		cfg.Universe.MaxHorizonSeconds = 7 * 24 * 60 * 60
	}
	if cfg.Universe.MinHorizonSeconds == 0 {
		cfg.Universe.MinHorizonSeconds = -5
	}
	if cfg.Universe.Grace <= 0 {
		cfg.Universe.Grace = 3600
	}
	if cfg.Universe.MaxQuoteAgeSeconds <= 0 {
		cfg.Universe.MaxQuoteAgeSeconds = 30
	}
	if cfg.Universe.MaxSpotAgeSeconds <= 0 {
		cfg.Universe.MaxSpotAgeSeconds = 30
	}
	if cfg.Universe.MaxAskCents <= 0 {
		cfg.Universe.MaxAskCents = 99
	}
	if cfg.Universe.MinAskCents <= 0 {
		cfg.Universe.MinAskCents = 1
	}
	if cfg.Universe.MaxResults <= 0 {
		cfg.Universe.MaxResults = 50
	}
	if cfg.Universe.SelectionMethod == "" {
		cfg.Universe.SelectionMethod = "pct_band"
	}
	if cfg.Universe.PctBand <= 0 {
		cfg.Universe.PctBand = 5.0
	}
	if cfg.Universe.MaxSpotPoints <= 0 {
		cfg.Universe.MaxSpotPoints = 20000
	}

	if cfg.Sigma.BucketSeconds <= 0 {
		cfg.Sigma.BucketSeconds = 60
	}
	if cfg.Sigma.EWMALambda <= 0 {
		cfg.Sigma.EWMALambda = 0.94
	}
	if cfg.Sigma.MinPoints <= 0 {
		cfg.Sigma.MinPoints = 30
	}
	if cfg.Sigma.MinHistoryLookbackSeconds <= 0 {
		cfg.Sigma.MinHistoryLookbackSeconds = 1800
	}
	if cfg.Sigma.LookbackSeconds <= 0 {
		cfg.Sigma.LookbackSeconds = 3600
	}
	if cfg.Sigma.Default <= 0 {
		cfg.Sigma.Default = 0.6
	}
	if cfg.Sigma.Max <= 0 {
		cfg.Sigma.Max = 5.0
	}
	if cfg.Sigma.MaxAutoExpandAttempts <= 0 {
		cfg.Sigma.MaxAutoExpandAttempts = 6
	}

	if cfg.Opportunity.MinEV == 0 {
		cfg.Opportunity.MinEV = 0.03
	}
	if cfg.Opportunity.MinAskCents <= 0 {
		cfg.Opportunity.MinAskCents = 1.0
	}
	if cfg.Opportunity.MaxAskCents <= 0 {
		cfg.Opportunity.MaxAskCents = 99.0
	}
	if cfg.Opportunity.MaxSpotAgeSeconds <= 0 {
		cfg.Opportunity.MaxSpotAgeSeconds = 30
	}
	if cfg.Opportunity.MaxQuoteAgeSeconds <= 0 {
		cfg.Opportunity.MaxQuoteAgeSeconds = 30
	}
	if cfg.Opportunity.ModelVersion <= 0 {
		cfg.Opportunity.ModelVersion = 1
	}

	if cfg.Execution.KillSwitchPath == "" {
		cfg.Execution.KillSwitchPath = "data/kill_switch"
	}
	if cfg.Execution.AlertRejectRateThreshold <= 0 {
		cfg.Execution.AlertRejectRateThreshold = 0.50
	}
	if cfg.Execution.AlertRejectRateMinOrders <= 0 {
		cfg.Execution.AlertRejectRateMinOrders = 10
	}
	if cfg.Execution.AlertCooldownSeconds <= 0 {
		cfg.Execution.AlertCooldownSeconds = 300.0
	}
	if cfg.Execution.NoNewEntriesLastSeconds <= 0 {
		cfg.Execution.NoNewEntriesLastSeconds = 120
	}
	if cfg.Execution.MaxDailyLossPct <= 0 {
		cfg.Execution.MaxDailyLossPct = 0.03
	}
	if cfg.Execution.MaxPositionPct <= 0 {
		cfg.Execution.MaxPositionPct = 0.02
	}
	// take_cooldown_seconds has no independent default: the source
	// (run_paper_execution.py) falls back to no_new_entries_last_seconds
	// when no explicit cooldown override is given.
	if cfg.Execution.TakeCooldownSeconds <= 0 {
		cfg.Execution.TakeCooldownSeconds = cfg.Execution.NoNewEntriesLastSeconds
	}

	if cfg.Bus.StreamRetentionHours <= 0 {
		cfg.Bus.StreamRetentionHours = 72
	}
	if cfg.Bus.ConsumerLagAlertThreshold <= 0 {
		cfg.Bus.ConsumerLagAlertThreshold = 1000
	}

	if cfg.Storage.DSN == "" {
		cfg.Storage.DSN = "edgepipeline.db"
	}
	if cfg.Storage.PoolMin <= 0 {
		cfg.Storage.PoolMin = 1
	}
	if cfg.Storage.PoolMax <= 0 {
		cfg.Storage.PoolMax = 1
	}
	if cfg.Storage.StatementTimeoutMs <= 0 {
		cfg.Storage.StatementTimeoutMs = 5000
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}

	if cfg.Collector.PollIntervalSeconds <= 0 {
		cfg.Collector.PollIntervalSeconds = 5
	}
	if cfg.Collector.RatePerSec <= 0 {
		cfg.Collector.RatePerSec = 5
	}
	if cfg.Collector.Burst <= 0 {
		cfg.Collector.Burst = 5
	}
}
