// Package config centralises runtime configuration for the togather services:
// defaults, an optional YAML file, and environment overrides, applied in that
// order.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/togather-fin/togather-core/errs"
)

// Environment identifies the runtime environment.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// Config is the full configuration tree.
type Config struct {
	Environment Environment     `yaml:"environment"`
	Log         LogConfig       `yaml:"log"`
	Database    DatabaseConfig  `yaml:"database"`
	Feed        FeedConfig      `yaml:"feed"`
	Quote       QuoteConfig     `yaml:"quote"`
	Engine      EngineConfig    `yaml:"engine"`
	Groups      []GroupConfig   `yaml:"groups"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
}

// GroupConfig declares an investment group and its member accounts. Stands in
// for the membership service lookup until that integration lands.
type GroupConfig struct {
	ID      string   `yaml:"id"`
	Members []string `yaml:"members"`
}

// LogConfig controls the structured logger.
type LogConfig struct {
	Level string `yaml:"level"`
}

// DatabaseConfig configures the postgres pool. An empty DSN selects the
// in-memory store.
type DatabaseConfig struct {
	DSN            string        `yaml:"dsn"`
	MaxConns       int32         `yaml:"maxConns"`
	MinConns       int32         `yaml:"minConns"`
	ConnectTimeout time.Duration `yaml:"connectTimeout"`
	RunMigrations  bool          `yaml:"runMigrations"`
}

// FeedConfig configures the streaming market data connection.
type FeedConfig struct {
	StreamURL          string        `yaml:"streamUrl"`
	RESTBaseURL        string        `yaml:"restBaseUrl"`
	AppKey             string        `yaml:"appKey"`
	AppSecret          string        `yaml:"appSecret"`
	HTTPTimeout        time.Duration `yaml:"httpTimeout"`
	LivenessTimeout    time.Duration `yaml:"livenessTimeout"`
	ReconnectDelay     time.Duration `yaml:"reconnectDelay"`
	SubscribePerSecond float64       `yaml:"subscribePerSecond"`
	ReconcileInterval  time.Duration `yaml:"reconcileInterval"`
	Instruments        []string      `yaml:"instruments"`
}

// QuoteConfig tunes the quote read waterfall.
type QuoteConfig struct {
	TTL         time.Duration `yaml:"ttl"`
	PollTimeout time.Duration `yaml:"pollTimeout"`
}

// EngineConfig configures order execution and its counter-accounts.
type EngineConfig struct {
	SettlementAccountID string  `yaml:"settlementAccountId"`
	FundingAccountID    string  `yaml:"fundingAccountId"`
	WarmupWorkers       int     `yaml:"warmupWorkers"`
	WarmupQueue         int     `yaml:"warmupQueue"`
	OrdersPerSecond     float64 `yaml:"ordersPerSecond"`
}

// TelemetryConfig configures metric export.
type TelemetryConfig struct {
	Enabled        bool          `yaml:"enabled"`
	OTLPEndpoint   string        `yaml:"otlpEndpoint"`
	OTLPInsecure   bool          `yaml:"otlpInsecure"`
	MetricInterval time.Duration `yaml:"metricInterval"`
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		Environment: EnvDev,
		Log:         LogConfig{Level: "info"},
		Database: DatabaseConfig{
			MaxConns:       8,
			MinConns:       1,
			ConnectTimeout: 5 * time.Second,
			RunMigrations:  true,
		},
		Feed: FeedConfig{
			StreamURL:          "ws://ops.koreainvestment.com:21000",
			RESTBaseURL:        "https://openapi.koreainvestment.com:9443",
			HTTPTimeout:        10 * time.Second,
			LivenessTimeout:    30 * time.Second,
			ReconnectDelay:     5 * time.Second,
			SubscribePerSecond: 4,
			ReconcileInterval:  time.Minute,
		},
		Quote: QuoteConfig{
			TTL:         5 * time.Second,
			PollTimeout: 2 * time.Second,
		},
		Engine: EngineConfig{
			// Deterministic dev identities; production sets real ones.
			SettlementAccountID: "11111111-1111-4111-8111-111111111111",
			FundingAccountID:    "22222222-2222-4222-8222-222222222222",
			WarmupWorkers:       4,
			WarmupQueue:         64,
			OrdersPerSecond:     25,
		},
		Telemetry: TelemetryConfig{
			MetricInterval: 15 * time.Second,
		},
	}
}

// Load reads the YAML file at path over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	file, err := os.Open(filepath.Clean(path))
	if err != nil {
		return cfg, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer file.Close()

	raw, err := io.ReadAll(io.LimitReader(file, 1<<20))
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault loads path when it exists, otherwise returns the defaults.
// Environment overrides apply either way.
func LoadOrDefault(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			loaded, err := Load(path)
			if err != nil {
				return cfg, err
			}
			cfg = loaded
		}
	}
	cfg = cfg.FromEnv()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// FromEnv applies environment variable overrides onto a copy of the config.
func (c Config) FromEnv() Config {
	if v := env("TOGATHER_ENV"); v != "" {
		c.Environment = Environment(strings.ToLower(v))
	}
	if v := env("TOGATHER_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := env("TOGATHER_DB_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := env("TOGATHER_DB_MAX_CONNS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil && n > 0 {
			c.Database.MaxConns = int32(n)
		}
	}
	if v := env("TOGATHER_FEED_STREAM_URL"); v != "" {
		c.Feed.StreamURL = v
	}
	if v := env("TOGATHER_FEED_REST_URL"); v != "" {
		c.Feed.RESTBaseURL = v
	}
	if v := env("TOGATHER_FEED_APP_KEY"); v != "" {
		c.Feed.AppKey = v
	}
	if v := env("TOGATHER_FEED_APP_SECRET"); v != "" {
		c.Feed.AppSecret = v
	}
	if v := env("TOGATHER_FEED_INSTRUMENTS"); v != "" {
		c.Feed.Instruments = splitList(v)
	}
	if d, ok := envDuration("TOGATHER_FEED_LIVENESS_TIMEOUT"); ok {
		c.Feed.LivenessTimeout = d
	}
	if d, ok := envDuration("TOGATHER_FEED_RECONNECT_DELAY"); ok {
		c.Feed.ReconnectDelay = d
	}
	if d, ok := envDuration("TOGATHER_QUOTE_TTL"); ok {
		c.Quote.TTL = d
	}
	if d, ok := envDuration("TOGATHER_QUOTE_POLL_TIMEOUT"); ok {
		c.Quote.PollTimeout = d
	}
	if v := env("TOGATHER_SETTLEMENT_ACCOUNT"); v != "" {
		c.Engine.SettlementAccountID = v
	}
	if v := env("TOGATHER_FUNDING_ACCOUNT"); v != "" {
		c.Engine.FundingAccountID = v
	}
	if v := env("TOGATHER_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := env("TOGATHER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.OTLPEndpoint = v
		c.Telemetry.Enabled = true
	}
	return c
}

// Validate rejects configurations that cannot produce a working service.
func (c Config) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return errs.New("config/validate", errs.CodeInvalid,
			errs.WithMessage("unknown environment "+string(c.Environment)))
	}
	if c.Feed.StreamURL == "" {
		return errs.New("config/validate", errs.CodeInvalid,
			errs.WithMessage("feed stream url required"))
	}
	if c.Feed.LivenessTimeout <= 0 || c.Feed.ReconnectDelay <= 0 {
		return errs.New("config/validate", errs.CodeInvalid,
			errs.WithMessage("feed timeouts must be positive"))
	}
	if c.Quote.TTL <= 0 || c.Quote.PollTimeout <= 0 {
		return errs.New("config/validate", errs.CodeInvalid,
			errs.WithMessage("quote ttl and poll timeout must be positive"))
	}
	if c.Database.DSN != "" && c.Database.MaxConns <= 0 {
		return errs.New("config/validate", errs.CodeInvalid,
			errs.WithMessage("database maxConns must be positive"))
	}
	for _, grp := range c.Groups {
		if _, err := uuid.Parse(grp.ID); err != nil {
			return errs.New("config/validate", errs.CodeInvalid,
				errs.WithMessage("group id "+grp.ID+" is not a uuid"))
		}
		for _, member := range grp.Members {
			if _, err := uuid.Parse(member); err != nil {
				return errs.New("config/validate", errs.CodeInvalid,
					errs.WithMessage("group "+grp.ID+" member "+member+" is not a uuid"))
			}
		}
	}
	return nil
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func envDuration(key string) (time.Duration, bool) {
	v := env(key)
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
