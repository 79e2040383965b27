package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "togather.yaml")
	raw := []byte(`
environment: staging
log:
  level: debug
database:
  dsn: postgres://localhost:5432/togather
  maxConns: 16
feed:
  streamUrl: ws://feed.internal:21000
  livenessTimeout: 45s
  instruments:
    - "005930"
    - "000660"
quote:
  ttl: 10s
groups:
  - id: 0b6f3f4e-1f6a-4f09-9a64-0f6f64f36f01
    members:
      - 7f8cf4a3-52fb-4f31-8f3f-9a0a3a2f1c11
      - 7f8cf4a3-52fb-4f31-8f3f-9a0a3a2f1c12
`)
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Environment != EnvStaging {
		t.Errorf("environment = %s, want staging", cfg.Environment)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log level = %s", cfg.Log.Level)
	}
	if cfg.Database.MaxConns != 16 {
		t.Errorf("maxConns = %d, want 16", cfg.Database.MaxConns)
	}
	if cfg.Feed.LivenessTimeout != 45*time.Second {
		t.Errorf("liveness timeout = %s, want 45s", cfg.Feed.LivenessTimeout)
	}
	if len(cfg.Feed.Instruments) != 2 || cfg.Feed.Instruments[0] != "005930" {
		t.Errorf("instruments = %v", cfg.Feed.Instruments)
	}
	if cfg.Quote.TTL != 10*time.Second {
		t.Errorf("quote ttl = %s, want 10s", cfg.Quote.TTL)
	}
	if len(cfg.Groups) != 1 || len(cfg.Groups[0].Members) != 2 {
		t.Errorf("groups = %+v", cfg.Groups)
	}
	// Untouched keys keep their defaults.
	if cfg.Quote.PollTimeout != 2*time.Second {
		t.Errorf("poll timeout = %s, want default 2s", cfg.Quote.PollTimeout)
	}
	if cfg.Feed.ReconnectDelay != 5*time.Second {
		t.Errorf("reconnect delay = %s, want default 5s", cfg.Feed.ReconnectDelay)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("TOGATHER_ENV", "prod")
	t.Setenv("TOGATHER_DB_DSN", "postgres://db:5432/togather")
	t.Setenv("TOGATHER_FEED_INSTRUMENTS", "005930, 000660 ,035720")
	t.Setenv("TOGATHER_QUOTE_TTL", "30s")
	t.Setenv("TOGATHER_TELEMETRY_ENABLED", "true")

	cfg := Default().FromEnv()
	if cfg.Environment != EnvProd {
		t.Errorf("environment = %s, want prod", cfg.Environment)
	}
	if cfg.Database.DSN != "postgres://db:5432/togather" {
		t.Errorf("dsn = %s", cfg.Database.DSN)
	}
	if len(cfg.Feed.Instruments) != 3 {
		t.Errorf("instruments = %v, want 3 trimmed entries", cfg.Feed.Instruments)
	}
	if cfg.Quote.TTL != 30*time.Second {
		t.Errorf("quote ttl = %s, want 30s", cfg.Quote.TTL)
	}
	if !cfg.Telemetry.Enabled {
		t.Error("telemetry not enabled")
	}
}

func TestLoadOrDefaultMissingFile(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load or default: %v", err)
	}
	if cfg.Environment != EnvDev {
		t.Errorf("environment = %s, want default dev", cfg.Environment)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown environment", func(c *Config) { c.Environment = "qa" }},
		{"empty stream url", func(c *Config) { c.Feed.StreamURL = "" }},
		{"zero liveness", func(c *Config) { c.Feed.LivenessTimeout = 0 }},
		{"zero quote ttl", func(c *Config) { c.Quote.TTL = 0 }},
		{"bad pool size", func(c *Config) {
			c.Database.DSN = "postgres://db:5432/togather"
			c.Database.MaxConns = 0
		}},
		{"group id not a uuid", func(c *Config) {
			c.Groups = []GroupConfig{{ID: "friends"}}
		}},
		{"group member not a uuid", func(c *Config) {
			c.Groups = []GroupConfig{{
				ID:      "0b6f3f4e-1f6a-4f09-9a64-0f6f64f36f01",
				Members: []string{"alice"},
			}}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
