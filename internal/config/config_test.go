package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("logging:\n  level: info\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("port=%d", cfg.Server.Port)
	}
	if cfg.MarketData.Reconnect.MaxAttempts != 5 || cfg.MarketData.Reconnect.Multiplier != 1.5 {
		t.Errorf("reconnect=%+v", cfg.MarketData.Reconnect)
	}
	if cfg.MarketData.HeartbeatInterval != 10*time.Second || cfg.Trading.PollInterval != 10*time.Second {
		t.Errorf("heartbeat=%s poll=%s", cfg.MarketData.HeartbeatInterval, cfg.Trading.PollInterval)
	}
	if cfg.GCP.SecretNames.AllTickAPIKey != "alltick-api-key" {
		t.Errorf("secret names=%+v", cfg.GCP.SecretNames)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
server:
  port: 9090
market_data:
  reconnect:
    max_attempts: 7
trading:
  default_feed: crypto
  default_pair: BTC/USDT
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("NEXT_PUBLIC_BASE_URL", "https://backend.example")
	t.Setenv("NEXT_PUBLIC_ALL_TICK_API_KEY", "tick-key")
	t.Setenv("NODE_ENV", "production")
	t.Setenv("TRADEDESK_BACKEND_BURST", "3")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9090 || cfg.MarketData.Reconnect.MaxAttempts != 7 {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.Trading.DefaultFeed != "crypto" || cfg.Trading.DefaultPair != "BTC/USDT" {
		t.Errorf("trading=%+v", cfg.Trading)
	}
	if cfg.Backend.BaseURL != "https://backend.example" || cfg.MarketData.APIKey != "tick-key" {
		t.Errorf("front end env names not applied: backend=%q key=%q", cfg.Backend.BaseURL, cfg.MarketData.APIKey)
	}
	if !cfg.Server.SecureCookie {
		t.Error("production should force secure cookies")
	}
	if cfg.Backend.Burst != 3 {
		t.Errorf("burst=%d, want prefixed env override", cfg.Backend.Burst)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	cfg := &Config{}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected missing base URL error")
	}
	cfg.Backend.BaseURL = "https://x"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected missing API key error")
	}
}
