package config

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const minimalConfig = `{
  "environment": {"mode": "paper", "log_level": "info"},
  "agent": {"command": "claude -p", "fallback_enabled": true},
  "default_stop_loss": 0.20,
  "vix_stop_losses": {"ELEVATED": 0.15, "HIGH": 0.10},
  "position_stop_losses": {"NVDA": {"threshold": 0.12, "reason": "high conviction, tight leash"}},
  "profit_protection": {
    "AAPL": {"min_price": 180.0, "reason": "protect earnings run", "trigger_review": true, "position_type": "long"}
  },
  "dip_buying": {"enabled": true, "tickers": ["MSFT"], "min_pct": 0.03, "max_pct": 0.08},
  "short_selling": {"enabled": true, "max_short_positions": 3},
  "watchlist": ["AMD", "GOOG"]
}`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !cfg.IsPaperTrading() {
		t.Error("expected paper trading mode")
	}
	if cfg.Schedule.CheckIntervalSec != 300 {
		t.Errorf("check interval default = %d, want 300", cfg.Schedule.CheckIntervalSec)
	}
	if cfg.Schedule.ExchangeTimezone != "America/New_York" {
		t.Errorf("exchange tz default = %q", cfg.Schedule.ExchangeTimezone)
	}
	if cfg.AgentTimeout() != 10*time.Minute {
		t.Errorf("agent timeout default = %s, want 10m", cfg.AgentTimeout())
	}
	if cfg.FallbackRules.RSIProfitTaking.MinRSI != 80 {
		t.Errorf("fallback rule default not applied: %+v", cfg.FallbackRules.RSIProfitTaking)
	}
	if cfg.GapThreshold != 0.02 {
		t.Errorf("gap threshold default = %v, want 0.02", cfg.GapThreshold)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	bad := `{"environment": {"mode": "paper"}, "agent": {"command": "x"}, "not_a_field": 1}`
	if _, err := Load(writeConfig(t, bad)); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestLoadRejectsMissingAgentCommand(t *testing.T) {
	bad := `{"environment": {"mode": "paper"}}`
	if _, err := Load(writeConfig(t, bad)); err == nil {
		t.Fatal("expected error for missing agent.command")
	}
}

func TestLoadExpandsEnvVars(t *testing.T) {
	t.Setenv("TEST_DASH_TOKEN", "sekrit")
	content := `{
  "environment": {"mode": "paper"},
  "agent": {"command": "claude -p"},
  "dashboard": {"enabled": true, "port": 8080, "auth_token": "${TEST_DASH_TOKEN}"}
}`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Dashboard.AuthToken != "sekrit" {
		t.Errorf("auth token = %q, want expanded value", cfg.Dashboard.AuthToken)
	}
}

func TestStopLossForPriority(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	// Per-ticker override beats everything, defensive included.
	if got := cfg.StopLossFor("NVDA", "HIGH", true); got != 0.12 {
		t.Errorf("override stop = %v, want 0.12", got)
	}
	// Defensive floor beats the regime map.
	if got := cfg.StopLossFor("AAPL", "ELEVATED", true); got != cfg.DefensiveStopLoss {
		t.Errorf("defensive stop = %v, want %v", got, cfg.DefensiveStopLoss)
	}
	// Regime map beats the default.
	if got := cfg.StopLossFor("AAPL", "ELEVATED", false); got != 0.15 {
		t.Errorf("regime stop = %v, want 0.15", got)
	}
	// Default for an unmapped regime.
	if got := cfg.StopLossFor("AAPL", "NORMAL", false); got != 0.20 {
		t.Errorf("default stop = %v, want 0.20", got)
	}
}

func TestStoreReloadOnMtimeChange(t *testing.T) {
	path := writeConfig(t, minimalConfig)
	logger := log.New(io.Discard, "", 0)

	store, err := NewStore(path, logger)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	// Unchanged file: no reload.
	if _, reloaded := store.MaybeReload(); reloaded {
		t.Error("unchanged config reported reload")
	}

	// Rewrite with a different stop-loss and bump the mtime explicitly so
	// the test does not depend on filesystem timestamp resolution.
	changed := `{
  "environment": {"mode": "paper"},
  "agent": {"command": "claude -p"},
  "default_stop_loss": 0.25
}`
	if err := os.WriteFile(path, []byte(changed), 0o644); err != nil {
		t.Fatalf("rewriting config: %v", err)
	}
	bump := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, bump, bump); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	cfg, reloaded := store.MaybeReload()
	if !reloaded {
		t.Fatal("expected reload after mtime change")
	}
	if cfg.DefaultStopLoss != 0.25 {
		t.Errorf("reloaded stop = %v, want 0.25", cfg.DefaultStopLoss)
	}
}

func TestStoreKeepsPreviousOnBrokenReload(t *testing.T) {
	path := writeConfig(t, minimalConfig)
	logger := log.New(io.Discard, "", 0)

	store, err := NewStore(path, logger)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	original := store.Current().DefaultStopLoss

	if err := os.WriteFile(path, []byte("{broken"), 0o644); err != nil {
		t.Fatalf("rewriting config: %v", err)
	}
	bump := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, bump, bump); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	cfg, reloaded := store.MaybeReload()
	if reloaded {
		t.Error("broken reload must not report success")
	}
	if cfg.DefaultStopLoss != original {
		t.Errorf("previous config not retained: %v", cfg.DefaultStopLoss)
	}

	// The broken file must not warn-and-retry every cycle.
	if _, reloaded := store.MaybeReload(); reloaded {
		t.Error("second call after broken reload reported reload")
	}
}
