package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/multierr"
)

func TestLoad_MergesFileDefaultsAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
broker:
  exchange: BSE
ladder:
  step_size: 12.5
  step_count: 6
  mode: direct
execution:
  call_timeout: 3s
database:
  in_memory: true
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("LADDER_VAULT_PASSPHRASE", "correct horse")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Broker.Exchange != "BSE" {
		t.Errorf("expected exchange BSE, got %s", cfg.Broker.Exchange)
	}
	if cfg.Broker.ProductType != "DELIVERY" {
		t.Errorf("expected default product type, got %s", cfg.Broker.ProductType)
	}
	if cfg.Ladder.StepSize != 12.5 || cfg.Ladder.StepCount != 6 {
		t.Errorf("unexpected ladder config: %+v", cfg.Ladder)
	}
	if cfg.Ladder.QuantityMultiplier != 1 {
		t.Errorf("expected default multiplier 1, got %d", cfg.Ladder.QuantityMultiplier)
	}
	if cfg.Execution.CallTimeout != 3*time.Second {
		t.Errorf("expected call timeout 3s, got %s", cfg.Execution.CallTimeout)
	}
	if cfg.Vault.Passphrase != "correct horse" {
		t.Errorf("expected passphrase from env, got %q", cfg.Vault.Passphrase)
	}
	if cfg.Journal.Capacity != 200 {
		t.Errorf("expected journal capacity 200, got %d", cfg.Journal.Capacity)
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil || !strings.Contains(err.Error(), "未找到配置文件") {
		t.Fatalf("expected not-found error, got %v", err)
	}
}

func TestValidate_AggregatesErrors(t *testing.T) {
	cfg := Config{}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error for empty config")
	}
	if n := len(multierr.Errors(unwrapAll(err))); n < 5 {
		t.Errorf("expected several aggregated errors, got %d: %v", n, err)
	}
	if !strings.Contains(err.Error(), "ladder.mode") {
		t.Errorf("expected ladder.mode complaint, got %v", err)
	}
}

func unwrapAll(err error) error {
	type unwrapper interface{ Unwrap() error }
	if u, ok := err.(unwrapper); ok {
		return u.Unwrap()
	}
	return err
}

func TestLoad_RejectsBadDailyResetHour(t *testing.T) {
	t.Setenv("LADDER_RISK_DAILY_RESET_HOUR", "24")

	_, err := Load(filepath.Join("..", "..", "configs", "config.yaml"))
	if err == nil || !strings.Contains(err.Error(), "risk.daily_reset_hour") {
		t.Fatalf("expected daily reset hour complaint, got %v", err)
	}
}

func TestLoad_SampleConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "config.yaml"))
	if err != nil {
		t.Fatalf("sample config should load: %v", err)
	}
	if cfg.Ladder.Mode != "gtt" || cfg.Execution.GTTTimePeriod != 365 {
		t.Errorf("unexpected sample defaults: %+v %+v", cfg.Ladder, cfg.Execution)
	}
	if cfg.Risk.MaxDailyNotional != 0 || cfg.Risk.DailyResetHour != 0 {
		t.Errorf("expected unlimited daily notional, got %+v", cfg.Risk)
	}
}
