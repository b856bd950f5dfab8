package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const minimalYAML = `
wallet:
  private_key: "0x0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
  signature_type: 0
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Wallet.ChainID != 137 {
		t.Errorf("ChainID = %d, want 137", cfg.Wallet.ChainID)
	}
	if cfg.Orders.Mode != ModeHybrid {
		t.Errorf("Orders.Mode = %q, want %q", cfg.Orders.Mode, ModeHybrid)
	}
	if cfg.Orders.PollingIntervalSec != 5 {
		t.Errorf("PollingIntervalSec = %d, want 5", cfg.Orders.PollingIntervalSec)
	}
	if cfg.WS.PingIntervalSec != 30 || cfg.WS.PongTimeoutSec != 10 {
		t.Errorf("WS liveness defaults = %d/%d, want 30/10", cfg.WS.PingIntervalSec, cfg.WS.PongTimeoutSec)
	}
	if cfg.WS.MaxReconnectAttempts != 10 {
		t.Errorf("MaxReconnectAttempts = %d, want 10", cfg.WS.MaxReconnectAttempts)
	}
	if cfg.DipArb.DipThreshold != 0.02 {
		t.Errorf("DipThreshold = %v, want 0.02", cfg.DipArb.DipThreshold)
	}
	if cfg.DipArb.SlidingWindowMs != 3000 {
		t.Errorf("SlidingWindowMs = %d, want 3000", cfg.DipArb.SlidingWindowMs)
	}
	if cfg.DipArb.SumTarget != 1.0 {
		t.Errorf("SumTarget = %v, want 1.0", cfg.DipArb.SumTarget)
	}
	if !cfg.DipArb.AutoMerge {
		t.Error("AutoMerge default should be true")
	}
	if cfg.Rotate.SettleStrategy != SettleRedeem {
		t.Errorf("SettleStrategy = %q, want redeem", cfg.Rotate.SettleStrategy)
	}
	if cfg.Rotate.PreloadMinutes != 2 || cfg.Rotate.RedeemWaitMinutes != 5 {
		t.Errorf("rotate timing defaults = %d/%d, want 2/5", cfg.Rotate.PreloadMinutes, cfg.Rotate.RedeemWaitMinutes)
	}
	if cfg.Rotate.RedeemRetryIntervalSeconds != 30 {
		t.Errorf("RedeemRetryIntervalSeconds = %d, want 30", cfg.Rotate.RedeemRetryIntervalSeconds)
	}
	if cfg.Rotate.DurationMinutes() != 5 {
		t.Errorf("DurationMinutes() = %d, want 5", cfg.Rotate.DurationMinutes())
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("POLY_PRIVATE_KEY", "0xdeadbeef")
	t.Setenv("POLY_API_KEY", "key-from-env")
	t.Setenv("POLY_DRY_RUN", "1")

	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Wallet.PrivateKey != "0xdeadbeef" {
		t.Errorf("PrivateKey = %q, want env override", cfg.Wallet.PrivateKey)
	}
	if cfg.API.ApiKey != "key-from-env" {
		t.Errorf("ApiKey = %q, want env override", cfg.API.ApiKey)
	}
	if !cfg.DryRun {
		t.Error("DryRun should be forced on via POLY_DRY_RUN=1")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	valid := func() *Config {
		return &Config{
			Wallet: WalletConfig{PrivateKey: "0xabc", ChainID: 137, SignatureType: 0},
			API:    APIConfig{CLOBBaseURL: "https://clob.example.com"},
			Orders: OrdersConfig{Mode: ModeHybrid, PollingIntervalSec: 5},
			DipArb: DipArbConfig{
				DipThreshold:    0.02,
				SlidingWindowMs: 3000,
				Shares:          10,
				SplitOrders:     1,
				SumTarget:       1.0,
			},
			Rotate: RotateConfig{
				Duration:       "5m",
				SettleStrategy: SettleRedeem,
				Underlyings:    []string{"BTC", "ETH"},
			},
		}
	}

	if err := valid().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"missing key", func(c *Config) { c.Wallet.PrivateKey = "" }, "private_key"},
		{"bad sig type", func(c *Config) { c.Wallet.SignatureType = 3 }, "signature_type"},
		{"proxy needs funder", func(c *Config) { c.Wallet.SignatureType = 1 }, "funder_address"},
		{"bad mode", func(c *Config) { c.Orders.Mode = "firehose" }, "orders.mode"},
		{"zero poll", func(c *Config) { c.Orders.PollingIntervalSec = 0 }, "polling_interval_sec"},
		{"zero threshold", func(c *Config) { c.DipArb.DipThreshold = 0 }, "dip_threshold"},
		{"zero shares", func(c *Config) { c.DipArb.Shares = 0 }, "shares"},
		{"zero split", func(c *Config) { c.DipArb.SplitOrders = 0 }, "split_orders"},
		{"bad duration", func(c *Config) { c.Rotate.Duration = "30m" }, "rotate.duration"},
		{"bad strategy", func(c *Config) { c.Rotate.SettleStrategy = "burn" }, "settle_strategy"},
		{"bad underlying", func(c *Config) { c.Rotate.Underlyings = []string{"DOGE"} }, "underlyings"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}
