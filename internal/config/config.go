// Package config defines all configuration for the dip-arbitrage bot.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via POLY_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Order manager modes. Hybrid runs both the user WebSocket and the
// per-order poller; the state machine deduplicates overlapping events.
const (
	ModeWebsocket = "websocket"
	ModePolling   = "polling"
	ModeHybrid    = "hybrid"
)

// Settle strategies applied when a market ends with an open position.
const (
	SettleRedeem = "redeem"
	SettleSell   = "sell"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun    bool            `mapstructure:"dry_run"`
	Wallet    WalletConfig    `mapstructure:"wallet"`
	API       APIConfig       `mapstructure:"api"`
	WS        WSConfig        `mapstructure:"ws"`
	Orders    OrdersConfig    `mapstructure:"orders"`
	DipArb    DipArbConfig    `mapstructure:"diparb"`
	Rotate    RotateConfig    `mapstructure:"rotate"`
	Chain     ChainConfig     `mapstructure:"chain"`
	Store     StoreConfig     `mapstructure:"store"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
}

// WalletConfig holds the Ethereum wallet used for signing orders.
// PrivateKey signs L1 (EIP-712) auth and derives L2 API keys.
// FunderAddress is the on-chain address that funds orders (may differ from signer if using a proxy).
type WalletConfig struct {
	PrivateKey    string `mapstructure:"private_key"`
	SignatureType int    `mapstructure:"signature_type"`
	FunderAddress string `mapstructure:"funder_address"`
	ChainID       int    `mapstructure:"chain_id"`
}

// APIConfig holds Polymarket API endpoints and optional pre-derived L2 credentials.
// If ApiKey/Secret/Passphrase are empty, the bot derives them via L1 auth on startup.
type APIConfig struct {
	CLOBBaseURL   string `mapstructure:"clob_base_url"`
	GammaBaseURL  string `mapstructure:"gamma_base_url"`
	WSMarketURL   string `mapstructure:"ws_market_url"`
	WSUserURL     string `mapstructure:"ws_user_url"`
	WSLiveDataURL string `mapstructure:"ws_live_data_url"`
	ApiKey        string `mapstructure:"api_key"`
	Secret        string `mapstructure:"secret"`
	Passphrase    string `mapstructure:"passphrase"`
}

// WSConfig tunes connection liveness and reconnection for every WebSocket
// client in the process.
//
//   - PingIntervalSec: protocol ping cadence.
//   - PongTimeoutSec: a pong must arrive within this window or the
//     connection is classified dead and torn down.
//   - ReconnectDelayMs: base delay; actual wait is base * 2^attempt.
//   - MaxReconnectAttempts: attempts before the client gives up.
type WSConfig struct {
	PingIntervalSec      int `mapstructure:"ping_interval_sec"`
	PongTimeoutSec       int `mapstructure:"pong_timeout_sec"`
	ReconnectDelayMs     int `mapstructure:"reconnect_delay_ms"`
	MaxReconnectAttempts int `mapstructure:"max_reconnect_attempts"`
}

// OrdersConfig controls how the order manager tracks live orders.
//
//   - Mode: "websocket" (user channel only), "polling" (REST only), or
//     "hybrid" (both, deduplicated).
//   - PollingIntervalSec: per-order REST poll cadence in polling/hybrid mode.
type OrdersConfig struct {
	Mode               string `mapstructure:"mode"`
	PollingIntervalSec int    `mapstructure:"polling_interval_sec"`
}

// DipArbConfig tunes the two-leg dip arbitrage strategy.
//
//   - DipThreshold: relative ask drop within the sliding window that fires leg 1.
//   - SurgeThreshold: optional symmetric rise detector; 0 disables it.
//   - SlidingWindowMs: lookback for the instant dip/surge comparison.
//   - WindowMinutes: only fire leg 1 within this many minutes of round start.
//   - MaxSlippage: price headroom factor for market orders, e.g. 0.05 = 5%.
//   - SplitOrders: number of sequential child orders leg 1 is split into.
//   - OrderIntervalMs: gap between child orders.
//   - Shares: target share count per round.
//   - ExecutionCooldownMs: minimum gap between leg-1 execution attempts.
//   - Leg2TimeoutSeconds: deadline for leg 2 after leg 1 fills; on expiry
//     the engine attempts an emergency exit of the leg-1 position.
//   - SumTarget: fire leg 2 when leg1.avgPrice + oppositeAsk*(1+slippage) <= this.
type DipArbConfig struct {
	DipThreshold        float64 `mapstructure:"dip_threshold"`
	SurgeThreshold      float64 `mapstructure:"surge_threshold"`
	SlidingWindowMs     int     `mapstructure:"sliding_window_ms"`
	WindowMinutes       int     `mapstructure:"window_minutes"`
	MaxSlippage         float64 `mapstructure:"max_slippage"`
	SplitOrders         int     `mapstructure:"split_orders"`
	OrderIntervalMs     int     `mapstructure:"order_interval_ms"`
	Shares              float64 `mapstructure:"shares"`
	ExecutionCooldownMs int     `mapstructure:"execution_cooldown_ms"`
	Leg2TimeoutSeconds  int     `mapstructure:"leg2_timeout_seconds"`
	SumTarget           float64 `mapstructure:"sum_target"`
	AutoMerge           bool    `mapstructure:"auto_merge"`
	Debug               bool    `mapstructure:"debug"`
}

// RotateConfig controls automatic rotation across short-duration markets.
//
//   - Underlyings: reference assets to trade, e.g. ["BTC", "ETH"].
//   - Duration: market duration to target, "5m" or "15m".
//   - AutoSettle: settle open positions when a market ends.
//   - SettleStrategy: "redeem" (queue for post-resolution redemption) or
//     "sell" (market-sell both legs immediately at rotation).
//   - PreloadMinutes: start scanning for the next market this early.
//   - RedeemWaitMinutes: minimum age of an ended market before redeeming.
//   - RedeemRetryIntervalSeconds: redemption queue sweep cadence.
type RotateConfig struct {
	Enabled                    bool     `mapstructure:"enabled"`
	Underlyings                []string `mapstructure:"underlyings"`
	Duration                   string   `mapstructure:"duration"`
	AutoSettle                 bool     `mapstructure:"auto_settle"`
	SettleStrategy             string   `mapstructure:"settle_strategy"`
	PreloadMinutes             int      `mapstructure:"preload_minutes"`
	RedeemWaitMinutes          int      `mapstructure:"redeem_wait_minutes"`
	RedeemRetryIntervalSeconds int      `mapstructure:"redeem_retry_interval_seconds"`
}

// DurationMinutes returns the configured market duration in minutes.
func (r RotateConfig) DurationMinutes() int {
	if r.Duration == "15m" {
		return 15
	}
	return 5
}

// ChainConfig holds the Polygon RPC endpoint for on-chain settlement
// (merge, redeem, balance queries, confirmation tracking).
type ChainConfig struct {
	RPCURL string `mapstructure:"rpc_url"`
}

// StoreConfig sets where pending redemptions and round history are
// persisted (JSON files).
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DashboardConfig controls the web dashboard server.
type DashboardConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: POLY_PRIVATE_KEY, POLY_API_KEY, POLY_API_SECRET, POLY_PASSPHRASE.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetEnvPrefix("POLY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("POLY_PRIVATE_KEY"); key != "" {
		cfg.Wallet.PrivateKey = key
	}
	if key := os.Getenv("POLY_API_KEY"); key != "" {
		cfg.API.ApiKey = key
	}
	if secret := os.Getenv("POLY_API_SECRET"); secret != "" {
		cfg.API.Secret = secret
	}
	if pass := os.Getenv("POLY_PASSPHRASE"); pass != "" {
		cfg.API.Passphrase = pass
	}
	if rpc := os.Getenv("POLY_RPC_URL"); rpc != "" {
		cfg.Chain.RPCURL = rpc
	}
	if os.Getenv("POLY_DRY_RUN") == "true" || os.Getenv("POLY_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

// setDefaults registers the documented default for every tunable so a
// minimal YAML file (wallet + endpoints) is enough to run.
func setDefaults(v *viper.Viper) {
	v.SetDefault("wallet.chain_id", 137)

	v.SetDefault("api.clob_base_url", "https://clob.polymarket.com")
	v.SetDefault("api.gamma_base_url", "https://gamma-api.polymarket.com")
	v.SetDefault("api.ws_market_url", "wss://ws-subscriptions-clob.polymarket.com/ws/market")
	v.SetDefault("api.ws_user_url", "wss://ws-subscriptions-clob.polymarket.com/ws/user")
	v.SetDefault("api.ws_live_data_url", "wss://ws-live-data.polymarket.com")

	v.SetDefault("ws.ping_interval_sec", 30)
	v.SetDefault("ws.pong_timeout_sec", 10)
	v.SetDefault("ws.reconnect_delay_ms", 1000)
	v.SetDefault("ws.max_reconnect_attempts", 10)

	v.SetDefault("orders.mode", ModeHybrid)
	v.SetDefault("orders.polling_interval_sec", 5)

	v.SetDefault("diparb.dip_threshold", 0.02)
	v.SetDefault("diparb.surge_threshold", 0.0)
	v.SetDefault("diparb.sliding_window_ms", 3000)
	v.SetDefault("diparb.window_minutes", 4)
	v.SetDefault("diparb.max_slippage", 0.05)
	v.SetDefault("diparb.split_orders", 1)
	v.SetDefault("diparb.order_interval_ms", 500)
	v.SetDefault("diparb.shares", 10.0)
	v.SetDefault("diparb.execution_cooldown_ms", 3000)
	v.SetDefault("diparb.leg2_timeout_seconds", 60)
	v.SetDefault("diparb.sum_target", 1.0)
	v.SetDefault("diparb.auto_merge", true)

	v.SetDefault("rotate.underlyings", []string{"BTC"})
	v.SetDefault("rotate.duration", "5m")
	v.SetDefault("rotate.auto_settle", true)
	v.SetDefault("rotate.settle_strategy", SettleRedeem)
	v.SetDefault("rotate.preload_minutes", 2)
	v.SetDefault("rotate.redeem_wait_minutes", 5)
	v.SetDefault("rotate.redeem_retry_interval_seconds", 30)

	v.SetDefault("chain.rpc_url", "https://polygon-rpc.com")
	v.SetDefault("store.data_dir", "data")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("dashboard.port", 8080)
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Wallet.PrivateKey == "" {
		return fmt.Errorf("wallet.private_key is required (set POLY_PRIVATE_KEY)")
	}
	if c.Wallet.ChainID == 0 {
		return fmt.Errorf("wallet.chain_id is required (137 for mainnet)")
	}
	switch c.Wallet.SignatureType {
	case 0, 1, 2:
	default:
		return fmt.Errorf("wallet.signature_type must be one of: 0 (EOA), 1 (POLY_PROXY), 2 (GNOSIS_SAFE)")
	}
	if c.Wallet.SignatureType != 0 && c.Wallet.FunderAddress == "" {
		return fmt.Errorf("wallet.funder_address is required when wallet.signature_type is 1 or 2")
	}
	if c.API.CLOBBaseURL == "" {
		return fmt.Errorf("api.clob_base_url is required")
	}
	switch c.Orders.Mode {
	case ModeWebsocket, ModePolling, ModeHybrid:
	default:
		return fmt.Errorf("orders.mode must be one of: websocket, polling, hybrid")
	}
	if c.Orders.PollingIntervalSec <= 0 {
		return fmt.Errorf("orders.polling_interval_sec must be > 0")
	}
	if c.DipArb.DipThreshold <= 0 {
		return fmt.Errorf("diparb.dip_threshold must be > 0")
	}
	if c.DipArb.SlidingWindowMs <= 0 {
		return fmt.Errorf("diparb.sliding_window_ms must be > 0")
	}
	if c.DipArb.Shares <= 0 {
		return fmt.Errorf("diparb.shares must be > 0")
	}
	if c.DipArb.SplitOrders < 1 {
		return fmt.Errorf("diparb.split_orders must be >= 1")
	}
	if c.DipArb.SumTarget <= 0 || c.DipArb.SumTarget > 2 {
		return fmt.Errorf("diparb.sum_target must be in (0, 2]")
	}
	switch c.Rotate.Duration {
	case "5m", "15m":
	default:
		return fmt.Errorf("rotate.duration must be \"5m\" or \"15m\"")
	}
	switch c.Rotate.SettleStrategy {
	case SettleRedeem, SettleSell:
	default:
		return fmt.Errorf("rotate.settle_strategy must be \"redeem\" or \"sell\"")
	}
	for _, u := range c.Rotate.Underlyings {
		switch u {
		case "BTC", "ETH", "SOL", "XRP":
		default:
			return fmt.Errorf("rotate.underlyings: unsupported asset %q", u)
		}
	}
	return nil
}
