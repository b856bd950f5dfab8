package api

import (
	"time"

	"polyarb/internal/config"
	"polyarb/pkg/types"
)

// DashboardSnapshot is the complete dashboard state served by /api/snapshot
// and pushed to every WebSocket client on connect.
type DashboardSnapshot struct {
	Timestamp time.Time `json:"timestamp"`

	// Current market and strategy state
	Market     MarketStatus `json:"market"`
	Round      *types.Round `json:"round,omitempty"`
	Underlying float64      `json:"underlying_price"`

	// Orders under supervision
	Orders []types.Order `json:"orders"`

	// Settlement backlog
	PendingRedemptions []types.PendingRedemption `json:"pending_redemptions"`

	// Venue connection health, keyed by endpoint name
	Connections map[string]string `json:"connections"`

	// Completed rounds, newest first
	RecentRounds []types.Round `json:"recent_rounds"`

	Config ConfigSummary `json:"config"`
}

// MarketStatus is the traded market plus its live top-of-book asks.
type MarketStatus struct {
	ConditionID     string           `json:"condition_id"`
	Slug            string           `json:"slug"`
	Underlying      types.Underlying `json:"underlying"`
	DurationMinutes int              `json:"duration_minutes"`
	EndTime         time.Time        `json:"end_time"`
	UpAsk           float64          `json:"up_ask"`
	DownAsk         float64          `json:"down_ask"`
	AskSum          float64          `json:"ask_sum"`
	HaveBook        bool             `json:"have_book"`
}

// ConfigSummary is the subset of configuration shown on the dashboard.
type ConfigSummary struct {
	// Strategy
	DipThreshold       float64 `json:"dip_threshold"`
	SurgeThreshold     float64 `json:"surge_threshold"`
	SlidingWindowMs    int     `json:"sliding_window_ms"`
	WindowMinutes      int     `json:"window_minutes"`
	MaxSlippage        float64 `json:"max_slippage"`
	Shares             float64 `json:"shares"`
	SplitOrders        int     `json:"split_orders"`
	SumTarget          float64 `json:"sum_target"`
	Leg2TimeoutSeconds int     `json:"leg2_timeout_seconds"`
	AutoMerge          bool    `json:"auto_merge"`

	// Rotation
	AutoRotate     bool     `json:"auto_rotate"`
	Underlyings    []string `json:"underlyings"`
	Duration       string   `json:"duration"`
	SettleStrategy string   `json:"settle_strategy"`

	// Order tracking
	OrderMode          string `json:"order_mode"`
	PollingIntervalSec int    `json:"polling_interval_sec"`

	// Operational
	DryRun bool `json:"dry_run"`
}

// NewConfigSummary extracts the dashboard-visible configuration.
func NewConfigSummary(cfg config.Config) ConfigSummary {
	return ConfigSummary{
		DipThreshold:       cfg.DipArb.DipThreshold,
		SurgeThreshold:     cfg.DipArb.SurgeThreshold,
		SlidingWindowMs:    cfg.DipArb.SlidingWindowMs,
		WindowMinutes:      cfg.DipArb.WindowMinutes,
		MaxSlippage:        cfg.DipArb.MaxSlippage,
		Shares:             cfg.DipArb.Shares,
		SplitOrders:        cfg.DipArb.SplitOrders,
		SumTarget:          cfg.DipArb.SumTarget,
		Leg2TimeoutSeconds: cfg.DipArb.Leg2TimeoutSeconds,
		AutoMerge:          cfg.DipArb.AutoMerge,

		AutoRotate:     cfg.Rotate.Enabled,
		Underlyings:    cfg.Rotate.Underlyings,
		Duration:       cfg.Rotate.Duration,
		SettleStrategy: cfg.Rotate.SettleStrategy,

		OrderMode:          cfg.Orders.Mode,
		PollingIntervalSec: cfg.Orders.PollingIntervalSec,

		DryRun: cfg.DryRun,
	}
}
