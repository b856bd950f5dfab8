package api

import (
	"time"

	"polyarb/internal/config"
	"polyarb/pkg/types"
)

// recentRoundLimit caps the round history shipped with each snapshot.
const recentRoundLimit = 20

// SnapshotProvider is the engine surface the dashboard reads. Implemented
// by *engine.Engine.
type SnapshotProvider interface {
	Market() types.MarketDescriptor
	Round() (types.Round, bool)
	LastUnderlying() float64
	BookAsks() (upAsk, downAsk float64, ok bool)
	WatchedOrders() []types.Order
	PendingRedemptions() []types.PendingRedemption
	ConnectionStates() map[string]string
	RecentRounds(limit int) []types.Round
}

// BuildSnapshot aggregates the engine's current state into one dashboard
// snapshot.
func BuildSnapshot(provider SnapshotProvider, cfg config.Config) DashboardSnapshot {
	m := provider.Market()
	upAsk, downAsk, haveBook := provider.BookAsks()

	status := MarketStatus{
		ConditionID:     m.ConditionID,
		Slug:            m.Slug,
		Underlying:      m.Underlying,
		DurationMinutes: m.DurationMinutes,
		EndTime:         m.EndTime,
		UpAsk:           upAsk,
		DownAsk:         downAsk,
		AskSum:          upAsk + downAsk,
		HaveBook:        haveBook,
	}

	var round *types.Round
	if r, ok := provider.Round(); ok {
		round = &r
	}

	return DashboardSnapshot{
		Timestamp:          time.Now(),
		Market:             status,
		Round:              round,
		Underlying:         provider.LastUnderlying(),
		Orders:             provider.WatchedOrders(),
		PendingRedemptions: provider.PendingRedemptions(),
		Connections:        provider.ConnectionStates(),
		RecentRounds:       provider.RecentRounds(recentRoundLimit),
		Config:             NewConfigSummary(cfg),
	}
}
