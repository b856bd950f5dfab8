// Package rotation moves the trading engine across consecutive
// short-duration markets and settles whatever positions each market leaves
// behind.
//
// Two periodic loops run while auto-rotate is enabled. The rotation loop
// preloads the next market shortly before the current one ends and switches
// the engine over at end time, settling open positions per the configured
// strategy (queue for post-resolution redemption, or market-sell
// immediately). The redemption loop sweeps the pending queue, redeeming
// entries whose market has resolved on-chain. The queue survives restarts
// through the store and a recovery scan over recently ended markets picks up
// positions from a previous run.
package rotation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"polyarb/internal/chain"
	"polyarb/internal/config"
	"polyarb/internal/events"
	"polyarb/internal/market"
	"polyarb/internal/order"
	"polyarb/pkg/types"
)

const (
	rotateInterval = 30 * time.Second

	// maxRedeemRetries caps how often one queue entry is retried before
	// it is dropped with a warning.
	maxRedeemRetries = 20

	// dustShares is the balance below which a position is treated as empty.
	dustShares = 0.01
)

// Scanner discovers upcoming (or, with a negative bound, recently ended)
// markets. Satisfied by *market.Scanner.
type Scanner interface {
	ScanUpcomingMarkets(ctx context.Context, f market.ScanFilter) ([]types.MarketDescriptor, error)
}

// Settler is the on-chain surface the scheduler needs. Satisfied by
// *chain.CTFOps.
type Settler interface {
	GetMarketResolution(ctx context.Context, conditionID string) (chain.Resolution, error)
	RedeemByTokenIds(ctx context.Context, conditionID string, tokenIDs []string) (string, error)
	GetPositionBalance(ctx context.Context, tokenID string) (float64, error)
	ReconcilePairs(ctx context.Context, m types.MarketDescriptor) (float64, error)
}

// OrderPlacer submits market orders for the sell settle strategy.
// Satisfied by *order.Manager.
type OrderPlacer interface {
	CreateMarketOrder(ctx context.Context, req types.MarketOrderRequest, meta order.Meta) (*order.Handle, error)
}

// Runner is the trading side being rotated. Implemented by the engine
// composition root.
type Runner interface {
	// Market returns the market currently being traded.
	Market() types.MarketDescriptor
	// Round returns the current strategy round, if one is open.
	Round() (types.Round, bool)
	// Switch stops trading on the current market and starts on next.
	Switch(ctx context.Context, next types.MarketDescriptor) error
}

// QueueStore persists the pending-redemption queue across restarts.
// Satisfied by *store.Store; may be nil for a memory-only scheduler.
type QueueStore interface {
	LoadRedemptions() ([]types.PendingRedemption, error)
	SaveRedemptions([]types.PendingRedemption) error
}

// RotateEvent is the payload of "rotate" events.
type RotateEvent struct {
	From types.MarketDescriptor `json:"from"`
	To   types.MarketDescriptor `json:"to"`
}

// SettledEvent is the payload of "settled" events.
type SettledEvent struct {
	Market  types.MarketDescriptor `json:"market"`
	RoundID string                 `json:"round_id,omitempty"`
	Winner  types.Outcome          `json:"winner"`
	Shares  float64                `json:"shares"`
	TxHash  string                 `json:"tx_hash"`
}

// Scheduler owns the pending-redemption queue and the two rotation timers.
type Scheduler struct {
	cfg     config.RotateConfig
	scanner Scanner
	settler Settler
	orders  OrderPlacer
	runner  Runner
	store   QueueStore
	emitter *events.Emitter
	logger  *slog.Logger

	mu    sync.Mutex
	queue []types.PendingRedemption
	next  *types.MarketDescriptor

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	now            func() time.Time
	rotateEvery    time.Duration
	redeemEvery    time.Duration
	redeemWait     time.Duration
	preloadHorizon time.Duration
}

// NewScheduler wires a scheduler; store may be nil to skip persistence.
func NewScheduler(
	cfg config.RotateConfig,
	scanner Scanner,
	settler Settler,
	orders OrderPlacer,
	runner Runner,
	store QueueStore,
	emitter *events.Emitter,
	logger *slog.Logger,
) *Scheduler {
	redeemEvery := time.Duration(cfg.RedeemRetryIntervalSeconds) * time.Second
	if redeemEvery <= 0 {
		redeemEvery = 30 * time.Second
	}
	return &Scheduler{
		cfg:            cfg,
		scanner:        scanner,
		settler:        settler,
		orders:         orders,
		runner:         runner,
		store:          store,
		emitter:        emitter,
		logger:         logger.With("component", "rotation"),
		now:            time.Now,
		rotateEvery:    rotateInterval,
		redeemEvery:    redeemEvery,
		redeemWait:     time.Duration(cfg.RedeemWaitMinutes) * time.Minute,
		preloadHorizon: time.Duration(cfg.PreloadMinutes) * time.Minute,
	}
}

// Enable loads the persisted queue, runs the recovery scan, and starts both
// loops. Idempotent.
func (s *Scheduler) Enable(ctx context.Context) error {
	s.mu.Lock()
	if s.ctx != nil && s.ctx.Err() == nil {
		s.mu.Unlock()
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	if s.store != nil {
		queue, err := s.store.LoadRedemptions()
		if err != nil {
			return fmt.Errorf("load redemption queue: %w", err)
		}
		s.mu.Lock()
		s.queue = queue
		s.mu.Unlock()
		if len(queue) > 0 {
			s.logger.Info("restored pending redemptions", "count", len(queue))
		}
	}

	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		s.recoverPositions(s.ctx)
	}()
	go s.rotationLoop()
	go s.redeemLoop()

	s.logger.Info("auto-rotate enabled",
		"underlyings", s.cfg.Underlyings,
		"duration", s.cfg.Duration,
		"settle_strategy", s.cfg.SettleStrategy,
	)
	return nil
}

// Stop cancels both loops and persists the queue. Pending redemptions are
// left intact for the next run. Idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()

	s.persistQueue()
	if pending := s.PendingRedemptions(); len(pending) > 0 {
		s.logger.Warn("stopping with pending redemptions", "count", len(pending))
	}
	s.logger.Info("auto-rotate stopped")
}

// PendingRedemptions returns a copy of the queue, oldest first.
func (s *Scheduler) PendingRedemptions() []types.PendingRedemption {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.PendingRedemption{}, s.queue...)
}

func (s *Scheduler) rotationLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.rotateEvery)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.checkRotation(s.ctx)
		}
	}
}

// checkRotation preloads the next market inside the preload horizon and
// performs the switch once the current market ends.
func (s *Scheduler) checkRotation(ctx context.Context) {
	current := s.runner.Market()
	untilEnd := current.EndTime.Sub(s.now())

	if untilEnd <= s.preloadHorizon && s.peekNext() == nil {
		if m := s.scanNext(ctx, current); m != nil {
			s.setNext(m)
			s.logger.Info("preloaded next market", "slug", m.Slug, "ends", m.EndTime)
		}
	}
	if untilEnd > 0 {
		return
	}

	if s.cfg.AutoSettle {
		s.settleCurrent(ctx, current)
	}

	next := s.takeNext()
	if next == nil {
		next = s.scanNext(ctx, current)
	}
	if next == nil {
		s.logger.Warn("market ended but no successor found, retrying next tick",
			"slug", current.Slug)
		return
	}

	if err := s.runner.Switch(ctx, *next); err != nil {
		s.logger.Error("market switch failed", "from", current.Slug, "to", next.Slug, "err", err)
		s.setNext(next)
		return
	}
	s.logger.Info("rotated market", "from", current.Slug, "to", next.Slug)
	s.emitter.Emit(events.Rotate, RotateEvent{From: current, To: *next})
}

// scanNext returns the earliest-ending upcoming market other than current.
func (s *Scheduler) scanNext(ctx context.Context, current types.MarketDescriptor) *types.MarketDescriptor {
	found, err := s.scanner.ScanUpcomingMarkets(ctx, market.ScanFilter{
		Underlyings:        s.underlyings(),
		DurationMinutes:    s.cfg.DurationMinutes(),
		MinMinutesUntilEnd: 1,
	})
	if err != nil {
		s.logger.Error("market scan failed", "err", err)
		return nil
	}
	for _, m := range found {
		if m.Slug != current.Slug {
			m := m
			return &m
		}
	}
	return nil
}

// settleCurrent disposes of the open round's position at market end.
func (s *Scheduler) settleCurrent(ctx context.Context, m types.MarketDescriptor) {
	round, ok := s.runner.Round()
	if !ok || round.Leg1 == nil {
		return
	}
	// Completed rounds under auto-merge hold no tokens; the balance checks
	// in the redeem sweep drop such entries without an on-chain write.
	if s.cfg.SettleStrategy == "sell" {
		s.sellLegs(ctx, m, round)
		return
	}
	s.enqueue(types.PendingRedemption{
		Market:        m,
		RoundID:       round.ID,
		MarketEndTime: m.EndTime,
		AddedAt:       s.now(),
	})
	s.logger.Info("queued round for redemption", "round", round.ID, "market", m.Slug)
}

// sellLegs market-sells whatever legs the round still holds at the worst
// acceptable price, taking any remaining bids.
func (s *Scheduler) sellLegs(ctx context.Context, m types.MarketDescriptor, round types.Round) {
	for _, leg := range []*types.Leg{round.Leg1, round.Leg2} {
		if leg == nil || leg.Shares <= 0 {
			continue
		}
		h, err := s.orders.CreateMarketOrder(ctx, types.MarketOrderRequest{
			TokenID:  leg.TokenID,
			Side:     types.SELL,
			Amount:   leg.Shares,
			Price:    0.01,
			Kind:     types.KindFAK,
			TickSize: m.TickSize,
			NegRisk:  m.NegRisk,
		}, order.Meta{Kind: types.KindFAK, Tag: "rotate_sell"})
		if err != nil {
			s.logger.Error("rotation sell failed", "token", leg.TokenID, "err", err)
			continue
		}
		res, err := h.Wait(ctx)
		if err != nil {
			return
		}
		s.logger.Info("rotation sell resolved",
			"token", leg.TokenID, "status", res.Status, "fills", len(res.Fills))
	}
}

func (s *Scheduler) redeemLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.redeemEvery)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.sweepQueue(s.ctx)
		}
	}
}

// sweepQueue retries every due entry once. Entries resolve out of the queue
// on successful redemption, empty balances, or the retry cap.
func (s *Scheduler) sweepQueue(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	due := make([]types.PendingRedemption, 0, len(s.queue))
	for _, e := range s.queue {
		if now.Sub(e.MarketEndTime) >= s.redeemWait {
			due = append(due, e)
		}
	}
	s.mu.Unlock()

	changed := false
	for _, entry := range due {
		if ctx.Err() != nil {
			return
		}
		entry.RetryCount++
		entry.LastRetryAt = now

		if entry.RetryCount > maxRedeemRetries {
			s.logger.Warn("giving up on redemption after retry cap",
				"market", entry.Market.Slug, "retries", entry.RetryCount)
			s.removeEntry(entry.Market.ConditionID)
			changed = true
			continue
		}
		s.updateEntry(entry)
		changed = true

		if done := s.tryRedeem(ctx, entry); done {
			s.removeEntry(entry.Market.ConditionID)
		}
	}

	if changed {
		s.persistQueue()
	}
}

// tryRedeem attempts one redemption. Reports whether the entry is finished
// (redeemed or nothing left to redeem); unresolved markets and transient
// failures keep the entry queued.
func (s *Scheduler) tryRedeem(ctx context.Context, entry types.PendingRedemption) bool {
	m := entry.Market

	res, err := s.settler.GetMarketResolution(ctx, m.ConditionID)
	if err != nil {
		s.logger.Warn("resolution check failed", "market", m.Slug, "err", err)
		return false
	}
	if !res.Resolved {
		return false
	}

	winnerToken := m.UpTokenID
	if res.Winner == types.OutcomeDown {
		winnerToken = m.DownTokenID
	}
	balance, err := s.settler.GetPositionBalance(ctx, winnerToken)
	if err != nil {
		s.logger.Warn("balance check failed", "market", m.Slug, "err", err)
		return false
	}
	if balance < dustShares {
		s.logger.Info("nothing to redeem, dropping entry", "market", m.Slug)
		return true
	}

	tx, err := s.settler.RedeemByTokenIds(ctx, m.ConditionID, m.TokenIDs())
	if err != nil {
		s.logger.Error("redeem failed", "market", m.Slug, "err", err)
		return false
	}

	s.logger.Info("redeemed winning position",
		"market", m.Slug, "winner", res.Winner, "shares", balance, "tx", tx)
	s.emitter.Emit(events.Settled, SettledEvent{
		Market:  m,
		RoundID: entry.RoundID,
		Winner:  res.Winner,
		Shares:  balance,
		TxHash:  tx,
	})
	return true
}

// recoverPositions sweeps recently ended markets for positions left behind
// by a previous run: resolved winners join the redemption queue, unresolved
// hedged pairs are merged back to collateral immediately.
func (s *Scheduler) recoverPositions(ctx context.Context) {
	found, err := s.scanner.ScanUpcomingMarkets(ctx, market.ScanFilter{
		Underlyings:        s.underlyings(),
		DurationMinutes:    s.cfg.DurationMinutes(),
		MinMinutesUntilEnd: -60,
	})
	if err != nil {
		s.logger.Warn("recovery scan failed", "err", err)
		return
	}

	now := s.now()
	recovered := 0
	for _, m := range found {
		if ctx.Err() != nil {
			return
		}
		if !m.EndTime.Before(now) {
			continue
		}
		if s.hasEntry(m.ConditionID) {
			continue
		}

		res, err := s.settler.GetMarketResolution(ctx, m.ConditionID)
		if err != nil {
			s.logger.Warn("recovery resolution check failed", "market", m.Slug, "err", err)
			continue
		}

		if res.Resolved {
			winnerToken := m.UpTokenID
			if res.Winner == types.OutcomeDown {
				winnerToken = m.DownTokenID
			}
			balance, err := s.settler.GetPositionBalance(ctx, winnerToken)
			if err != nil || balance < dustShares {
				continue
			}
			s.enqueue(types.PendingRedemption{
				Market:        m,
				MarketEndTime: m.EndTime,
				AddedAt:       now,
			})
			recovered++
			s.logger.Info("recovered unredeemed position",
				"market", m.Slug, "winner", res.Winner, "shares", balance)
			continue
		}

		merged, err := s.settler.ReconcilePairs(ctx, m)
		if err != nil {
			s.logger.Warn("recovery merge failed", "market", m.Slug, "err", err)
			continue
		}
		if merged > 0 {
			recovered++
			s.logger.Info("merged leftover pair from previous run",
				"market", m.Slug, "shares", merged)
		}
	}

	if recovered > 0 {
		s.persistQueue()
	}
}

func (s *Scheduler) underlyings() []types.Underlying {
	out := make([]types.Underlying, 0, len(s.cfg.Underlyings))
	for _, u := range s.cfg.Underlyings {
		out = append(out, types.Underlying(u))
	}
	return out
}

func (s *Scheduler) enqueue(entry types.PendingRedemption) {
	s.mu.Lock()
	s.queue = append(s.queue, entry)
	s.mu.Unlock()
	s.persistQueue()
}

func (s *Scheduler) removeEntry(conditionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.queue[:0]
	for _, e := range s.queue {
		if e.Market.ConditionID != conditionID {
			kept = append(kept, e)
		}
	}
	s.queue = kept
}

func (s *Scheduler) updateEntry(entry types.PendingRedemption) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.queue {
		if e.Market.ConditionID == entry.Market.ConditionID {
			s.queue[i] = entry
			return
		}
	}
}

func (s *Scheduler) hasEntry(conditionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.queue {
		if e.Market.ConditionID == conditionID {
			return true
		}
	}
	return false
}

func (s *Scheduler) persistQueue() {
	if s.store == nil {
		return
	}
	if err := s.store.SaveRedemptions(s.PendingRedemptions()); err != nil {
		s.logger.Error("persist redemption queue failed", "err", err)
	}
}

func (s *Scheduler) peekNext() *types.MarketDescriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

func (s *Scheduler) setNext(m *types.MarketDescriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next = m
}

func (s *Scheduler) takeNext() *types.MarketDescriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.next
	s.next = nil
	return m
}
