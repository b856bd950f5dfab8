// Package engine is the composition root of the dip-arbitrage bot.
//
// It wires together all subsystems:
//
//  1. Scanner finds the short-duration market to trade.
//  2. The realtime bus feeds book, user, and underlying-price events.
//  3. The order manager supervises every submitted order's lifecycle.
//  4. The strategy engine runs dip-arbitrage rounds over the current market.
//  5. The rotation scheduler switches markets at end time and settles
//     leftover positions through CTF operations.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"polyarb/internal/chain"
	"polyarb/internal/config"
	"polyarb/internal/events"
	"polyarb/internal/exchange"
	"polyarb/internal/market"
	"polyarb/internal/order"
	"polyarb/internal/rotation"
	"polyarb/internal/store"
	"polyarb/internal/strategy"
	"polyarb/internal/ws"
	"polyarb/pkg/types"
)

// slot is the actively-traded market: its pair book, the strategy engine
// driving it, and the bus subscriptions feeding both.
type slot struct {
	market    types.MarketDescriptor
	book      *market.PairBook
	arb       *strategy.Engine
	marketSub *ws.Subscription
	priceSub  *ws.Subscription
}

// Engine owns the lifecycle of every component. One market is traded at a
// time; rotation swaps the slot without tearing the rest of the process down.
type Engine struct {
	cfg     config.Config
	logger  *slog.Logger
	emitter *events.Emitter

	auth    *exchange.Auth
	client  *exchange.Client
	bus     *ws.Bus
	scanner *market.Scanner
	ctf     *chain.CTFOps // nil in dry-run: no chain access
	orders  *order.Manager
	sched   *rotation.Scheduler
	store   *store.Store

	mu      sync.Mutex
	started bool
	slot    *slot

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates and wires all engine components. If L2 API credentials aren't
// configured, it derives them via L1 (EIP-712) auth. In dry-run mode no RPC
// connection is opened: auto-merge, settlement tracking, and rotation
// settling are disabled.
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	auth, err := exchange.NewAuth(cfg)
	if err != nil {
		return nil, err
	}

	client := exchange.NewClient(cfg, auth, logger)

	if !auth.HasL2Credentials() {
		logger.Info("no L2 credentials, deriving API key via L1...")
		creds, err := client.DeriveAPIKey(context.Background())
		if err != nil {
			return nil, err
		}
		auth.SetCredentials(*creds)
	}

	emitter := events.NewEmitter(logger)
	bus := ws.NewBus(cfg.API, cfg.WS, logger)
	scanner := market.NewScanner(cfg.API, logger)

	st, err := store.Open(cfg.Store.DataDir)
	if err != nil {
		return nil, err
	}

	var ctf *chain.CTFOps
	if cfg.DryRun {
		logger.Warn("dry-run: on-chain settlement disabled")
	} else {
		ctf, err = chain.NewCTFOps(&cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("chain setup: %w", err)
		}
	}

	opts := order.Options{
		Rest:    client,
		Feed:    bus,
		Auth:    *auth.WSAuthPayload(),
		Emitter: emitter,
		Config:  cfg.Orders,
		Logger:  logger,
	}
	if ctf != nil {
		opts.Chain = ctf
	}
	orders := order.NewManager(opts)

	e := &Engine{
		cfg:     cfg,
		logger:  logger.With("component", "engine"),
		emitter: emitter,
		auth:    auth,
		client:  client,
		bus:     bus,
		scanner: scanner,
		ctf:     ctf,
		orders:  orders,
		store:   st,
	}

	if ctf != nil {
		e.sched = rotation.NewScheduler(
			cfg.Rotate, scanner, ctf, orders, e, st, emitter, logger,
		)
	}

	return e, nil
}

// Start finds the initial market, reconciles any pre-existing pair balance
// in it, starts the strategy, and enables auto-rotation if configured.
// Calling Start twice is a no-op.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.mu.Unlock()

	if err := e.orders.Start(e.ctx); err != nil {
		return fmt.Errorf("start order manager: %w", err)
	}

	initial, err := e.findInitialMarket(e.ctx)
	if err != nil {
		return err
	}

	// Startup reconciliation: a crashed run can leave a hedged pair in the
	// current market; merge it back to collateral before trading resumes.
	if e.ctf != nil {
		if shares, err := e.ctf.ReconcilePairs(e.ctx, initial); err != nil {
			e.logger.Warn("startup pair reconciliation failed", "error", err)
		} else if shares > 0 {
			e.logger.Info("merged leftover pair balance", "shares", shares)
		}
	}

	e.mu.Lock()
	err = e.startMarketLocked(e.ctx, initial)
	e.mu.Unlock()
	if err != nil {
		return err
	}

	if e.cfg.Rotate.Enabled {
		if e.sched == nil {
			e.logger.Warn("auto-rotate configured but unavailable in dry-run")
		} else if err := e.sched.Enable(e.ctx); err != nil {
			return fmt.Errorf("enable auto-rotate: %w", err)
		}
	}

	e.emitter.Emit(events.Started, initial)
	e.logger.Info("engine started",
		"market", initial.Slug,
		"underlying", initial.Underlying,
		"ends", initial.EndTime,
		"dry_run", e.cfg.DryRun,
	)
	return nil
}

// Stop shuts everything down in reverse start order: rotation first (it
// persists the pending-redemption queue), then the strategy and its
// subscriptions, the order manager, and finally the connections and store.
// Idempotent.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	e.mu.Unlock()

	e.logger.Info("shutting down...")

	if e.sched != nil {
		e.sched.Stop()
	}

	e.mu.Lock()
	e.stopSlotLocked()
	e.mu.Unlock()

	e.orders.Stop()
	e.cancel()
	e.bus.Close()
	if err := e.store.Close(); err != nil {
		e.logger.Error("store close failed", "error", err)
	}

	e.emitter.Emit(events.Stopped, nil)
	e.logger.Info("shutdown complete")
}

// findInitialMarket scans for the soonest-ending market matching the rotate
// filter that has not ended yet.
func (e *Engine) findInitialMarket(ctx context.Context) (types.MarketDescriptor, error) {
	filter := market.ScanFilter{
		Underlyings:        e.underlyings(),
		DurationMinutes:    e.cfg.Rotate.DurationMinutes(),
		MinMinutesUntilEnd: 1,
	}
	found, err := e.scanner.ScanUpcomingMarkets(ctx, filter)
	if err != nil {
		return types.MarketDescriptor{}, fmt.Errorf("scan initial market: %w", err)
	}
	if len(found) == 0 {
		return types.MarketDescriptor{}, fmt.Errorf("no upcoming %s markets for %v",
			e.cfg.Rotate.Duration, e.cfg.Rotate.Underlyings)
	}
	sort.Slice(found, func(i, j int) bool {
		return found[i].EndTime.Before(found[j].EndTime)
	})
	return found[0], nil
}

func (e *Engine) underlyings() []types.Underlying {
	out := make([]types.Underlying, 0, len(e.cfg.Rotate.Underlyings))
	for _, u := range e.cfg.Rotate.Underlyings {
		out = append(out, types.Underlying(u))
	}
	return out
}

// startMarketLocked builds the slot for m: pair book, strategy engine, bus
// subscriptions, and an initial REST book snapshot so the strategy does not
// wait for the first WS frame. Caller holds e.mu.
func (e *Engine) startMarketLocked(ctx context.Context, m types.MarketDescriptor) error {
	book := market.NewPairBook(m)

	var merger strategy.Merger
	if e.cfg.DipArb.AutoMerge && e.ctf != nil {
		merger = e.ctf
	}

	arb := strategy.New(e.cfg.DipArb, m, book, e.orders, merger, e.emitter, e.logger)
	arb.Start(ctx)

	handlers := arb.Handlers()
	marketSub, err := e.bus.SubscribeMarket(ctx, m.TokenIDs(), handlers)
	if err != nil {
		arb.Stop()
		return fmt.Errorf("subscribe market %s: %w", m.Slug, err)
	}
	priceSub, err := e.bus.SubscribeUnderlying(ctx, []string{m.Underlying.FeedSymbol()}, handlers)
	if err != nil {
		marketSub.Cancel()
		arb.Stop()
		return fmt.Errorf("subscribe underlying %s: %w", m.Underlying, err)
	}

	// Seed the book from REST so rounds can open before the first snapshot
	// frame arrives.
	for _, tokenID := range m.TokenIDs() {
		resp, err := e.client.GetBook(ctx, tokenID)
		if err != nil {
			e.logger.Warn("initial book fetch failed", "token", tokenID, "error", err)
			continue
		}
		book.ApplyBookResponse(resp)
	}
	arb.OnBookUpdate()

	e.slot = &slot{
		market:    m,
		book:      book,
		arb:       arb,
		marketSub: marketSub,
		priceSub:  priceSub,
	}

	e.logger.Info("market started",
		"slug", m.Slug,
		"condition_id", m.ConditionID,
		"ends", m.EndTime,
	)
	return nil
}

// stopSlotLocked tears down the current slot and records its round, if one
// ran. Caller holds e.mu.
func (e *Engine) stopSlotLocked() {
	s := e.slot
	if s == nil {
		return
	}
	e.slot = nil

	s.marketSub.Cancel()
	s.priceSub.Cancel()

	round, ok := s.arb.Round()
	s.arb.Stop()

	if ok {
		if err := e.store.AppendRound(round); err != nil {
			e.logger.Error("record round failed", "round", round.ID, "error", err)
		}
	}
	e.logger.Info("market stopped", "slug", s.market.Slug)
}

// ————————————————————————————————————————————————————————————————————————
// rotation.Runner
// ————————————————————————————————————————————————————————————————————————

// Market returns the market currently being traded.
func (e *Engine) Market() types.MarketDescriptor {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.slot == nil {
		return types.MarketDescriptor{}
	}
	return e.slot.market
}

// Round returns the current strategy round, if one is open.
func (e *Engine) Round() (types.Round, bool) {
	e.mu.Lock()
	s := e.slot
	e.mu.Unlock()
	if s == nil {
		return types.Round{}, false
	}
	return s.arb.Round()
}

// Switch stops trading on the current market and starts on next. Called by
// the rotation scheduler once the current market ends.
func (e *Engine) Switch(ctx context.Context, next types.MarketDescriptor) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopSlotLocked()
	return e.startMarketLocked(ctx, next)
}

// ————————————————————————————————————————————————————————————————————————
// Dashboard surface
// ————————————————————————————————————————————————————————————————————————

// Emitter exposes the process event stream for the dashboard server.
func (e *Engine) Emitter() *events.Emitter {
	return e.emitter
}

// LastUnderlying returns the latest underlying reference price, 0 if none
// has arrived yet.
func (e *Engine) LastUnderlying() float64 {
	e.mu.Lock()
	s := e.slot
	e.mu.Unlock()
	if s == nil {
		return 0
	}
	return s.arb.LastUnderlying()
}

// BookAsks returns the current best asks for both outcomes of the traded
// market. ok is false when no slot is active or either side is empty.
func (e *Engine) BookAsks() (upAsk, downAsk float64, ok bool) {
	e.mu.Lock()
	s := e.slot
	e.mu.Unlock()
	if s == nil {
		return 0, 0, false
	}
	return s.book.Asks()
}

// WatchedOrders returns every order currently under supervision.
func (e *Engine) WatchedOrders() []types.Order {
	return e.orders.WatchedOrders()
}

// PendingRedemptions returns the rotation scheduler's queue; empty when
// rotation is unavailable.
func (e *Engine) PendingRedemptions() []types.PendingRedemption {
	if e.sched == nil {
		return nil
	}
	return e.sched.PendingRedemptions()
}

// ConnectionStates reports each venue WebSocket's state by endpoint name.
func (e *Engine) ConnectionStates() map[string]string {
	return e.bus.ConnectionStates()
}

// RecentRounds returns up to limit completed rounds, newest first.
func (e *Engine) RecentRounds(limit int) []types.Round {
	rounds, err := e.store.LoadRounds()
	if err != nil {
		e.logger.Error("load round history failed", "error", err)
		return nil
	}
	for i, j := 0, len(rounds)-1; i < j; i, j = i+1, j-1 {
		rounds[i], rounds[j] = rounds[j], rounds[i]
	}
	if limit > 0 && len(rounds) > limit {
		rounds = rounds[:limit]
	}
	return rounds
}
