package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"polyarb/internal/config"
	"polyarb/internal/events"
	"polyarb/internal/market"
	"polyarb/internal/order"
	"polyarb/internal/ws"
	"polyarb/pkg/types"
)

// minNotionalUSD is the venue's minimum market-order amount.
const minNotionalUSD = 1.0

// OrderPlacer submits market orders and reports their outcome. Satisfied
// by *order.Manager.
type OrderPlacer interface {
	CreateMarketOrder(ctx context.Context, req types.MarketOrderRequest, meta order.Meta) (*order.Handle, error)
}

// Merger converts a hedged outcome-token pair back to collateral.
// Satisfied by *chain.CTFOps.
type Merger interface {
	MergePairs(ctx context.Context, conditionID string, shares float64) (string, error)
}

// SignalEvent is the payload of "signal" events.
type SignalEvent struct {
	RoundID   string        `json:"round_id"`
	Type      string        `json:"type"` // instant_dip, instant_surge, mispricing, leg2_target
	Outcome   types.Outcome `json:"outcome"`
	TokenID   string        `json:"token_id"`
	Ask       float64       `json:"ask"`
	Reference float64       `json:"reference"` // ask a window ago, or estimated fair value
	ChangePct float64       `json:"change_pct"`
	At        time.Time     `json:"at"`
}

// ExecutionEvent is the payload of "execution" events.
type ExecutionEvent struct {
	RoundID  string        `json:"round_id"`
	Stage    string        `json:"stage"` // leg1, leg2, merge, exit
	Outcome  types.Outcome `json:"outcome,omitempty"`
	Shares   float64       `json:"shares"`
	AvgPrice float64       `json:"avg_price,omitempty"`
	Cost     float64       `json:"cost,omitempty"`
	OrderIDs []string      `json:"order_ids,omitempty"`
	Success  bool          `json:"success"`
	TxHash   string        `json:"tx_hash,omitempty"`
	Err      string        `json:"err,omitempty"`
}

// ExitResult describes the emergency unwind attempted when leg 2 times out.
type ExitResult struct {
	Attempted bool    `json:"attempted"`
	Sold      bool    `json:"sold"`
	Shares    float64 `json:"shares"`
	AvgPrice  float64 `json:"avg_price,omitempty"`
	Proceeds  float64 `json:"proceeds,omitempty"`
	Reason    string  `json:"reason,omitempty"`
	OrderID   string  `json:"order_id,omitempty"`
}

// RoundCompleteEvent is the payload of "roundComplete" events.
type RoundCompleteEvent struct {
	Round types.Round `json:"round"`
	Exit  *ExitResult `json:"exit_result,omitempty"`
}

// Engine runs dip-arbitrage rounds over one market. It consumes book and
// underlying-price events from the realtime bus, detects dislocations, and
// drives the order manager and CTF operations.
//
// Signal detection runs synchronously on the bus delivery goroutine and
// never blocks: order placement and chain calls are dispatched to worker
// goroutines guarded by a single execution flag.
type Engine struct {
	cfg     config.DipArbConfig
	market  types.MarketDescriptor
	book    *market.PairBook
	orders  OrderPlacer
	merger  Merger // nil disables auto-merge
	emitter *events.Emitter
	logger  *slog.Logger

	window *PriceWindow

	mu             sync.Mutex
	round          *types.Round
	lastUnderlying float64
	lastExecution  time.Time
	executing      bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	now           func() time.Time
	slidingWindow time.Duration
	cooldown      time.Duration
	orderInterval time.Duration
	leg2Timeout   time.Duration
}

// New creates an engine for one market. merger may be nil when auto-merge
// is disabled.
func New(
	cfg config.DipArbConfig,
	m types.MarketDescriptor,
	book *market.PairBook,
	orders OrderPlacer,
	merger Merger,
	emitter *events.Emitter,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		cfg:           cfg,
		market:        m,
		book:          book,
		orders:        orders,
		merger:        merger,
		emitter:       emitter,
		logger:        logger.With("component", "diparb", "market", m.Slug),
		window:        NewPriceWindow(),
		now:           time.Now,
		slidingWindow: time.Duration(cfg.SlidingWindowMs) * time.Millisecond,
		cooldown:      time.Duration(cfg.ExecutionCooldownMs) * time.Millisecond,
		orderInterval: time.Duration(cfg.OrderIntervalMs) * time.Millisecond,
		leg2Timeout:   time.Duration(cfg.Leg2TimeoutSeconds) * time.Second,
	}
}

// Start arms the engine. Idempotent.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ctx != nil && e.ctx.Err() == nil {
		return
	}
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.logger.Info("dip-arb engine started",
		"dip_threshold", e.cfg.DipThreshold,
		"sum_target", e.cfg.SumTarget,
		"shares", e.cfg.Shares,
	)
}

// Stop cancels in-flight work and waits for worker goroutines to drain.
// Idempotent.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.cancel == nil {
		e.mu.Unlock()
		return
	}
	cancel := e.cancel
	e.mu.Unlock()

	cancel()
	e.wg.Wait()
	e.logger.Info("dip-arb engine stopped")
}

// Round returns a copy of the current round, if any.
func (e *Engine) Round() (types.Round, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.round == nil {
		return types.Round{}, false
	}
	return *e.round, true
}

// LastUnderlying returns the most recent underlying reference price, 0 if
// none has arrived.
func (e *Engine) LastUnderlying() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastUnderlying
}

// Handlers returns the bus handler set feeding this engine. Book data is
// applied to the pair book before signal evaluation.
func (e *Engine) Handlers() ws.Handlers {
	return ws.Handlers{
		OnOrderbook: func(ev *types.WSBookEvent) {
			e.book.ApplySnapshot(*ev)
			e.OnBookUpdate()
		},
		OnPriceChange: func(pc *types.PriceChangeEntry) {
			e.book.ApplyPriceChange(*pc)
			e.OnBookUpdate()
		},
		OnUnderlyingPrice: e.OnUnderlyingPrice,
	}
}

// OnUnderlyingPrice records the latest reference price for the engine's
// underlying and republishes it on the process emitter.
func (e *Engine) OnUnderlyingPrice(p types.UnderlyingPrice) {
	if p.Symbol != e.market.Underlying.FeedSymbol() {
		return
	}
	e.mu.Lock()
	e.lastUnderlying = p.Value
	e.mu.Unlock()
	e.emitter.Emit(events.PriceUpdate, p)
}

// OnBookUpdate evaluates the current book against the round state. It is
// the engine's only signal path and must stay non-blocking.
func (e *Engine) OnBookUpdate() {
	e.mu.Lock()
	if e.ctx == nil || e.ctx.Err() != nil {
		e.mu.Unlock()
		return
	}
	upAsk, downAsk, haveAsks := e.book.Asks()
	if !haveAsks {
		e.mu.Unlock()
		return
	}
	now := e.now()

	emit, launch := e.advanceLocked(now, upAsk, downAsk)
	e.mu.Unlock()

	for _, ev := range emit {
		e.emitter.Emit(ev.name, ev.payload)
	}
	if launch != nil {
		e.wg.Add(1)
		go launch()
	}
}

type pendingEmit struct {
	name    string
	payload any
}

// advanceLocked runs one step of the round state machine. It returns the
// events to emit and at most one worker to launch; the caller fires both
// after releasing the mutex so subscribers can call back into the engine.
func (e *Engine) advanceLocked(now time.Time, upAsk, downAsk float64) ([]pendingEmit, func()) {
	var emit []pendingEmit

	// Market end expires whatever round is open.
	if e.round != nil && !e.round.Phase.IsTerminal() && !now.Before(e.market.EndTime) {
		e.round.Phase = types.PhaseExpired
		e.round.EndedAt = now
		emit = append(emit, pendingEmit{events.RoundComplete, RoundCompleteEvent{Round: *e.round}})
		e.logger.Info("round expired at market end", "round", e.round.ID)
	}

	if e.round == nil || e.round.Phase.IsTerminal() {
		if !now.Before(e.market.EndTime) {
			return emit, nil
		}
		e.round = &types.Round{
			ID:          fmt.Sprintf("%s-%d", e.market.Slug, now.UnixMilli()),
			MarketSlug:  e.market.Slug,
			ConditionID: e.market.ConditionID,
			Phase:       types.PhaseWaiting,
			StartTime:   now,
			PriceToBeat: e.lastUnderlying,
			OpenUpAsk:   upAsk,
			OpenDownAsk: downAsk,
		}
		e.window.Reset()
		emit = append(emit, pendingEmit{events.NewRound, *e.round})
		e.logger.Info("round started", "round", e.round.ID, "price_to_beat", e.round.PriceToBeat)
	}

	switch e.round.Phase {
	case types.PhaseWaiting:
		e.window.Add(now, upAsk, downAsk)
		sig, found := e.detectSignalLocked(now, upAsk, downAsk)
		if !found || e.executing || now.Sub(e.lastExecution) < e.cooldown {
			return emit, nil
		}
		e.executing = true
		emit = append(emit, pendingEmit{events.Signal, sig})
		return emit, func() { e.executeLeg1(sig) }

	case types.PhaseLeg1Filled:
		leg1 := e.round.Leg1
		oppAsk := downAsk
		if leg1.Outcome == types.OutcomeDown {
			oppAsk = upAsk
		}
		target := clampPrice(oppAsk * (1 + e.cfg.MaxSlippage))
		if leg1.AvgPrice+target > e.cfg.SumTarget || e.executing {
			return emit, nil
		}
		e.executing = true
		opp := leg1.Outcome.Opposite()
		sig := SignalEvent{
			RoundID:   e.round.ID,
			Type:      "leg2_target",
			Outcome:   opp,
			TokenID:   e.tokenFor(opp),
			Ask:       oppAsk,
			Reference: e.cfg.SumTarget - leg1.AvgPrice,
			At:        now,
		}
		emit = append(emit, pendingEmit{events.Signal, sig})
		shares := leg1.Shares
		roundID := e.round.ID
		return emit, func() { e.executeLeg2(roundID, opp, target, shares) }
	}
	return emit, nil
}

// detectSignalLocked checks the three leg-1 triggers in priority order:
// instant dip, instant surge, then the underlying-mispricing fallback.
func (e *Engine) detectSignalLocked(now time.Time, upAsk, downAsk float64) (SignalEvent, bool) {
	if e.cfg.WindowMinutes > 0 &&
		now.Sub(e.round.StartTime) > time.Duration(e.cfg.WindowMinutes)*time.Minute {
		return SignalEvent{}, false
	}

	if upAgo, downAgo, ok := e.window.AsksAgo(now, e.slidingWindow); ok {
		if upAgo > 0 {
			if drop := (upAgo - upAsk) / upAgo; drop >= e.cfg.DipThreshold {
				return e.signal("instant_dip", types.OutcomeUp, upAsk, upAgo, -drop, now), true
			}
		}
		if downAgo > 0 {
			if drop := (downAgo - downAsk) / downAgo; drop >= e.cfg.DipThreshold {
				return e.signal("instant_dip", types.OutcomeDown, downAsk, downAgo, -drop, now), true
			}
		}
		if e.cfg.SurgeThreshold > 0 {
			// A surge on one side buys the untouched side.
			if upAgo > 0 {
				if rise := (upAsk - upAgo) / upAgo; rise >= e.cfg.SurgeThreshold {
					return e.signal("instant_surge", types.OutcomeDown, downAsk, upAgo, rise, now), true
				}
			}
			if downAgo > 0 {
				if rise := (downAsk - downAgo) / downAgo; rise >= e.cfg.SurgeThreshold {
					return e.signal("instant_surge", types.OutcomeUp, upAsk, downAgo, rise, now), true
				}
			}
		}
	}

	if e.round.PriceToBeat > 0 && e.lastUnderlying > 0 {
		estUp := estimateUpProbability(e.lastUnderlying, e.round.PriceToBeat)
		if diff := estUp - upAsk; diff >= e.cfg.DipThreshold {
			return e.signal("mispricing", types.OutcomeUp, upAsk, estUp, diff, now), true
		}
		if diff := (1 - estUp) - downAsk; diff >= e.cfg.DipThreshold {
			return e.signal("mispricing", types.OutcomeDown, downAsk, 1-estUp, diff, now), true
		}
	}

	return SignalEvent{}, false
}

func (e *Engine) signal(kind string, o types.Outcome, ask, ref, change float64, now time.Time) SignalEvent {
	return SignalEvent{
		RoundID:   e.round.ID,
		Type:      kind,
		Outcome:   o,
		TokenID:   e.tokenFor(o),
		Ask:       ask,
		Reference: ref,
		ChangePct: change,
		At:        now,
	}
}

// estimateUpProbability maps the underlying's move since round start to an
// up-win probability. Short-duration markets react to small moves, so the
// relative move is scaled steeply before squashing; a 0.1% move already
// prices the favorite near 0.88.
func estimateUpProbability(live, priceToBeat float64) float64 {
	rel := (live - priceToBeat) / priceToBeat
	p := 0.5 + math.Tanh(rel*1000)/2
	return math.Min(0.95, math.Max(0.05, p))
}

// executeLeg1 buys the signalled side as a sequence of FAK children.
// Partial fills are aggregated; one filled child is enough to open the leg.
func (e *Engine) executeLeg1(sig SignalEvent) {
	defer e.wg.Done()
	defer func() {
		e.mu.Lock()
		e.executing = false
		e.lastExecution = e.now()
		e.mu.Unlock()
	}()

	split := e.cfg.SplitOrders
	if split < 1 {
		split = 1
	}
	childShares := e.cfg.Shares / float64(split)

	var (
		totalShares float64
		totalCost   float64
		orderIDs    []string
	)
	for i := 0; i < split; i++ {
		if i > 0 && !e.pause(e.orderInterval) {
			break
		}

		ask, ok := e.book.AskFor(sig.TokenID)
		if !ok {
			e.logger.Warn("no ask for leg-1 child", "child", i)
			continue
		}
		price := clampPrice(ask * (1 + e.cfg.MaxSlippage))
		amount := childShares * price
		if amount < minNotionalUSD {
			amount = minNotionalUSD
		}

		h, err := e.orders.CreateMarketOrder(e.ctx, types.MarketOrderRequest{
			TokenID:  sig.TokenID,
			Side:     types.BUY,
			Amount:   amount,
			Price:    price,
			Kind:     types.KindFAK,
			TickSize: e.market.TickSize,
			NegRisk:  e.market.NegRisk,
		}, order.Meta{Kind: types.KindFAK, Tag: "leg1"})
		if err != nil {
			e.logger.Error("leg-1 child submit failed", "child", i, "err", err)
			continue
		}
		res, err := h.Wait(e.ctx)
		if err != nil {
			return
		}
		for _, f := range res.Fills {
			totalShares += f.Size
			totalCost += f.Size * f.Price
		}
		if id := h.OrderID(); id != "" {
			orderIDs = append(orderIDs, id)
		}
	}

	if totalShares <= 0 {
		e.logger.Warn("leg-1 execution produced no fills", "round", sig.RoundID)
		e.emitter.Emit(events.Execution, ExecutionEvent{
			RoundID: sig.RoundID, Stage: "leg1", Outcome: sig.Outcome,
			OrderIDs: orderIDs, Success: false, Err: "no fills",
		})
		return
	}

	leg := &types.Leg{
		Outcome:  sig.Outcome,
		TokenID:  sig.TokenID,
		Shares:   totalShares,
		AvgPrice: totalCost / totalShares,
		Cost:     totalCost,
		OrderIDs: orderIDs,
		FilledAt: e.now(),
	}

	e.mu.Lock()
	r := e.round
	if r == nil || r.ID != sig.RoundID || r.Phase != types.PhaseWaiting {
		e.mu.Unlock()
		e.logger.Warn("round moved on during leg-1 execution", "round", sig.RoundID)
		return
	}
	r.Leg1 = leg
	r.Phase = types.PhaseLeg1Filled
	e.mu.Unlock()

	e.logger.Info("leg 1 filled",
		"round", sig.RoundID, "outcome", leg.Outcome,
		"shares", leg.Shares, "avg_price", leg.AvgPrice)
	e.emitter.Emit(events.Execution, ExecutionEvent{
		RoundID: sig.RoundID, Stage: "leg1", Outcome: leg.Outcome,
		Shares: leg.Shares, AvgPrice: leg.AvgPrice, Cost: leg.Cost,
		OrderIDs: orderIDs, Success: true,
	})

	e.wg.Add(1)
	go e.watchLeg2Timeout(sig.RoundID, leg.FilledAt)
}

// executeLeg2 buys the opposite side all-or-nothing with exactly the leg-1
// share count, the invariant that makes the pair mergeable.
func (e *Engine) executeLeg2(roundID string, opp types.Outcome, price, shares float64) {
	defer e.wg.Done()
	defer func() {
		e.mu.Lock()
		e.executing = false
		e.mu.Unlock()
	}()

	amount := shares * price
	if amount < minNotionalUSD {
		e.logger.Warn("leg-2 notional below venue minimum, waiting",
			"round", roundID, "amount", amount)
		return
	}

	h, err := e.orders.CreateMarketOrder(e.ctx, types.MarketOrderRequest{
		TokenID:  e.tokenFor(opp),
		Side:     types.BUY,
		Amount:   amount,
		Price:    price,
		Kind:     types.KindFOK,
		TickSize: e.market.TickSize,
		NegRisk:  e.market.NegRisk,
	}, order.Meta{Kind: types.KindFOK, Tag: "leg2"})
	if err != nil {
		e.logger.Error("leg-2 submit failed", "round", roundID, "err", err)
		return
	}
	res, err := h.Wait(e.ctx)
	if err != nil {
		return
	}
	if res.Status != types.StatusFilled {
		e.logger.Info("leg-2 not filled", "round", roundID, "status", res.Status)
		return
	}

	var filled, cost float64
	for _, f := range res.Fills {
		filled += f.Size
		cost += f.Size * f.Price
	}
	if filled <= 0 {
		filled = shares
		cost = amount
	}
	leg := &types.Leg{
		Outcome:  opp,
		TokenID:  e.tokenFor(opp),
		Shares:   filled,
		AvgPrice: cost / filled,
		Cost:     cost,
		OrderIDs: []string{h.OrderID()},
		FilledAt: e.now(),
	}

	e.mu.Lock()
	r := e.round
	if r == nil || r.ID != roundID || r.Phase != types.PhaseLeg1Filled {
		e.mu.Unlock()
		return
	}
	r.Leg2 = leg
	r.Phase = types.PhaseCompleted
	r.TotalCost = r.Leg1.AvgPrice + leg.AvgPrice
	hedged := math.Min(r.Leg1.Shares, leg.Shares)
	r.Profit = (1 - r.TotalCost) * hedged
	r.EndedAt = e.now()
	done := *r
	e.mu.Unlock()

	e.logger.Info("round completed",
		"round", roundID, "total_cost", done.TotalCost, "profit", done.Profit)
	e.emitter.Emit(events.Execution, ExecutionEvent{
		RoundID: roundID, Stage: "leg2", Outcome: leg.Outcome,
		Shares: leg.Shares, AvgPrice: leg.AvgPrice, Cost: leg.Cost,
		OrderIDs: leg.OrderIDs, Success: true,
	})
	e.emitter.Emit(events.RoundComplete, RoundCompleteEvent{Round: done})

	if e.cfg.AutoMerge && e.merger != nil {
		e.wg.Add(1)
		go e.mergeRound(done, hedged)
	}
}

func (e *Engine) mergeRound(r types.Round, shares float64) {
	defer e.wg.Done()

	tx, err := e.merger.MergePairs(e.ctx, r.ConditionID, shares)
	if err != nil {
		e.logger.Error("auto-merge failed", "round", r.ID, "err", err)
		e.emitter.Emit(events.Execution, ExecutionEvent{
			RoundID: r.ID, Stage: "merge", Shares: shares, Err: err.Error(),
		})
		return
	}
	e.logger.Info("auto-merged hedged pair", "round", r.ID, "shares", shares, "tx", tx)
	e.emitter.Emit(events.Execution, ExecutionEvent{
		RoundID: r.ID, Stage: "merge", Shares: shares, Success: true, TxHash: tx,
	})
}

// watchLeg2Timeout expires the round and unwinds leg 1 when leg 2 does not
// fire in time. A zero baseline (a restored round that never recorded its
// fill time) is treated as already expired.
func (e *Engine) watchLeg2Timeout(roundID string, baseline time.Time) {
	defer e.wg.Done()

	for {
		var delay time.Duration
		if !baseline.IsZero() {
			delay = e.leg2Timeout - e.now().Sub(baseline)
		}
		if delay > 0 {
			if !e.pause(delay) {
				return
			}
		}

		e.mu.Lock()
		r := e.round
		if r == nil || r.ID != roundID || r.Phase != types.PhaseLeg1Filled {
			e.mu.Unlock()
			return
		}
		if e.executing {
			// Leg 2 is in flight; let it settle before deciding.
			e.mu.Unlock()
			if !e.pause(100 * time.Millisecond) {
				return
			}
			continue
		}
		r.Phase = types.PhaseExpired
		r.EndedAt = e.now()
		leg1 := r.Leg1
		done := *r
		e.mu.Unlock()

		e.logger.Warn("leg-2 timeout, unwinding", "round", roundID)
		exit := e.emergencyExit(leg1)
		e.emitter.Emit(events.RoundComplete, RoundCompleteEvent{Round: done, Exit: &exit})
		return
	}
}

// emergencyExit market-sells the leg-1 position. When the exit notional is
// below the venue minimum the position is held to resolution instead.
func (e *Engine) emergencyExit(leg *types.Leg) ExitResult {
	bid, ok := e.book.BestBid(leg.Outcome)
	price := clampPrice(bid * (1 - e.cfg.MaxSlippage))
	if !ok || price <= 0 {
		price = 0.01
	}

	if leg.Shares*price < minNotionalUSD {
		e.logger.Warn("exit notional below venue minimum, holding to resolution",
			"shares", leg.Shares, "price", price)
		return ExitResult{Attempted: false, Shares: leg.Shares, Reason: "below_min_notional"}
	}

	h, err := e.orders.CreateMarketOrder(e.ctx, types.MarketOrderRequest{
		TokenID:  leg.TokenID,
		Side:     types.SELL,
		Amount:   leg.Shares,
		Price:    price,
		Kind:     types.KindFAK,
		TickSize: e.market.TickSize,
		NegRisk:  e.market.NegRisk,
	}, order.Meta{Kind: types.KindFAK, Tag: "exit"})
	if err != nil {
		e.logger.Error("emergency exit submit failed", "err", err)
		return ExitResult{Attempted: true, Shares: leg.Shares, Reason: err.Error()}
	}
	res, err := h.Wait(e.ctx)
	if err != nil {
		return ExitResult{Attempted: true, Shares: leg.Shares, Reason: err.Error(), OrderID: h.OrderID()}
	}

	var sold, proceeds float64
	for _, f := range res.Fills {
		sold += f.Size
		proceeds += f.Size * f.Price
	}
	out := ExitResult{
		Attempted: true,
		Sold:      sold > 0,
		Shares:    sold,
		Proceeds:  proceeds,
		OrderID:   h.OrderID(),
	}
	if sold > 0 {
		out.AvgPrice = proceeds / sold
	} else {
		out.Reason = "no fills"
	}
	return out
}

// pause sleeps for d unless the engine is stopped first. Reports whether
// the full pause elapsed.
func (e *Engine) pause(d time.Duration) bool {
	select {
	case <-e.ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (e *Engine) tokenFor(o types.Outcome) string {
	if o == types.OutcomeUp {
		return e.market.UpTokenID
	}
	return e.market.DownTokenID
}

func clampPrice(p float64) float64 {
	return math.Min(0.99, math.Max(0.01, p))
}
