package rotation

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"polyarb/internal/chain"
	"polyarb/internal/config"
	"polyarb/internal/events"
	"polyarb/internal/market"
	"polyarb/internal/order"
	"polyarb/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeScanner struct {
	mu      sync.Mutex
	markets []types.MarketDescriptor
	err     error
	filters []market.ScanFilter
}

func (f *fakeScanner) ScanUpcomingMarkets(_ context.Context, filter market.ScanFilter) ([]types.MarketDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filters = append(f.filters, filter)
	return f.markets, f.err
}

type redeemCall struct {
	conditionID string
	tokenIDs    []string
}

type fakeSettler struct {
	mu          sync.Mutex
	resolutions map[string]chain.Resolution
	balances    map[string]float64
	redeemErr   error
	redeems     []redeemCall
	reconciled  []string
	mergeShares float64
}

func (f *fakeSettler) GetMarketResolution(_ context.Context, conditionID string) (chain.Resolution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resolutions[conditionID], nil
}

func (f *fakeSettler) RedeemByTokenIds(_ context.Context, conditionID string, tokenIDs []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.redeemErr != nil {
		return "", f.redeemErr
	}
	f.redeems = append(f.redeems, redeemCall{conditionID: conditionID, tokenIDs: tokenIDs})
	return "0xredeemed", nil
}

func (f *fakeSettler) GetPositionBalance(_ context.Context, tokenID string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[tokenID], nil
}

func (f *fakeSettler) ReconcilePairs(_ context.Context, m types.MarketDescriptor) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconciled = append(f.reconciled, m.ConditionID)
	return f.mergeShares, nil
}

type fakeRunner struct {
	mu        sync.Mutex
	market    types.MarketDescriptor
	round     *types.Round
	switched  []types.MarketDescriptor
	switchErr error
}

func (f *fakeRunner) Market() types.MarketDescriptor {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.market
}

func (f *fakeRunner) Round() (types.Round, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.round == nil {
		return types.Round{}, false
	}
	return *f.round, true
}

func (f *fakeRunner) Switch(_ context.Context, next types.MarketDescriptor) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.switchErr != nil {
		return f.switchErr
	}
	f.switched = append(f.switched, next)
	f.market = next
	return nil
}

type sellOrder struct {
	req  types.MarketOrderRequest
	meta order.Meta
}

type fakePlacer struct {
	mu     sync.Mutex
	placed []sellOrder
}

func (p *fakePlacer) CreateMarketOrder(_ context.Context, req types.MarketOrderRequest, meta order.Meta) (*order.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.placed = append(p.placed, sellOrder{req: req, meta: meta})
	return order.ResolvedHandle(order.Result{
		Status: types.StatusFilled,
		Order:  types.Order{OrderID: fmt.Sprintf("sell-%d", len(p.placed))},
		Fills:  []types.Fill{{TradeID: "t", Size: req.Amount, Price: 0.5}},
	}), nil
}

type memStore struct {
	mu    sync.Mutex
	queue []types.PendingRedemption
	saves int
}

func (m *memStore) LoadRedemptions() ([]types.PendingRedemption, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.PendingRedemption{}, m.queue...), nil
}

func (m *memStore) SaveRedemptions(queue []types.PendingRedemption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append([]types.PendingRedemption{}, queue...)
	m.saves++
	return nil
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) record(ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) byName(name string) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, ev := range r.events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

func descriptor(slug string, end time.Time) types.MarketDescriptor {
	return types.MarketDescriptor{
		ConditionID: "cond-" + slug,
		Slug:        slug,
		UpTokenID:   "up-" + slug,
		DownTokenID: "down-" + slug,
		Underlying:  types.BTC,
		EndTime:     end,
		TickSize:    types.Tick001,
	}
}

func testRotateConfig() config.RotateConfig {
	return config.RotateConfig{
		Enabled:                    true,
		Underlyings:                []string{"BTC"},
		Duration:                   "5m",
		AutoSettle:                 true,
		SettleStrategy:             "redeem",
		PreloadMinutes:             2,
		RedeemWaitMinutes:          5,
		RedeemRetryIntervalSeconds: 30,
	}
}

type schedFixture struct {
	sched   *Scheduler
	scanner *fakeScanner
	settler *fakeSettler
	runner  *fakeRunner
	placer  *fakePlacer
	store   *memStore
	rec     *recorder
	now     time.Time
}

func newSchedFixture(t *testing.T, cfg config.RotateConfig) *schedFixture {
	t.Helper()

	f := &schedFixture{
		scanner: &fakeScanner{},
		settler: &fakeSettler{resolutions: map[string]chain.Resolution{}, balances: map[string]float64{}},
		runner:  &fakeRunner{},
		placer:  &fakePlacer{},
		store:   &memStore{},
		rec:     &recorder{},
		now:     time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC),
	}
	emitter := events.NewEmitter(testLogger())
	emitter.OnAny(f.rec.record)

	f.sched = NewScheduler(cfg, f.scanner, f.settler, f.placer, f.runner, f.store, emitter, testLogger())
	f.sched.now = func() time.Time { return f.now }
	return f
}

func TestPreloadCachesNextMarket(t *testing.T) {
	t.Parallel()
	f := newSchedFixture(t, testRotateConfig())

	current := descriptor("btc-updown-5m-100", f.now.Add(90*time.Second))
	next := descriptor("btc-updown-5m-400", f.now.Add(6*time.Minute))
	f.runner.market = current
	f.scanner.markets = []types.MarketDescriptor{current, next}

	f.sched.checkRotation(context.Background())

	if got := f.sched.peekNext(); got == nil || got.Slug != next.Slug {
		t.Fatalf("cached next = %+v, want %s", got, next.Slug)
	}
	if len(f.runner.switched) != 0 {
		t.Error("must not switch before the current market ends")
	}
	if len(f.scanner.filters) != 1 || f.scanner.filters[0].DurationMinutes != 5 {
		t.Errorf("scan filters = %+v, want one 5-minute scan", f.scanner.filters)
	}
}

func TestRotationSwitchesAndQueuesRedemption(t *testing.T) {
	t.Parallel()
	f := newSchedFixture(t, testRotateConfig())

	current := descriptor("btc-updown-5m-100", f.now.Add(-time.Second))
	next := descriptor("btc-updown-5m-400", f.now.Add(5*time.Minute))
	f.runner.market = current
	f.runner.round = &types.Round{
		ID:    "round-1",
		Phase: types.PhaseLeg1Filled,
		Leg1:  &types.Leg{Outcome: types.OutcomeUp, TokenID: current.UpTokenID, Shares: 10},
	}
	f.sched.setNext(&next)

	f.sched.checkRotation(context.Background())

	if len(f.runner.switched) != 1 || f.runner.switched[0].Slug != next.Slug {
		t.Fatalf("switched = %+v, want %s", f.runner.switched, next.Slug)
	}
	rotates := f.rec.byName(events.Rotate)
	if len(rotates) != 1 {
		t.Fatalf("rotate events = %d, want 1", len(rotates))
	}
	ev := rotates[0].Data.(RotateEvent)
	if ev.From.Slug != current.Slug || ev.To.Slug != next.Slug {
		t.Errorf("rotate = %s -> %s, want %s -> %s", ev.From.Slug, ev.To.Slug, current.Slug, next.Slug)
	}

	pending := f.sched.PendingRedemptions()
	if len(pending) != 1 || pending[0].RoundID != "round-1" {
		t.Fatalf("pending = %+v, want the open round queued", pending)
	}
	if f.store.saves == 0 {
		t.Error("queue should be persisted when an entry is added")
	}
	if f.sched.peekNext() != nil {
		t.Error("cached next market should be consumed by the switch")
	}
}

func TestRotationSellsLegsUnderSellStrategy(t *testing.T) {
	t.Parallel()
	cfg := testRotateConfig()
	cfg.SettleStrategy = "sell"
	f := newSchedFixture(t, cfg)

	current := descriptor("btc-updown-5m-100", f.now.Add(-time.Second))
	next := descriptor("btc-updown-5m-400", f.now.Add(5*time.Minute))
	f.runner.market = current
	f.runner.round = &types.Round{
		ID:    "round-1",
		Phase: types.PhaseCompleted,
		Leg1:  &types.Leg{Outcome: types.OutcomeUp, TokenID: current.UpTokenID, Shares: 10},
		Leg2:  &types.Leg{Outcome: types.OutcomeDown, TokenID: current.DownTokenID, Shares: 10},
	}
	f.sched.setNext(&next)

	f.sched.checkRotation(context.Background())

	if len(f.placer.placed) != 2 {
		t.Fatalf("placed %d sells, want 2 (both legs)", len(f.placer.placed))
	}
	for i, p := range f.placer.placed {
		if p.req.Side != types.SELL || p.req.Kind != types.KindFAK || p.req.Amount != 10 {
			t.Errorf("sell %d = %+v, want FAK SELL of 10 shares", i, p.req)
		}
		if p.meta.Tag != "rotate_sell" {
			t.Errorf("sell %d tag = %q, want rotate_sell", i, p.meta.Tag)
		}
	}
	if pending := f.sched.PendingRedemptions(); len(pending) != 0 {
		t.Errorf("pending = %+v, want none under the sell strategy", pending)
	}
}

func TestSwitchFailureKeepsNextCached(t *testing.T) {
	t.Parallel()
	cfg := testRotateConfig()
	cfg.AutoSettle = false
	f := newSchedFixture(t, cfg)

	current := descriptor("btc-updown-5m-100", f.now.Add(-time.Second))
	next := descriptor("btc-updown-5m-400", f.now.Add(5*time.Minute))
	f.runner.market = current
	f.runner.switchErr = fmt.Errorf("bus unavailable")
	f.sched.setNext(&next)

	f.sched.checkRotation(context.Background())

	if got := f.sched.peekNext(); got == nil || got.Slug != next.Slug {
		t.Errorf("next = %+v, want %s kept for the retry", got, next.Slug)
	}
	if len(f.rec.byName(events.Rotate)) != 0 {
		t.Error("failed switch must not emit a rotate event")
	}
}

func TestSweepRedeemsResolvedMarket(t *testing.T) {
	t.Parallel()
	f := newSchedFixture(t, testRotateConfig())

	m := descriptor("btc-updown-5m-100", f.now.Add(-10*time.Minute))
	f.sched.enqueue(types.PendingRedemption{
		Market:        m,
		RoundID:       "round-1",
		MarketEndTime: m.EndTime,
		AddedAt:       m.EndTime,
	})
	f.settler.resolutions[m.ConditionID] = chain.Resolution{Resolved: true, Winner: types.OutcomeUp}
	f.settler.balances[m.UpTokenID] = 10

	f.sched.sweepQueue(context.Background())

	if len(f.settler.redeems) != 1 {
		t.Fatalf("redeems = %d, want 1", len(f.settler.redeems))
	}
	call := f.settler.redeems[0]
	if call.conditionID != m.ConditionID || len(call.tokenIDs) != 2 {
		t.Errorf("redeem call = %+v, want both tokens of %s", call, m.ConditionID)
	}
	if pending := f.sched.PendingRedemptions(); len(pending) != 0 {
		t.Errorf("pending = %+v, want the entry removed after redemption", pending)
	}

	settled := f.rec.byName(events.Settled)
	if len(settled) != 1 {
		t.Fatalf("settled events = %d, want 1", len(settled))
	}
	ev := settled[0].Data.(SettledEvent)
	if ev.Winner != types.OutcomeUp || ev.Shares != 10 || ev.TxHash != "0xredeemed" || ev.RoundID != "round-1" {
		t.Errorf("settled = %+v", ev)
	}
}

func TestSweepKeepsUnresolvedEntry(t *testing.T) {
	t.Parallel()
	f := newSchedFixture(t, testRotateConfig())

	m := descriptor("btc-updown-5m-100", f.now.Add(-10*time.Minute))
	f.sched.enqueue(types.PendingRedemption{Market: m, MarketEndTime: m.EndTime})

	f.sched.sweepQueue(context.Background())

	pending := f.sched.PendingRedemptions()
	if len(pending) != 1 {
		t.Fatalf("pending = %+v, want the unresolved entry kept", pending)
	}
	if pending[0].RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", pending[0].RetryCount)
	}
	if !pending[0].LastRetryAt.Equal(f.now) {
		t.Errorf("LastRetryAt = %v, want %v", pending[0].LastRetryAt, f.now)
	}
	if len(f.settler.redeems) != 0 {
		t.Error("unresolved market must not be redeemed")
	}
}

func TestSweepHonorsWaitPeriod(t *testing.T) {
	t.Parallel()
	f := newSchedFixture(t, testRotateConfig())

	// Ended only a minute ago; the 5-minute wait has not elapsed.
	m := descriptor("btc-updown-5m-100", f.now.Add(-time.Minute))
	f.sched.enqueue(types.PendingRedemption{Market: m, MarketEndTime: m.EndTime})

	f.sched.sweepQueue(context.Background())

	pending := f.sched.PendingRedemptions()
	if len(pending) != 1 || pending[0].RetryCount != 0 {
		t.Errorf("pending = %+v, want untouched entry", pending)
	}
}

func TestSweepDropsEntryAfterRetryCap(t *testing.T) {
	t.Parallel()
	f := newSchedFixture(t, testRotateConfig())

	m := descriptor("btc-updown-5m-100", f.now.Add(-10*time.Minute))
	f.sched.enqueue(types.PendingRedemption{
		Market:        m,
		MarketEndTime: m.EndTime,
		RetryCount:    maxRedeemRetries,
	})

	f.sched.sweepQueue(context.Background())

	if pending := f.sched.PendingRedemptions(); len(pending) != 0 {
		t.Errorf("pending = %+v, want entry dropped at the retry cap", pending)
	}
	if len(f.settler.redeems) != 0 {
		t.Error("capped entry must not be redeemed")
	}
}

func TestSweepDropsEntryWithNoBalance(t *testing.T) {
	t.Parallel()
	f := newSchedFixture(t, testRotateConfig())

	m := descriptor("btc-updown-5m-100", f.now.Add(-10*time.Minute))
	f.sched.enqueue(types.PendingRedemption{Market: m, MarketEndTime: m.EndTime})
	f.settler.resolutions[m.ConditionID] = chain.Resolution{Resolved: true, Winner: types.OutcomeDown}
	// No balance on the winning token: the position was sold or merged.

	f.sched.sweepQueue(context.Background())

	if pending := f.sched.PendingRedemptions(); len(pending) != 0 {
		t.Errorf("pending = %+v, want empty-balance entry dropped", pending)
	}
	if len(f.settler.redeems) != 0 {
		t.Error("no redeem transaction for an empty balance")
	}
	if len(f.rec.byName(events.Settled)) != 0 {
		t.Error("no settled event for an empty balance")
	}
}

func TestRecoveryQueuesWinnersAndMergesPairs(t *testing.T) {
	t.Parallel()
	f := newSchedFixture(t, testRotateConfig())

	resolved := descriptor("btc-updown-5m-100", f.now.Add(-20*time.Minute))
	unresolved := descriptor("btc-updown-5m-400", f.now.Add(-10*time.Minute))
	upcoming := descriptor("btc-updown-5m-700", f.now.Add(3*time.Minute))
	f.scanner.markets = []types.MarketDescriptor{resolved, unresolved, upcoming}

	f.settler.resolutions[resolved.ConditionID] = chain.Resolution{Resolved: true, Winner: types.OutcomeUp}
	f.settler.balances[resolved.UpTokenID] = 7
	f.settler.mergeShares = 4

	f.sched.recoverPositions(context.Background())

	if len(f.scanner.filters) != 1 || f.scanner.filters[0].MinMinutesUntilEnd != -60 {
		t.Fatalf("scan filters = %+v, want one look-back scan", f.scanner.filters)
	}

	pending := f.sched.PendingRedemptions()
	if len(pending) != 1 || pending[0].Market.ConditionID != resolved.ConditionID {
		t.Fatalf("pending = %+v, want the resolved market queued", pending)
	}
	if len(f.settler.reconciled) != 1 || f.settler.reconciled[0] != unresolved.ConditionID {
		t.Errorf("reconciled = %v, want only the unresolved ended market", f.settler.reconciled)
	}
}

func TestEnableRestoresQueueAndStopPersists(t *testing.T) {
	t.Parallel()
	f := newSchedFixture(t, testRotateConfig())

	m := descriptor("btc-updown-5m-100", f.now.Add(-10*time.Minute))
	f.store.queue = []types.PendingRedemption{{Market: m, MarketEndTime: m.EndTime}}

	if err := f.sched.Enable(context.Background()); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if err := f.sched.Enable(context.Background()); err != nil {
		t.Fatalf("second Enable: %v", err)
	}

	pending := f.sched.PendingRedemptions()
	if len(pending) != 1 || pending[0].Market.ConditionID != m.ConditionID {
		t.Fatalf("pending = %+v, want the restored entry", pending)
	}

	f.sched.Stop()
	f.sched.Stop()

	if f.store.saves == 0 {
		t.Error("Stop should persist the queue")
	}
	stored, _ := f.store.LoadRedemptions()
	if len(stored) != 1 {
		t.Errorf("stored queue = %+v, want the pending entry intact", stored)
	}
}
