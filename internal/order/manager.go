package order

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"polyarb/internal/config"
	"polyarb/internal/events"
	"polyarb/internal/ws"
	"polyarb/pkg/types"
)

// RestClient is the slice of the exchange client the manager consumes.
type RestClient interface {
	SubmitLimitOrder(ctx context.Context, req types.LimitOrderRequest) (*types.OrderResponse, error)
	SubmitMarketOrder(ctx context.Context, req types.MarketOrderRequest) (*types.OrderResponse, error)
	SubmitBatch(ctx context.Context, reqs []types.LimitOrderRequest) ([]types.OrderResponse, error)
	CancelOrder(ctx context.Context, orderID string) error
	GetOrder(ctx context.Context, orderID string) (*types.OpenOrder, error)
}

// UserFeed opens the authenticated user WebSocket channel.
type UserFeed interface {
	SubscribeUser(ctx context.Context, auth types.WSAuth, markets []string, h ws.Handlers) (*ws.Subscription, error)
}

// Confirmation is the outcome of waiting for a transaction to mine.
type Confirmation struct {
	TxHash      string
	BlockNumber uint64
	GasUsed     uint64
	Success     bool
}

// ChainProvider waits for settlement transactions to reach one
// confirmation. Optional; without it trade events are tracked logically
// but transaction_confirmed is never emitted.
type ChainProvider interface {
	WaitForConfirmation(ctx context.Context, txHash string) (Confirmation, error)
}

// Options wires the manager's collaborators.
type Options struct {
	Rest    RestClient
	Feed    UserFeed      // nil in polling mode
	Chain   ChainProvider // optional settlement tracking
	Auth    types.WSAuth  // user channel credentials
	Emitter *events.Emitter
	Config  config.OrdersConfig
	Logger  *slog.Logger

	// PollInterval overrides Config.PollingIntervalSec when non-zero.
	PollInterval time.Duration
}

type watched struct {
	tracker    *Tracker
	pollCancel context.CancelFunc
}

// Manager owns order submission and lifecycle supervision. Depending on
// mode it reconciles state from the user WebSocket, a per-order REST
// poller, or both; the Tracker deduplicates whatever arrives twice.
type Manager struct {
	rest    RestClient
	feed    UserFeed
	chain   ChainProvider
	auth    types.WSAuth
	emitter *events.Emitter
	cfg     config.OrdersConfig
	logger  *slog.Logger

	pollInterval time.Duration

	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	watched map[string]*watched
	userSub *ws.Subscription
}

// NewManager creates a manager; call Start before submitting orders.
func NewManager(opts Options) *Manager {
	interval := opts.PollInterval
	if interval == 0 {
		interval = time.Duration(opts.Config.PollingIntervalSec) * time.Second
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Manager{
		rest:         opts.Rest,
		feed:         opts.Feed,
		chain:        opts.Chain,
		auth:         opts.Auth,
		emitter:      opts.Emitter,
		cfg:          opts.Config,
		logger:       opts.Logger.With("component", "orders"),
		pollInterval: interval,
		watched:      make(map[string]*watched),
	}
}

// Start prepares the manager. Idempotent; the user WebSocket is opened
// lazily on the first watch, not here.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return nil
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.started = true
	m.logger.Info("order manager started", "mode", m.cfg.Mode)
	return nil
}

// Stop cancels every poller and drops the user subscription. Trackers for
// open orders are discarded; callers should cancel or await them first.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	m.cancel()
	for id, w := range m.watched {
		if w.pollCancel != nil {
			w.pollCancel()
		}
		delete(m.watched, id)
	}
	sub := m.userSub
	m.userSub = nil
	m.mu.Unlock()

	if sub != nil {
		sub.Cancel()
	}
	m.logger.Info("order manager stopped")
}

// CreateOrder validates and submits a limit order, then watches it. The
// returned handle is already resolved as rejected when validation or
// submission fails validation; REST transport errors are returned instead.
func (m *Manager) CreateOrder(ctx context.Context, req types.LimitOrderRequest, meta Meta) (*Handle, error) {
	if meta.Kind == "" {
		meta.Kind = req.Kind
	}
	h := newHandle(m, m.logger)

	if err := ValidateLimit(req); err != nil {
		return m.rejectLocally(h, req.TokenID, err.Error(), meta), nil
	}

	resp, err := m.rest.SubmitLimitOrder(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("submit order: %w", err)
	}
	if !resp.Success || resp.OrderID == "" {
		return m.rejectLocally(h, req.TokenID, restReason(resp), meta), nil
	}

	o := types.Order{
		OrderID:       resp.OrderID,
		TokenID:       req.TokenID,
		Side:          req.Side,
		Price:         req.Price,
		OriginalSize:  req.Size,
		RemainingSize: req.Size,
		Kind:          req.Kind,
		Expiration:    req.Expiration,
		Status:        types.StatusPending,
		UpdatedAt:     time.Now(),
	}
	m.adopt(ctx, o, meta, h)
	return h, nil
}

// CreateMarketOrder mirrors CreateOrder for FOK/FAK orders. OriginalSize
// is the quote-currency amount for BUY, shares for SELL.
func (m *Manager) CreateMarketOrder(ctx context.Context, req types.MarketOrderRequest, meta Meta) (*Handle, error) {
	if meta.Kind == "" {
		meta.Kind = req.Kind
	}
	h := newHandle(m, m.logger)

	if err := ValidateMarket(req); err != nil {
		return m.rejectLocally(h, req.TokenID, err.Error(), meta), nil
	}

	resp, err := m.rest.SubmitMarketOrder(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("submit market order: %w", err)
	}
	if !resp.Success || resp.OrderID == "" {
		return m.rejectLocally(h, req.TokenID, restReason(resp), meta), nil
	}

	o := types.Order{
		OrderID:      resp.OrderID,
		TokenID:      req.TokenID,
		Side:         req.Side,
		Price:        req.Price,
		OriginalSize: req.Amount,
		Kind:         req.Kind,
		Status:       types.StatusPending,
		UpdatedAt:    time.Now(),
	}
	m.adopt(ctx, o, meta, h)
	return h, nil
}

// CreateBatchOrders submits up to 15 limit orders in one REST call.
// Individually invalid orders come back as already-rejected handles while
// the valid remainder is submitted; every accepted ID is auto-watched.
func (m *Manager) CreateBatchOrders(ctx context.Context, reqs []types.LimitOrderRequest) ([]*Handle, error) {
	if err := ValidateBatchSize(len(reqs)); err != nil {
		return nil, err
	}

	handles := make([]*Handle, len(reqs))
	var valid []types.LimitOrderRequest
	var validIdx []int
	for i, req := range reqs {
		h := newHandle(m, m.logger)
		handles[i] = h
		if err := ValidateLimit(req); err != nil {
			m.rejectLocally(h, req.TokenID, err.Error(), Meta{Kind: req.Kind})
			continue
		}
		valid = append(valid, req)
		validIdx = append(validIdx, i)
	}
	if len(valid) == 0 {
		return handles, nil
	}

	results, err := m.rest.SubmitBatch(ctx, valid)
	if err != nil {
		return nil, fmt.Errorf("submit batch: %w", err)
	}
	for j, resp := range results {
		i := validIdx[j]
		req := valid[j]
		if !resp.Success || resp.OrderID == "" {
			m.rejectLocally(handles[i], req.TokenID, restReason(&resp), Meta{Kind: req.Kind})
			continue
		}
		o := types.Order{
			OrderID:       resp.OrderID,
			TokenID:       req.TokenID,
			Side:          req.Side,
			Price:         req.Price,
			OriginalSize:  req.Size,
			RemainingSize: req.Size,
			Kind:          req.Kind,
			Expiration:    req.Expiration,
			Status:        types.StatusPending,
			UpdatedAt:     time.Now(),
		}
		m.adopt(ctx, o, Meta{Kind: req.Kind}, handles[i])
	}
	return handles, nil
}

// CancelOrder cancels via REST. On venue confirmation the order is moved
// to CANCELLED with reason "user" and unwatched immediately.
func (m *Manager) CancelOrder(ctx context.Context, orderID string) error {
	tr := m.tracker(orderID)
	if tr != nil {
		tr.RequestCancel()
	}

	if err := m.rest.CancelOrder(ctx, orderID); err != nil {
		return fmt.Errorf("cancel order: %w", err)
	}

	if tr != nil {
		m.process(tr.ConfirmCancelled())
	}
	return nil
}

// WatchOrder starts lifecycle supervision for an order the manager did
// not submit itself. Idempotent: watching an already-watched ID is a
// no-op.
func (m *Manager) WatchOrder(ctx context.Context, orderID string, o types.Order, meta Meta) {
	o.OrderID = orderID
	m.adopt(ctx, o, meta, nil)
}

// WatchedCount reports the number of supervised orders.
func (m *Manager) WatchedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.watched)
}

// WatchedOrders returns a snapshot of all supervised orders.
func (m *Manager) WatchedOrders() []types.Order {
	m.mu.Lock()
	trackers := make([]*Tracker, 0, len(m.watched))
	for _, w := range m.watched {
		trackers = append(trackers, w.tracker)
	}
	m.mu.Unlock()

	out := make([]types.Order, 0, len(trackers))
	for _, tr := range trackers {
		out = append(out, tr.Order())
	}
	return out
}

// adopt registers the tracker, binds the handle, emits order_created and
// starts the mode-appropriate supervision.
func (m *Manager) adopt(ctx context.Context, o types.Order, meta Meta, h *Handle) {
	m.mu.Lock()
	if _, ok := m.watched[o.OrderID]; ok {
		m.mu.Unlock()
		if h != nil {
			h.bind(o.OrderID, m.emitter)
		}
		return
	}
	tr := NewTracker(o, meta)
	w := &watched{tracker: tr}

	usePolling := m.cfg.Mode == config.ModePolling || m.cfg.Mode == config.ModeHybrid
	useWS := m.cfg.Mode == config.ModeWebsocket || m.cfg.Mode == config.ModeHybrid
	if usePolling {
		base := m.ctx
		if base == nil {
			base = ctx
		}
		pollCtx, cancel := context.WithCancel(base)
		w.pollCancel = cancel
		go m.pollLoop(pollCtx, o.OrderID)
	}
	m.watched[o.OrderID] = w
	needUserSub := useWS && m.userSub == nil && m.feed != nil
	m.mu.Unlock()

	if h != nil {
		h.bind(o.OrderID, m.emitter)
	}
	if needUserSub {
		m.ensureUserFeed(ctx)
	}

	m.emitter.Emit(events.OrderCreated, EventPayload{
		OrderID:          o.OrderID,
		Status:           o.Status,
		Order:            o,
		CumulativeFilled: o.FilledSize,
		Meta:             meta,
	})
}

// ensureUserFeed lazily opens the user channel; all watched orders share
// one subscription covering every market.
func (m *Manager) ensureUserFeed(ctx context.Context) {
	sub, err := m.feed.SubscribeUser(ctx, m.auth, nil, ws.Handlers{
		OnUserOrder: m.onUserOrder,
		OnUserTrade: m.onUserTrade,
	})
	if err != nil {
		m.logger.Error("user channel subscription failed, relying on polling", "err", err)
		return
	}

	m.mu.Lock()
	if m.userSub != nil {
		m.mu.Unlock()
		sub.Cancel()
		return
	}
	m.userSub = sub
	m.mu.Unlock()
}

func (m *Manager) onUserOrder(ev *types.WSOrderEvent) {
	tr := m.tracker(ev.ID)
	if tr == nil {
		return
	}
	m.process(tr.ApplyUserOrder(ev))
}

// onUserTrade routes a trade to whichever watched order it executed
// against: the taker order directly, or a maker order through its
// maker_orders entry (which carries the per-order matched amount).
func (m *Manager) onUserTrade(ev *types.WSTradeEvent) {
	price := parseSize(ev.Price)

	if tr := m.tracker(ev.TakerOrderID); tr != nil {
		m.process(tr.ApplyUserTrade(ev, parseSize(ev.Size), price))
		m.trackSettlement(ev)
	}
	for _, mo := range ev.MakerOrders {
		if tr := m.tracker(mo.OrderID); tr != nil {
			p := parseSize(mo.Price)
			if p <= 0 {
				p = price
			}
			m.process(tr.ApplyUserTrade(ev, parseSize(mo.MatchedAmount), p))
			m.trackSettlement(ev)
		}
	}
}

// trackSettlement follows a trade's transaction to one confirmation.
// Failures are reported as error events; the logical order status is
// never touched from here.
func (m *Manager) trackSettlement(ev *types.WSTradeEvent) {
	if m.chain == nil || ev.TxHash == "" {
		return
	}

	m.mu.Lock()
	ctx := m.ctx
	m.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	m.emitter.Emit(events.TransactionSubmitted, map[string]any{
		"trade_id": ev.ID,
		"tx_hash":  ev.TxHash,
	})
	go func() {
		conf, err := m.chain.WaitForConfirmation(ctx, ev.TxHash)
		if err != nil {
			m.logger.Error("settlement confirmation failed", "tx", ev.TxHash, "err", err)
			m.emitter.Emit(events.Error, map[string]any{
				"tx_hash": ev.TxHash,
				"err":     err.Error(),
			})
			return
		}
		m.emitter.Emit(events.TransactionConfirmed, map[string]any{
			"trade_id":     ev.ID,
			"tx_hash":      ev.TxHash,
			"block_number": conf.BlockNumber,
			"gas_used":     conf.GasUsed,
		})
	}()
}

// pollLoop reconciles one order from REST until it terminates or the
// order is unwatched.
func (m *Manager) pollLoop(ctx context.Context, orderID string) {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		tr := m.tracker(orderID)
		if tr == nil || tr.Terminal() {
			return
		}

		oo, err := m.rest.GetOrder(ctx, orderID)
		if err != nil {
			m.logger.Debug("order poll failed", "order_id", orderID, "err", err)
			continue
		}
		m.process(tr.ApplyPoll(oo))
	}
}

// process publishes tracker emissions and unwatches on terminal entry.
// Must not be called while holding m.mu: emission handlers (handles, the
// dashboard) may call back into the manager.
func (m *Manager) process(ems []Emission) {
	for _, em := range ems {
		m.emitter.Emit(em.Name, em.Payload)
		if em.Payload.Status.IsTerminal() && em.Name != events.Error {
			m.unwatch(em.Payload.OrderID)
		}
	}
}

// unwatch stops the order's poller and removes it from supervision.
func (m *Manager) unwatch(orderID string) {
	m.mu.Lock()
	w, ok := m.watched[orderID]
	if ok {
		delete(m.watched, orderID)
	}
	m.mu.Unlock()

	if ok && w.pollCancel != nil {
		w.pollCancel()
	}
}

// tracker returns the live tracker for an order, or nil.
func (m *Manager) tracker(orderID string) *Tracker {
	if orderID == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.watched[orderID]; ok {
		return w.tracker
	}
	return nil
}

// rejectLocally resolves the handle as rejected and emits order_rejected
// without the order ever reaching the venue.
func (m *Manager) rejectLocally(h *Handle, tokenID, reason string, meta Meta) *Handle {
	o := types.Order{
		TokenID:   tokenID,
		Kind:      meta.Kind,
		Status:    types.StatusRejected,
		UpdatedAt: time.Now(),
	}
	m.emitter.Emit(events.OrderRejected, EventPayload{
		Status: types.StatusRejected,
		Order:  o,
		Reason: reason,
		Meta:   meta,
	})
	h.resolveRejected(o, reason)
	return h
}

func restReason(resp *types.OrderResponse) string {
	if resp == nil {
		return "no response"
	}
	if resp.ErrorMsg != "" {
		return resp.ErrorMsg
	}
	return "rejected by venue"
}
