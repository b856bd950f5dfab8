package ws

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"polyarb/internal/config"
	"polyarb/pkg/types"
)

// Handlers carries the callbacks a subscriber wants invoked. Nil fields are
// skipped. Handlers run synchronously on the owning connection's reader
// goroutine: events for the same asset arrive in wire order, and handlers
// must not block.
type Handlers struct {
	OnOrderbook       func(*types.WSBookEvent)
	OnPriceChange     func(*types.PriceChangeEntry)
	OnLastTrade       func(*types.WSLastTradePrice)
	OnTickSizeChange  func(*types.WSTickSizeChange)
	OnUserOrder       func(*types.WSOrderEvent)
	OnUserTrade       func(*types.WSTradeEvent)
	OnUnderlyingPrice func(types.UnderlyingPrice)
}

// Subscription is the cancellation capability returned by the bus.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// Cancel removes the subscription. Safe to call multiple times.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
}

type marketSub struct {
	assets   map[string]struct{}
	handlers Handlers
}

type userSub struct {
	markets  map[string]struct{} // empty = all markets for the account
	handlers Handlers
}

type priceSub struct {
	symbols  map[string]struct{}
	handlers Handlers
}

// Bus owns the venue connections and fans classified events out to
// subscribers. Connections are opened lazily on first subscription; on
// every reconnect all active subscriptions are re-issued as initial frames
// so the server replays current book snapshots.
type Bus struct {
	api    config.APIConfig
	wsCfg  config.WSConfig
	logger *slog.Logger
	demux  *Demux

	mu         sync.Mutex
	nextID     int
	market     *Client
	user       *Client
	prices     *Client
	marketSubs map[int]*marketSub
	userSubs   map[int]*userSub
	priceSubs  map[int]*priceSub
	assetRefs  map[string]int
	symbolRefs map[string]int
	userAuth   types.WSAuth
}

// NewBus returns a bus for the configured endpoints. No connection is
// opened until the first subscription arrives.
func NewBus(api config.APIConfig, wsCfg config.WSConfig, logger *slog.Logger) *Bus {
	return &Bus{
		api:        api,
		wsCfg:      wsCfg,
		logger:     logger.With("component", "bus"),
		demux:      NewDemux(logger),
		marketSubs: make(map[int]*marketSub),
		userSubs:   make(map[int]*userSub),
		priceSubs:  make(map[int]*priceSub),
		assetRefs:  make(map[string]int),
		symbolRefs: make(map[string]int),
	}
}

func (b *Bus) clientOptions(url string, onMessage func([]byte), onOpen func()) Options {
	return Options{
		URL:                  url,
		PingInterval:         time.Duration(b.wsCfg.PingIntervalSec) * time.Second,
		PongTimeout:          time.Duration(b.wsCfg.PongTimeoutSec) * time.Second,
		ReconnectDelay:       time.Duration(b.wsCfg.ReconnectDelayMs) * time.Millisecond,
		MaxReconnectAttempts: b.wsCfg.MaxReconnectAttempts,
		Logger:               b.logger,
		OnMessage:            onMessage,
		OnOpen:               onOpen,
	}
}

// ————————————————————————————————————————————————————————————————————————
// Market channel
// ————————————————————————————————————————————————————————————————————————

// SubscribeMarket registers handlers for the given asset IDs, dialing the
// market socket on first use. The first subscription rides the initial
// {type:"MARKET"} frame; later additions use the dynamic subscribe form.
func (b *Bus) SubscribeMarket(ctx context.Context, assetIDs []string, h Handlers) (*Subscription, error) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	sub := &marketSub{assets: toSet(assetIDs), handlers: h}
	b.marketSubs[id] = sub

	var fresh []string
	for a := range sub.assets {
		if b.assetRefs[a] == 0 {
			fresh = append(fresh, a)
		}
		b.assetRefs[a]++
	}
	sort.Strings(fresh)

	client := b.market
	needDial := client == nil
	if needDial {
		client = NewClient(b.clientOptions(b.api.WSMarketURL, b.dispatchMarket, b.replayMarket))
		b.market = client
	}
	b.mu.Unlock()

	if needDial {
		if err := client.Connect(ctx); err != nil {
			b.dropMarketSub(id)
			return nil, err
		}
		// Initial frame already sent via the replay hook.
	} else if client.Connected() && len(fresh) > 0 {
		client.Send(types.WSUpdateMsg{Operation: "subscribe", AssetIDs: fresh})
	}

	return &Subscription{cancel: func() { b.unsubscribeMarket(id) }}, nil
}

func (b *Bus) unsubscribeMarket(id int) {
	dropped, client := b.dropMarketSub(id)
	if client != nil && client.Connected() && len(dropped) > 0 {
		client.Send(types.WSUpdateMsg{Operation: "unsubscribe", AssetIDs: dropped})
	}
}

// dropMarketSub removes the subscription and returns the asset IDs whose
// refcount reached zero.
func (b *Bus) dropMarketSub(id int) ([]string, *Client) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.marketSubs[id]
	if !ok {
		return nil, nil
	}
	delete(b.marketSubs, id)

	var dropped []string
	for a := range sub.assets {
		b.assetRefs[a]--
		if b.assetRefs[a] <= 0 {
			delete(b.assetRefs, a)
			dropped = append(dropped, a)
		}
	}
	sort.Strings(dropped)
	return dropped, b.market
}

// replayMarket re-issues the union of subscribed assets as an initial
// subscription. Runs after every successful dial.
func (b *Bus) replayMarket() {
	b.mu.Lock()
	assets := sortedKeys(b.assetRefs)
	client := b.market
	b.mu.Unlock()

	if client == nil || len(assets) == 0 {
		return
	}
	client.Send(types.WSSubscribeMsg{Type: "MARKET", AssetIDs: assets})
}

func (b *Bus) dispatchMarket(frame []byte) {
	for _, ev := range b.demux.Classify(frame) {
		if ev.Topic != TopicMarket {
			// User-shaped event on the market socket; misrouted, drop it.
			b.logger.Warn("user event on market channel dropped", "type", ev.Type)
			continue
		}
		b.mu.Lock()
		targets := make([]Handlers, 0, len(b.marketSubs))
		for _, sub := range b.marketSubs {
			if ev.AssetID == "" {
				targets = append(targets, sub.handlers)
				continue
			}
			if _, ok := sub.assets[ev.AssetID]; ok {
				targets = append(targets, sub.handlers)
			}
		}
		b.mu.Unlock()

		for _, h := range targets {
			b.deliverMarket(h, ev)
		}
	}
}

func (b *Bus) deliverMarket(h Handlers, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("market handler panicked", "type", ev.Type, "panic", r)
		}
	}()
	switch ev.Type {
	case TypeBook:
		if h.OnOrderbook != nil {
			h.OnOrderbook(ev.Book)
		}
	case TypePriceChange:
		if h.OnPriceChange != nil {
			h.OnPriceChange(ev.PriceChange)
		}
	case TypeLastTradePrice:
		if h.OnLastTrade != nil {
			h.OnLastTrade(ev.LastTrade)
		}
	case TypeTickSizeChange:
		if h.OnTickSizeChange != nil {
			h.OnTickSizeChange(ev.TickSize)
		}
	default:
		// new_market / market_resolved are classified but have no handler
		// key; rotation discovers markets via the Gamma API instead.
		b.logger.Debug("informational market event", "type", ev.Type)
	}
}

// ————————————————————————————————————————————————————————————————————————
// User channel
// ————————————————————————————————————————————————————————————————————————

// SubscribeUser opens the authenticated user socket and registers handlers
// for order and trade events. An empty markets filter receives events for
// every market the account trades.
func (b *Bus) SubscribeUser(ctx context.Context, auth types.WSAuth, markets []string, h Handlers) (*Subscription, error) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.userSubs[id] = &userSub{markets: toSet(markets), handlers: h}
	b.userAuth = auth

	client := b.user
	needDial := client == nil
	if needDial {
		client = NewClient(b.clientOptions(b.api.WSUserURL, b.dispatchUser, b.replayUser))
		b.user = client
	}
	b.mu.Unlock()

	if needDial {
		if err := client.Connect(ctx); err != nil {
			b.mu.Lock()
			delete(b.userSubs, id)
			b.mu.Unlock()
			return nil, err
		}
	} else if client.Connected() {
		// The user channel has no dynamic mutation form; re-issue the
		// initial frame with the updated markets union.
		b.replayUser()
	}

	return &Subscription{cancel: func() { b.unsubscribeUser(id) }}, nil
}

func (b *Bus) unsubscribeUser(id int) {
	b.mu.Lock()
	delete(b.userSubs, id)
	b.mu.Unlock()
}

func (b *Bus) replayUser() {
	b.mu.Lock()
	client := b.user
	auth := b.userAuth
	set := make(map[string]struct{})
	for _, sub := range b.userSubs {
		for m := range sub.markets {
			set[m] = struct{}{}
		}
	}
	markets := sortedKeys(set)
	active := len(b.userSubs) > 0
	b.mu.Unlock()

	if client == nil || !active {
		return
	}
	client.Send(types.WSSubscribeMsg{Type: "USER", Auth: &auth, Markets: markets})
}

func (b *Bus) dispatchUser(frame []byte) {
	for _, ev := range b.demux.Classify(frame) {
		if ev.Topic != TopicUser {
			// The user socket replays book snapshots on some venues; only
			// order/trade events are contractual here.
			continue
		}

		market := ""
		if ev.Order != nil {
			market = ev.Order.Market
		} else if ev.Trade != nil {
			market = ev.Trade.Market
		}

		b.mu.Lock()
		targets := make([]Handlers, 0, len(b.userSubs))
		for _, sub := range b.userSubs {
			if len(sub.markets) == 0 {
				targets = append(targets, sub.handlers)
				continue
			}
			if _, ok := sub.markets[market]; ok {
				targets = append(targets, sub.handlers)
			}
		}
		b.mu.Unlock()

		for _, h := range targets {
			b.deliverUser(h, ev)
		}
	}
}

func (b *Bus) deliverUser(h Handlers, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("user handler panicked", "type", ev.Type, "panic", r)
		}
	}()
	switch ev.Type {
	case TypeOrder:
		if h.OnUserOrder != nil {
			h.OnUserOrder(ev.Order)
		}
	case TypeTrade:
		if h.OnUserTrade != nil {
			h.OnUserTrade(ev.Trade)
		}
	}
}

// ————————————————————————————————————————————————————————————————————————
// Lifecycle
// ————————————————————————————————————————————————————————————————————————

// Close disconnects every open socket. Subscription state is retained, so
// a later Subscribe* that re-dials will replay it; normally Close is the
// last call on a bus.
func (b *Bus) Close() {
	b.mu.Lock()
	clients := []*Client{b.market, b.user, b.prices}
	b.market, b.user, b.prices = nil, nil, nil
	b.mu.Unlock()

	for _, c := range clients {
		if c != nil {
			c.Disconnect()
		}
	}
}

// ConnectionStates reports the state of each channel for diagnostics.
func (b *Bus) ConnectionStates() map[string]string {
	b.mu.Lock()
	defer b.mu.Unlock()

	states := make(map[string]string, 3)
	for name, c := range map[string]*Client{
		"market": b.market,
		"user":   b.user,
		"prices": b.prices,
	} {
		if c == nil {
			states[name] = StateDisconnected.String()
			continue
		}
		states[name] = c.State().String()
	}
	return states
}

func toSet(keys []string) map[string]struct{} {
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return set
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
