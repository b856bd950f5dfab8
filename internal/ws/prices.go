package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"polyarb/pkg/types"
)

// The live-data feed publishes Chainlink reference prices under this topic.
// Filters select one symbol per subscription entry.
const cryptoPricesTopic = "crypto_prices_chainlink"

// rtdsMessage is the envelope every live-data frame arrives in.
type rtdsMessage struct {
	Topic     string          `json:"topic"`
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

type rtdsSubscription struct {
	Topic   string `json:"topic"`
	Type    string `json:"type,omitempty"`
	Filters string `json:"filters,omitempty"` // JSON-encoded filter object
}

type rtdsRequest struct {
	Action        string             `json:"action"` // "subscribe" or "unsubscribe"
	Subscriptions []rtdsSubscription `json:"subscriptions"`
}

// flexFloat tolerates number-or-string encodings; the feed switches between
// them across message versions.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(bytes.TrimSpace(b), `"`)
	if len(b) == 0 || string(b) == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return fmt.Errorf("parse float %q: %w", b, err)
	}
	*f = flexFloat(v)
	return nil
}

type cryptoPrice struct {
	Symbol    string    `json:"symbol"`
	Timestamp flexFloat `json:"timestamp"`
	Value     flexFloat `json:"value"`
}

// SubscribeUnderlying registers a handler for live reference prices of the
// given feed symbols (e.g. "btc/usd"), dialing the live-data socket on
// first use.
func (b *Bus) SubscribeUnderlying(ctx context.Context, symbols []string, h Handlers) (*Subscription, error) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	sub := &priceSub{symbols: toSet(symbols), handlers: h}
	b.priceSubs[id] = sub

	var fresh []string
	for s := range sub.symbols {
		if b.symbolRefs[s] == 0 {
			fresh = append(fresh, s)
		}
		b.symbolRefs[s]++
	}

	client := b.prices
	needDial := client == nil
	if needDial {
		client = NewClient(b.clientOptions(b.api.WSLiveDataURL, b.dispatchPrices, b.replayPrices))
		b.prices = client
	}
	b.mu.Unlock()

	if needDial {
		if err := client.Connect(ctx); err != nil {
			b.dropPriceSub(id)
			return nil, err
		}
	} else if client.Connected() && len(fresh) > 0 {
		client.Send(priceRequest("subscribe", fresh))
	}

	return &Subscription{cancel: func() { b.unsubscribeUnderlying(id) }}, nil
}

func (b *Bus) unsubscribeUnderlying(id int) {
	dropped, client := b.dropPriceSub(id)
	if client != nil && client.Connected() && len(dropped) > 0 {
		client.Send(priceRequest("unsubscribe", dropped))
	}
}

func (b *Bus) dropPriceSub(id int) ([]string, *Client) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.priceSubs[id]
	if !ok {
		return nil, nil
	}
	delete(b.priceSubs, id)

	var dropped []string
	for s := range sub.symbols {
		b.symbolRefs[s]--
		if b.symbolRefs[s] <= 0 {
			delete(b.symbolRefs, s)
			dropped = append(dropped, s)
		}
	}
	return dropped, b.prices
}

func (b *Bus) replayPrices() {
	b.mu.Lock()
	symbols := sortedKeys(b.symbolRefs)
	client := b.prices
	b.mu.Unlock()

	if client == nil || len(symbols) == 0 {
		return
	}
	client.Send(priceRequest("subscribe", symbols))
}

// priceRequest builds one subscription entry per symbol.
func priceRequest(action string, symbols []string) rtdsRequest {
	subs := make([]rtdsSubscription, 0, len(symbols))
	for _, sym := range symbols {
		filter, _ := json.Marshal(map[string]string{"symbol": sym})
		subs = append(subs, rtdsSubscription{
			Topic:   cryptoPricesTopic,
			Type:    "update",
			Filters: string(filter),
		})
	}
	return rtdsRequest{Action: action, Subscriptions: subs}
}

func (b *Bus) dispatchPrices(frame []byte) {
	var msg rtdsMessage
	if err := json.Unmarshal(frame, &msg); err != nil {
		b.logger.Debug("malformed live-data frame", "err", err)
		return
	}
	if !strings.HasPrefix(msg.Topic, "crypto_prices") || len(msg.Payload) == 0 {
		return
	}

	var prices []cryptoPrice
	if msg.Payload[0] == '[' {
		if err := json.Unmarshal(msg.Payload, &prices); err != nil {
			b.logger.Debug("malformed price payload", "err", err)
			return
		}
	} else {
		var p cryptoPrice
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			b.logger.Debug("malformed price payload", "err", err)
			return
		}
		prices = append(prices, p)
	}

	for _, p := range prices {
		if p.Symbol == "" || p.Value <= 0 {
			continue
		}
		ts := normalizeMs(float64(p.Timestamp), b.demux.now)
		if float64(p.Timestamp) <= 0 && msg.Timestamp > 0 {
			ts = normalizeMs(float64(msg.Timestamp), b.demux.now)
		}
		tick := types.UnderlyingPrice{Symbol: p.Symbol, Value: float64(p.Value), TimestampMs: ts}

		b.mu.Lock()
		targets := make([]Handlers, 0, len(b.priceSubs))
		for _, sub := range b.priceSubs {
			if len(sub.symbols) == 0 {
				targets = append(targets, sub.handlers)
				continue
			}
			if _, ok := sub.symbols[p.Symbol]; ok {
				targets = append(targets, sub.handlers)
			}
		}
		b.mu.Unlock()

		for _, h := range targets {
			b.deliverPrice(h, tick)
		}
	}
}

func (b *Bus) deliverPrice(h Handlers, tick types.UnderlyingPrice) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("price handler panicked", "symbol", tick.Symbol, "panic", r)
		}
	}()
	if h.OnUnderlyingPrice != nil {
		h.OnUnderlyingPrice(tick)
	}
}

// normalizeMs converts a numeric timestamp to epoch milliseconds using the
// same seconds-vs-milliseconds heuristic as the demux.
func normalizeMs(v float64, now func() time.Time) int64 {
	if v <= 0 {
		return now().UnixMilli()
	}
	if v < 1e12 {
		v *= 1000
	}
	return int64(v)
}
