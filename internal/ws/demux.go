package ws

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"polyarb/pkg/types"
)

// Topic separates the two venue channels plus the live-data feed.
type Topic string

const (
	TopicMarket Topic = "market"
	TopicUser   Topic = "user"
)

// EventType tags a classified frame.
type EventType string

const (
	TypeBook           EventType = "book"
	TypePriceChange    EventType = "price_change"
	TypeLastTradePrice EventType = "last_trade_price"
	TypeTickSizeChange EventType = "tick_size_change"
	TypeBestBidAsk     EventType = "best_bid_ask"
	TypeMarketResolved EventType = "market_resolved"
	TypeNewMarket      EventType = "new_market"
	TypeTrade          EventType = "trade"
	TypeOrder          EventType = "order"
)

// Event is one classified frame. Exactly one payload pointer matching Type
// is non-nil.
type Event struct {
	Topic       Topic
	Type        EventType
	AssetID     string // empty for market-wide events (new_market, market_resolved)
	TimestampMs int64

	Book        *types.WSBookEvent
	PriceChange *types.PriceChangeEntry
	LastTrade   *types.WSLastTradePrice
	TickSize    *types.WSTickSizeChange
	BestBidAsk  *types.WSBestBidAsk
	NewMarket   *types.WSNewMarket
	Resolved    *types.WSMarketResolved
	Order       *types.WSOrderEvent
	Trade       *types.WSTradeEvent
}

// Demux classifies raw frames from the venue sockets. The wire protocol is
// an untagged union: most messages carry no event_type, so classification
// is by field shape, evaluated in a fixed order where the first matching
// rule wins. Shapes that are supersets of others (market_resolved vs
// new_market) are checked first.
type Demux struct {
	logger *slog.Logger
	now    func() time.Time
}

// NewDemux returns a classifier logging dropped frames through logger.
func NewDemux(logger *slog.Logger) *Demux {
	return &Demux{
		logger: logger.With("component", "demux"),
		now:    time.Now,
	}
}

// Classify decodes one frame into zero or more tagged events. Unrecognized
// or malformed frames are logged and dropped, never returned as errors: a
// bad frame must not take down the read loop.
func (d *Demux) Classify(frame []byte) []Event {
	frame = bytes.TrimSpace(frame)
	if len(frame) == 0 {
		return nil
	}

	switch frame[0] {
	case '[':
		return d.classifyArray(frame)
	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(frame, &obj); err != nil {
			d.logger.Warn("malformed frame", "err", err)
			return nil
		}
		return d.classifyObject(obj, frame)
	default:
		// Control text such as "PONG"; not an event.
		d.logger.Debug("non-JSON frame dropped", "frame", string(frame))
		return nil
	}
}

// classifyArray handles the initial snapshot form: a top-level array whose
// elements are book snapshots. Elements without bids or asks are dropped.
func (d *Demux) classifyArray(frame []byte) []Event {
	var elems []json.RawMessage
	if err := json.Unmarshal(frame, &elems); err != nil {
		d.logger.Warn("malformed array frame", "err", err)
		return nil
	}

	var out []Event
	for _, raw := range elems {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(raw, &obj); err != nil {
			continue
		}
		if _, hasBids := obj["bids"]; !hasBids {
			if _, hasAsks := obj["asks"]; !hasAsks {
				d.logger.Debug("array element without book shape dropped")
				continue
			}
		}
		if ev, ok := d.parseBook(raw); ok {
			out = append(out, ev)
		}
	}
	return out
}

func (d *Demux) classifyObject(obj map[string]json.RawMessage, raw []byte) []Event {
	has := func(key string) bool {
		_, ok := obj[key]
		return ok
	}
	eventType := rawString(obj["event_type"])

	// user.trade: explicit tag, or the status/maker_orders pair unique to
	// trade notifications.
	if eventType == "trade" || (has("status") && has("maker_orders")) {
		var ev types.WSTradeEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			d.logger.Warn("malformed trade frame", "err", err)
			return nil
		}
		return []Event{{
			Topic:       TopicUser,
			Type:        TypeTrade,
			AssetID:     ev.AssetID,
			TimestampMs: d.normalizeTs(ev.Timestamp),
			Trade:       &ev,
		}}
	}

	// user.order: explicit tag, or original_size/size_matched pair.
	if eventType == "order" || (has("original_size") && has("size_matched")) {
		var ev types.WSOrderEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			d.logger.Warn("malformed order frame", "err", err)
			return nil
		}
		return []Event{{
			Topic:       TopicUser,
			Type:        TypeOrder,
			AssetID:     ev.AssetID,
			TimestampMs: d.normalizeTs(ev.Timestamp),
			Order:       &ev,
		}}
	}

	// market.price_change: fans out one event per entry, each inheriting
	// the parent market field.
	if changes, ok := obj["price_changes"]; ok && len(changes) > 0 && changes[0] == '[' {
		var ev types.WSPriceChangeEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			d.logger.Warn("malformed price_change frame", "err", err)
			return nil
		}
		ts := d.normalizeTs(ev.Timestamp)
		out := make([]Event, 0, len(ev.PriceChanges))
		for _, pc := range ev.PriceChanges {
			out = append(out, Event{
				Topic:       TopicMarket,
				Type:        TypePriceChange,
				AssetID:     pc.AssetID,
				TimestampMs: ts,
				PriceChange: &types.PriceChangeEntry{
					Market:      ev.Market,
					AssetID:     pc.AssetID,
					Price:       pc.Price,
					Size:        pc.Size,
					Side:        pc.Side,
					Hash:        pc.Hash,
					BestBid:     pc.BestBid,
					BestAsk:     pc.BestAsk,
					TimestampMs: ts,
				},
			})
		}
		return out
	}

	// market.last_trade_price: fee_rate_bps is unique to it; the
	// price/side/size triple only reaches here once trade and price_change
	// shapes are excluded.
	if has("fee_rate_bps") || (has("price") && has("side") && has("size")) {
		var ev types.WSLastTradePrice
		if err := json.Unmarshal(raw, &ev); err != nil {
			d.logger.Warn("malformed last_trade_price frame", "err", err)
			return nil
		}
		return []Event{{
			Topic:       TopicMarket,
			Type:        TypeLastTradePrice,
			AssetID:     ev.AssetID,
			TimestampMs: d.normalizeTs(ev.Timestamp),
			LastTrade:   &ev,
		}}
	}

	if has("old_tick_size") || has("new_tick_size") {
		var ev types.WSTickSizeChange
		if err := json.Unmarshal(raw, &ev); err != nil {
			d.logger.Warn("malformed tick_size_change frame", "err", err)
			return nil
		}
		return []Event{{
			Topic:       TopicMarket,
			Type:        TypeTickSizeChange,
			AssetID:     ev.AssetID,
			TimestampMs: d.normalizeTs(ev.Timestamp),
			TickSize:    &ev,
		}}
	}

	if has("best_bid") && has("best_ask") && has("spread") {
		var ev types.WSBestBidAsk
		if err := json.Unmarshal(raw, &ev); err != nil {
			d.logger.Warn("malformed best_bid_ask frame", "err", err)
			return nil
		}
		return []Event{{
			Topic:       TopicMarket,
			Type:        TypeBestBidAsk,
			AssetID:     ev.AssetID,
			TimestampMs: d.normalizeTs(ev.Timestamp),
			BestBidAsk:  &ev,
		}}
	}

	// market_resolved is a superset of new_market and must match first.
	if has("winning_asset_id") || has("winning_outcome") {
		var ev types.WSMarketResolved
		if err := json.Unmarshal(raw, &ev); err != nil {
			d.logger.Warn("malformed market_resolved frame", "err", err)
			return nil
		}
		return []Event{{
			Topic:       TopicMarket,
			Type:        TypeMarketResolved,
			TimestampMs: d.normalizeTs(ev.Timestamp),
			Resolved:    &ev,
		}}
	}

	if has("question") && has("slug") && has("assets_ids") && has("outcomes") {
		var ev types.WSNewMarket
		if err := json.Unmarshal(raw, &ev); err != nil {
			d.logger.Warn("malformed new_market frame", "err", err)
			return nil
		}
		return []Event{{
			Topic:       TopicMarket,
			Type:        TypeNewMarket,
			TimestampMs: d.normalizeTs(ev.Timestamp),
			NewMarket:   &ev,
		}}
	}

	if has("bids") || has("asks") {
		if ev, ok := d.parseBook(raw); ok {
			return []Event{ev}
		}
		return nil
	}

	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	d.logger.Debug("unclassified frame dropped", "keys", keys)
	return nil
}

func (d *Demux) parseBook(raw []byte) (Event, bool) {
	var ev types.WSBookEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		d.logger.Warn("malformed book frame", "err", err)
		return Event{}, false
	}
	return Event{
		Topic:       TopicMarket,
		Type:        TypeBook,
		AssetID:     ev.AssetID,
		TimestampMs: d.normalizeTs(ev.Timestamp),
		Book:        &ev,
	}, true
}

// normalizeTs converts a wire timestamp to epoch milliseconds. Values below
// 10^12 are seconds and are scaled; absent or unparseable values fall back
// to the local clock.
func (d *Demux) normalizeTs(raw string) int64 {
	if raw == "" {
		return d.now().UnixMilli()
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f <= 0 {
		return d.now().UnixMilli()
	}
	if f < 1e12 {
		f *= 1000
	}
	return int64(f)
}

// rawString unquotes a JSON string value; returns "" for non-strings.
func rawString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}
