// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the engine — order kinds and
// statuses, market metadata, order book snapshots, and the WebSocket wire
// payloads for both venue channels. It has no dependencies on internal
// packages, so it can be imported by any layer.
package types

import (
	"math/big"
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == BUY {
		return SELL
	}
	return BUY
}

// OrderKind enumerates the supported time-in-force kinds.
type OrderKind string

const (
	KindGTC OrderKind = "GTC" // good-til-cancelled limit order
	KindGTD OrderKind = "GTD" // good-til-date limit order (requires Expiration)
	KindFOK OrderKind = "FOK" // fill-or-kill market order, no partials
	KindFAK OrderKind = "FAK" // fill-and-kill market order, partial then cancel
)

// IsMarket reports whether the kind describes a market order, where the
// order amount is denominated in quote currency rather than shares.
func (k OrderKind) IsMarket() bool {
	return k == KindFOK || k == KindFAK
}

// OrderStatus is the authoritative lifecycle state of an order.
type OrderStatus string

const (
	StatusPending         OrderStatus = "PENDING"
	StatusOpen            OrderStatus = "OPEN"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCancelled       OrderStatus = "CANCELLED"
	StatusExpired         OrderStatus = "EXPIRED"
	StatusRejected        OrderStatus = "REJECTED"
)

// IsTerminal reports whether no further transitions are allowed from s.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusExpired, StatusRejected:
		return true
	}
	return false
}

// TradeStatus is the venue's settlement progression for a single fill.
type TradeStatus string

const (
	TradeMatched   TradeStatus = "MATCHED"
	TradeMined     TradeStatus = "MINED"
	TradeConfirmed TradeStatus = "CONFIRMED"
	TradeRetrying  TradeStatus = "RETRYING"
	TradeFailed    TradeStatus = "FAILED"
)

// SignatureType identifies the signing scheme for the CTF exchange contract.
type SignatureType int

const (
	SigEOA        SignatureType = 0 // externally-owned account (standard wallet)
	SigProxy      SignatureType = 1 // Polymarket proxy / Magic wallet
	SigGnosisSafe SignatureType = 2 // Gnosis Safe multisig
)

// TickSize represents the price granularity for a market. The venue supports
// four tick sizes; each market has a fixed tick size that determines the
// minimum price increment and USDC amount rounding precision.
type TickSize string

const (
	Tick01    TickSize = "0.1"    // 1 decimal  — coarse markets
	Tick001   TickSize = "0.01"   // 2 decimals — standard markets (most common)
	Tick0001  TickSize = "0.001"  // 3 decimals — fine-grained markets
	Tick00001 TickSize = "0.0001" // 4 decimals — ultra-precise markets
)

// Decimals returns the number of decimal places for a tick size.
func (t TickSize) Decimals() int {
	switch t {
	case Tick01:
		return 1
	case Tick001:
		return 2
	case Tick0001:
		return 3
	case Tick00001:
		return 4
	default:
		return 2
	}
}

// AmountDecimals returns the rounding precision for USDC amounts.
func (t TickSize) AmountDecimals() int {
	switch t {
	case Tick01:
		return 3
	case Tick001:
		return 4
	case Tick0001:
		return 5
	case Tick00001:
		return 6
	default:
		return 4
	}
}

// Underlying identifies the reference asset of a short-duration market.
type Underlying string

const (
	BTC Underlying = "BTC"
	ETH Underlying = "ETH"
	SOL Underlying = "SOL"
	XRP Underlying = "XRP"
)

// FeedSymbol returns the live-data feed symbol for the underlying, e.g. "btc/usd".
func (u Underlying) FeedSymbol() string {
	switch u {
	case BTC:
		return "btc/usd"
	case ETH:
		return "eth/usd"
	case SOL:
		return "sol/usd"
	case XRP:
		return "xrp/usd"
	}
	return ""
}

// ————————————————————————————————————————————————————————————————————————
// Orders and fills
// ————————————————————————————————————————————————————————————————————————

// Order is the engine's authoritative view of a single order.
//
// For limit orders (GTC/GTD) OriginalSize is in shares and
// FilledSize + RemainingSize == OriginalSize holds after every event.
// For market orders (FOK/FAK) OriginalSize is in quote currency, so the
// subtraction identity does not apply; RemainingSize <= 0 means complete.
type Order struct {
	OrderID       string      `json:"order_id"`
	TokenID       string      `json:"token_id"`
	Side          Side        `json:"side"`
	Price         float64     `json:"price"`          // limit price in [0,1]
	OriginalSize  float64     `json:"original_size"`  // shares (limit) or USD (market)
	FilledSize    float64     `json:"filled_size"`    // cumulative, monotonically non-decreasing
	RemainingSize float64     `json:"remaining_size"` // shares still resting
	Kind          OrderKind   `json:"kind"`
	Expiration    int64       `json:"expiration,omitempty"` // epoch seconds, GTD only
	Status        OrderStatus `json:"status"`
	UpdatedAt     time.Time   `json:"updated_at"`
	TradeIDs      []string    `json:"trade_ids,omitempty"` // in arrival order
}

// Fill records a single execution attributed to an order.
type Fill struct {
	TradeID string      `json:"trade_id"`
	Size    float64     `json:"size"`
	Price   float64     `json:"price"`
	TxHash  string      `json:"tx_hash,omitempty"`
	Status  TradeStatus `json:"status,omitempty"`
	At      time.Time   `json:"at"`
}

// LimitOrderRequest is the caller-facing shape for GTC/GTD submissions.
type LimitOrderRequest struct {
	TokenID    string
	Side       Side
	Price      float64
	Size       float64 // shares
	Kind       OrderKind
	Expiration int64 // epoch seconds, GTD only
	TickSize   TickSize
	NegRisk    bool
}

// MarketOrderRequest is the caller-facing shape for FOK/FAK submissions.
// Amount is in quote currency for BUY and in shares for SELL; Price is the
// worst acceptable price used to compute the taker amounts.
type MarketOrderRequest struct {
	TokenID  string
	Side     Side
	Amount   float64
	Price    float64
	Kind     OrderKind
	TickSize TickSize
	NegRisk  bool
}

// ————————————————————————————————————————————————————————————————————————
// Market metadata
// ————————————————————————————————————————————————————————————————————————

// MarketDescriptor identifies one short-duration binary market. UP and DOWN
// are the two complementary outcome tokens whose asks sum to ~$1.
type MarketDescriptor struct {
	ConditionID     string     `json:"condition_id"`
	Slug            string     `json:"slug"`
	Question        string     `json:"question,omitempty"`
	UpTokenID       string     `json:"up_token_id"`
	DownTokenID     string     `json:"down_token_id"`
	Underlying      Underlying `json:"underlying"`
	DurationMinutes int        `json:"duration_minutes"` // 5 or 15
	EndTime         time.Time  `json:"end_time"`
	NegRisk         bool       `json:"neg_risk"`
	TickSize        TickSize   `json:"tick_size"`
	MinOrderSize    float64    `json:"min_order_size"`
}

// TokenIDs returns both outcome token IDs, UP first.
func (m MarketDescriptor) TokenIDs() []string {
	return []string{m.UpTokenID, m.DownTokenID}
}

// UnderlyingPrice is a reference-price tick from the live-data feed.
type UnderlyingPrice struct {
	Symbol      string  `json:"symbol"` // e.g. "btc/usd"
	Value       float64 `json:"value"`
	TimestampMs int64   `json:"timestamp"`
}

// ————————————————————————————————————————————————————————————————————————
// Dip-arbitrage rounds
// ————————————————————————————————————————————————————————————————————————

// Outcome names one of the two sides of a binary market.
type Outcome string

const (
	OutcomeUp   Outcome = "UP"
	OutcomeDown Outcome = "DOWN"
)

// Opposite returns the other outcome.
func (o Outcome) Opposite() Outcome {
	if o == OutcomeUp {
		return OutcomeDown
	}
	return OutcomeUp
}

// RoundPhase is the lifecycle phase of one arbitrage round.
type RoundPhase string

const (
	PhaseWaiting    RoundPhase = "waiting"
	PhaseLeg1Filled RoundPhase = "leg1_filled"
	PhaseCompleted  RoundPhase = "completed"
	PhaseExpired    RoundPhase = "expired"
)

// IsTerminal reports whether the round can no longer change phase.
func (p RoundPhase) IsTerminal() bool {
	return p == PhaseCompleted || p == PhaseExpired
}

// Leg is one executed side of a hedged pair.
type Leg struct {
	Outcome  Outcome   `json:"outcome"`
	TokenID  string    `json:"token_id"`
	Shares   float64   `json:"shares"`
	AvgPrice float64   `json:"avg_price"`
	Cost     float64   `json:"cost"` // shares * avgPrice in USD
	OrderIDs []string  `json:"order_ids"`
	FilledAt time.Time `json:"filled_at"`
}

// Round is one pass of the dip-arbitrage strategy over a single market.
// A round owns at most one leg-1 and one leg-2 position.
type Round struct {
	ID          string     `json:"id"` // marketSlug + "-" + startTime (unix ms)
	MarketSlug  string     `json:"market_slug"`
	ConditionID string     `json:"condition_id"`
	Phase       RoundPhase `json:"phase"`
	StartTime   time.Time  `json:"start_time"`
	PriceToBeat float64    `json:"price_to_beat"` // underlying price at round start; 0 if unknown
	OpenUpAsk   float64    `json:"open_up_ask"`
	OpenDownAsk float64    `json:"open_down_ask"`
	Leg1        *Leg       `json:"leg1,omitempty"`
	Leg2        *Leg       `json:"leg2,omitempty"`
	TotalCost   float64    `json:"total_cost,omitempty"` // leg1.avgPrice + leg2.avgPrice per share
	Profit      float64    `json:"profit,omitempty"`     // (1 - totalCost) * hedged shares
	EndedAt     time.Time  `json:"ended_at,omitempty"`
}

// PendingRedemption is one ended market waiting for resolution so its
// winning tokens can be redeemed.
type PendingRedemption struct {
	Market        MarketDescriptor `json:"market"`
	RoundID       string           `json:"round_id,omitempty"`
	MarketEndTime time.Time        `json:"market_end_time"`
	AddedAt       time.Time        `json:"added_at"`
	RetryCount    int              `json:"retry_count"`
	LastRetryAt   time.Time        `json:"last_retry_at,omitempty"`
}

// ————————————————————————————————————————————————————————————————————————
// Order book
// ————————————————————————————————————————————————————————————————————————

// PriceLevel is a single bid or ask level in the order book.
// Price and Size are strings because the CLOB API returns them as strings
// to preserve decimal precision.
type PriceLevel struct {
	Price string `json:"price"` // e.g. "0.55"
	Size  string `json:"size"`  // e.g. "100.5"
}

// BookSnapshot is a point-in-time view of one token's order book.
type BookSnapshot struct {
	AssetID   string       // token ID this book belongs to
	Bids      []PriceLevel // sorted descending by price (best bid first)
	Asks      []PriceLevel // sorted ascending by price (best ask first)
	Hash      string       // server-provided hash for staleness detection
	Timestamp time.Time    // when this snapshot was received
}

// BookResponse is the REST response from GET /book for a single token.
type BookResponse struct {
	Market       string       `json:"market"`
	AssetID      string       `json:"asset_id"`
	Bids         []PriceLevel `json:"bids"`
	Asks         []PriceLevel `json:"asks"`
	Hash         string       `json:"hash"`
	Timestamp    string       `json:"timestamp"`
	MinOrderSize string       `json:"min_order_size"`
	TickSize     string       `json:"tick_size"`
	NegRisk      bool         `json:"neg_risk"`
}

// ————————————————————————————————————————————————————————————————————————
// REST API payloads
// ————————————————————————————————————————————————————————————————————————

// SignedOrder is the on-chain order format the CLOB API expects.
// MakerAmount and TakerAmount are in 6-decimal USDC units (1e6 = $1).
//
// For BUY:  maker gives MakerAmount USDC, receives TakerAmount tokens
// For SELL: maker gives MakerAmount tokens, receives TakerAmount USDC
type SignedOrder struct {
	Salt          string        `json:"salt"`
	Maker         string        `json:"maker"`       // funder/proxy wallet address
	Signer        string        `json:"signer"`      // EOA that signs the order
	Taker         string        `json:"taker"`       // zero address = open order
	TokenID       string        `json:"tokenId"`     // CTF token ID
	MakerAmount   *big.Int      `json:"makerAmount"` // what maker gives (scaled to 1e6)
	TakerAmount   *big.Int      `json:"takerAmount"` // what maker receives (scaled to 1e6)
	Side          Side          `json:"side"`
	Expiration    string        `json:"expiration"`    // unix timestamp as string
	Nonce         string        `json:"nonce"`         // replay protection
	FeeRateBps    string        `json:"feeRateBps"`    // fee in basis points as string
	SignatureType SignatureType `json:"signatureType"` // 0 = EOA
	Signature     string        `json:"signature"`     // EIP-712 signature hex
}

// OrderPayload is the REST API request body for POST /order and /orders.
type OrderPayload struct {
	Order     SignedOrder `json:"order"`
	Owner     string      `json:"owner"`     // API key of the order owner
	OrderType OrderKind   `json:"orderType"` // GTC, GTD, FOK, FAK
}

// OrderResponse is the REST API response for each placed order.
type OrderResponse struct {
	Success  bool   `json:"success"`
	ErrorMsg string `json:"errorMsg"`
	OrderID  string `json:"orderID"`
	Status   string `json:"status"` // e.g. "live", "matched"
}

// OpenOrder is the REST representation of an order returned by GET /data/order.
// Numeric fields are strings as sent by the venue.
type OpenOrder struct {
	ID              string   `json:"id"`
	Status          string   `json:"status"` // "LIVE", "MATCHED", "CANCELED", ...
	Market          string   `json:"market"` // condition ID
	AssetID         string   `json:"asset_id"`
	Side            string   `json:"side"`
	OriginalSize    string   `json:"original_size"`
	SizeMatched     string   `json:"size_matched"`
	Price           string   `json:"price"`
	OrderType       string   `json:"order_type"`
	Expiration      string   `json:"expiration"`
	CreatedAt       int64    `json:"created_at"`
	AssociateTrades []string `json:"associate_trades"`
}

// CancelResponse is returned by DELETE /order, /orders, /cancel-all.
type CancelResponse struct {
	Canceled    []string          `json:"canceled"`
	NotCanceled map[string]string `json:"not_canceled,omitempty"` // id → reason
}

// ————————————————————————————————————————————————————————————————————————
// WebSocket wire payloads
// ————————————————————————————————————————————————————————————————————————
// These structs map 1:1 to JSON messages on the venue WebSocket channels.
// The wire protocol is an untagged union; internal/ws classifies frames by
// field shape and parses them into these types.

// WSBookEvent is a full order book snapshot from the market channel.
type WSBookEvent struct {
	EventType string       `json:"event_type,omitempty"`
	AssetID   string       `json:"asset_id"`
	Market    string       `json:"market"` // condition ID
	Timestamp string       `json:"timestamp"`
	Hash      string       `json:"hash"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	TickSize  string       `json:"tick_size,omitempty"`
	MinSize   string       `json:"min_order_size,omitempty"`
}

// WSPriceChange is a single level change within a price_change event.
type WSPriceChange struct {
	AssetID string `json:"asset_id"`
	Price   string `json:"price"`
	Size    string `json:"size"` // new size at that level (0 = removed)
	Side    string `json:"side"` // "BUY" or "SELL"
	Hash    string `json:"hash"`
	BestBid string `json:"best_bid"`
	BestAsk string `json:"best_ask"`
}

// WSPriceChangeEvent is an incremental book update carrying one or more
// level changes applied atomically.
type WSPriceChangeEvent struct {
	EventType    string          `json:"event_type,omitempty"`
	Market       string          `json:"market"`
	Timestamp    string          `json:"timestamp"`
	PriceChanges []WSPriceChange `json:"price_changes"`
}

// PriceChangeEntry is one fanned-out level change with the parent market
// field copied in, as delivered to bus handlers.
type PriceChangeEntry struct {
	Market      string
	AssetID     string
	Price       string
	Size        string
	Side        string
	Hash        string
	BestBid     string
	BestAsk     string
	TimestampMs int64
}

// WSLastTradePrice reports the most recent trade on a token.
type WSLastTradePrice struct {
	EventType  string `json:"event_type,omitempty"`
	AssetID    string `json:"asset_id"`
	Market     string `json:"market"`
	Price      string `json:"price"`
	Side       string `json:"side"`
	Size       string `json:"size"`
	FeeRateBps string `json:"fee_rate_bps"`
	Timestamp  string `json:"timestamp"`
}

// WSTickSizeChange announces a change of a market's price granularity.
type WSTickSizeChange struct {
	EventType   string `json:"event_type,omitempty"`
	AssetID     string `json:"asset_id"`
	Market      string `json:"market"`
	OldTickSize string `json:"old_tick_size"`
	NewTickSize string `json:"new_tick_size"`
	Timestamp   string `json:"timestamp"`
}

// WSBestBidAsk carries top-of-book updates for a token.
type WSBestBidAsk struct {
	EventType string `json:"event_type,omitempty"`
	AssetID   string `json:"asset_id"`
	Market    string `json:"market"`
	BestBid   string `json:"best_bid"`
	BestAsk   string `json:"best_ask"`
	Spread    string `json:"spread"`
	Timestamp string `json:"timestamp"`
}

// WSNewMarket announces a freshly listed market.
type WSNewMarket struct {
	EventType string   `json:"event_type,omitempty"`
	Market    string   `json:"market"` // condition ID
	Question  string   `json:"question"`
	Slug      string   `json:"slug"`
	AssetsIDs []string `json:"assets_ids"`
	Outcomes  []string `json:"outcomes"`
	Timestamp string   `json:"timestamp"`
}

// WSMarketResolved announces resolution of a market. Its shape is a superset
// of WSNewMarket, so it must be matched first.
type WSMarketResolved struct {
	EventType      string   `json:"event_type,omitempty"`
	Market         string   `json:"market"`
	Question       string   `json:"question"`
	Slug           string   `json:"slug"`
	AssetsIDs      []string `json:"assets_ids"`
	Outcomes       []string `json:"outcomes"`
	WinningAssetID string   `json:"winning_asset_id"`
	WinningOutcome string   `json:"winning_outcome"`
	Timestamp      string   `json:"timestamp"`
}

// WSMakerOrder is one maker-side leg inside a user trade event.
type WSMakerOrder struct {
	OrderID       string `json:"order_id"`
	Owner         string `json:"owner"`
	MatchedAmount string `json:"matched_amount"`
	Price         string `json:"price"`
	AssetID       string `json:"asset_id"`
	Outcome       string `json:"outcome"`
}

// WSTradeEvent is a fill notification from the user channel.
type WSTradeEvent struct {
	EventType    string         `json:"event_type,omitempty"`
	ID           string         `json:"id"`     // trade ID
	Market       string         `json:"market"` // condition ID
	AssetID      string         `json:"asset_id"`
	Side         string         `json:"side"`
	Size         string         `json:"size"`
	Price        string         `json:"price"`
	Status       string         `json:"status"`  // MATCHED, MINED, CONFIRMED, RETRYING, FAILED
	Outcome      string         `json:"outcome"` // "Up" / "Down" / "Yes" / "No"
	TakerOrderID string         `json:"taker_order_id"`
	MakerOrders  []WSMakerOrder `json:"maker_orders"`
	TxHash       string         `json:"transaction_hash,omitempty"`
	Timestamp    string         `json:"timestamp"`
}

// WSOrderEvent is an order lifecycle notification from the user channel.
type WSOrderEvent struct {
	EventType       string   `json:"event_type,omitempty"`
	ID              string   `json:"id"`     // order ID
	Market          string   `json:"market"` // condition ID
	AssetID         string   `json:"asset_id"`
	Side            string   `json:"side"`
	Price           string   `json:"price"`
	OriginalSize    string   `json:"original_size"`
	SizeMatched     string   `json:"size_matched"` // cumulative filled
	Outcome         string   `json:"outcome"`
	Owner           string   `json:"owner"` // API key
	Timestamp       string   `json:"timestamp"`
	Type            string   `json:"type"` // "PLACEMENT", "UPDATE", "CANCELLATION"
	AssociateTrades []string `json:"associate_trades"`
}

// WSSubscribeMsg is the initial subscription frame sent after connecting.
// For user channels, Auth must be provided.
type WSSubscribeMsg struct {
	Auth     *WSAuth  `json:"auth,omitempty"`       // required for user channel
	Type     string   `json:"type"`                 // "MARKET" or "USER"
	Markets  []string `json:"markets,omitempty"`    // condition IDs (user channel)
	AssetIDs []string `json:"assets_ids,omitempty"` // token IDs (market channel)
}

// WSAuth contains the L2 API credentials for the user channel.
type WSAuth struct {
	ApiKey     string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

// WSUpdateMsg mutates subscriptions on an established connection.
type WSUpdateMsg struct {
	AssetIDs  []string `json:"assets_ids,omitempty"` // token IDs (market channel)
	Markets   []string `json:"markets,omitempty"`    // condition IDs (user channel)
	Operation string   `json:"operation"`            // "subscribe" or "unsubscribe"
}
