// Package order tracks the full lifecycle of venue orders: validation,
// submission, state reconciliation from WebSocket, polling and chain
// sources, and per-order awaitable handles.
package order

import (
	"fmt"

	"github.com/shopspring/decimal"

	"polyarb/pkg/types"
)

// Venue minimums, replicated locally so invalid orders never reach REST.
const (
	minShares   = 5.0
	minNotional = 1.0
	maxBatch    = 15
)

// tickTolerance is how far off the 0.01 grid a price may sit before it is
// rejected. Expressed in cents (10^-3 in price terms).
var tickTolerance = decimal.NewFromFloat(0.1)

// ValidateLimit checks a limit order against the venue's price grid and
// minimum size rules.
func ValidateLimit(req types.LimitOrderRequest) error {
	price := decimal.NewFromFloat(req.Price)
	cents := price.Mul(decimal.NewFromInt(100))
	if cents.Sub(cents.Round(0)).Abs().GreaterThan(tickTolerance) {
		return fmt.Errorf("price %.4f is not a multiple of 0.01", req.Price)
	}
	if req.Price <= 0 || req.Price >= 1 {
		return fmt.Errorf("price %.4f outside (0, 1)", req.Price)
	}
	if req.Size < minShares {
		return fmt.Errorf("size %.2f below minimum %.0f shares", req.Size, minShares)
	}
	notional := decimal.NewFromFloat(req.Price).Mul(decimal.NewFromFloat(req.Size))
	if notional.LessThan(decimal.NewFromFloat(minNotional)) {
		f, _ := notional.Float64()
		return fmt.Errorf("notional $%.2f below minimum $%.0f", f, minNotional)
	}
	switch req.Kind {
	case types.KindGTC, types.KindGTD:
	default:
		return fmt.Errorf("limit order kind must be GTC or GTD, got %s", req.Kind)
	}
	if req.Kind == types.KindGTD && req.Expiration <= 0 {
		return fmt.Errorf("GTD order requires an expiration")
	}
	return nil
}

// ValidateMarket checks a market order's amount and time-in-force kind.
func ValidateMarket(req types.MarketOrderRequest) error {
	if req.Amount < minNotional {
		return fmt.Errorf("amount $%.2f below minimum $%.0f", req.Amount, minNotional)
	}
	if !req.Kind.IsMarket() {
		return fmt.Errorf("market order kind must be FOK or FAK, got %s", req.Kind)
	}
	return nil
}

// ValidateBatchSize rejects oversized batches wholesale before any
// per-order validation or submission happens.
func ValidateBatchSize(n int) error {
	if n > maxBatch {
		return fmt.Errorf("batch of %d exceeds the %d order limit", n, maxBatch)
	}
	if n == 0 {
		return fmt.Errorf("empty batch")
	}
	return nil
}
