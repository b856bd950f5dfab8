// Package exchange implements the CLOB REST client and authentication.
//
// The REST client (Client) covers the order operations the lifecycle engine
// consumes:
//   - SubmitLimitOrder:  POST /order           — place one signed GTC/GTD order
//   - SubmitMarketOrder: POST /order           — place one signed FOK/FAK order
//   - SubmitBatch:       POST /orders          — batch-place up to 15 orders
//   - CancelOrder:       DELETE /order         — cancel one order by ID
//   - CancelAll:         DELETE /cancel-all    — emergency cancel everything
//   - GetOrder:          GET  /data/order/{id} — poll one order's REST state
//   - GetBook:           GET  /book            — fetch L2 book for a token
//   - GetTickSize:       GET  /tick-size       — price granularity for a token
//   - GetNegRiskFlag:    GET  /neg-risk        — exchange contract selection
//   - DeriveAPIKey:      GET  /auth/derive-api-key — bootstrap L2 creds
//
// Every request is rate-limited via per-category TokenBuckets, automatically
// retried on 5xx errors, and authenticated with L2 HMAC headers (except
// public reads).
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"

	"polyarb/internal/config"
	"polyarb/pkg/types"
)

// Client is the CLOB REST API client. It wraps a resty HTTP client with
// rate limiting, retry, and auth.
type Client struct {
	http   *resty.Client
	auth   *Auth
	rl     *RateLimiter
	dryRun bool
	drySeq atomic.Int64 // synthetic order IDs in dry-run mode
	logger *slog.Logger
}

// NewClient creates a REST client with rate limiting and retry.
func NewClient(cfg config.Config, auth *Auth, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.API.CLOBBaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:   httpClient,
		auth:   auth,
		rl:     NewRateLimiter(),
		dryRun: cfg.DryRun,
		logger: logger.With("component", "clob"),
	}
}

// SubmitLimitOrder signs and places one GTC/GTD order. Size is in shares.
func (c *Client) SubmitLimitOrder(ctx context.Context, req types.LimitOrderRequest) (*types.OrderResponse, error) {
	payload, err := c.buildPayload(req.TokenID, req.Side, req.Price, req.Size, req.Expiration, req.Kind, req.TickSize, req.NegRisk)
	if err != nil {
		return nil, err
	}
	return c.postOrder(ctx, payload)
}

// SubmitMarketOrder signs and places one FOK/FAK order. For BUY, Amount is
// in quote currency and is converted to shares at the worst acceptable
// price; for SELL, Amount is already in shares.
func (c *Client) SubmitMarketOrder(ctx context.Context, req types.MarketOrderRequest) (*types.OrderResponse, error) {
	size := req.Amount
	if req.Side == types.BUY {
		size = marketOrderShares(req.Amount, req.Price)
		if size <= 0 {
			return nil, fmt.Errorf("market buy: no shares at price %.4f for $%.2f", req.Price, req.Amount)
		}
	}
	payload, err := c.buildPayload(req.TokenID, req.Side, req.Price, size, 0, req.Kind, req.TickSize, req.NegRisk)
	if err != nil {
		return nil, err
	}
	return c.postOrder(ctx, payload)
}

// SubmitBatch places up to 15 limit orders in one request. The server
// returns one response per order in submission order.
func (c *Client) SubmitBatch(ctx context.Context, reqs []types.LimitOrderRequest) ([]types.OrderResponse, error) {
	if len(reqs) == 0 {
		return nil, nil
	}
	if len(reqs) > 15 {
		return nil, fmt.Errorf("batch limit is 15 orders, got %d", len(reqs))
	}
	if c.dryRun {
		c.logger.Info("DRY-RUN: would post batch", "count", len(reqs))
		results := make([]types.OrderResponse, len(reqs))
		for i := range reqs {
			results[i] = types.OrderResponse{Success: true, OrderID: c.nextDryRunID(), Status: "live"}
		}
		return results, nil
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return nil, err
	}

	payloads := make([]types.OrderPayload, len(reqs))
	for i, req := range reqs {
		p, err := c.buildPayload(req.TokenID, req.Side, req.Price, req.Size, req.Expiration, req.Kind, req.TickSize, req.NegRisk)
		if err != nil {
			return nil, fmt.Errorf("order %d: %w", i, err)
		}
		payloads[i] = p
	}

	body, err := json.Marshal(payloads)
	if err != nil {
		return nil, fmt.Errorf("marshal orders: %w", err)
	}
	headers, err := c.auth.L2Headers("POST", "/orders", string(body))
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	var results []types.OrderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		SetResult(&results).
		Post("/orders")
	if err != nil {
		return nil, fmt.Errorf("post orders: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("post orders: status %d: %s", resp.StatusCode(), resp.String())
	}
	return results, nil
}

// buildPayload signs the order and wraps it with owner and order-type
// metadata for the REST API.
func (c *Client) buildPayload(tokenID string, side types.Side, price, size float64, expiration int64, kind types.OrderKind, tick types.TickSize, negRisk bool) (types.OrderPayload, error) {
	order, err := c.auth.BuildOrder(tokenID, side, price, size, expiration, tick, negRisk)
	if err != nil {
		return types.OrderPayload{}, fmt.Errorf("build order: %w", err)
	}
	return types.OrderPayload{
		Order:     order,
		Owner:     c.auth.creds.ApiKey,
		OrderType: kind,
	}, nil
}

func (c *Client) postOrder(ctx context.Context, payload types.OrderPayload) (*types.OrderResponse, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would post order",
			"token", payload.Order.TokenID, "side", payload.Order.Side, "type", payload.OrderType)
		return &types.OrderResponse{Success: true, OrderID: c.nextDryRunID(), Status: "live"}, nil
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return nil, err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal order: %w", err)
	}
	headers, err := c.auth.L2Headers("POST", "/order", string(body))
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	var result types.OrderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		SetResult(&result).
		Post("/order")
	if err != nil {
		return nil, fmt.Errorf("post order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("post order: status %d: %s", resp.StatusCode(), resp.String())
	}
	return &result, nil
}

// CancelOrder cancels one order. Returns nil only if the venue confirms
// the ID in its canceled list.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel order", "order_id", orderID)
		return nil
	}
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return err
	}

	body := fmt.Sprintf(`{"orderID":%q}`, orderID)
	headers, err := c.auth.L2Headers("DELETE", "/order", body)
	if err != nil {
		return fmt.Errorf("l2 headers: %w", err)
	}

	var result types.CancelResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		SetResult(&result).
		Delete("/order")
	if err != nil {
		return fmt.Errorf("cancel order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("cancel order: status %d: %s", resp.StatusCode(), resp.String())
	}
	for _, id := range result.Canceled {
		if id == orderID {
			return nil
		}
	}
	if reason, ok := result.NotCanceled[orderID]; ok {
		return fmt.Errorf("cancel order %s: %s", orderID, reason)
	}
	return fmt.Errorf("cancel order %s: not confirmed", orderID)
}

// CancelAll cancels every open order across all markets.
func (c *Client) CancelAll(ctx context.Context) (*types.CancelResponse, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel all orders")
		return &types.CancelResponse{}, nil
	}
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return nil, err
	}

	headers, err := c.auth.L2Headers("DELETE", "/cancel-all", "")
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	var result types.CancelResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Delete("/cancel-all")
	if err != nil {
		return nil, fmt.Errorf("cancel all: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("cancel all: status %d: %s", resp.StatusCode(), resp.String())
	}

	c.logger.Warn("all orders cancelled", "count", len(result.Canceled))
	return &result, nil
}

// GetOrder fetches the REST view of one order for the polling channel.
func (c *Client) GetOrder(ctx context.Context, orderID string) (*types.OpenOrder, error) {
	if err := c.rl.Book.Wait(ctx); err != nil {
		return nil, err
	}

	path := "/data/order/" + orderID
	headers, err := c.auth.L2Headers("GET", path, "")
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	var result types.OpenOrder
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Get(path)
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get order: status %d: %s", resp.StatusCode(), resp.String())
	}
	return &result, nil
}

// GetBook fetches the order book for a single token.
func (c *Client) GetBook(ctx context.Context, tokenID string) (*types.BookResponse, error) {
	if err := c.rl.Book.Wait(ctx); err != nil {
		return nil, err
	}

	var result types.BookResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("token_id", tokenID).
		SetResult(&result).
		Get("/book")
	if err != nil {
		return nil, fmt.Errorf("get book: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get book: status %d: %s", resp.StatusCode(), resp.String())
	}
	return &result, nil
}

// GetTickSize returns the price granularity for a token.
func (c *Client) GetTickSize(ctx context.Context, tokenID string) (types.TickSize, error) {
	if err := c.rl.Book.Wait(ctx); err != nil {
		return "", err
	}

	var result struct {
		MinimumTickSize json.Number `json:"minimum_tick_size"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("token_id", tokenID).
		SetResult(&result).
		Get("/tick-size")
	if err != nil {
		return "", fmt.Errorf("get tick size: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("get tick size: status %d: %s", resp.StatusCode(), resp.String())
	}

	switch result.MinimumTickSize.String() {
	case "0.1":
		return types.Tick01, nil
	case "0.001":
		return types.Tick0001, nil
	case "0.0001":
		return types.Tick00001, nil
	default:
		return types.Tick001, nil
	}
}

// GetNegRiskFlag reports whether a token trades on the neg-risk exchange.
func (c *Client) GetNegRiskFlag(ctx context.Context, tokenID string) (bool, error) {
	if err := c.rl.Book.Wait(ctx); err != nil {
		return false, err
	}

	var result struct {
		NegRisk bool `json:"neg_risk"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("token_id", tokenID).
		SetResult(&result).
		Get("/neg-risk")
	if err != nil {
		return false, fmt.Errorf("get neg risk: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return false, fmt.Errorf("get neg risk: status %d: %s", resp.StatusCode(), resp.String())
	}
	return result.NegRisk, nil
}

// DeriveAPIKey derives L2 API credentials via L1 authentication.
func (c *Client) DeriveAPIKey(ctx context.Context) (*Credentials, error) {
	headers, err := c.auth.L1Headers(0)
	if err != nil {
		return nil, fmt.Errorf("l1 headers: %w", err)
	}

	var result Credentials
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Get("/auth/derive-api-key")
	if err != nil {
		return nil, fmt.Errorf("derive api key: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("derive api key: status %d: %s", resp.StatusCode(), resp.String())
	}

	c.auth.SetCredentials(result)
	c.logger.Info("API key derived", "api_key", result.ApiKey)
	return &result, nil
}

func (c *Client) nextDryRunID() string {
	return fmt.Sprintf("dry-run-%d", c.drySeq.Add(1))
}
