package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Config holds REST client configuration.
type Config struct {
	BaseURL     string        // trading API, e.g. https://paper-api.example.com
	DataBaseURL string        // market data API
	APIKeyID    string
	APISecret   string
	Timeout     time.Duration // per-request timeout enforced by the HTTP client
}

// Client is a JSON REST client implementing Gateway against the venue API.
type Client struct {
	config *Config
	http   *http.Client
	logger *slog.Logger
}

// NewClient creates a venue REST client.
func NewClient(config *Config, logger *slog.Logger) *Client {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		config: config,
		http:   &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// do performs one request and decodes the response into out (when non-nil).
// Non-2xx responses become *APIError so callers can classify by status code.
func (c *Client) do(ctx context.Context, method, rawURL string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("APCA-API-KEY-ID", c.config.APIKeyID)
	req.Header.Set("APCA-API-SECRET-KEY", c.config.APISecret)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("broker request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.logger.Warn("Broker API error",
			slog.String("method", method),
			slog.String("url", rawURL),
			slog.Int("status", resp.StatusCode),
		)
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode broker response: %w", err)
	}
	return nil
}

// CreateOrder submits an order. The request carries the derived client order
// id, which makes identical resubmissions a no-op at the venue.
func (c *Client) CreateOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	payload := map[string]any{
		"symbol":          req.Symbol,
		"side":            req.Side,
		"type":            req.Type,
		"time_in_force":   req.TimeInForce,
		"client_order_id": req.ClientOrderID,
	}
	if req.Qty > 0 {
		payload["qty"] = fmt.Sprintf("%g", req.Qty)
	}
	if req.Notional > 0 {
		payload["notional"] = fmt.Sprintf("%g", req.Notional)
	}
	if req.LimitPrice > 0 {
		payload["limit_price"] = fmt.Sprintf("%g", req.LimitPrice)
	}
	if req.StopPrice > 0 {
		payload["stop_price"] = fmt.Sprintf("%g", req.StopPrice)
	}
	if req.ExtendedHours {
		payload["extended_hours"] = true
	}
	if req.OrderClass != "" {
		payload["order_class"] = req.OrderClass
	}
	if req.TakeProfit > 0 {
		payload["take_profit"] = map[string]string{"limit_price": fmt.Sprintf("%g", req.TakeProfit)}
	}
	if req.StopLoss > 0 {
		payload["stop_loss"] = map[string]string{"stop_price": fmt.Sprintf("%g", req.StopLoss)}
	}

	var order Order
	if err := c.do(ctx, http.MethodPost, c.config.BaseURL+"/v2/orders", payload, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// CancelOrder cancels one order by venue order id.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	return c.do(ctx, http.MethodDelete, c.config.BaseURL+"/v2/orders/"+url.PathEscape(orderID), nil, nil)
}

// CancelAllOrders cancels every open order.
func (c *Client) CancelAllOrders(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, c.config.BaseURL+"/v2/orders", nil, nil)
}

// GetOrders lists orders in the given scope, newest first.
func (c *Client) GetOrders(ctx context.Context, scope OrderScope, limit int) ([]Order, error) {
	if limit <= 0 {
		limit = 100
	}
	q := url.Values{}
	q.Set("status", string(scope))
	q.Set("limit", fmt.Sprintf("%d", limit))
	q.Set("direction", "desc")

	var orders []Order
	if err := c.do(ctx, http.MethodGet, c.config.BaseURL+"/v2/orders?"+q.Encode(), nil, &orders); err != nil {
		return nil, err
	}
	return orders, nil
}

// GetPositions lists all open positions.
func (c *Client) GetPositions(ctx context.Context) ([]Position, error) {
	var positions []Position
	if err := c.do(ctx, http.MethodGet, c.config.BaseURL+"/v2/positions", nil, &positions); err != nil {
		return nil, err
	}
	return positions, nil
}

// GetPosition returns the position for one symbol, or ErrNoPosition.
func (c *Client) GetPosition(ctx context.Context, symbol string) (*Position, error) {
	var position Position
	err := c.do(ctx, http.MethodGet, c.config.BaseURL+"/v2/positions/"+url.PathEscape(symbol), nil, &position)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil, ErrNoPosition
		}
		return nil, err
	}
	return &position, nil
}

// ClosePosition liquidates the full position for one symbol.
func (c *Client) ClosePosition(ctx context.Context, symbol string) error {
	return c.do(ctx, http.MethodDelete, c.config.BaseURL+"/v2/positions/"+url.PathEscape(symbol), nil, nil)
}

type snapshotEntry struct {
	LatestQuote *struct {
		Bid float64 `json:"bp"`
		Ask float64 `json:"ap"`
	} `json:"latestQuote"`
	LatestTrade *struct {
		Price float64 `json:"p"`
	} `json:"latestTrade"`
}

// GetSnapshots fetches quotes for the given symbols. Crypto pairs (slash in
// the symbol) take the crypto data path; everything else the equities path.
func (c *Client) GetSnapshots(ctx context.Context, symbols []string) (map[string]Snapshot, error) {
	result := make(map[string]Snapshot, len(symbols))
	var equities, crypto []string
	for _, s := range symbols {
		if strings.Contains(s, "/") {
			crypto = append(crypto, s)
		} else {
			equities = append(equities, s)
		}
	}

	fetch := func(rawURL string) error {
		var body struct {
			Snapshots map[string]snapshotEntry `json:"snapshots"`
		}
		if err := c.do(ctx, http.MethodGet, rawURL, nil, &body); err != nil {
			return err
		}
		for sym, entry := range body.Snapshots {
			snap := Snapshot{Symbol: sym}
			if entry.LatestQuote != nil {
				snap.Bid = entry.LatestQuote.Bid
				snap.Ask = entry.LatestQuote.Ask
			}
			if entry.LatestTrade != nil {
				snap.Last = entry.LatestTrade.Price
			}
			result[sym] = snap
		}
		return nil
	}

	if len(equities) > 0 {
		q := url.Values{"symbols": {strings.Join(equities, ",")}}
		if err := fetch(c.config.DataBaseURL + "/v2/stocks/snapshots?" + q.Encode()); err != nil {
			return nil, err
		}
	}
	if len(crypto) > 0 {
		q := url.Values{"symbols": {strings.Join(crypto, ",")}}
		if err := fetch(c.config.DataBaseURL + "/v1beta3/crypto/us/snapshots?" + q.Encode()); err != nil {
			return nil, err
		}
	}
	return result, nil
}
