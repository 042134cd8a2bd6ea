// Package broker defines the trading-venue gateway consumed by the job
// handlers, plus a thin REST client and a rate-limited decorator.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// OrderScope selects which orders GetOrders returns.
type OrderScope string

const (
	ScopeOpen   OrderScope = "open"
	ScopeClosed OrderScope = "closed"
)

// OrderRequest is the final, validated submission sent to the venue.
type OrderRequest struct {
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	Qty           float64 `json:"qty,omitempty"`
	Notional      float64 `json:"notional,omitempty"`
	Type          string  `json:"type"`
	TimeInForce   string  `json:"time_in_force"`
	LimitPrice    float64 `json:"limit_price,omitempty"`
	StopPrice     float64 `json:"stop_price,omitempty"`
	ExtendedHours bool    `json:"extended_hours,omitempty"`
	OrderClass    string  `json:"order_class,omitempty"`
	TakeProfit    float64 `json:"-"`
	StopLoss      float64 `json:"-"`
	ClientOrderID string  `json:"client_order_id"`
}

// Order is the venue's view of an order.
type Order struct {
	ID            string    `json:"id"`
	ClientOrderID string    `json:"client_order_id"`
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"`
	Type          string    `json:"type"`
	Qty           float64   `json:"qty,string"`
	FilledQty     float64   `json:"filled_qty,string"`
	FilledAvgPx   float64   `json:"filled_avg_price,string"`
	LimitPrice    float64   `json:"limit_price,string"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Position is a live holding at the venue.
type Position struct {
	Symbol       string  `json:"symbol"`
	Qty          float64 `json:"qty,string"`
	QtyAvailable float64 `json:"qty_available,string"`
	AvgEntryPx   float64 `json:"avg_entry_price,string"`
	MarketValue  float64 `json:"market_value,string"`
}

// Snapshot is a best-effort quote for one symbol.
type Snapshot struct {
	Symbol string
	Bid    float64
	Ask    float64
	Last   float64
}

// Price returns the most useful reference price in the snapshot, preferring
// the midpoint when both sides of the book are present.
func (s Snapshot) Price() float64 {
	if s.Bid > 0 && s.Ask > 0 {
		return (s.Bid + s.Ask) / 2
	}
	if s.Last > 0 {
		return s.Last
	}
	if s.Ask > 0 {
		return s.Ask
	}
	return s.Bid
}

// ErrNoPosition is returned when a position lookup finds nothing.
var ErrNoPosition = errors.New("no position for symbol")

// APIError carries the venue's HTTP status so the classifier can separate
// client rejections from venue outages without string matching.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("broker: status %d: %s", e.StatusCode, e.Message)
}

// Gateway is the single venue connector the platform talks to.
type Gateway interface {
	CreateOrder(ctx context.Context, req OrderRequest) (*Order, error)
	CancelOrder(ctx context.Context, orderID string) error
	CancelAllOrders(ctx context.Context) error
	GetOrders(ctx context.Context, scope OrderScope, limit int) ([]Order, error)
	GetPositions(ctx context.Context) ([]Position, error)
	GetPosition(ctx context.Context, symbol string) (*Position, error)
	ClosePosition(ctx context.Context, symbol string) error
	GetSnapshots(ctx context.Context, symbols []string) (map[string]Snapshot, error)
}
