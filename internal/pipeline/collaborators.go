// Package pipeline implements the job handlers dispatched by the work queue
// engine, including the order submission pipeline.
package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oakline/orderflow/internal/broker"
	"github.com/oakline/orderflow/internal/queue/domain"
)

// EligibilityResult is the trading-enforcement verdict for one symbol.
type EligibilityResult struct {
	Eligible bool   `json:"eligible"`
	Reason   string `json:"reason,omitempty"`
}

// Enforcement decides whether the platform is currently allowed to open a
// position in a symbol.
type Enforcement interface {
	CanTradeSymbol(ctx context.Context, symbol, traceID string) (EligibilityResult, error)
}

// TradabilityResult is the broker-universe verdict for one symbol.
type TradabilityResult struct {
	Tradable bool   `json:"tradable"`
	Reason   string `json:"reason,omitempty"`
}

// Tradability checks broker-universe membership and the price floor.
type Tradability interface {
	ValidateSymbolTradable(ctx context.Context, symbol string) (TradabilityResult, error)
}

// RoutedOrder is the smart order router's corrected order. The router's job
// is to make the order acceptable to the venue, not to reject it.
type RoutedOrder struct {
	Type                 string
	TimeInForce          string
	LimitPrice           float64
	ExtendedHours        bool
	OrderClass           string
	TakeProfitLimitPrice float64
	StopLossStopPrice    float64
	Session              string
	Transformations      []string
	Warnings             []string
}

// OrderRouter rewrites an order intent against current market data.
type OrderRouter interface {
	Transform(ctx context.Context, intent domain.SubmitOrderPayload, snap *broker.Snapshot) (RoutedOrder, error)
}

// AgentStatus is the global trading-agent state. KillSwitchActive is the flag
// the submit pipeline's first gate reads.
type AgentStatus struct {
	KillSwitchActive bool      `json:"kill_switch_active"`
	Reason           string    `json:"reason,omitempty"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// StatusStore persists the agent status.
type StatusStore interface {
	GetStatus(ctx context.Context) (AgentStatus, error)
	SetStatus(ctx context.Context, status AgentStatus) error
}

// DecisionEngine is the external decision service behind EVALUATE_DECISION.
type DecisionEngine interface {
	EvaluateDecision(ctx context.Context, traceID string) (json.RawMessage, error)
}

// UniverseSyncReport summarizes one asset-universe sync pass.
type UniverseSyncReport struct {
	Synced int      `json:"synced"`
	Errors []string `json:"errors,omitempty"`
}

// UniverseSyncer refreshes the tradable-asset universe.
type UniverseSyncer interface {
	SyncUniverse(ctx context.Context, assetClass string) (UniverseSyncReport, error)
}

// Fill is a locally recorded execution.
type Fill struct {
	FillID   string    `db:"fill_id"`
	OrderID  string    `db:"order_id"`
	Symbol   string    `db:"symbol"`
	Side     string    `db:"side"`
	Qty      float64   `db:"qty"`
	Price    float64   `db:"price"`
	FilledAt time.Time `db:"filled_at"`
}

// OrderStore persists broker order records and synthesized fills.
type OrderStore interface {
	UpsertOrder(ctx context.Context, order broker.Order) error
	HasFill(ctx context.Context, orderID string) (bool, error)
	CreateFill(ctx context.Context, fill Fill) error
}
