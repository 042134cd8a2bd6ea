package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/oakline/orderflow/internal/broker"
	"github.com/oakline/orderflow/internal/queue"
	"github.com/oakline/orderflow/internal/queue/domain"
)

// Config holds the handler dependencies.
type Config struct {
	Logger      *slog.Logger
	Gateway     broker.Gateway
	Enforcement Enforcement
	Tradability Tradability
	Router      OrderRouter
	Status      StatusStore
	Decisions   DecisionEngine
	Universe    UniverseSyncer
	Orders      OrderStore
}

// Handlers bundles every job handler behind the engine's dispatch contract.
type Handlers struct {
	logger      *slog.Logger
	gateway     broker.Gateway
	enforcement Enforcement
	tradability Tradability
	router      OrderRouter
	status      StatusStore
	decisions   DecisionEngine
	universe    UniverseSyncer
	orders      OrderStore
}

// NewHandlers creates the handler set.
func NewHandlers(cfg *Config) *Handlers {
	return &Handlers{
		logger:      cfg.Logger,
		gateway:     cfg.Gateway,
		enforcement: cfg.Enforcement,
		tradability: cfg.Tradability,
		router:      cfg.Router,
		status:      cfg.Status,
		decisions:   cfg.Decisions,
		universe:    cfg.Universe,
		orders:      cfg.Orders,
	}
}

// RegisterAll installs every handler on the engine.
func (h *Handlers) RegisterAll(e *queue.Engine) {
	e.Register(domain.JobSubmitOrder, h.HandleSubmitOrder)
	e.Register(domain.JobCancelOrder, h.HandleCancelOrder)
	e.Register(domain.JobSyncOrders, h.HandleSyncOrders)
	e.Register(domain.JobClosePosition, h.HandleClosePosition)
	e.Register(domain.JobKillSwitch, h.HandleKillSwitch)
	e.Register(domain.JobEvaluateDecision, h.HandleEvaluateDecision)
	e.Register(domain.JobSyncAssetUniverse, h.HandleSyncAssetUniverse)
}

type submitResult struct {
	OrderID      string `json:"orderId"`
	Status       string `json:"status"`
	Deduplicated bool   `json:"deduplicated,omitempty"`
}

// HandleSubmitOrder runs the order submission pipeline. It is safe to run
// repeatedly for the same idempotency key: the derived client order id plus
// the broker-side duplicate check keep replays from creating a second venue
// order.
func (h *Handlers) HandleSubmitOrder(ctx context.Context, item *domain.WorkItem) (*queue.Outcome, error) {
	var p domain.SubmitOrderPayload
	if err := json.Unmarshal(item.Payload, &p); err != nil {
		return nil, domain.Reject("invalid_payload", "malformed submit payload: %v", err)
	}

	log := h.logger.With(
		slog.String("item_id", item.ItemID),
		slog.String("symbol", p.Symbol),
		slog.String("side", p.Side),
		slog.String("trace_id", p.TraceID),
	)

	// Kill-switch gate. Duplicated here on purpose: this is the last line of
	// defense even if a producer raced past an upstream check.
	status, err := h.status.GetStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read agent status: %w", err)
	}
	if status.KillSwitchActive {
		log.Warn("Order blocked", slog.String("reason", "kill switch active"))
		return nil, domain.Reject("kill_switch", "kill switch is active, order submission blocked")
	}

	// Eligibility gate. Sells are always permitted so positions can be closed.
	if p.Side == domain.SideBuy {
		eligibility, err := h.enforcement.CanTradeSymbol(ctx, p.Symbol, p.TraceID)
		if err != nil {
			return nil, fmt.Errorf("failed to check symbol eligibility: %w", err)
		}
		if !eligibility.Eligible {
			log.Warn("Order blocked", slog.String("reason", eligibility.Reason))
			return nil, domain.Reject("not_eligible", "symbol %s not approved for trading: %s", p.Symbol, eligibility.Reason)
		}
	}

	// Tradability gate.
	tradability, err := h.tradability.ValidateSymbolTradable(ctx, p.Symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to check tradability: %w", err)
	}
	if !tradability.Tradable {
		log.Warn("Order blocked", slog.String("reason", tradability.Reason))
		return nil, domain.Reject("not_tradable", "symbol %s is not tradable: %s", p.Symbol, tradability.Reason)
	}

	// Best-effort price fetch. A data outage degrades to a market order
	// instead of failing the job.
	var snap *broker.Snapshot
	snapshots, err := h.gateway.GetSnapshots(ctx, []string{p.Symbol})
	if err != nil {
		log.Warn("Price fetch failed, falling back to market order", slog.Any("error", err))
	} else if s, ok := snapshots[p.Symbol]; ok {
		snap = &s
	}

	routed, err := h.router.Transform(ctx, p, snap)
	if err != nil {
		return nil, fmt.Errorf("order router failed: %w", err)
	}
	for _, t := range routed.Transformations {
		log.Info("Order transformed", slog.String("transformation", t))
	}
	for _, w := range routed.Warnings {
		log.Warn("Order router warning", slog.String("warning", w))
	}

	// Client order id derivation: the first attempt reuses the idempotency
	// key so identical resubmission is a no-op at the venue; a classified
	// retry gets a distinguishable suffix.
	base := item.IdempotencyKey
	if base == "" {
		base = item.ItemID
	}
	clientOrderID := base
	if item.Attempts > 0 {
		clientOrderID = fmt.Sprintf("%s-r%d", base, item.Attempts)
	}

	// Broker-side duplicate check: a previous attempt may have reached the
	// venue before the process crashed or timed out.
	if existing, err := h.findExistingOrder(ctx, base); err != nil {
		return nil, fmt.Errorf("failed to check for existing orders: %w", err)
	} else if existing != nil {
		log.Info("Duplicate submission detected, adopting existing order",
			slog.String("broker_order_id", existing.ID),
			slog.String("client_order_id", existing.ClientOrderID),
		)
		if err := h.orders.UpsertOrder(ctx, *existing); err != nil {
			log.Error("Failed to persist adopted order record", slog.Any("error", err))
		}
		result, _ := json.Marshal(submitResult{OrderID: existing.ID, Status: existing.Status, Deduplicated: true})
		return &queue.Outcome{Result: result, BrokerOrderID: existing.ID}, nil
	}

	qty := p.Qty
	notional := p.Notional

	// Sell-side quantity validation: clamp to what the position can deliver.
	if p.Side == domain.SideSell {
		position, err := h.gateway.GetPosition(ctx, p.Symbol)
		if err != nil {
			if errors.Is(err, broker.ErrNoPosition) {
				log.Warn("Order blocked", slog.String("reason", "no position to sell"))
				return nil, domain.Reject("no_position", "no position in %s to sell", p.Symbol)
			}
			return nil, fmt.Errorf("failed to fetch position: %w", err)
		}
		if position.QtyAvailable <= 0 {
			log.Warn("Order blocked", slog.String("reason", "zero available quantity"))
			return nil, domain.Reject("no_position", "no available quantity in %s to sell", p.Symbol)
		}
		if qty <= 0 && notional > 0 {
			// Convert notional sells to quantity so clamping applies.
			if price := snapPrice(snap); price > 0 {
				qty = notional / price
				notional = 0
			}
		}
		if qty > position.QtyAvailable {
			log.Info("Sell quantity clamped",
				slog.Float64("requested", qty),
				slog.Float64("available", position.QtyAvailable),
			)
			qty = position.QtyAvailable
		}
		if routed.ExtendedHours {
			// Fractional shares are not eligible for extended-hours trading.
			floored := math.Floor(qty)
			if floored <= 0 {
				log.Warn("Order blocked", slog.String("reason", "fractional quantity in extended hours"))
				return nil, domain.Reject("fractional_extended_hours",
					"sell of %.4f %s floors to zero whole shares in extended hours", qty, p.Symbol)
			}
			if floored != qty {
				log.Info("Sell quantity floored for extended hours",
					slog.Float64("requested", qty),
					slog.Float64("floored", floored),
				)
				qty = floored
			}
		}
	}

	// Buy-side notional validation: extended-hours venues require whole-share buys.
	if p.Side == domain.SideBuy && routed.ExtendedHours && notional > 0 {
		if price := snapPrice(snap); price > 0 && notional < price {
			log.Warn("Order blocked",
				slog.String("reason", "notional below one share in extended hours"),
				slog.Float64("notional", notional),
				slog.Float64("price", price),
			)
			return nil, domain.Reject("notional_too_small",
				"notional %.2f buys less than one share of %s at %.2f in extended hours", notional, p.Symbol, price)
		}
	}

	req := broker.OrderRequest{
		Symbol:        p.Symbol,
		Side:          p.Side,
		Qty:           qty,
		Notional:      notional,
		Type:          routed.Type,
		TimeInForce:   routed.TimeInForce,
		LimitPrice:    routed.LimitPrice,
		StopPrice:     p.StopPrice,
		ExtendedHours: routed.ExtendedHours,
		OrderClass:    routed.OrderClass,
		TakeProfit:    routed.TakeProfitLimitPrice,
		StopLoss:      routed.StopLossStopPrice,
		ClientOrderID: clientOrderID,
	}

	order, err := h.gateway.CreateOrder(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("order submission failed: %w", err)
	}

	if err := h.orders.UpsertOrder(ctx, *order); err != nil {
		// The venue accepted the order; a local record failure must not fail
		// the job, or a retry would race the duplicate guard for nothing.
		log.Error("Failed to persist order record", slog.Any("error", err))
	}

	log.Info("Order submitted",
		slog.String("broker_order_id", order.ID),
		slog.String("status", order.Status),
		slog.Float64("qty", qty),
		slog.Float64("notional", notional),
		slog.String("session", routed.Session),
	)

	result, _ := json.Marshal(submitResult{OrderID: order.ID, Status: order.Status})
	return &queue.Outcome{Result: result, BrokerOrderID: order.ID}, nil
}

// findExistingOrder scans recent open and closed venue orders for one whose
// client order id descends from base (the exact id or a retry-suffixed one).
func (h *Handlers) findExistingOrder(ctx context.Context, base string) (*broker.Order, error) {
	for _, scope := range []broker.OrderScope{broker.ScopeOpen, broker.ScopeClosed} {
		orders, err := h.gateway.GetOrders(ctx, scope, 100)
		if err != nil {
			return nil, err
		}
		for i := range orders {
			if orders[i].ClientOrderID == base || strings.HasPrefix(orders[i].ClientOrderID, base+"-r") {
				return &orders[i], nil
			}
		}
	}
	return nil, nil
}

func snapPrice(snap *broker.Snapshot) float64 {
	if snap == nil {
		return 0
	}
	return snap.Price()
}
