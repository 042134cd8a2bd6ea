package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/oakline/orderflow/internal/broker"
	"github.com/oakline/orderflow/internal/queue"
	"github.com/oakline/orderflow/internal/queue/domain"
)

// HandleCancelOrder cancels one broker order.
func (h *Handlers) HandleCancelOrder(ctx context.Context, item *domain.WorkItem) (*queue.Outcome, error) {
	var p domain.CancelOrderPayload
	if err := json.Unmarshal(item.Payload, &p); err != nil {
		return nil, domain.Reject("invalid_payload", "malformed cancel payload: %v", err)
	}
	if p.OrderID == "" {
		return nil, domain.Reject("missing_order_id", "cancel requires an orderId")
	}

	if err := h.gateway.CancelOrder(ctx, p.OrderID); err != nil {
		return nil, fmt.Errorf("failed to cancel order %s: %w", p.OrderID, err)
	}

	h.logger.Info("Order canceled",
		slog.String("item_id", item.ItemID),
		slog.String("broker_order_id", p.OrderID),
	)

	result, _ := json.Marshal(map[string]string{"canceled": p.OrderID})
	return &queue.Outcome{Result: result, BrokerOrderID: p.OrderID}, nil
}

type syncOrdersResult struct {
	Synced       int `json:"synced"`
	FillsCreated int `json:"fillsCreated"`
	Errors       int `json:"errors"`
}

// HandleSyncOrders pulls open and recently closed venue orders, upserts local
// records, and synthesizes fill records for filled quantity we have no local
// fill for. One order's sync error never aborts the batch.
func (h *Handlers) HandleSyncOrders(ctx context.Context, item *domain.WorkItem) (*queue.Outcome, error) {
	var res syncOrdersResult

	for _, scope := range []broker.OrderScope{broker.ScopeOpen, broker.ScopeClosed} {
		orders, err := h.gateway.GetOrders(ctx, scope, 100)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch %s orders: %w", scope, err)
		}

		for _, order := range orders {
			if err := h.syncOrder(ctx, order, &res); err != nil {
				res.Errors++
				h.logger.Error("Order sync failed, continuing batch",
					slog.String("item_id", item.ItemID),
					slog.String("broker_order_id", order.ID),
					slog.Any("error", err),
				)
			}
		}
	}

	h.logger.Info("Orders synced",
		slog.String("item_id", item.ItemID),
		slog.Int("synced", res.Synced),
		slog.Int("fills_created", res.FillsCreated),
		slog.Int("errors", res.Errors),
	)

	result, _ := json.Marshal(res)
	return &queue.Outcome{Result: result}, nil
}

func (h *Handlers) syncOrder(ctx context.Context, order broker.Order, res *syncOrdersResult) error {
	if err := h.orders.UpsertOrder(ctx, order); err != nil {
		return err
	}
	res.Synced++

	if order.FilledQty <= 0 {
		return nil
	}
	hasFill, err := h.orders.HasFill(ctx, order.ID)
	if err != nil {
		return err
	}
	if hasFill {
		return nil
	}

	fill := Fill{
		FillID:   uuid.New().String(),
		OrderID:  order.ID,
		Symbol:   order.Symbol,
		Side:     order.Side,
		Qty:      order.FilledQty,
		Price:    order.FilledAvgPx,
		FilledAt: order.UpdatedAt,
	}
	if err := h.orders.CreateFill(ctx, fill); err != nil {
		return err
	}
	res.FillsCreated++
	return nil
}

// HandleClosePosition liquidates one position in full.
func (h *Handlers) HandleClosePosition(ctx context.Context, item *domain.WorkItem) (*queue.Outcome, error) {
	var p domain.ClosePositionPayload
	if err := json.Unmarshal(item.Payload, &p); err != nil {
		return nil, domain.Reject("invalid_payload", "malformed close payload: %v", err)
	}

	if _, err := h.gateway.GetPosition(ctx, p.Symbol); err != nil {
		if errors.Is(err, broker.ErrNoPosition) {
			return nil, domain.Reject("no_position", "no position in %s to close", p.Symbol)
		}
		return nil, fmt.Errorf("failed to fetch position: %w", err)
	}

	if err := h.gateway.ClosePosition(ctx, p.Symbol); err != nil {
		return nil, fmt.Errorf("failed to close position %s: %w", p.Symbol, err)
	}

	h.logger.Info("Position closed",
		slog.String("item_id", item.ItemID),
		slog.String("symbol", p.Symbol),
	)

	result, _ := json.Marshal(map[string]string{"closed": p.Symbol})
	return &queue.Outcome{Result: result}, nil
}

type killSwitchResult struct {
	KillSwitchActive bool `json:"killSwitchActive"`
	OrdersCanceled   bool `json:"ordersCanceled"`
	PositionsClosed  int  `json:"positionsClosed"`
	CloseErrors      int  `json:"closeErrors"`
}

// HandleKillSwitch activates the emergency stop: persist the flag first so
// the submit gate closes, then cancel all orders and optionally flatten
// positions, tolerating individual close failures.
func (h *Handlers) HandleKillSwitch(ctx context.Context, item *domain.WorkItem) (*queue.Outcome, error) {
	var p domain.KillSwitchPayload
	if err := json.Unmarshal(item.Payload, &p); err != nil {
		return nil, domain.Reject("invalid_payload", "malformed kill switch payload: %v", err)
	}

	status := AgentStatus{
		KillSwitchActive: true,
		Reason:           "kill switch engaged",
		UpdatedAt:        time.Now().UTC(),
	}
	if err := h.status.SetStatus(ctx, status); err != nil {
		return nil, fmt.Errorf("failed to persist kill switch flag: %w", err)
	}

	if err := h.gateway.CancelAllOrders(ctx); err != nil {
		return nil, fmt.Errorf("failed to cancel all orders: %w", err)
	}

	res := killSwitchResult{KillSwitchActive: true, OrdersCanceled: true}

	if p.ClosePositions {
		positions, err := h.gateway.GetPositions(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list positions: %w", err)
		}
		for _, position := range positions {
			if err := h.gateway.ClosePosition(ctx, position.Symbol); err != nil {
				res.CloseErrors++
				h.logger.Error("Failed to close position during kill switch, continuing",
					slog.String("item_id", item.ItemID),
					slog.String("symbol", position.Symbol),
					slog.Any("error", err),
				)
				continue
			}
			res.PositionsClosed++
		}
	}

	h.logger.Warn("Kill switch engaged",
		slog.String("item_id", item.ItemID),
		slog.Bool("close_positions", p.ClosePositions),
		slog.Int("positions_closed", res.PositionsClosed),
		slog.Int("close_errors", res.CloseErrors),
	)

	result, _ := json.Marshal(res)
	return &queue.Outcome{Result: result}, nil
}

// HandleEvaluateDecision delegates to the external decision engine and stores
// its verdict as the item result.
func (h *Handlers) HandleEvaluateDecision(ctx context.Context, item *domain.WorkItem) (*queue.Outcome, error) {
	var p domain.EvaluateDecisionPayload
	if err := json.Unmarshal(item.Payload, &p); err != nil {
		return nil, domain.Reject("invalid_payload", "malformed decision payload: %v", err)
	}

	verdict, err := h.decisions.EvaluateDecision(ctx, p.TraceID)
	if err != nil {
		return nil, fmt.Errorf("decision evaluation failed: %w", err)
	}
	return &queue.Outcome{Result: verdict}, nil
}

// HandleSyncAssetUniverse refreshes the tradable universe. Internal errors
// from the syncer fail the job so it retries on the slow universe backoff.
func (h *Handlers) HandleSyncAssetUniverse(ctx context.Context, item *domain.WorkItem) (*queue.Outcome, error) {
	var p domain.SyncPayload
	if err := json.Unmarshal(item.Payload, &p); err != nil {
		return nil, domain.Reject("invalid_payload", "malformed sync payload: %v", err)
	}

	report, err := h.universe.SyncUniverse(ctx, p.AssetClass)
	if err != nil {
		return nil, fmt.Errorf("universe sync failed: %w", err)
	}
	if len(report.Errors) > 0 {
		return nil, fmt.Errorf("universe sync reported %d errors: %s", len(report.Errors), report.Errors[0])
	}

	h.logger.Info("Asset universe synced",
		slog.String("item_id", item.ItemID),
		slog.String("asset_class", p.AssetClass),
		slog.Int("synced", report.Synced),
	)

	result, _ := json.Marshal(report)
	return &queue.Outcome{Result: result}, nil
}
