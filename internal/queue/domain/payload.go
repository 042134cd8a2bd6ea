package domain

import (
	"encoding/json"
	"fmt"
)

// Order sides accepted by the submit pipeline.
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// SubmitOrderPayload carries an order intent. Quantity and notional are
// mutually exclusive; the broker derives whichever is absent.
type SubmitOrderPayload struct {
	Symbol        string          `json:"symbol"`
	Side          string          `json:"side"`
	Qty           float64         `json:"qty,omitempty"`
	Notional      float64         `json:"notional,omitempty"`
	Type          string          `json:"type"`
	TimeInForce   string          `json:"time_in_force"`
	LimitPrice    float64         `json:"limit_price,omitempty"`
	StopPrice     float64         `json:"stop_price,omitempty"`
	ExtendedHours bool            `json:"extended_hours,omitempty"`
	OrderClass    string          `json:"order_class,omitempty"`
	TakeProfit    *TakeProfitSpec `json:"take_profit,omitempty"`
	StopLoss      *StopLossSpec   `json:"stop_loss,omitempty"`
	TraceID       string          `json:"traceId,omitempty"`
}

// TakeProfitSpec is the bracket take-profit leg.
type TakeProfitSpec struct {
	LimitPrice float64 `json:"limit_price"`
}

// StopLossSpec is the bracket stop-loss leg.
type StopLossSpec struct {
	StopPrice float64 `json:"stop_price"`
}

func (p *SubmitOrderPayload) validate() error {
	if p.Symbol == "" {
		return fmt.Errorf("%w: symbol is required", ErrInvalidPayload)
	}
	if p.Side != SideBuy && p.Side != SideSell {
		return fmt.Errorf("%w: side must be %q or %q", ErrInvalidPayload, SideBuy, SideSell)
	}
	if p.Qty <= 0 && p.Notional <= 0 {
		return fmt.Errorf("%w: qty or notional is required", ErrInvalidPayload)
	}
	if p.Qty > 0 && p.Notional > 0 {
		return fmt.Errorf("%w: qty and notional are mutually exclusive", ErrInvalidPayload)
	}
	if p.Type == "" {
		return fmt.Errorf("%w: order type is required", ErrInvalidPayload)
	}
	return nil
}

// CancelOrderPayload identifies a broker order to cancel.
type CancelOrderPayload struct {
	OrderID string `json:"orderId"`
	TraceID string `json:"traceId,omitempty"`
}

func (p *CancelOrderPayload) validate() error {
	if p.OrderID == "" {
		return fmt.Errorf("%w: orderId is required", ErrInvalidPayload)
	}
	return nil
}

// SyncPayload is shared by SYNC_ORDERS and SYNC_ASSET_UNIVERSE.
type SyncPayload struct {
	TraceID    string `json:"traceId,omitempty"`
	AssetClass string `json:"assetClass,omitempty"`
}

// KillSwitchPayload configures the emergency stop.
type KillSwitchPayload struct {
	ClosePositions bool   `json:"closePositions,omitempty"`
	TraceID        string `json:"traceId,omitempty"`
}

// ClosePositionPayload identifies a position to liquidate.
type ClosePositionPayload struct {
	Symbol  string `json:"symbol"`
	TraceID string `json:"traceId,omitempty"`
}

func (p *ClosePositionPayload) validate() error {
	if p.Symbol == "" {
		return fmt.Errorf("%w: symbol is required", ErrInvalidPayload)
	}
	return nil
}

// EvaluateDecisionPayload triggers one decision-engine evaluation.
type EvaluateDecisionPayload struct {
	TraceID string `json:"traceId,omitempty"`
}

// ValidatePayload decodes and validates raw against the payload schema for t.
// Enqueue calls this so malformed intents never reach dispatch.
func ValidatePayload(t JobType, raw json.RawMessage) error {
	if !t.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownJobType, t)
	}

	decode := func(dst any) error {
		if len(raw) == 0 {
			raw = json.RawMessage("{}")
		}
		if err := json.Unmarshal(raw, dst); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return nil
	}

	switch t {
	case JobSubmitOrder:
		var p SubmitOrderPayload
		if err := decode(&p); err != nil {
			return err
		}
		return p.validate()
	case JobCancelOrder:
		var p CancelOrderPayload
		if err := decode(&p); err != nil {
			return err
		}
		return p.validate()
	case JobClosePosition:
		var p ClosePositionPayload
		if err := decode(&p); err != nil {
			return err
		}
		return p.validate()
	case JobKillSwitch:
		var p KillSwitchPayload
		return decode(&p)
	case JobEvaluateDecision:
		var p EvaluateDecisionPayload
		return decode(&p)
	default: // SYNC_ORDERS, SYNC_ASSET_UNIVERSE
		var p SyncPayload
		return decode(&p)
	}
}
