// Package router implements the smart order router: a pure transform that
// corrects an order intent (type, time in force, limit price, session flags)
// so the venue accepts it, instead of letting the venue reject it.
package router

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/oakline/orderflow/internal/broker"
	"github.com/oakline/orderflow/internal/pipeline"
	"github.com/oakline/orderflow/internal/queue/domain"
)

// limitBuffer is the marketable-limit cushion applied around the quote so a
// derived limit order actually crosses the spread.
const limitBuffer = 0.001

// Router is the default order router.
type Router struct {
	logger *slog.Logger
	loc    *time.Location
	now    func() time.Time
}

// New creates a router using the venue's exchange timezone for session math.
func New(logger *slog.Logger) *Router {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = time.UTC
	}
	return &Router{logger: logger, loc: loc, now: time.Now}
}

// Transform corrects the order intent against current market data.
func (r *Router) Transform(ctx context.Context, intent domain.SubmitOrderPayload, snap *broker.Snapshot) (pipeline.RoutedOrder, error) {
	out := pipeline.RoutedOrder{
		Type:          intent.Type,
		TimeInForce:   intent.TimeInForce,
		LimitPrice:    intent.LimitPrice,
		ExtendedHours: intent.ExtendedHours,
		OrderClass:    intent.OrderClass,
	}

	crypto := strings.Contains(intent.Symbol, "/")
	if crypto {
		// Crypto venues trade around the clock; session flags do not apply
		// and good-till-canceled is the natural default.
		out.Session = "crypto"
		out.ExtendedHours = false
		if out.TimeInForce == "" {
			out.TimeInForce = "gtc"
		}
	} else {
		regular := r.regularSessionOpen()
		if regular {
			out.Session = "regular"
		} else {
			out.Session = "extended"
			if !out.ExtendedHours {
				out.ExtendedHours = true
				out.Transformations = append(out.Transformations, "enabled extended_hours outside regular session")
			}
		}
		if out.TimeInForce == "" {
			out.TimeInForce = "day"
		}
	}

	if intent.TakeProfit != nil {
		out.TakeProfitLimitPrice = intent.TakeProfit.LimitPrice
	}
	if intent.StopLoss != nil {
		out.StopLossStopPrice = intent.StopLoss.StopPrice
	}
	if out.OrderClass == "" && out.TakeProfitLimitPrice > 0 && out.StopLossStopPrice > 0 {
		out.OrderClass = "bracket"
		out.Transformations = append(out.Transformations, "derived bracket order class from take_profit and stop_loss")
	}

	if out.ExtendedHours {
		// Extended-hours sessions only accept day limit orders.
		if out.TimeInForce != "day" {
			out.TimeInForce = "day"
			out.Transformations = append(out.Transformations, "forced day time_in_force for extended hours")
		}
		if out.Type == "market" || out.Type == "" {
			if price := marketableLimit(intent.Side, snap); price > 0 {
				out.Type = "limit"
				out.LimitPrice = price
				out.Transformations = append(out.Transformations, "converted market order to marketable limit for extended hours")
			} else {
				// No price to anchor a limit on: degrade to a regular-session
				// market order rather than submit something the venue rejects.
				out.ExtendedHours = false
				out.Type = "market"
				out.Warnings = append(out.Warnings, "no quote available, queued as regular-session market order")
			}
		} else if out.Type == "limit" && out.LimitPrice <= 0 {
			if price := marketableLimit(intent.Side, snap); price > 0 {
				out.LimitPrice = price
				out.Transformations = append(out.Transformations, "derived marketable limit price")
			} else {
				out.Warnings = append(out.Warnings, "limit order without price and no quote available")
			}
		}
	} else if out.Type == "limit" && out.LimitPrice <= 0 {
		if price := marketableLimit(intent.Side, snap); price > 0 {
			out.LimitPrice = price
			out.Transformations = append(out.Transformations, "derived marketable limit price")
		} else {
			out.Type = "market"
			out.Transformations = append(out.Transformations, "converted priceless limit order to market")
		}
	}
	if out.Type == "" {
		out.Type = "market"
	}

	return out, nil
}

// regularSessionOpen reports whether the regular equities session is open.
func (r *Router) regularSessionOpen() bool {
	now := r.now().In(r.loc)
	if now.Weekday() == time.Saturday || now.Weekday() == time.Sunday {
		return false
	}
	minutes := now.Hour()*60 + now.Minute()
	return minutes >= 9*60+30 && minutes < 16*60
}

// marketableLimit derives a limit price that crosses the current spread.
func marketableLimit(side string, snap *broker.Snapshot) float64 {
	if snap == nil {
		return 0
	}
	if side == domain.SideBuy {
		if snap.Ask > 0 {
			return snap.Ask * (1 + limitBuffer)
		}
	} else if snap.Bid > 0 {
		return snap.Bid * (1 - limitBuffer)
	}
	if snap.Last > 0 {
		if side == domain.SideBuy {
			return snap.Last * (1 + limitBuffer)
		}
		return snap.Last * (1 - limitBuffer)
	}
	return 0
}
