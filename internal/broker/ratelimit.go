package broker

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimited wraps a Gateway with a token-bucket limiter so burst retries
// (for example a backoff storm after a venue outage) stay inside the venue's
// request budget. Every call waits for a token before going out.
type RateLimited struct {
	inner   Gateway
	limiter *rate.Limiter
}

// NewRateLimited wraps gw, allowing rps requests per second with the given burst.
func NewRateLimited(gw Gateway, rps float64, burst int) *RateLimited {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimited{
		inner:   gw,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

func (r *RateLimited) CreateOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.inner.CreateOrder(ctx, req)
}

func (r *RateLimited) CancelOrder(ctx context.Context, orderID string) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}
	return r.inner.CancelOrder(ctx, orderID)
}

func (r *RateLimited) CancelAllOrders(ctx context.Context) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}
	return r.inner.CancelAllOrders(ctx)
}

func (r *RateLimited) GetOrders(ctx context.Context, scope OrderScope, limit int) ([]Order, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.inner.GetOrders(ctx, scope, limit)
}

func (r *RateLimited) GetPositions(ctx context.Context) ([]Position, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.inner.GetPositions(ctx)
}

func (r *RateLimited) GetPosition(ctx context.Context, symbol string) (*Position, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.inner.GetPosition(ctx, symbol)
}

func (r *RateLimited) ClosePosition(ctx context.Context, symbol string) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}
	return r.inner.ClosePosition(ctx, symbol)
}

func (r *RateLimited) GetSnapshots(ctx context.Context, symbols []string) (map[string]Snapshot, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.inner.GetSnapshots(ctx, symbols)
}
