package broker

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/gregtusar/fleet/pkg/models"
)

// RateLimited wraps a Port so every provider call first waits on a shared
// token bucket. Providers throttle aggressively; a single limiter per
// account session keeps the worker under the quota.
type RateLimited struct {
	port    Port
	limiter *rate.Limiter
}

func NewRateLimited(port Port, callsPerSecond float64, burst int) *RateLimited {
	return &RateLimited{
		port:    port,
		limiter: rate.NewLimiter(rate.Limit(callsPerSecond), burst),
	}
}

func (r *RateLimited) Connect(ctx context.Context) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}
	return r.port.Connect(ctx)
}

func (r *RateLimited) Close() error {
	return r.port.Close()
}

func (r *RateLimited) GetPrice(ctx context.Context, symbol string) (models.PriceSample, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return models.PriceSample{}, err
	}
	return r.port.GetPrice(ctx, symbol)
}

func (r *RateLimited) GetHistory(ctx context.Context, symbol, timeframe string, count int) ([]models.PriceSample, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.port.GetHistory(ctx, symbol, timeframe, count)
}

func (r *RateLimited) GetSymbolSpec(ctx context.Context, symbol string) (SymbolSpec, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return SymbolSpec{}, err
	}
	return r.port.GetSymbolSpec(ctx, symbol)
}

func (r *RateLimited) PlaceOrder(ctx context.Context, req *models.OrderRequest) (string, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return r.port.PlaceOrder(ctx, req)
}

func (r *RateLimited) ClosePosition(ctx context.Context, ticket string) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}
	return r.port.ClosePosition(ctx, ticket)
}

func (r *RateLimited) ModifyPosition(ctx context.Context, ticket string, stopLoss, takeProfit float64) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}
	return r.port.ModifyPosition(ctx, ticket, stopLoss, takeProfit)
}

func (r *RateLimited) ListOpenPositions(ctx context.Context) ([]models.Position, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.port.ListOpenPositions(ctx)
}

func (r *RateLimited) GetAccountSnapshot(ctx context.Context) (AccountSnapshot, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return AccountSnapshot{}, err
	}
	return r.port.GetAccountSnapshot(ctx)
}
