package broker

import (
	"context"
	"fmt"

	"github.com/gregtusar/fleet/pkg/models"
)

// ReplayFeed serves a pre-recorded candle series through the MarketPort
// interface. The cursor starts at zero; callers advance it one candle at a
// time, and history requests only ever see candles at or before the cursor.
// Backtests and engine tests share it.
type ReplayFeed struct {
	symbol  string
	candles []models.PriceSample
	spec    SymbolSpec
	cursor  int
}

func NewReplayFeed(symbol string, candles []models.PriceSample, spec SymbolSpec) *ReplayFeed {
	return &ReplayFeed{symbol: symbol, candles: candles, spec: spec}
}

// Advance moves the cursor forward one candle. It returns false once the
// series is exhausted.
func (f *ReplayFeed) Advance() bool {
	if f.cursor >= len(f.candles)-1 {
		return false
	}
	f.cursor++
	return true
}

// Current returns the candle at the cursor.
func (f *ReplayFeed) Current() models.PriceSample {
	return f.candles[f.cursor]
}

func (f *ReplayFeed) GetPrice(_ context.Context, symbol string) (models.PriceSample, error) {
	if symbol != f.symbol {
		return models.PriceSample{}, fmt.Errorf("%w: %s", ErrSymbolNotFound, symbol)
	}
	return f.candles[f.cursor], nil
}

func (f *ReplayFeed) GetHistory(_ context.Context, symbol, _ string, count int) ([]models.PriceSample, error) {
	if symbol != f.symbol {
		return nil, fmt.Errorf("%w: %s", ErrSymbolNotFound, symbol)
	}
	end := f.cursor + 1
	start := end - count
	if start < 0 {
		start = 0
	}
	window := make([]models.PriceSample, end-start)
	copy(window, f.candles[start:end])
	return window, nil
}

func (f *ReplayFeed) GetSymbolSpec(_ context.Context, symbol string) (SymbolSpec, error) {
	if symbol != f.symbol {
		return SymbolSpec{}, fmt.Errorf("%w: %s", ErrSymbolNotFound, symbol)
	}
	return f.spec, nil
}
