package models

import (
	"time"
)

// PriceSample is a single observation from the market data feed. OHLC fields
// are populated for candle data and zero for plain ticks.
type PriceSample struct {
	Symbol     string
	Timestamp  time.Time
	Bid        float64
	Ask        float64
	Open       float64
	High       float64
	Low        float64
	Close      float64
	TickVolume float64
}

// Mid returns the bid/ask midpoint, falling back to the close for candles.
func (p PriceSample) Mid() float64 {
	if p.Bid > 0 && p.Ask > 0 {
		return (p.Bid + p.Ask) / 2
	}
	return p.Close
}

type Direction string

const (
	DirectionBuy  Direction = "buy"
	DirectionSell Direction = "sell"
	DirectionNone Direction = "none"
)

// Signal is a strategy's recommendation for one symbol at one point in time.
type Signal struct {
	Symbol      string
	Direction   Direction
	Strength    float64
	Strategy    string
	GeneratedAt time.Time
}

func NoneSignal(symbol, strategy string, at time.Time) Signal {
	return Signal{Symbol: symbol, Direction: DirectionNone, Strategy: strategy, GeneratedAt: at}
}
