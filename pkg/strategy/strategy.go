package strategy

import (
	"fmt"
	"time"

	"github.com/gregtusar/fleet/pkg/models"
)

// Strategy maps a price history window and the current position (nil when
// flat) to a trading signal. Implementations are pure: same inputs, same
// signal, no side effects. A history shorter than Lookback yields a none
// signal, never an error.
type Strategy interface {
	Name() string
	Lookback() int
	Evaluate(history []models.PriceSample, position *models.Position) models.Signal
}

// Params are the tunables shared across variants. Zero values are replaced
// with defaults at construction time.
type Params struct {
	FastPeriod    int
	SlowPeriod    int
	TrendPeriod   int
	RSIPeriod     int
	RSIOverbought float64
	RSIOversold   float64
	MomentumBars  int
	VolumeFactor  float64
}

func (p Params) withDefaults() Params {
	d := Params{
		FastPeriod:    10,
		SlowPeriod:    20,
		TrendPeriod:   50,
		RSIPeriod:     14,
		RSIOverbought: 75,
		RSIOversold:   25,
		MomentumBars:  5,
		VolumeFactor:  1.2,
	}
	if p.FastPeriod > 0 {
		d.FastPeriod = p.FastPeriod
	}
	if p.SlowPeriod > 0 {
		d.SlowPeriod = p.SlowPeriod
	}
	if p.TrendPeriod > 0 {
		d.TrendPeriod = p.TrendPeriod
	}
	if p.RSIPeriod > 0 {
		d.RSIPeriod = p.RSIPeriod
	}
	if p.RSIOverbought > 0 {
		d.RSIOverbought = p.RSIOverbought
	}
	if p.RSIOversold > 0 {
		d.RSIOversold = p.RSIOversold
	}
	if p.MomentumBars > 0 {
		d.MomentumBars = p.MomentumBars
	}
	if p.VolumeFactor > 0 {
		d.VolumeFactor = p.VolumeFactor
	}
	return d
}

// New resolves a strategy by configured name. Selection happens once at
// configuration load; the engine only ever sees the interface.
func New(name string, params Params) (Strategy, error) {
	params = params.withDefaults()
	switch name {
	case "sma_crossover":
		return &SMACrossover{params: params}, nil
	case "rsi_scalping":
		return &RSIScalping{params: params}, nil
	case "sma_rsi_combo":
		return &SMARSICombo{params: params}, nil
	default:
		return nil, fmt.Errorf("unknown strategy %q", name)
	}
}

// Available lists the registered strategy names.
func Available() []string {
	return []string{"sma_crossover", "rsi_scalping", "sma_rsi_combo"}
}

func closes(history []models.PriceSample) []float64 {
	out := make([]float64, len(history))
	for i, s := range history {
		out[i] = s.Close
	}
	return out
}

func highs(history []models.PriceSample) []float64 {
	out := make([]float64, len(history))
	for i, s := range history {
		out[i] = s.High
	}
	return out
}

func lows(history []models.PriceSample) []float64 {
	out := make([]float64, len(history))
	for i, s := range history {
		out[i] = s.Low
	}
	return out
}

func lastTime(history []models.PriceSample) time.Time {
	if len(history) == 0 {
		return time.Time{}
	}
	return history[len(history)-1].Timestamp
}

// crossedUp reports a fast/slow crossover between the last two samples by
// comparing the sign of fast-slow, so a gap across the slow line still
// counts as a crossing.
func crossedUp(fast, slow []float64, i int) bool {
	return fast[i-1]-slow[i-1] <= 0 && fast[i]-slow[i] > 0
}

func crossedDown(fast, slow []float64, i int) bool {
	return fast[i-1]-slow[i-1] >= 0 && fast[i]-slow[i] < 0
}
