package strategy

import (
	"github.com/gregtusar/fleet/pkg/models"
)

// SMACrossover signals on a fast/slow simple moving average crossover,
// confirmed by above-average tick volume when the feed provides it.
type SMACrossover struct {
	params Params
}

func (s *SMACrossover) Name() string { return "sma_crossover" }

func (s *SMACrossover) Lookback() int { return s.params.SlowPeriod + 1 }

func (s *SMACrossover) Evaluate(history []models.PriceSample, _ *models.Position) models.Signal {
	symbol := symbolOf(history)
	if len(history) < s.Lookback() {
		return models.NoneSignal(symbol, s.Name(), lastTime(history))
	}

	prices := closes(history)
	fast := SMA(prices, s.params.FastPeriod)
	slow := SMA(prices, s.params.SlowPeriod)
	i := len(prices) - 1

	if !volumeConfirmed(history, s.params.SlowPeriod, s.params.VolumeFactor) {
		return models.NoneSignal(symbol, s.Name(), lastTime(history))
	}

	switch {
	case crossedUp(fast, slow, i):
		return models.Signal{
			Symbol:      symbol,
			Direction:   models.DirectionBuy,
			Strength:    1,
			Strategy:    s.Name(),
			GeneratedAt: lastTime(history),
		}
	case crossedDown(fast, slow, i):
		return models.Signal{
			Symbol:      symbol,
			Direction:   models.DirectionSell,
			Strength:    1,
			Strategy:    s.Name(),
			GeneratedAt: lastTime(history),
		}
	default:
		return models.NoneSignal(symbol, s.Name(), lastTime(history))
	}
}

func symbolOf(history []models.PriceSample) string {
	if len(history) == 0 {
		return ""
	}
	return history[len(history)-1].Symbol
}

// volumeConfirmed requires the latest tick volume to exceed its rolling
// average by the configured factor. Feeds without volume always pass.
func volumeConfirmed(history []models.PriceSample, period int, factor float64) bool {
	last := history[len(history)-1]
	if last.TickVolume == 0 {
		return true
	}
	volumes := make([]float64, len(history))
	for i, s := range history {
		volumes[i] = s.TickVolume
	}
	avg := SMA(volumes, period)
	i := len(volumes) - 1
	if avg[i] == 0 {
		return true
	}
	return volumes[i] > avg[i]*factor
}
