package strategy

import (
	"github.com/gregtusar/fleet/pkg/models"
)

// SMARSICombo takes SMA crossovers only when the RSI sits in a healthy
// band, the MACD histogram agrees and price is on the right side of the
// long trend average. Fewer signals, more confirmation.
type SMARSICombo struct {
	params Params
}

func (s *SMARSICombo) Name() string { return "sma_rsi_combo" }

func (s *SMARSICombo) Lookback() int { return s.params.TrendPeriod + 1 }

func (s *SMARSICombo) Evaluate(history []models.PriceSample, _ *models.Position) models.Signal {
	symbol := symbolOf(history)
	if len(history) < s.Lookback() {
		return models.NoneSignal(symbol, s.Name(), lastTime(history))
	}

	prices := closes(history)
	fast := SMA(prices, s.params.FastPeriod)
	slow := SMA(prices, s.params.SlowPeriod)
	trend := SMA(prices, s.params.TrendPeriod)
	rsi := RSI(prices, s.params.RSIPeriod)
	_, _, histogram := MACD(prices, 12, 26, 9)

	i := len(prices) - 1
	trendUp := prices[i] > trend[i]
	trendDown := prices[i] < trend[i]
	rsiBullish := rsi[i] > 40 && rsi[i] < 70
	rsiBearish := rsi[i] > 30 && rsi[i] < 60

	switch {
	case crossedUp(fast, slow, i) && rsiBullish && histogram[i] > 0 && trendUp:
		return models.Signal{
			Symbol:      symbol,
			Direction:   models.DirectionBuy,
			Strength:    1,
			Strategy:    s.Name(),
			GeneratedAt: lastTime(history),
		}
	case crossedDown(fast, slow, i) && rsiBearish && histogram[i] < 0 && trendDown:
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
