package strategy

import (
	"github.com/gregtusar/fleet/pkg/models"
)

// RSIScalping fades extremes: it sells strong overbought readings with
// fading momentum and buys strong oversold readings with recovering
// momentum. Momentum is the close-to-close change over MomentumBars.
type RSIScalping struct {
	params Params
}

func (s *RSIScalping) Name() string { return "rsi_scalping" }

func (s *RSIScalping) Lookback() int {
	lb := s.params.RSIPeriod + 1
	if s.params.MomentumBars+1 > lb {
		lb = s.params.MomentumBars + 1
	}
	return lb
}

func (s *RSIScalping) Evaluate(history []models.PriceSample, _ *models.Position) models.Signal {
	symbol := symbolOf(history)
	if len(history) < s.Lookback() {
		return models.NoneSignal(symbol, s.Name(), lastTime(history))
	}

	prices := closes(history)
	rsi := RSI(prices, s.params.RSIPeriod)
	i := len(prices) - 1
	momentum := prices[i] - prices[i-s.params.MomentumBars]

	switch {
	case rsi[i] > s.params.RSIOverbought && momentum < 0:
		return models.Signal{
			Symbol:      symbol,
			Direction:   models.DirectionSell,
			Strength:    bandStrength(rsi[i], s.params.RSIOverbought, 100),
			Strategy:    s.Name(),
			GeneratedAt: lastTime(history),
		}
	case rsi[i] < s.params.RSIOversold && rsi[i] > 0 && momentum > 0:
		return models.Signal{
			Symbol:      symbol,
			Direction:   models.DirectionBuy,
			Strength:    bandStrength(rsi[i], s.params.RSIOversold, 0),
			Strategy:    s.Name(),
			GeneratedAt: lastTime(history),
		}
	default:
		return models.NoneSignal(symbol, s.Name(), lastTime(history))
	}
}

// bandStrength scales how far the oscillator sits past its band toward the
// hard limit, in (0, 1].
func bandStrength(value, band, limit float64) float64 {
	span := abs(limit - band)
	if span == 0 {
		return 1
	}
	s := abs(value-band) / span
	if s > 1 {
		s = 1
	}
	if s == 0 {
		s = 0.01
	}
	return s
}
