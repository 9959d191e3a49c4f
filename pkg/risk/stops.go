package risk

import (
	"strings"

	"github.com/gregtusar/fleet/pkg/broker"
	"github.com/gregtusar/fleet/pkg/models"
	"github.com/gregtusar/fleet/pkg/strategy"
)

// Stop distances are expressed in pips (points of the symbol's quote
// precision). They come from a multiple of recent ATR, clamped to bounds
// that depend on the instrument class; when the history is too short for
// an ATR the class fallback applies.

type stopBounds struct {
	minSL, maxSL float64
	minTP, maxTP float64
	fallbackSL   float64
	fallbackTP   float64
}

func boundsFor(symbol string) stopBounds {
	s := strings.ToUpper(symbol)
	switch {
	case strings.Contains(s, "XAU") || strings.Contains(s, "GOLD"):
		return stopBounds{minSL: 50, maxSL: 2000, minTP: 100, maxTP: 4000, fallbackSL: 200, fallbackTP: 400}
	case strings.Contains(s, "JPY"):
		return stopBounds{minSL: 5, maxSL: 500, minTP: 10, maxTP: 1000, fallbackSL: 20, fallbackTP: 40}
	case isCrypto(s):
		return stopBounds{minSL: 100, maxSL: 5000, minTP: 200, maxTP: 10000, fallbackSL: 500, fallbackTP: 1000}
	default:
		return stopBounds{minSL: 10, maxSL: 1000, minTP: 20, maxTP: 2000, fallbackSL: 30, fallbackTP: 60}
	}
}

func isCrypto(symbol string) bool {
	for _, tag := range []string{"BTC", "ETH", "ADA", "SOL", "XRP"} {
		if strings.Contains(symbol, tag) {
			return true
		}
	}
	return false
}

// DynamicStops derives stop-loss and take-profit distances in pips for the
// given history and contract spec.
func DynamicStops(history []models.PriceSample, spec broker.SymbolSpec, atrPeriod int, slMultiplier, tpMultiplier float64) (slPips, tpPips float64) {
	bounds := boundsFor(spec.Symbol)
	slPips, tpPips = bounds.fallbackSL, bounds.fallbackTP

	if len(history) >= atrPeriod+5 && spec.Point > 0 {
		highs := make([]float64, len(history))
		lows := make([]float64, len(history))
		closes := make([]float64, len(history))
		for i, s := range history {
			highs[i], lows[i], closes[i] = s.High, s.Low, s.Close
		}
		atr := strategy.ATR(highs, lows, closes, atrPeriod)
		last := atr[len(atr)-1]
		if last > 0 {
			slPips = last * slMultiplier / spec.Point
			tpPips = last * tpMultiplier / spec.Point
		}
	}

	slPips = clamp(slPips, bounds.minSL, bounds.maxSL)
	tpPips = clamp(tpPips, bounds.minTP, bounds.maxTP)
	if spec.StopsLevel > slPips {
		slPips = spec.StopsLevel
	}
	return slPips, tpPips
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
