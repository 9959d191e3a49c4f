package strategy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gregtusar/fleet/pkg/models"
)

func series(symbol string, prices []float64) []models.PriceSample {
	out := make([]models.PriceSample, len(prices))
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	for i, p := range prices {
		out[i] = models.PriceSample{
			Symbol:    symbol,
			Timestamp: base.Add(time.Duration(i) * 5 * time.Minute),
			Open:      p,
			High:      p + 0.0004,
			Low:       p - 0.0004,
			Close:     p,
		}
	}
	return out
}

// vPrices declines for legBars then rallies for legBars, forcing an upward
// crossover during the rally.
func vPrices(legBars int) []float64 {
	out := make([]float64, 0, legBars*2)
	price := 1.2000
	for i := 0; i < legBars*2; i++ {
		if i < legBars {
			price -= 0.0010
		} else {
			price += 0.0012
		}
		out = append(out, price)
	}
	return out
}

func TestShortHistoryYieldsNone(t *testing.T) {
	for _, name := range Available() {
		strat, err := New(name, Params{})
		require.NoError(t, err)

		history := series("EURUSD", []float64{1.1, 1.2, 1.3})
		sig := strat.Evaluate(history, nil)
		assert.Equal(t, models.DirectionNone, sig.Direction, name)
		assert.Equal(t, "EURUSD", sig.Symbol, name)
	}
}

func TestUnknownStrategyName(t *testing.T) {
	_, err := New("martingale", Params{})
	assert.Error(t, err)
}

func TestEvaluateIsDeterministic(t *testing.T) {
	history := series("EURUSD", vPrices(40))
	for _, name := range Available() {
		strat, err := New(name, Params{})
		require.NoError(t, err)

		first := strat.Evaluate(history, nil)
		second := strat.Evaluate(history, nil)
		assert.Equal(t, first, second, name)
	}
}

func TestSMACrossoverSignalsOnTheFlipBar(t *testing.T) {
	strat, err := New("sma_crossover", Params{})
	require.NoError(t, err)

	prices := vPrices(40)
	var buys, sells int
	var buyBar int
	// Start one bar past the lookback so the slow average at i-1 is out of
	// its warmup zeros.
	for end := strat.Lookback() + 1; end <= len(prices); end++ {
		history := series("EURUSD", prices[:end])
		sig := strat.Evaluate(history, nil)
		switch sig.Direction {
		case models.DirectionBuy:
			buys++
			buyBar = end
		case models.DirectionSell:
			sells++
		}
	}

	assert.Equal(t, 1, buys, "exactly one upward crossover in a V shape")
	assert.Zero(t, sells)
	assert.Greater(t, buyBar, 40, "crossover happens during the rally leg")
}

func TestSMACrossoverVolumeVeto(t *testing.T) {
	strat, err := New("sma_crossover", Params{})
	require.NoError(t, err)

	prices := vPrices(40)
	var flipEnd int
	for end := strat.Lookback() + 1; end <= len(prices); end++ {
		if strat.Evaluate(series("EURUSD", prices[:end]), nil).Direction == models.DirectionBuy {
			flipEnd = end
			break
		}
	}
	require.NotZero(t, flipEnd)

	// Same series with flat tick volume on the flip bar fails confirmation.
	history := series("EURUSD", prices[:flipEnd])
	for i := range history {
		history[i].TickVolume = 100
	}
	sig := strat.Evaluate(history, nil)
	assert.Equal(t, models.DirectionNone, sig.Direction)

	// A volume spike on the flip bar restores the signal.
	history[len(history)-1].TickVolume = 500
	sig = strat.Evaluate(history, nil)
	assert.Equal(t, models.DirectionBuy, sig.Direction)
}

func TestRSIScalpingExtremes(t *testing.T) {
	strat, err := New("rsi_scalping", Params{})
	require.NoError(t, err)

	// A long slide pins RSI near zero; the last bars tick up so momentum
	// turns positive for the buy condition.
	prices := make([]float64, 0, 40)
	price := 1.3000
	for i := 0; i < 34; i++ {
		price -= 0.0015
		prices = append(prices, price)
	}
	for i := 0; i < 6; i++ {
		price += 0.0001
		prices = append(prices, price)
	}

	sig := strat.Evaluate(series("EURUSD", prices), nil)
	assert.Equal(t, models.DirectionBuy, sig.Direction)
	assert.Greater(t, sig.Strength, 0.0)
	assert.LessOrEqual(t, sig.Strength, 1.0)
}

func TestIndicatorValues(t *testing.T) {
	prices := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}

	sma := SMA(prices, 5)
	assert.InDelta(t, 8, sma[len(sma)-1], 1e-9)
	assert.Zero(t, sma[2], "warmup values stay zero")

	ema := EMA(prices, 5)
	assert.Greater(t, ema[len(ema)-1], sma[len(sma)-1], "EMA leads SMA in an uptrend")

	rsi := RSI(prices, 5)
	assert.InDelta(t, 100, rsi[len(rsi)-1], 1e-9, "all gains pins RSI at 100")

	_, _, hist := MACD(prices, 3, 6, 3)
	assert.Len(t, hist, len(prices))
}

func TestATRTracksRange(t *testing.T) {
	h := []float64{11, 12, 13, 14, 15, 16, 17, 18}
	l := []float64{9, 10, 11, 12, 13, 14, 15, 16}
	c := []float64{10, 11, 12, 13, 14, 15, 16, 17}

	atr := ATR(h, l, c, 3)
	assert.InDelta(t, 2, atr[len(atr)-1], 0.1)
}
