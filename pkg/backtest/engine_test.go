package backtest

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gregtusar/fleet/pkg/broker"
	"github.com/gregtusar/fleet/pkg/risk"
	"github.com/gregtusar/fleet/pkg/strategy"

	"github.com/gregtusar/fleet/pkg/models"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

// vShape builds a series that declines and then rallies, which forces an
// upward SMA crossover partway through the rally.
func vShape(symbol string, legBars int) []models.PriceSample {
	out := make([]models.PriceSample, 0, legBars*2)
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	price := 1.2000
	for i := 0; i < legBars*2; i++ {
		if i < legBars {
			price -= 0.0008
		} else {
			price += 0.0010
		}
		out = append(out, models.PriceSample{
			Symbol:    symbol,
			Timestamp: base.Add(time.Duration(i) * 5 * time.Minute),
			Open:      price - 0.0003,
			High:      price + 0.0006,
			Low:       price - 0.0006,
			Close:     price,
			Bid:       price - 0.0001,
			Ask:       price + 0.0001,
		})
	}
	return out
}

func testConfig() Config {
	return Config{
		Strategy:       "sma_crossover",
		Params:         strategy.Params{},
		Symbol:         "EURUSD",
		Timeframe:      "M5",
		InitialBalance: 10000,
		Limits:         risk.Limits{RiskPercent: 1, MaxOpenPositions: 3},
		Spec: broker.SymbolSpec{
			Symbol:     "EURUSD",
			Point:      0.0001,
			PipValue:   10,
			VolumeMin:  0.01,
			VolumeMax:  100,
			VolumeStep: 0.01,
		},
	}
}

func TestRunProducesConsistentMetrics(t *testing.T) {
	engine := New(quietLogger())
	candles := vShape("EURUSD", 60)

	result, err := engine.Run(candles, testConfig())
	require.NoError(t, err)

	assert.GreaterOrEqual(t, result.TotalTrades, 1)
	assert.Equal(t, result.TotalTrades, result.WinningTrades+result.LosingTrades)
	assert.Equal(t, candles[0].Timestamp, result.StartDate)
	assert.Equal(t, candles[len(candles)-1].Timestamp, result.EndDate)
	assert.Equal(t, 10000.0, result.InitialBalance)
	assert.GreaterOrEqual(t, result.MaxDrawdown, 0.0)
	assert.False(t, math.IsNaN(result.SharpeRatio))

	winRate := result.WinRate()
	assert.GreaterOrEqual(t, winRate, 0.0)
	assert.LessOrEqual(t, winRate, 100.0)
}

func TestRunIsDeterministic(t *testing.T) {
	engine := New(quietLogger())
	candles := vShape("EURUSD", 60)

	first, err := engine.Run(candles, testConfig())
	require.NoError(t, err)
	second, err := engine.Run(candles, testConfig())
	require.NoError(t, err)

	first.CreatedAt = time.Time{}
	second.CreatedAt = time.Time{}
	assert.Equal(t, first, second)
}

func TestProfitFactorStaysFiniteWithoutLosses(t *testing.T) {
	candles := vShape("EURUSD", 10)

	// All winners: the ratio has no denominator but the result must still
	// survive JSON encoding for the dashboard.
	sim := &simulation{grossProfit: 250, wins: 3}
	result := sim.result(testConfig(), candles)
	assert.Equal(t, float64(maxProfitFactor), result.ProfitFactor)
	_, err := json.Marshal(result)
	require.NoError(t, err)

	// A lopsided but losing-trade run is capped at the same bound.
	sim = &simulation{grossProfit: 5e6, grossLoss: 1, wins: 9, losses: 1}
	result = sim.result(testConfig(), candles)
	assert.Equal(t, float64(maxProfitFactor), result.ProfitFactor)
}

func TestRunRejectsEmptySeries(t *testing.T) {
	engine := New(quietLogger())
	_, err := engine.Run(nil, testConfig())
	assert.Error(t, err)
}

func TestRunRejectsUnknownStrategy(t *testing.T) {
	engine := New(quietLogger())
	cfg := testConfig()
	cfg.Strategy = "no_such_strategy"
	_, err := engine.Run(vShape("EURUSD", 40), cfg)
	assert.Error(t, err)
}
