package backtest

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gregtusar/fleet/pkg/broker"
	"github.com/gregtusar/fleet/pkg/ledger"
	"github.com/gregtusar/fleet/pkg/models"
	"github.com/gregtusar/fleet/pkg/risk"
	"github.com/gregtusar/fleet/pkg/strategy"
)

const backtestAccountID = "backtest"

// Config describes one backtest run.
type Config struct {
	Strategy       string
	Params         strategy.Params
	Symbol         string
	Timeframe      string
	InitialBalance float64
	Limits         risk.Limits
	Spec           broker.SymbolSpec
}

// Engine replays recorded candles through the same strategy and risk code
// the live loop runs, against an in-memory ledger.
type Engine struct {
	logger *logrus.Logger
}

func New(logger *logrus.Logger) *Engine {
	return &Engine{logger: logger}
}

// Run walks the candle series bar by bar: stops are checked against each
// bar's range first, then the strategy sees the history up to the cursor.
func (e *Engine) Run(candles []models.PriceSample, cfg Config) (models.BacktestResult, error) {
	if len(candles) == 0 {
		return models.BacktestResult{}, fmt.Errorf("no candles to replay")
	}
	if cfg.InitialBalance <= 0 {
		cfg.InitialBalance = 10000
	}

	strat, err := strategy.New(cfg.Strategy, cfg.Params)
	if err != nil {
		return models.BacktestResult{}, err
	}
	riskMgr := risk.NewManager(cfg.Limits, e.logger)
	book := ledger.New(ledger.NewMemoryStore(), e.logger)
	feed := broker.NewReplayFeed(cfg.Symbol, candles, cfg.Spec)

	ctx := context.Background()
	bars := strat.Lookback() + 10

	sim := &simulation{
		balance: cfg.InitialBalance,
		peak:    cfg.InitialBalance,
	}
	nextTicket := 1

	for {
		candle := feed.Current()

		open, err := book.OpenPositions(backtestAccountID)
		if err != nil {
			return models.BacktestResult{}, err
		}

		// Stop-loss and take-profit fills against the bar's range. The stop
		// is checked first: the pessimistic fill when both are inside one bar.
		for _, pos := range open {
			if price, hit := stopFill(pos, candle); hit {
				if err := sim.close(book, pos, price, candle.Timestamp, cfg.Spec); err != nil {
					return models.BacktestResult{}, err
				}
			}
		}

		open, err = book.OpenPositions(backtestAccountID)
		if err != nil {
			return models.BacktestResult{}, err
		}
		sim.markToMarket(open, candle.Close, cfg.Spec)

		history, err := feed.GetHistory(ctx, cfg.Symbol, cfg.Timeframe, bars)
		if err != nil {
			return models.BacktestResult{}, err
		}

		var current *models.Position
		if len(open) > 0 {
			current = &open[0]
		}
		signal := strat.Evaluate(history, current)

		// An opposite signal closes the running position at the bar close
		// before the risk pass sizes a fresh one.
		if current != nil && signal.Direction != models.DirectionNone && signal.Direction != current.Direction {
			if err := sim.close(book, *current, candle.Close, candle.Timestamp, cfg.Spec); err != nil {
				return models.BacktestResult{}, err
			}
			open = nil
			current = nil
		}

		account := models.Account{
			ID:      backtestAccountID,
			Balance: sim.balance,
			Equity:  sim.equity,
		}
		budget := models.RiskBudget{AccountID: backtestAccountID}
		order, rejection := riskMgr.Assess(risk.Request{
			Signal:        signal,
			Account:       &account,
			Budget:        &budget,
			OpenPositions: open,
			Spec:          cfg.Spec,
			History:       history,
		})
		if rejection == nil {
			ticket := "BT-" + strconv.Itoa(nextTicket)
			nextTicket++
			if _, err := book.RecordOpen(order, ticket, candle.Timestamp); err != nil {
				return models.BacktestResult{}, err
			}
		}

		if !feed.Advance() {
			break
		}
	}

	// Liquidate whatever is still open at the final bar.
	last := candles[len(candles)-1]
	open, err := book.OpenPositions(backtestAccountID)
	if err != nil {
		return models.BacktestResult{}, err
	}
	for _, pos := range open {
		if err := sim.close(book, pos, last.Close, last.Timestamp, cfg.Spec); err != nil {
			return models.BacktestResult{}, err
		}
	}

	return sim.result(cfg, candles), nil
}

// stopFill reports whether the bar's range crossed the position's stop or
// take and at what price the fill happens.
func stopFill(pos models.Position, candle models.PriceSample) (float64, bool) {
	if pos.Direction == models.DirectionBuy {
		if pos.StopLoss > 0 && candle.Low <= pos.StopLoss {
			return pos.StopLoss, true
		}
		if pos.TakeProfit > 0 && candle.High >= pos.TakeProfit {
			return pos.TakeProfit, true
		}
		return 0, false
	}
	if pos.StopLoss > 0 && candle.High >= pos.StopLoss {
		return pos.StopLoss, true
	}
	if pos.TakeProfit > 0 && candle.Low <= pos.TakeProfit {
		return pos.TakeProfit, true
	}
	return 0, false
}

// maxProfitFactor bounds the gross profit to gross loss ratio. A run that
// closes no losing trade would otherwise report +Inf, which JSON cannot
// carry to the dashboard.
const maxProfitFactor = 1000

// simulation accumulates balance, equity and the metrics inputs.
type simulation struct {
	balance     float64
	equity      float64
	peak        float64
	maxDrawdown float64
	grossProfit float64
	grossLoss   float64
	wins        int
	losses      int
	returns     []float64
	lastEquity  float64
}

// pipProfit converts a fill into account currency using the contract spec.
func pipProfit(pos models.Position, closePrice float64, spec broker.SymbolSpec) float64 {
	if spec.Point <= 0 || spec.PipValue <= 0 {
		return 0
	}
	diff := closePrice - pos.OpenPrice
	if pos.Direction == models.DirectionSell {
		diff = -diff
	}
	return diff / spec.Point * spec.PipValue * pos.Volume
}

func (s *simulation) close(book *ledger.Ledger, pos models.Position, price float64, at time.Time, spec broker.SymbolSpec) error {
	if _, err := book.RecordClose(backtestAccountID, pos.Ticket, price, at); err != nil {
		return err
	}
	profit := pipProfit(pos, price, spec)
	s.balance += profit
	if profit >= 0 {
		s.wins++
		s.grossProfit += profit
	} else {
		s.losses++
		s.grossLoss += -profit
	}
	return nil
}

func (s *simulation) markToMarket(open []models.Position, price float64, spec broker.SymbolSpec) {
	floating := 0.0
	for _, pos := range open {
		floating += pipProfit(pos, price, spec)
	}
	s.equity = s.balance + floating

	if s.equity > s.peak {
		s.peak = s.equity
	}
	if s.peak > 0 {
		if dd := (s.peak - s.equity) / s.peak * 100; dd > s.maxDrawdown {
			s.maxDrawdown = dd
		}
	}

	if s.lastEquity > 0 {
		s.returns = append(s.returns, (s.equity-s.lastEquity)/s.lastEquity)
	}
	s.lastEquity = s.equity
}

func (s *simulation) result(cfg Config, candles []models.PriceSample) models.BacktestResult {
	profitFactor := 0.0
	if s.grossLoss > 0 {
		profitFactor = s.grossProfit / s.grossLoss
	} else if s.grossProfit > 0 {
		profitFactor = maxProfitFactor
	}
	if profitFactor > maxProfitFactor {
		profitFactor = maxProfitFactor
	}

	return models.BacktestResult{
		Strategy:       cfg.Strategy,
		Symbol:         cfg.Symbol,
		Timeframe:      cfg.Timeframe,
		StartDate:      candles[0].Timestamp,
		EndDate:        candles[len(candles)-1].Timestamp,
		InitialBalance: cfg.InitialBalance,
		FinalBalance:   s.balance,
		TotalTrades:    s.wins + s.losses,
		WinningTrades:  s.wins,
		LosingTrades:   s.losses,
		MaxDrawdown:    s.maxDrawdown,
		ProfitFactor:   profitFactor,
		SharpeRatio:    sharpe(s.returns),
		CreatedAt:      time.Now().UTC(),
	}
}

// sharpe is the mean bar return over its standard deviation, annualized
// for a 24x5 five-minute series. Fewer than two returns yields zero.
func sharpe(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	variance := 0.0
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns) - 1)
	if variance == 0 {
		return 0
	}
	return mean / math.Sqrt(variance) * math.Sqrt(float64(len(returns)))
}
