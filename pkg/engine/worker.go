package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/sirupsen/logrus"

	"github.com/gregtusar/fleet/pkg/broker"
	"github.com/gregtusar/fleet/pkg/events"
	"github.com/gregtusar/fleet/pkg/ledger"
	"github.com/gregtusar/fleet/pkg/models"
	"github.com/gregtusar/fleet/pkg/risk"
	"github.com/gregtusar/fleet/pkg/strategy"
)

type WorkerState string

const (
	StateIdle        WorkerState = "idle"
	StateFetching    WorkerState = "fetching"
	StateDeciding    WorkerState = "deciding"
	StateExecuting   WorkerState = "executing"
	StateReconciling WorkerState = "reconciling"
	StateSleeping    WorkerState = "sleeping"
	StateStopping    WorkerState = "stopping"
	StateTerminated  WorkerState = "terminated"
	StateFaulted     WorkerState = "faulted"
)

// maxConsecutiveFailures is the number of connectivity-failed cycles after
// which the worker faults and hands the account back to the supervisor.
const maxConsecutiveFailures = 3

// errLedgerFault marks a position-book write that failed its retry. The
// account cannot trade safely without a consistent book, so the worker
// faults immediately instead of counting toward the connectivity threshold.
var errLedgerFault = errors.New("position book inconsistent")

// SessionWindow restricts when new positions may be opened. Outside the
// window the worker still manages and reconciles existing positions.
// Start and End are "HH:MM" in UTC; a window wrapping midnight is allowed.
type SessionWindow struct {
	Start string
	End   string
}

func (w SessionWindow) Contains(t time.Time) bool {
	start, err1 := time.Parse("15:04", w.Start)
	end, err2 := time.Parse("15:04", w.End)
	if err1 != nil || err2 != nil {
		return true
	}
	utc := t.UTC()
	minute := utc.Hour()*60 + utc.Minute()
	startMin := start.Hour()*60 + start.Minute()
	endMin := end.Hour()*60 + end.Minute()
	if startMin <= endMin {
		return minute >= startMin && minute < endMin
	}
	return minute >= startMin || minute < endMin
}

// WorkerConfig carries the per-cycle settings shared by all workers.
type WorkerConfig struct {
	SleepInterval time.Duration
	Timeframe     string
	HistoryBars   int
	CallTimeout   time.Duration
	MaxRetries    int
	RetryBase     time.Duration
	RetryMax      time.Duration
	Session       *SessionWindow
	BreakevenPips float64
	TrailingPips  float64
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.SleepInterval <= 0 {
		c.SleepInterval = 60 * time.Second
	}
	if c.Timeframe == "" {
		c.Timeframe = "M5"
	}
	if c.HistoryBars <= 0 {
		c.HistoryBars = 100
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 30 * time.Second
	}
	return c
}

// Worker runs the trading loop for a single account. It owns the account's
// in-memory state and is the only writer of that account's positions.
type Worker struct {
	cfg     WorkerConfig
	port    broker.Port
	strat   strategy.Strategy
	riskMgr *risk.Manager
	book    *ledger.Ledger
	bus     *events.Bus
	control *controlBoard
	budget  *budgetBox
	logger  *logrus.Entry

	mu       sync.RWMutex
	account  models.Account
	state    WorkerState
	conFails int
}

func NewWorker(account models.Account, port broker.Port, strat strategy.Strategy, riskMgr *risk.Manager,
	book *ledger.Ledger, bus *events.Bus, control *controlBoard, budget *budgetBox,
	cfg WorkerConfig, logger *logrus.Logger) *Worker {
	return &Worker{
		cfg:     cfg.withDefaults(),
		port:    port,
		strat:   strat,
		riskMgr: riskMgr,
		book:    book,
		bus:     bus,
		control: control,
		budget:  budget,
		logger:  logger.WithField("account", account.ID),
		account: account,
		state:   StateIdle,
	}
}

func (w *Worker) State() WorkerState {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

func (w *Worker) Account() models.Account {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.account
}

func (w *Worker) setState(s WorkerState) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// stopRequested re-reads the control state between cycle phases so a stop
// command never has to wait out a whole cycle of provider calls.
func (w *Worker) stopRequested() bool {
	state, _ := w.control.Snapshot()
	return state.Status == models.ControlStopped
}

func (w *Worker) setConnectionStatus(status models.ConnectionStatus) {
	w.mu.Lock()
	w.account.Status = status
	w.account.UpdatedAt = time.Now().UTC()
	acct := w.account
	w.mu.Unlock()
	w.bus.Publish(models.AccountUpdated(&acct))
}

// Run drives the state machine until a stop command, context cancellation
// or a fault. The control state is re-read at the top of every cycle.
func (w *Worker) Run(ctx context.Context) {
	w.mu.Lock()
	w.conFails = 0
	w.state = StateIdle
	w.mu.Unlock()

	w.setConnectionStatus(models.ConnectionConnecting)
	if err := w.withRetry(ctx, "connect", w.port.Connect); err != nil {
		w.logger.WithError(err).Error("Provider connection failed")
		w.setConnectionStatus(models.ConnectionError)
		w.setState(StateFaulted)
		return
	}
	defer w.port.Close()
	w.setConnectionStatus(models.ConnectionConnected)

	for {
		state, wake := w.control.Snapshot()
		switch state.Status {
		case models.ControlStopped:
			w.setState(StateStopping)
			w.logger.Info("Stop command observed, terminating")
			w.setState(StateTerminated)
			return
		case models.ControlPaused:
			w.setState(StateSleeping)
			if !w.sleep(ctx, wake) {
				w.setState(StateTerminated)
				return
			}
			continue
		}

		w.setState(StateIdle)
		if err := w.cycle(ctx); err != nil {
			if ctx.Err() != nil {
				w.setState(StateTerminated)
				return
			}
			if w.stopRequested() {
				w.setState(StateStopping)
				w.logger.Info("Stop command observed mid-cycle, terminating")
				w.setState(StateTerminated)
				return
			}
			if errors.Is(err, errLedgerFault) {
				w.logger.WithError(err).Error("Ledger fault, faulting account")
				w.setConnectionStatus(models.ConnectionError)
				w.setState(StateFaulted)
				return
			}
			w.mu.Lock()
			w.conFails++
			fails := w.conFails
			w.mu.Unlock()
			w.logger.WithError(err).WithField("consecutive", fails).Warn("Cycle failed on provider connectivity")
			if fails >= maxConsecutiveFailures {
				w.logger.Error("Too many consecutive provider failures, faulting account")
				w.setConnectionStatus(models.ConnectionError)
				w.setState(StateFaulted)
				return
			}
		} else {
			w.mu.Lock()
			w.conFails = 0
			w.mu.Unlock()
		}

		w.setState(StateSleeping)
		if !w.sleep(ctx, wake) {
			w.setState(StateTerminated)
			return
		}
	}
}

// sleep waits out the configured interval. It returns early when the
// control state changes and false when the context is cancelled.
func (w *Worker) sleep(ctx context.Context, wake <-chan struct{}) bool {
	timer := time.NewTimer(w.cfg.SleepInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-wake:
		return true
	case <-timer.C:
		return true
	}
}

// cycle runs one full pass: fetch, manage, decide, execute, reconcile.
// The returned error is a connectivity failure counting toward the fault
// threshold, or an errLedgerFault that faults the account outright.
func (w *Worker) cycle(ctx context.Context) error {
	w.setState(StateFetching)

	var snapshot broker.AccountSnapshot
	err := w.withRetry(ctx, "account snapshot", func(callCtx context.Context) error {
		var e error
		snapshot, e = w.port.GetAccountSnapshot(callCtx)
		return e
	})
	if err != nil {
		return fmt.Errorf("account snapshot: %w", err)
	}

	w.mu.Lock()
	w.account.Balance = snapshot.Balance
	w.account.Equity = snapshot.Equity
	w.account.Margin = snapshot.Margin
	w.account.MarginFree = snapshot.MarginFree
	if snapshot.Currency != "" {
		w.account.Currency = snapshot.Currency
	}
	w.account.Status = models.ConnectionConnected
	w.account.UpdatedAt = time.Now().UTC()
	acct := w.account
	w.mu.Unlock()
	w.bus.Publish(models.AccountUpdated(&acct))

	data, connFailures := w.fetchSymbols(ctx, acct.Symbols)
	if w.stopRequested() {
		return nil
	}
	if len(acct.Symbols) > 0 && connFailures == len(acct.Symbols) {
		return fmt.Errorf("market data unavailable for all %d symbols", len(acct.Symbols))
	}

	open, err := w.book.OpenPositions(acct.ID)
	if err != nil {
		w.logger.WithError(err).Warn("Ledger read failed, retrying once")
		if open, err = w.book.OpenPositions(acct.ID); err != nil {
			return fmt.Errorf("%w: %v", errLedgerFault, err)
		}
	}

	w.managePositions(ctx, open, data)
	if w.stopRequested() {
		return nil
	}

	inSession := w.cfg.Session == nil || w.cfg.Session.Contains(time.Now())
	if inSession {
		w.setState(StateDeciding)
		orders := w.decide(acct, open, data)

		w.setState(StateExecuting)
		for _, order := range orders {
			if w.stopRequested() {
				w.logger.WithFields(logrus.Fields{
					"symbol": order.Symbol,
					"side":   order.Direction,
				}).Warn("Stop observed, not submitting order")
				return nil
			}
			if err := w.execute(ctx, order); err != nil {
				return err
			}
		}
	} else if len(data) > 0 {
		w.logger.Debug("Outside trading session, managing positions only")
	}

	if w.stopRequested() {
		return nil
	}
	w.setState(StateReconciling)
	return w.reconcile(ctx, acct.ID, data)
}

// symbolData is one symbol's view for the current cycle.
type symbolData struct {
	history []models.PriceSample
	spec    broker.SymbolSpec
	price   float64
}

// fetchSymbols pulls history and contract specs for every configured
// symbol. A failing symbol is skipped for this cycle; the count of
// connectivity failures is reported so the caller can distinguish a dead
// provider from a single bad symbol.
func (w *Worker) fetchSymbols(ctx context.Context, symbols []string) (map[string]symbolData, int) {
	data := make(map[string]symbolData, len(symbols))
	connFailures := 0

	bars := w.cfg.HistoryBars
	if lookback := w.strat.Lookback() + 10; lookback > bars {
		bars = lookback
	}

	for _, symbol := range symbols {
		if w.stopRequested() {
			break
		}
		var history []models.PriceSample
		err := w.withRetry(ctx, "history "+symbol, func(callCtx context.Context) error {
			var e error
			history, e = w.port.GetHistory(callCtx, symbol, w.cfg.Timeframe, bars)
			return e
		})
		if err != nil {
			if broker.IsConnectivity(err) {
				connFailures++
			}
			w.logger.WithError(err).WithField("symbol", symbol).Warn("Skipping symbol this cycle")
			continue
		}
		if len(history) == 0 {
			w.logger.WithField("symbol", symbol).Warn("Empty history, skipping symbol this cycle")
			continue
		}

		var spec broker.SymbolSpec
		err = w.withRetry(ctx, "spec "+symbol, func(callCtx context.Context) error {
			var e error
			spec, e = w.port.GetSymbolSpec(callCtx, symbol)
			return e
		})
		if err != nil {
			if broker.IsConnectivity(err) {
				connFailures++
			}
			w.logger.WithError(err).WithField("symbol", symbol).Warn("No contract spec, skipping symbol this cycle")
			continue
		}

		data[symbol] = symbolData{
			history: history,
			spec:    spec,
			price:   history[len(history)-1].Close,
		}
	}
	return data, connFailures
}

// decide runs strategy and risk per symbol and collects the sized orders.
func (w *Worker) decide(acct models.Account, open []models.Position, data map[string]symbolData) []*models.OrderRequest {
	var orders []*models.OrderRequest
	budget := w.budget.Snapshot()

	for _, symbol := range acct.Symbols {
		sd, ok := data[symbol]
		if !ok {
			continue
		}

		var current *models.Position
		for i := range open {
			if open[i].Symbol == symbol {
				current = &open[i]
				break
			}
		}

		signal := w.strat.Evaluate(sd.history, current)
		order, rejection := w.riskMgr.Assess(risk.Request{
			Signal:        signal,
			Account:       &acct,
			Budget:        &budget,
			OpenPositions: open,
			Spec:          sd.spec,
			History:       sd.history,
		})
		if rejection != nil {
			if rejection.Reason != risk.RejectNoneSignal {
				w.logger.WithFields(logrus.Fields{
					"symbol": symbol,
					"reason": rejection.Reason,
				}).Info("Signal rejected")
			}
			continue
		}
		orders = append(orders, order)

		// Later symbols in the same cycle must see this order against the
		// budget and the concurrent-position cap.
		budget.TradesToday++
		open = append(open, models.Position{
			AccountID: order.AccountID,
			Symbol:    order.Symbol,
			Direction: order.Direction,
			Volume:    order.Volume,
			Status:    models.PositionOpen,
		})
	}
	return orders
}

// execute submits one order with bounded retries and records the fill.
// Submission failures are logged and abandoned; only a ledger fault is
// returned to the caller.
func (w *Worker) execute(ctx context.Context, order *models.OrderRequest) error {
	var ticket string
	err := w.withRetry(ctx, "place order", func(callCtx context.Context) error {
		var e error
		ticket, e = w.port.PlaceOrder(callCtx, order)
		return e
	})
	if err != nil {
		w.logger.WithError(err).WithFields(logrus.Fields{
			"symbol": order.Symbol,
			"side":   order.Direction,
		}).Error("Order submission failed after retries")
		return nil
	}

	pos, err := w.book.RecordOpen(order, ticket, time.Now().UTC())
	if err != nil {
		// Safe to replay: RecordOpen is idempotent on the client key.
		w.logger.WithError(err).WithField("ticket", ticket).Warn("Recording fill failed, retrying once")
		if pos, err = w.book.RecordOpen(order, ticket, time.Now().UTC()); err != nil {
			return fmt.Errorf("%w: record open %s: %v", errLedgerFault, ticket, err)
		}
	}
	w.budget.CountTrade()
	w.bus.Publish(models.TradeOpened(order.AccountID, pos))
	w.logger.WithFields(logrus.Fields{
		"symbol": pos.Symbol,
		"side":   pos.Direction,
		"volume": pos.Volume,
		"ticket": pos.Ticket,
	}).Info("Position opened")
	return nil
}

// managePositions tightens stops on open positions: move to breakeven once
// the profit threshold is reached, then trail by the configured distance.
// Stops only ever tighten.
func (w *Worker) managePositions(ctx context.Context, open []models.Position, data map[string]symbolData) {
	if w.cfg.BreakevenPips <= 0 && w.cfg.TrailingPips <= 0 {
		return
	}

	for _, pos := range open {
		if w.stopRequested() {
			return
		}
		sd, ok := data[pos.Symbol]
		if !ok || sd.spec.Point <= 0 {
			continue
		}
		point := sd.spec.Point

		var profitPips float64
		if pos.Direction == models.DirectionBuy {
			profitPips = (sd.price - pos.OpenPrice) / point
		} else {
			profitPips = (pos.OpenPrice - sd.price) / point
		}

		newStop := pos.StopLoss
		if w.cfg.BreakevenPips > 0 && profitPips >= w.cfg.BreakevenPips {
			newStop = tighten(pos.Direction, newStop, pos.OpenPrice)
		}
		if w.cfg.TrailingPips > 0 && profitPips > w.cfg.TrailingPips {
			if pos.Direction == models.DirectionBuy {
				newStop = tighten(pos.Direction, newStop, sd.price-w.cfg.TrailingPips*point)
			} else {
				newStop = tighten(pos.Direction, newStop, sd.price+w.cfg.TrailingPips*point)
			}
		}
		if newStop == pos.StopLoss {
			continue
		}

		err := w.withRetry(ctx, "modify position", func(callCtx context.Context) error {
			return w.port.ModifyPosition(callCtx, pos.Ticket, newStop, pos.TakeProfit)
		})
		if err != nil {
			w.logger.WithError(err).WithField("ticket", pos.Ticket).Warn("Failed to move stop")
			continue
		}
		w.logger.WithFields(logrus.Fields{
			"ticket": pos.Ticket,
			"symbol": pos.Symbol,
			"stop":   newStop,
		}).Info("Stop tightened")
	}
}

// tighten returns the tighter of the current and candidate stop for the
// given direction. A zero current stop is always replaced.
func tighten(direction models.Direction, current, candidate float64) float64 {
	if current == 0 {
		return candidate
	}
	if direction == models.DirectionBuy {
		if candidate > current {
			return candidate
		}
		return current
	}
	if candidate < current {
		return candidate
	}
	return current
}

// reconcile converges the ledger on the broker's reported open set and
// publishes any discrepancies.
func (w *Worker) reconcile(ctx context.Context, accountID string, data map[string]symbolData) error {
	var brokerOpen []models.Position
	err := w.withRetry(ctx, "list open positions", func(callCtx context.Context) error {
		var e error
		brokerOpen, e = w.port.ListOpenPositions(callCtx)
		return e
	})
	if err != nil {
		return fmt.Errorf("list open positions: %w", err)
	}

	prices := make(map[string]float64, len(data))
	for symbol, sd := range data {
		prices[symbol] = sd.price
	}

	discrepancies, err := w.book.Reconcile(accountID, brokerOpen, prices)
	if err != nil {
		w.logger.WithError(err).Warn("Reconciliation failed, retrying once")
		if discrepancies, err = w.book.Reconcile(accountID, brokerOpen, prices); err != nil {
			return fmt.Errorf("%w: reconcile: %v", errLedgerFault, err)
		}
	}

	for _, d := range discrepancies {
		switch d.Kind {
		case ledger.DiscrepancyExternallyClosed:
			w.logger.WithFields(logrus.Fields{
				"ticket": d.Position.Ticket,
				"symbol": d.Position.Symbol,
			}).Warn("Position closed outside the engine")
			if d.Trade != nil {
				w.bus.Publish(models.TradeClosed(accountID, *d.Trade))
			}
		case ledger.DiscrepancyExternallyOpened:
			w.logger.WithFields(logrus.Fields{
				"ticket": d.Position.Ticket,
				"symbol": d.Position.Symbol,
			}).Warn("Adopted position opened outside the engine")
			w.bus.Publish(models.TradeOpened(accountID, d.Position))
		}
	}
	return nil
}

// withRetry runs fn under the per-call timeout, retrying connectivity
// failures with capped exponential backoff. Business errors return
// immediately; a stop command aborts the backoff wait.
func (w *Worker) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	b := &backoff.Backoff{
		Min:    w.cfg.RetryBase,
		Max:    w.cfg.RetryMax,
		Factor: 2,
	}

	var err error
	for attempt := 0; attempt <= w.cfg.MaxRetries; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, w.cfg.CallTimeout)
		err = fn(callCtx)
		cancel()
		if err == nil || !broker.IsConnectivity(err) {
			return err
		}
		if attempt == w.cfg.MaxRetries {
			break
		}

		state, wake := w.control.Snapshot()
		if state.Status == models.ControlStopped {
			return err
		}

		delay := b.Duration()
		w.logger.WithError(err).WithFields(logrus.Fields{
			"op":      op,
			"attempt": attempt + 1,
			"backoff": delay,
		}).Warn("Provider call failed, backing off")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
			if w.stopRequested() {
				return err
			}
		case <-time.After(delay):
		}
	}
	return err
}
