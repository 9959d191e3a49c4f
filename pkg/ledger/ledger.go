package ledger

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gregtusar/fleet/pkg/models"
)

// Store is the durable record of positions and trades, keyed by
// (account id, ticket). Implementations must make each call atomic; the
// Ledger on top serializes writers per account.
type Store interface {
	SavePosition(pos *models.Position) error
	FindPosition(accountID, ticket string) (*models.Position, error)
	FindByClientKey(accountID, symbol, clientKey string) (*models.Position, error)
	OpenPositions(accountID string) ([]models.Position, error)
	SaveTrade(trade *models.Trade) error
	FindTrade(accountID, ticket string) (*models.Trade, error)
	Trades(accountID string, limit int) ([]models.Trade, error)
	SaveBacktest(result *models.BacktestResult) error
	Backtests(limit int) ([]models.BacktestResult, error)
	Close() error
}

type DiscrepancyKind string

const (
	DiscrepancyExternallyClosed DiscrepancyKind = "externally-closed"
	DiscrepancyExternallyOpened DiscrepancyKind = "externally-opened"
)

// Discrepancy is one difference found between the ledger's OPEN set and the
// broker's reported open set. Trade is set for externally closed positions.
type Discrepancy struct {
	Kind     DiscrepancyKind
	Position models.Position
	Trade    *models.Trade
}

// Ledger is the writer of record for positions. Writes for one account are
// strictly sequential; reads see a consistent snapshot because the store
// never exposes a half-written row.
type Ledger struct {
	store  Store
	logger *logrus.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(store Store, logger *logrus.Logger) *Ledger {
	return &Ledger{
		store:  store,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}
}

func (l *Ledger) accountLock(accountID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock, ok := l.locks[accountID]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[accountID] = lock
	}
	return lock
}

// RecordOpen persists a newly opened position. It is idempotent on
// (account id, symbol, client key): replaying the same request after a
// crash returns the already-recorded position instead of creating a
// duplicate.
func (l *Ledger) RecordOpen(req *models.OrderRequest, ticket string, openTime time.Time) (models.Position, error) {
	lock := l.accountLock(req.AccountID)
	lock.Lock()
	defer lock.Unlock()

	existing, err := l.store.FindByClientKey(req.AccountID, req.Symbol, req.ClientKey)
	if err != nil {
		return models.Position{}, fmt.Errorf("lookup by client key: %w", err)
	}
	if existing != nil {
		l.logger.WithFields(logrus.Fields{
			"account": req.AccountID,
			"ticket":  existing.Ticket,
		}).Debug("Duplicate open request, returning recorded position")
		return *existing, nil
	}

	pos := models.Position{
		Ticket:     ticket,
		AccountID:  req.AccountID,
		Symbol:     req.Symbol,
		Direction:  req.Direction,
		Volume:     req.Volume,
		OpenPrice:  req.Price,
		OpenTime:   openTime,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
		Strategy:   req.Strategy,
		ClientKey:  req.ClientKey,
		Status:     models.PositionOpen,
	}
	if err := l.store.SavePosition(&pos); err != nil {
		return models.Position{}, fmt.Errorf("save position: %w", err)
	}
	return pos, nil
}

// RecordClose archives an open position as a trade. Closing an
// already-closed ticket returns the archived trade unchanged.
func (l *Ledger) RecordClose(accountID, ticket string, closePrice float64, closeTime time.Time) (models.Trade, error) {
	lock := l.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	return l.recordCloseLocked(accountID, ticket, closePrice, closeTime, models.FlagNone)
}

func (l *Ledger) recordCloseLocked(accountID, ticket string, closePrice float64, closeTime time.Time, flag models.PositionFlag) (models.Trade, error) {
	pos, err := l.store.FindPosition(accountID, ticket)
	if err != nil {
		return models.Trade{}, fmt.Errorf("lookup position: %w", err)
	}
	if pos == nil || pos.Status == models.PositionClosed {
		archived, err := l.store.FindTrade(accountID, ticket)
		if err != nil {
			return models.Trade{}, fmt.Errorf("lookup trade: %w", err)
		}
		if archived != nil {
			return *archived, nil
		}
		return models.Trade{}, fmt.Errorf("ticket %s not found for account %s", ticket, accountID)
	}

	trade := pos.Close(closePrice, closeTime)
	trade.Flag = flag
	if err := l.store.SaveTrade(&trade); err != nil {
		return models.Trade{}, fmt.Errorf("save trade: %w", err)
	}
	return trade, nil
}

// Reconcile compares the ledger's OPEN set for one account against what the
// broker reports as open and converges the ledger onto the broker's view.
// prices supplies the last known price per symbol for positions the broker
// no longer has; the open price is the fallback. The call is mandatory once
// per cycle: the core never assumes exclusive control of the account.
func (l *Ledger) Reconcile(accountID string, brokerOpen []models.Position, prices map[string]float64) ([]Discrepancy, error) {
	lock := l.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	ours, err := l.store.OpenPositions(accountID)
	if err != nil {
		return nil, fmt.Errorf("list open positions: %w", err)
	}

	brokerByTicket := make(map[string]models.Position, len(brokerOpen))
	for _, pos := range brokerOpen {
		brokerByTicket[pos.Ticket] = pos
	}

	var discrepancies []Discrepancy
	now := time.Now().UTC()

	for _, pos := range ours {
		broker, stillOpen := brokerByTicket[pos.Ticket]
		if stillOpen {
			// Both agree the ticket is open; carry the broker's floating
			// profit and current stops onto our row.
			pos.Profit = broker.Profit
			if broker.StopLoss > 0 {
				pos.StopLoss = broker.StopLoss
			}
			if broker.TakeProfit > 0 {
				pos.TakeProfit = broker.TakeProfit
			}
			if err := l.store.SavePosition(&pos); err != nil {
				return nil, fmt.Errorf("refresh position %s: %w", pos.Ticket, err)
			}
			delete(brokerByTicket, pos.Ticket)
			continue
		}

		closePrice := prices[pos.Symbol]
		if closePrice == 0 {
			closePrice = pos.OpenPrice
		}
		trade, err := l.recordCloseLocked(accountID, pos.Ticket, closePrice, now, models.FlagExternallyClosed)
		if err != nil {
			return nil, err
		}
		discrepancies = append(discrepancies, Discrepancy{
			Kind:     DiscrepancyExternallyClosed,
			Position: pos,
			Trade:    &trade,
		})
		delete(brokerByTicket, pos.Ticket)
	}

	for _, pos := range brokerOpen {
		if _, unmatched := brokerByTicket[pos.Ticket]; !unmatched {
			continue
		}
		adopted := pos
		adopted.AccountID = accountID
		adopted.Status = models.PositionOpen
		adopted.Flag = models.FlagExternallyOpened
		if adopted.OpenTime.IsZero() {
			adopted.OpenTime = now
		}
		if err := l.store.SavePosition(&adopted); err != nil {
			return nil, fmt.Errorf("adopt position %s: %w", adopted.Ticket, err)
		}
		discrepancies = append(discrepancies, Discrepancy{
			Kind:     DiscrepancyExternallyOpened,
			Position: adopted,
		})
	}

	return discrepancies, nil
}

// OpenPositions returns a consistent snapshot of the account's open set.
func (l *Ledger) OpenPositions(accountID string) ([]models.Position, error) {
	lock := l.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()
	return l.store.OpenPositions(accountID)
}

// Trades returns up to limit most recent closed trades for the account.
func (l *Ledger) Trades(accountID string, limit int) ([]models.Trade, error) {
	lock := l.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()
	return l.store.Trades(accountID, limit)
}

// RecordBacktest archives a finished backtest run. Results are not tied to
// an account, so no account lock applies.
func (l *Ledger) RecordBacktest(result *models.BacktestResult) error {
	return l.store.SaveBacktest(result)
}

// Backtests returns up to limit most recent backtest runs, newest first.
func (l *Ledger) Backtests(limit int) ([]models.BacktestResult, error) {
	return l.store.Backtests(limit)
}
