package ledger

import (
	"sort"
	"sync"

	"github.com/gregtusar/fleet/pkg/models"
)

type positionKey struct {
	accountID string
	ticket    string
}

// MemoryStore keeps positions and trades in process memory. Backtests and
// tests use it in place of Postgres.
type MemoryStore struct {
	mu        sync.RWMutex
	positions map[positionKey]models.Position
	trades    map[positionKey]models.Trade
	backtests []models.BacktestResult
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		positions: make(map[positionKey]models.Position),
		trades:    make(map[positionKey]models.Trade),
	}
}

func (s *MemoryStore) SavePosition(pos *models.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[positionKey{pos.AccountID, pos.Ticket}] = *pos
	return nil
}

func (s *MemoryStore) FindPosition(accountID, ticket string) (*models.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pos, ok := s.positions[positionKey{accountID, ticket}]
	if !ok {
		return nil, nil
	}
	copied := pos
	return &copied, nil
}

func (s *MemoryStore) FindByClientKey(accountID, symbol, clientKey string) (*models.Position, error) {
	if clientKey == "" {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, pos := range s.positions {
		if pos.AccountID == accountID && pos.Symbol == symbol && pos.ClientKey == clientKey {
			copied := pos
			return &copied, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) OpenPositions(accountID string) ([]models.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Position
	for _, pos := range s.positions {
		if pos.AccountID == accountID && pos.Status == models.PositionOpen {
			out = append(out, pos)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenTime.Before(out[j].OpenTime) })
	return out, nil
}

func (s *MemoryStore) SaveTrade(trade *models.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := positionKey{trade.AccountID, trade.Ticket}
	s.trades[key] = *trade
	if pos, ok := s.positions[key]; ok {
		pos.Status = models.PositionClosed
		pos.Flag = trade.Flag
		s.positions[key] = pos
	}
	return nil
}

func (s *MemoryStore) FindTrade(accountID, ticket string) (*models.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	trade, ok := s.trades[positionKey{accountID, ticket}]
	if !ok {
		return nil, nil
	}
	copied := trade
	return &copied, nil
}

func (s *MemoryStore) Trades(accountID string, limit int) ([]models.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Trade
	for _, trade := range s.trades {
		if trade.AccountID == accountID {
			out = append(out, trade)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CloseTime.After(out[j].CloseTime) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) SaveBacktest(result *models.BacktestResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backtests = append(s.backtests, *result)
	return nil
}

func (s *MemoryStore) Backtests(limit int) ([]models.BacktestResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.BacktestResult, len(s.backtests))
	copy(out, s.backtests)
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
