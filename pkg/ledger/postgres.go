package ledger

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/gregtusar/fleet/pkg/models"
)

// PostgresStore is the durable Store backing the live engine. Rows are
// keyed by (account_id, ticket); a unique index on (account_id, symbol,
// client_key) backs the open-request idempotency guarantee.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string, maxOpenConns, maxIdleConns int, connMaxLifetime time.Duration) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)

	store := &PostgresStore{db: db}
	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return store, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS positions (
			account_id VARCHAR(64) NOT NULL,
			ticket VARCHAR(64) NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			direction VARCHAR(4) NOT NULL,
			volume DECIMAL(20, 8) NOT NULL,
			open_price DECIMAL(20, 8) NOT NULL,
			open_time TIMESTAMPTZ NOT NULL,
			stop_loss DECIMAL(20, 8) NOT NULL DEFAULT 0,
			take_profit DECIMAL(20, 8) NOT NULL DEFAULT 0,
			profit DECIMAL(20, 8) NOT NULL DEFAULT 0,
			strategy VARCHAR(50),
			client_key VARCHAR(64),
			status VARCHAR(10) NOT NULL DEFAULT 'OPEN',
			flag VARCHAR(30) NOT NULL DEFAULT '',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (account_id, ticket)
		)`,
		`CREATE TABLE IF NOT EXISTS trades (
			account_id VARCHAR(64) NOT NULL,
			ticket VARCHAR(64) NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			direction VARCHAR(4) NOT NULL,
			volume DECIMAL(20, 8) NOT NULL,
			open_price DECIMAL(20, 8) NOT NULL,
			open_time TIMESTAMPTZ NOT NULL,
			close_price DECIMAL(20, 8) NOT NULL,
			close_time TIMESTAMPTZ NOT NULL,
			profit DECIMAL(20, 8) NOT NULL DEFAULT 0,
			strategy VARCHAR(50),
			flag VARCHAR(30) NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (account_id, ticket)
		)`,
		`CREATE TABLE IF NOT EXISTS backtests (
			id SERIAL PRIMARY KEY,
			strategy VARCHAR(50) NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			timeframe VARCHAR(10) NOT NULL,
			start_date TIMESTAMPTZ NOT NULL,
			end_date TIMESTAMPTZ NOT NULL,
			initial_balance DECIMAL(20, 8) NOT NULL,
			final_balance DECIMAL(20, 8) NOT NULL,
			total_trades INT NOT NULL,
			winning_trades INT NOT NULL,
			losing_trades INT NOT NULL,
			max_drawdown DECIMAL(20, 8) NOT NULL,
			profit_factor DECIMAL(20, 8) NOT NULL,
			sharpe_ratio DECIMAL(20, 8) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_positions_client_key
			ON positions(account_id, symbol, client_key) WHERE client_key <> ''`,
		`CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(account_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_close_time ON trades(account_id, close_time)`,
		`CREATE INDEX IF NOT EXISTS idx_backtests_created_at ON backtests(created_at)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) SavePosition(pos *models.Position) error {
	query := `
		INSERT INTO positions (account_id, ticket, symbol, direction, volume, open_price, open_time,
		                       stop_loss, take_profit, profit, strategy, client_key, status, flag, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NOW())
		ON CONFLICT (account_id, ticket) DO UPDATE SET
			stop_loss = EXCLUDED.stop_loss,
			take_profit = EXCLUDED.take_profit,
			profit = EXCLUDED.profit,
			status = EXCLUDED.status,
			flag = EXCLUDED.flag,
			updated_at = NOW()
	`
	_, err := s.db.Exec(query,
		pos.AccountID, pos.Ticket, pos.Symbol, pos.Direction, pos.Volume,
		pos.OpenPrice, pos.OpenTime, pos.StopLoss, pos.TakeProfit, pos.Profit,
		pos.Strategy, pos.ClientKey, pos.Status, pos.Flag,
	)
	return err
}

const positionColumns = `account_id, ticket, symbol, direction, volume, open_price, open_time,
	stop_loss, take_profit, profit, strategy, client_key, status, flag`

func (s *PostgresStore) FindPosition(accountID, ticket string) (*models.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions WHERE account_id = $1 AND ticket = $2`
	return s.scanPosition(s.db.QueryRow(query, accountID, ticket))
}

func (s *PostgresStore) FindByClientKey(accountID, symbol, clientKey string) (*models.Position, error) {
	if clientKey == "" {
		return nil, nil
	}
	query := `SELECT ` + positionColumns + ` FROM positions WHERE account_id = $1 AND symbol = $2 AND client_key = $3`
	return s.scanPosition(s.db.QueryRow(query, accountID, symbol, clientKey))
}

func (s *PostgresStore) scanPosition(row *sql.Row) (*models.Position, error) {
	var pos models.Position
	var strategy sql.NullString
	err := row.Scan(
		&pos.AccountID, &pos.Ticket, &pos.Symbol, &pos.Direction, &pos.Volume,
		&pos.OpenPrice, &pos.OpenTime, &pos.StopLoss, &pos.TakeProfit, &pos.Profit,
		&strategy, &pos.ClientKey, &pos.Status, &pos.Flag,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	pos.Strategy = strategy.String
	return &pos, nil
}

func (s *PostgresStore) OpenPositions(accountID string) ([]models.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions
		WHERE account_id = $1 AND status = 'OPEN' ORDER BY open_time`
	rows, err := s.db.Query(query, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []models.Position
	for rows.Next() {
		var pos models.Position
		var strategy sql.NullString
		err := rows.Scan(
			&pos.AccountID, &pos.Ticket, &pos.Symbol, &pos.Direction, &pos.Volume,
			&pos.OpenPrice, &pos.OpenTime, &pos.StopLoss, &pos.TakeProfit, &pos.Profit,
			&strategy, &pos.ClientKey, &pos.Status, &pos.Flag,
		)
		if err != nil {
			return nil, err
		}
		pos.Strategy = strategy.String
		positions = append(positions, pos)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) SaveTrade(trade *models.Trade) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	insert := `
		INSERT INTO trades (account_id, ticket, symbol, direction, volume, open_price, open_time,
		                    close_price, close_time, profit, strategy, flag)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (account_id, ticket) DO NOTHING
	`
	if _, err := tx.Exec(insert,
		trade.AccountID, trade.Ticket, trade.Symbol, trade.Direction, trade.Volume,
		trade.OpenPrice, trade.OpenTime, trade.ClosePrice, trade.CloseTime,
		trade.Profit, trade.Strategy, trade.Flag,
	); err != nil {
		return err
	}

	update := `UPDATE positions SET status = 'CLOSED', flag = $3, profit = $4, updated_at = NOW()
		WHERE account_id = $1 AND ticket = $2`
	if _, err := tx.Exec(update, trade.AccountID, trade.Ticket, trade.Flag, trade.Profit); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *PostgresStore) FindTrade(accountID, ticket string) (*models.Trade, error) {
	query := `SELECT account_id, ticket, symbol, direction, volume, open_price, open_time,
		close_price, close_time, profit, strategy, flag
		FROM trades WHERE account_id = $1 AND ticket = $2`
	var trade models.Trade
	var strategy sql.NullString
	err := s.db.QueryRow(query, accountID, ticket).Scan(
		&trade.AccountID, &trade.Ticket, &trade.Symbol, &trade.Direction, &trade.Volume,
		&trade.OpenPrice, &trade.OpenTime, &trade.ClosePrice, &trade.CloseTime,
		&trade.Profit, &strategy, &trade.Flag,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	trade.Strategy = strategy.String
	trade.Status = models.PositionClosed
	return &trade, nil
}

func (s *PostgresStore) Trades(accountID string, limit int) ([]models.Trade, error) {
	query := `SELECT account_id, ticket, symbol, direction, volume, open_price, open_time,
		close_price, close_time, profit, strategy, flag
		FROM trades WHERE account_id = $1 ORDER BY close_time DESC LIMIT $2`
	rows, err := s.db.Query(query, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []models.Trade
	for rows.Next() {
		var trade models.Trade
		var strategy sql.NullString
		err := rows.Scan(
			&trade.AccountID, &trade.Ticket, &trade.Symbol, &trade.Direction, &trade.Volume,
			&trade.OpenPrice, &trade.OpenTime, &trade.ClosePrice, &trade.CloseTime,
			&trade.Profit, &strategy, &trade.Flag,
		)
		if err != nil {
			return nil, err
		}
		trade.Strategy = strategy.String
		trade.Status = models.PositionClosed
		trades = append(trades, trade)
	}
	return trades, rows.Err()
}

func (s *PostgresStore) SaveBacktest(result *models.BacktestResult) error {
	query := `
		INSERT INTO backtests (strategy, symbol, timeframe, start_date, end_date,
		                       initial_balance, final_balance, total_trades, winning_trades,
		                       losing_trades, max_drawdown, profit_factor, sharpe_ratio, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err := s.db.Exec(query,
		result.Strategy, result.Symbol, result.Timeframe, result.StartDate, result.EndDate,
		result.InitialBalance, result.FinalBalance, result.TotalTrades, result.WinningTrades,
		result.LosingTrades, result.MaxDrawdown, result.ProfitFactor, result.SharpeRatio,
		result.CreatedAt,
	)
	return err
}

func (s *PostgresStore) Backtests(limit int) ([]models.BacktestResult, error) {
	query := `SELECT strategy, symbol, timeframe, start_date, end_date,
		initial_balance, final_balance, total_trades, winning_trades,
		losing_trades, max_drawdown, profit_factor, sharpe_ratio, created_at
		FROM backtests ORDER BY created_at DESC LIMIT $1`
	rows, err := s.db.Query(query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []models.BacktestResult
	for rows.Next() {
		var result models.BacktestResult
		err := rows.Scan(
			&result.Strategy, &result.Symbol, &result.Timeframe, &result.StartDate, &result.EndDate,
			&result.InitialBalance, &result.FinalBalance, &result.TotalTrades, &result.WinningTrades,
			&result.LosingTrades, &result.MaxDrawdown, &result.ProfitFactor, &result.SharpeRatio,
			&result.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		results = append(results, result)
	}
	return results, rows.Err()
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
