package ledger

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gregtusar/fleet/pkg/models"
)

func testLedger() *Ledger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return New(NewMemoryStore(), logger)
}

func openRequest(clientKey string) *models.OrderRequest {
	return &models.OrderRequest{
		AccountID:  "acct-1",
		Symbol:     "EURUSD",
		Direction:  models.DirectionBuy,
		Volume:     0.10,
		Price:      1.1000,
		StopLoss:   1.0950,
		TakeProfit: 1.1100,
		Strategy:   "sma_crossover",
		ClientKey:  clientKey,
	}
}

func TestRecordOpenIsIdempotent(t *testing.T) {
	l := testLedger()
	req := openRequest("key-1")
	openTime := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	first, err := l.RecordOpen(req, "T100", openTime)
	require.NoError(t, err)

	// A replay of the same request after a crash must not create a second row,
	// even if the broker handed back a different ticket.
	second, err := l.RecordOpen(req, "T999", openTime.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, first.Ticket, second.Ticket)

	open, err := l.OpenPositions("acct-1")
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestRecordCloseComputesProfitAndArchives(t *testing.T) {
	l := testLedger()
	openTime := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	pos, err := l.RecordOpen(openRequest("key-1"), "T100", openTime)
	require.NoError(t, err)

	closeTime := openTime.Add(2 * time.Hour)
	trade, err := l.RecordClose("acct-1", pos.Ticket, 1.1050, closeTime)
	require.NoError(t, err)
	assert.InDelta(t, 0.0005, trade.Profit, 1e-9)
	assert.Equal(t, models.PositionClosed, trade.Status)

	// Closing the same ticket again returns the archived trade unchanged.
	again, err := l.RecordClose("acct-1", pos.Ticket, 1.2000, closeTime.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, trade.ClosePrice, again.ClosePrice)
	assert.InDelta(t, trade.Profit, again.Profit, 1e-9)

	open, err := l.OpenPositions("acct-1")
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestRecordCloseUnknownTicket(t *testing.T) {
	l := testLedger()
	_, err := l.RecordClose("acct-1", "T404", 1.1, time.Now())
	assert.Error(t, err)
}

func TestReconcileRefreshesAgreedPositions(t *testing.T) {
	l := testLedger()
	openTime := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	pos, err := l.RecordOpen(openRequest("key-1"), "T100", openTime)
	require.NoError(t, err)

	brokerView := pos
	brokerView.Profit = 12.5
	brokerView.StopLoss = 1.0980

	discrepancies, err := l.Reconcile("acct-1", []models.Position{brokerView}, nil)
	require.NoError(t, err)
	assert.Empty(t, discrepancies)

	open, err := l.OpenPositions("acct-1")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, 12.5, open[0].Profit)
	assert.Equal(t, 1.0980, open[0].StopLoss)
}

func TestReconcileExternallyClosed(t *testing.T) {
	l := testLedger()
	openTime := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	pos, err := l.RecordOpen(openRequest("key-1"), "T100", openTime)
	require.NoError(t, err)

	prices := map[string]float64{"EURUSD": 1.1030}
	discrepancies, err := l.Reconcile("acct-1", nil, prices)
	require.NoError(t, err)
	require.Len(t, discrepancies, 1)
	assert.Equal(t, DiscrepancyExternallyClosed, discrepancies[0].Kind)
	require.NotNil(t, discrepancies[0].Trade)
	assert.Equal(t, 1.1030, discrepancies[0].Trade.ClosePrice)
	assert.Equal(t, models.FlagExternallyClosed, discrepancies[0].Trade.Flag)

	// A second pass finds nothing: the discrepancy is reported exactly once.
	discrepancies, err = l.Reconcile("acct-1", nil, prices)
	require.NoError(t, err)
	assert.Empty(t, discrepancies)

	trades, err := l.Trades("acct-1", 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, pos.Ticket, trades[0].Ticket)
}

func TestReconcileAdoptsExternallyOpened(t *testing.T) {
	l := testLedger()
	foreign := models.Position{
		Ticket:    "T777",
		Symbol:    "GBPUSD",
		Direction: models.DirectionSell,
		Volume:    0.05,
		OpenPrice: 1.2500,
		OpenTime:  time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
	}

	discrepancies, err := l.Reconcile("acct-1", []models.Position{foreign}, nil)
	require.NoError(t, err)
	require.Len(t, discrepancies, 1)
	assert.Equal(t, DiscrepancyExternallyOpened, discrepancies[0].Kind)
	assert.Equal(t, models.FlagExternallyOpened, discrepancies[0].Position.Flag)

	open, err := l.OpenPositions("acct-1")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "acct-1", open[0].AccountID)
	assert.Equal(t, "T777", open[0].Ticket)

	// Adopted positions are tracked like any other from then on.
	discrepancies, err = l.Reconcile("acct-1", []models.Position{open[0]}, nil)
	require.NoError(t, err)
	assert.Empty(t, discrepancies)
}

func TestBacktestsNewestFirstWithLimit(t *testing.T) {
	l := testLedger()
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		require.NoError(t, l.RecordBacktest(&models.BacktestResult{
			Strategy:    "sma_crossover",
			Symbol:      "EURUSD",
			TotalTrades: i + 1,
			CreatedAt:   base.Add(time.Duration(i) * time.Hour),
		}))
	}

	results, err := l.Backtests(2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, 3, results[0].TotalTrades)
	assert.Equal(t, 2, results[1].TotalTrades)
}

func TestAccountsAreIsolated(t *testing.T) {
	l := testLedger()
	openTime := time.Now().UTC()

	reqA := openRequest("key-a")
	reqB := openRequest("key-b")
	reqB.AccountID = "acct-2"

	_, err := l.RecordOpen(reqA, "T1", openTime)
	require.NoError(t, err)
	_, err = l.RecordOpen(reqB, "T1", openTime)
	require.NoError(t, err)

	// Reconciling one account never touches another account's rows.
	_, err = l.Reconcile("acct-2", nil, nil)
	require.NoError(t, err)

	openA, err := l.OpenPositions("acct-1")
	require.NoError(t, err)
	assert.Len(t, openA, 1)

	openB, err := l.OpenPositions("acct-2")
	require.NoError(t, err)
	assert.Empty(t, openB)
}
