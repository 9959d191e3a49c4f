package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gregtusar/fleet/pkg/broker"
	"github.com/gregtusar/fleet/pkg/engine"
	"github.com/gregtusar/fleet/pkg/events"
	"github.com/gregtusar/fleet/pkg/ledger"
	"github.com/gregtusar/fleet/pkg/models"
	"github.com/gregtusar/fleet/pkg/risk"
	"github.com/gregtusar/fleet/pkg/strategy"
)

func testServer(t *testing.T, jwtSecret string) (*Server, *ledger.Ledger) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	book := ledger.New(ledger.NewMemoryStore(), logger)
	bus := events.NewBus(logger)
	riskMgr := risk.NewManager(risk.Limits{RiskPercent: 1}, logger)
	ports := func(models.Account) (broker.Port, error) { return nil, nil }
	sup := engine.NewSupervisor(ports, riskMgr, book, bus, risk.Limits{RiskPercent: 1}, engine.SupervisorConfig{}, logger)

	require.NoError(t, sup.AddAccount(models.Account{
		ID:       "acct-1",
		Name:     "Main",
		Enabled:  true,
		Symbols:  []string{"EURUSD"},
		Strategy: "sma_crossover",
	}, strategy.Params{}))

	return NewServer(sup, book, NewHub(logger), logger, 0, jwtSecret), book
}

func TestHealthAndAccounts(t *testing.T) {
	server, _ := testServer(t, "")
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/api/accounts")
	require.NoError(t, err)
	defer resp.Body.Close()
	var accounts []engine.AccountStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&accounts))
	require.Len(t, accounts, 1)
	assert.Equal(t, "acct-1", accounts[0].Account.ID)
}

func TestPositionsAndTrades(t *testing.T) {
	server, book := testServer(t, "")
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	openTime := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	req := &models.OrderRequest{
		AccountID: "acct-1",
		Symbol:    "EURUSD",
		Direction: models.DirectionBuy,
		Volume:    0.10,
		Price:     1.1000,
		ClientKey: "k1",
	}
	pos, err := book.RecordOpen(req, "T1", openTime)
	require.NoError(t, err)

	resp, err := http.Get(ts.URL + "/api/positions?account=acct-1")
	require.NoError(t, err)
	defer resp.Body.Close()
	var positions []models.Position
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&positions))
	require.Len(t, positions, 1)
	assert.Equal(t, pos.Ticket, positions[0].Ticket)

	_, err = book.RecordClose("acct-1", "T1", 1.1050, openTime.Add(time.Hour))
	require.NoError(t, err)

	resp, err = http.Get(ts.URL + "/api/trades")
	require.NoError(t, err)
	defer resp.Body.Close()
	var trades []models.Trade
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&trades))
	require.Len(t, trades, 1)
	assert.Equal(t, "T1", trades[0].Ticket)
}

func TestControlRequiresBearerToken(t *testing.T) {
	server, _ := testServer(t, "secret-key")
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	// GET is open.
	resp, err := http.Get(ts.URL + "/api/control")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body := strings.NewReader(`{"action":"pause"}`)
	resp, err = http.Post(ts.URL+"/api/control", "application/json", body)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "dashboard",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("secret-key"))
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/control", strings.NewReader(`{"action":"pause"}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var state models.ControlState
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&state))
	assert.Equal(t, models.ControlPaused, state.Status)
}

func TestControlRejectsUnknownAction(t *testing.T) {
	server, _ := testServer(t, "")
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/control", "application/json", strings.NewReader(`{"action":"reboot"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBacktestsEndpointServesLedgerHistory(t *testing.T) {
	server, book := testServer(t, "")
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	// Empty history is an empty array, not null.
	resp, err := http.Get(ts.URL + "/api/backtests")
	require.NoError(t, err)
	var results []models.BacktestResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&results))
	resp.Body.Close()
	require.NotNil(t, results)
	assert.Empty(t, results)

	// A run persisted through the ledger shows up on the next read.
	require.NoError(t, book.RecordBacktest(&models.BacktestResult{
		Strategy:    "sma_crossover",
		Symbol:      "EURUSD",
		TotalTrades: 4,
		CreatedAt:   time.Now().UTC(),
	}))

	resp, err = http.Get(ts.URL + "/api/backtests")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&results))
	require.Len(t, results, 1)
	assert.Equal(t, "EURUSD", results[0].Symbol)
	assert.Equal(t, 4, results[0].TotalTrades)
}
