package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gregtusar/fleet/pkg/broker"
	"github.com/gregtusar/fleet/pkg/events"
	"github.com/gregtusar/fleet/pkg/ledger"
	"github.com/gregtusar/fleet/pkg/models"
	"github.com/gregtusar/fleet/pkg/risk"
	"github.com/gregtusar/fleet/pkg/strategy"
)

func testSupervisor(t *testing.T, ports PortFactory) *Supervisor {
	t.Helper()
	logger := quietLogger()
	book := ledger.New(ledger.NewMemoryStore(), logger)
	bus := events.NewBus(logger)
	riskMgr := risk.NewManager(risk.Limits{RiskPercent: 1}, logger)
	cfg := SupervisorConfig{
		Worker:         fastConfig(),
		MaxDailyTrades: 10,
		StopTimeout:    5 * time.Second,
	}
	return NewSupervisor(ports, riskMgr, book, bus, risk.Limits{RiskPercent: 1, MaxOpenPositions: 5}, cfg, logger)
}

func healthyPorts() PortFactory {
	return func(account models.Account) (broker.Port, error) {
		return &fakePort{
			history:  syntheticHistory("EURUSD", 60),
			spec:     eurusdSpec(),
			snapshot: broker.AccountSnapshot{Balance: 10000, Equity: 10000},
		}, nil
	}
}

func enabledAccount(id string) models.Account {
	return models.Account{
		ID:       id,
		Name:     "Account " + id,
		Enabled:  true,
		Symbols:  []string{"EURUSD"},
		Strategy: "sma_crossover",
	}
}

func TestAddAccountRejectsUnknownStrategy(t *testing.T) {
	s := testSupervisor(t, healthyPorts())
	acct := enabledAccount("a1")
	acct.Strategy = "no_such_strategy"

	err := s.AddAccount(acct, strategy.Params{})
	require.Error(t, err)
	assert.Empty(t, s.AccountStatuses())
}

func TestStopDrainsAllWorkers(t *testing.T) {
	s := testSupervisor(t, healthyPorts())
	require.NoError(t, s.AddAccount(enabledAccount("a1"), strategy.Params{}))
	require.NoError(t, s.AddAccount(enabledAccount("a2"), strategy.Params{}))

	s.Start(context.Background())
	require.Eventually(t, func() bool {
		for _, st := range s.AccountStatuses() {
			if st.Account.Status != models.ConnectionConnected {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	state := s.ApplyControl(models.ActionStop)
	assert.Equal(t, models.ControlStopped, state.Status)

	for id, st := range s.AccountStatuses() {
		assert.Equal(t, StateTerminated, st.State, "worker %s", id)
	}
}

func TestPauseAndResumeTransitions(t *testing.T) {
	s := testSupervisor(t, healthyPorts())

	state := s.ApplyControl(models.ActionPause)
	assert.Equal(t, models.ControlPaused, state.Status)

	state = s.ApplyControl(models.ActionResume)
	assert.Equal(t, models.ControlRunning, state.Status)

	state = s.ApplyControl(models.ActionStop)
	assert.Equal(t, models.ControlStopped, state.Status)

	// Stopped is terminal.
	state = s.ApplyControl(models.ActionResume)
	assert.Equal(t, models.ControlStopped, state.Status)
}

func TestControlBoardVersionsAndWakes(t *testing.T) {
	board := newControlBoard()
	state, wake := board.Snapshot()
	assert.Equal(t, models.ControlRunning, state.Status)
	assert.Equal(t, uint64(1), state.Version)

	board.Apply(models.ActionPause)
	select {
	case <-wake:
	default:
		t.Fatal("wake channel not closed on transition")
	}

	state, _ = board.Snapshot()
	assert.Equal(t, models.ControlPaused, state.Status)
	assert.Equal(t, uint64(2), state.Version)

	// A no-op action neither bumps the version nor wakes anyone.
	_, wake = board.Snapshot()
	board.Apply(models.ActionPause)
	select {
	case <-wake:
		t.Fatal("wake channel closed on a no-op transition")
	default:
	}
}

func TestBudgetBoxDailyRollover(t *testing.T) {
	box := newBudgetBox(models.RiskBudget{
		AccountID:      "a1",
		Day:            "2024-02-29",
		TradesToday:    7,
		MaxDailyTrades: 10,
	})

	now := time.Date(2024, 3, 1, 0, 0, 5, 0, time.UTC)
	assert.True(t, box.ResetIfNewDay(now))
	assert.False(t, box.ResetIfNewDay(now))

	b := box.Snapshot()
	assert.Equal(t, "2024-03-01", b.Day)
	assert.Equal(t, 0, b.TradesToday)

	box.CountTrade()
	assert.Equal(t, 1, box.Snapshot().TradesToday)
}
