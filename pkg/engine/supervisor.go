package engine

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gregtusar/fleet/pkg/broker"
	"github.com/gregtusar/fleet/pkg/events"
	"github.com/gregtusar/fleet/pkg/ledger"
	"github.com/gregtusar/fleet/pkg/models"
	"github.com/gregtusar/fleet/pkg/risk"
	"github.com/gregtusar/fleet/pkg/strategy"
)

// PortFactory opens a provider session for one account. A restart after a
// fault gets a fresh session.
type PortFactory func(account models.Account) (broker.Port, error)

// SupervisorConfig bounds the supervisor's own behavior; worker settings
// live in WorkerConfig.
type SupervisorConfig struct {
	Worker          WorkerConfig
	MaxDailyTrades  int
	StopTimeout     time.Duration
	RestartCooldown time.Duration
	MaxRestartsDay  int
}

func (c SupervisorConfig) withDefaults() SupervisorConfig {
	if c.StopTimeout <= 0 {
		c.StopTimeout = 60 * time.Second
	}
	if c.RestartCooldown <= 0 {
		c.RestartCooldown = 5 * time.Minute
	}
	if c.MaxRestartsDay <= 0 {
		c.MaxRestartsDay = 10
	}
	return c
}

// AccountStatus is one account's health as seen by the supervisor.
type AccountStatus struct {
	Account  models.Account    `json:"account"`
	State    WorkerState       `json:"state"`
	Budget   models.RiskBudget `json:"budget"`
	Restarts int               `json:"restarts_today"`
}

type managedWorker struct {
	account  models.Account
	params   strategy.Params
	worker   *Worker
	budget   *budgetBox
	done     chan struct{}
	restarts int
	lastDay  string
	nextTry  time.Time
}

// Supervisor owns the account set, the control state and the lifecycle of
// one worker per enabled account.
type Supervisor struct {
	cfg      SupervisorConfig
	ports    PortFactory
	riskMgr  *risk.Manager
	book     *ledger.Ledger
	bus      *events.Bus
	control  *controlBoard
	logger   *logrus.Logger
	defaults risk.Limits

	mu      sync.Mutex
	workers map[string]*managedWorker
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewSupervisor(ports PortFactory, riskMgr *risk.Manager, book *ledger.Ledger, bus *events.Bus,
	globalLimits risk.Limits, cfg SupervisorConfig, logger *logrus.Logger) *Supervisor {
	return &Supervisor{
		cfg:      cfg.withDefaults(),
		ports:    ports,
		riskMgr:  riskMgr,
		book:     book,
		bus:      bus,
		control:  newControlBoard(),
		logger:   logger,
		defaults: globalLimits,
		workers:  make(map[string]*managedWorker),
	}
}

// AddAccount validates the account, builds its strategy and registers a
// worker. A malformed account is rejected with an error and the rest of
// the fleet is unaffected.
func (s *Supervisor) AddAccount(account models.Account, params strategy.Params) error {
	strat, err := strategy.New(account.Strategy, params)
	if err != nil {
		return err
	}

	port, err := s.ports(account)
	if err != nil {
		return err
	}

	maxDaily := s.cfg.MaxDailyTrades
	if account.Risk.MaxDailyTrades > 0 {
		maxDaily = account.Risk.MaxDailyTrades
	}
	maxOpen := s.defaults.MaxOpenPositions
	if account.Risk.MaxOpenPositions > 0 {
		maxOpen = account.Risk.MaxOpenPositions
	}
	maxDrawdown := s.defaults.MaxDrawdownPercent
	if account.Risk.MaxDrawdownPercent > 0 {
		maxDrawdown = account.Risk.MaxDrawdownPercent
	}
	budget := newBudgetBox(models.RiskBudget{
		AccountID:          account.ID,
		Day:                models.UTCDay(time.Now()),
		MaxDailyTrades:     maxDaily,
		MaxOpenPositions:   maxOpen,
		MaxDrawdownPercent: maxDrawdown,
	})

	account.Status = models.ConnectionDisconnected
	worker := NewWorker(account, port, strat, s.riskMgr, s.book, s.bus, s.control, budget, s.cfg.Worker, s.logger)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers[account.ID] = &managedWorker{
		account: account,
		params:  params,
		worker:  worker,
		budget:  budget,
		lastDay: models.UTCDay(time.Now()),
	}
	return nil
}

// Start launches one worker per registered account plus the housekeeping
// loop that rolls budgets daily and restarts faulted workers.
func (s *Supervisor) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.cancel = cancel
	for id, mw := range s.workers {
		s.logger.WithField("account", id).Info("Starting account worker")
		s.launch(runCtx, mw)
	}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.housekeeping(runCtx)
	}()
}

func (s *Supervisor) launch(ctx context.Context, mw *managedWorker) {
	mw.done = make(chan struct{})
	s.wg.Add(1)
	go func(done chan struct{}) {
		defer s.wg.Done()
		defer close(done)
		mw.worker.Run(ctx)
	}(mw.done)
}

// housekeeping resets daily risk budgets at the UTC rollover and restarts
// faulted workers after a cooldown, capped per day.
func (s *Supervisor) housekeeping(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		state, wake := s.control.Snapshot()
		if state.Status == models.ControlStopped {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-wake:
			continue
		case <-ticker.C:
		}

		now := time.Now()
		s.mu.Lock()
		for id, mw := range s.workers {
			if mw.budget.ResetIfNewDay(now) {
				s.logger.WithField("account", id).Info("Daily risk budget reset")
			}
			if day := models.UTCDay(now); mw.lastDay != day {
				mw.lastDay = day
				mw.restarts = 0
			}

			if mw.worker.State() != StateFaulted || now.Before(mw.nextTry) {
				continue
			}
			if mw.restarts >= s.cfg.MaxRestartsDay {
				continue
			}
			mw.restarts++
			mw.nextTry = now.Add(s.cfg.RestartCooldown)
			if err := s.rebuild(mw); err != nil {
				s.logger.WithError(err).WithField("account", id).Error("Could not rebuild faulted worker")
				continue
			}
			s.logger.WithFields(logrus.Fields{
				"account": id,
				"restart": mw.restarts,
			}).Warn("Restarting faulted account worker")
			s.launch(ctx, mw)
		}
		s.mu.Unlock()
	}
}

// rebuild replaces a faulted worker with a fresh one. The old provider
// session is gone; the account's risk budget carries over.
func (s *Supervisor) rebuild(mw *managedWorker) error {
	strat, err := strategy.New(mw.account.Strategy, mw.params)
	if err != nil {
		return err
	}
	port, err := s.ports(mw.account)
	if err != nil {
		return err
	}
	account := mw.worker.Account()
	account.Status = models.ConnectionDisconnected
	mw.worker = NewWorker(account, port, strat, s.riskMgr, s.book, s.bus, s.control, mw.budget, s.cfg.Worker, s.logger)
	return nil
}

// ApplyControl performs a pause, resume or stop. Stop signals every worker
// and waits up to the configured timeout for them to terminate so no
// in-flight submission is abandoned silently.
func (s *Supervisor) ApplyControl(action models.ControlAction) models.ControlState {
	state := s.control.Apply(action)
	s.logger.WithFields(logrus.Fields{
		"action": action,
		"status": state.Status,
	}).Info("Control state changed")

	if state.Status != models.ControlStopped {
		return state
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("All account workers terminated")
	case <-time.After(s.cfg.StopTimeout):
		s.logger.Warn("Stop timeout elapsed with workers still running")
	}

	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	return state
}

// ControlState returns the current process-wide control state.
func (s *Supervisor) ControlState() models.ControlState {
	state, _ := s.control.Snapshot()
	return state
}

// AccountStatuses reports every managed account's health.
func (s *Supervisor) AccountStatuses() map[string]AccountStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]AccountStatus, len(s.workers))
	for id, mw := range s.workers {
		out[id] = AccountStatus{
			Account:  mw.worker.Account(),
			State:    mw.worker.State(),
			Budget:   mw.budget.Snapshot(),
			Restarts: mw.restarts,
		}
	}
	return out
}

// Accounts returns the managed accounts sorted by nothing in particular;
// the API layer sorts for presentation.
func (s *Supervisor) Accounts() []models.Account {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Account, 0, len(s.workers))
	for _, mw := range s.workers {
		out = append(out, mw.worker.Account())
	}
	return out
}
