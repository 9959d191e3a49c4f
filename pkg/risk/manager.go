package risk

import (
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/gregtusar/fleet/pkg/broker"
	"github.com/gregtusar/fleet/pkg/models"
)

type RejectReason string

const (
	RejectNoneSignal         RejectReason = "none-signal"
	RejectDailyTradeLimit    RejectReason = "daily-trade-limit-reached"
	RejectMaxPositions       RejectReason = "max-concurrent-positions"
	RejectDrawdownLimit      RejectReason = "drawdown-limit-exceeded"
	RejectInsufficientMargin RejectReason = "insufficient-margin"
	RejectDuplicateSignal    RejectReason = "duplicate-signal"
	RejectNoStopDefined      RejectReason = "no-stop-defined"
)

// Rejection is an expected business outcome, not an error. The worker logs
// it at info level and moves on.
type Rejection struct {
	Reason RejectReason
	Detail string
}

func (r *Rejection) String() string {
	if r.Detail == "" {
		return string(r.Reason)
	}
	return fmt.Sprintf("%s: %s", r.Reason, r.Detail)
}

func reject(reason RejectReason, format string, args ...interface{}) (*models.OrderRequest, *Rejection) {
	return nil, &Rejection{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// Limits are the global risk settings. Account-level overrides win where
// they are non-zero.
type Limits struct {
	RiskPercent        float64
	MaxVolume          float64
	MaxOpenPositions   int
	MaxDrawdownPercent float64
	ATRPeriod          int
	SLMultiplier       float64
	TPMultiplier       float64
}

// Request is everything the manager needs to turn a signal into a sized
// order: the signal itself, the account and its budget, what is already
// open, the contract spec and the history window the stops derive from.
type Request struct {
	Signal        models.Signal
	Account       *models.Account
	Budget        *models.RiskBudget
	OpenPositions []models.Position
	Spec          broker.SymbolSpec
	History       []models.PriceSample
}

type Manager struct {
	limits Limits
	logger *logrus.Logger
}

func NewManager(limits Limits, logger *logrus.Logger) *Manager {
	if limits.ATRPeriod == 0 {
		limits.ATRPeriod = 14
	}
	if limits.SLMultiplier == 0 {
		limits.SLMultiplier = 1.5
	}
	if limits.TPMultiplier == 0 {
		limits.TPMultiplier = 2.0
	}
	return &Manager{limits: limits, logger: logger}
}

// Assess converts a signal into a bounded order request or a typed
// rejection. It never places unprotected orders: an order without a
// derivable stop is rejected, and a computed volume below the broker's
// minimum step is rejected rather than rounded up past the configured risk.
func (m *Manager) Assess(req Request) (*models.OrderRequest, *Rejection) {
	sig := req.Signal
	if sig.Direction == models.DirectionNone {
		return reject(RejectNoneSignal, "")
	}

	if req.Budget.Exhausted() {
		return reject(RejectDailyTradeLimit, "%d trades today", req.Budget.TradesToday)
	}

	maxOpen := m.limits.MaxOpenPositions
	if req.Account.Risk.MaxOpenPositions > 0 {
		maxOpen = req.Account.Risk.MaxOpenPositions
	}
	if maxOpen > 0 && len(req.OpenPositions) >= maxOpen {
		return reject(RejectMaxPositions, "%d open", len(req.OpenPositions))
	}

	maxDrawdown := m.limits.MaxDrawdownPercent
	if req.Account.Risk.MaxDrawdownPercent > 0 {
		maxDrawdown = req.Account.Risk.MaxDrawdownPercent
	}
	if maxDrawdown > 0 && req.Account.Balance > 0 {
		drawdown := (1 - req.Account.Equity/req.Account.Balance) * 100
		if drawdown >= maxDrawdown {
			return reject(RejectDrawdownLimit, "%.2f%% >= %.2f%%", drawdown, maxDrawdown)
		}
	}

	for _, pos := range req.OpenPositions {
		if pos.Symbol == sig.Symbol && pos.Direction == sig.Direction {
			return reject(RejectDuplicateSignal, "%s %s already open", sig.Symbol, sig.Direction)
		}
	}

	slPips, tpPips := DynamicStops(req.History, req.Spec, m.limits.ATRPeriod, m.limits.SLMultiplier, m.limits.TPMultiplier)
	if slPips <= 0 || req.Spec.Point <= 0 {
		return reject(RejectNoStopDefined, "no stop distance for %s", sig.Symbol)
	}

	volume, rej := m.sizeVolume(req, slPips)
	if rej != nil {
		return nil, rej
	}

	price := lastPrice(req.History)
	slDistance := slPips * req.Spec.Point
	tpDistance := tpPips * req.Spec.Point

	order := &models.OrderRequest{
		AccountID: req.Account.ID,
		Symbol:    sig.Symbol,
		Direction: sig.Direction,
		Volume:    volume,
		Price:     price,
		Strategy:  sig.Strategy,
		ClientKey: uuid.NewString(),
	}
	if sig.Direction == models.DirectionBuy {
		order.StopLoss = price - slDistance
		order.TakeProfit = price + tpDistance
	} else {
		order.StopLoss = price + slDistance
		order.TakeProfit = price - tpDistance
	}

	m.logger.WithFields(logrus.Fields{
		"account": req.Account.ID,
		"symbol":  sig.Symbol,
		"side":    sig.Direction,
		"volume":  volume,
		"sl_pips": slPips,
		"tp_pips": tpPips,
	}).Debug("Order request sized")

	return order, nil
}

// sizeVolume derives the lot size from account equity, the configured risk
// percentage and the stop distance, then clamps it to the broker's lot
// constraints. Rounding is always down.
func (m *Manager) sizeVolume(req Request, slPips float64) (float64, *Rejection) {
	riskPercent := m.limits.RiskPercent
	if req.Account.Risk.RiskPercent > 0 {
		riskPercent = req.Account.Risk.RiskPercent
	}
	maxVolume := m.limits.MaxVolume
	if req.Account.Risk.MaxVolume > 0 {
		maxVolume = req.Account.Risk.MaxVolume
	}

	if req.Spec.PipValue <= 0 {
		_, rej := reject(RejectInsufficientMargin, "no pip value for %s", req.Signal.Symbol)
		return 0, rej
	}

	riskAmount := req.Account.Equity * riskPercent / 100
	volume := riskAmount / (slPips * req.Spec.PipValue)

	if maxVolume > 0 && volume > maxVolume {
		volume = maxVolume
	}
	if req.Spec.VolumeMax > 0 && volume > req.Spec.VolumeMax {
		volume = req.Spec.VolumeMax
	}
	if req.Spec.VolumeStep > 0 {
		volume = math.Floor(volume/req.Spec.VolumeStep) * req.Spec.VolumeStep
	}
	if volume < req.Spec.VolumeMin || volume <= 0 {
		_, rej := reject(RejectInsufficientMargin, "sized %.4f below minimum lot %.4f", volume, req.Spec.VolumeMin)
		return 0, rej
	}
	return volume, nil
}

// lastPrice is the latest bar's quote midpoint, falling back to the close
// for series that carry no bid and ask.
func lastPrice(history []models.PriceSample) float64 {
	if len(history) == 0 {
		return 0
	}
	return history[len(history)-1].Mid()
}
