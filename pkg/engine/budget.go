package engine

import (
	"sync"
	"time"

	"github.com/gregtusar/fleet/pkg/models"
)

// budgetBox guards one account's risk budget. The worker counts trades
// against it; the supervisor rolls it over at the UTC day boundary.
type budgetBox struct {
	mu     sync.Mutex
	budget models.RiskBudget
}

func newBudgetBox(budget models.RiskBudget) *budgetBox {
	return &budgetBox{budget: budget}
}

func (b *budgetBox) Snapshot() models.RiskBudget {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.budget
}

func (b *budgetBox) CountTrade() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.budget.TradesToday++
}

// ResetIfNewDay clears the daily counter when now has crossed into a new
// UTC day. Returns true when a rollover happened.
func (b *budgetBox) ResetIfNewDay(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	day := models.UTCDay(now)
	if b.budget.Day == day {
		return false
	}
	b.budget.Day = day
	b.budget.TradesToday = 0
	return true
}
