package models

import (
	"time"
)

// BacktestResult summarizes one backtest run.
type BacktestResult struct {
	Strategy       string    `json:"strategy"`
	Symbol         string    `json:"symbol"`
	Timeframe      string    `json:"timeframe"`
	StartDate      time.Time `json:"start_date"`
	EndDate        time.Time `json:"end_date"`
	InitialBalance float64   `json:"initial_balance"`
	FinalBalance   float64   `json:"final_balance"`
	TotalTrades    int       `json:"total_trades"`
	WinningTrades  int       `json:"winning_trades"`
	LosingTrades   int       `json:"losing_trades"`
	MaxDrawdown    float64   `json:"max_drawdown"`
	ProfitFactor   float64   `json:"profit_factor"`
	SharpeRatio    float64   `json:"sharpe_ratio"`
	CreatedAt      time.Time `json:"created_at"`
}

// ReturnPercent is the total return of the run relative to the starting balance.
func (r BacktestResult) ReturnPercent() float64 {
	if r.InitialBalance <= 0 {
		return 0
	}
	return (r.FinalBalance - r.InitialBalance) / r.InitialBalance * 100
}

// WinRate is the fraction of closed trades that finished profitable, in percent.
func (r BacktestResult) WinRate() float64 {
	if r.TotalTrades == 0 {
		return 0
	}
	return float64(r.WinningTrades) / float64(r.TotalTrades) * 100
}
