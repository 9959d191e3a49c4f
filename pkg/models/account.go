package models

import (
	"time"
)

type ConnectionStatus string

const (
	ConnectionDisconnected ConnectionStatus = "disconnected"
	ConnectionConnecting   ConnectionStatus = "connecting"
	ConnectionConnected    ConnectionStatus = "connected"
	ConnectionError        ConnectionStatus = "error"
)

// Account is one brokerage account under management. Credentials are referenced
// by an opaque handle and resolved outside the core.
type Account struct {
	ID             string           `json:"id"`
	Name           string           `json:"name"`
	Server         string           `json:"server"`
	CredentialsRef string           `json:"-"`
	Currency       string           `json:"currency"`
	Enabled        bool             `json:"enabled"`
	Symbols        []string         `json:"symbols"`
	Strategy       string           `json:"strategy"`
	Risk           RiskOverrides    `json:"risk"`
	Status         ConnectionStatus `json:"status"`
	Balance        float64          `json:"balance"`
	Equity         float64          `json:"equity"`
	Margin         float64          `json:"margin"`
	MarginFree     float64          `json:"margin_free"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// RiskOverrides are per-account limits. Zero values fall back to the
// global settings.
type RiskOverrides struct {
	RiskPercent        float64 `json:"risk_percent,omitempty"`
	MaxVolume          float64 `json:"max_volume,omitempty"`
	MaxDailyTrades     int     `json:"max_daily_trades,omitempty"`
	MaxOpenPositions   int     `json:"max_open_positions,omitempty"`
	MaxDrawdownPercent float64 `json:"max_drawdown_percent,omitempty"`
}

// RiskBudget tracks the per-account limits enforced before every order
// submission. Day is a UTC date; the supervisor resets the counter when
// it rolls over.
type RiskBudget struct {
	AccountID          string
	Day                string
	TradesToday        int
	MaxDailyTrades     int
	MaxOpenPositions   int
	MaxDrawdownPercent float64
}

// Exhausted reports whether the daily trade allowance is used up.
func (b *RiskBudget) Exhausted() bool {
	return b.MaxDailyTrades > 0 && b.TradesToday >= b.MaxDailyTrades
}

func UTCDay(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
