package models

import (
	"time"
)

// OrderRequest is a risk-checked, sized instruction to open a position.
// ClientKey is the caller-generated idempotency key; replaying the same
// request must not create a duplicate position.
type OrderRequest struct {
	AccountID  string
	Symbol     string
	Direction  Direction
	Volume     float64
	Price      float64
	StopLoss   float64
	TakeProfit float64
	Strategy   string
	ClientKey  string
}

type PositionStatus string

const (
	PositionOpen   PositionStatus = "OPEN"
	PositionClosed PositionStatus = "CLOSED"
)

// PositionFlag marks how a position entered or left the ledger relative to
// the broker's view.
type PositionFlag string

const (
	FlagNone             PositionFlag = ""
	FlagExternallyOpened PositionFlag = "externally-opened"
	FlagExternallyClosed PositionFlag = "externally-closed"
)

// Position is an open trade, keyed by the broker-assigned ticket.
type Position struct {
	Ticket     string         `json:"ticket"`
	AccountID  string         `json:"account_id"`
	Symbol     string         `json:"symbol"`
	Direction  Direction      `json:"direction"`
	Volume     float64        `json:"volume"`
	OpenPrice  float64        `json:"open_price"`
	OpenTime   time.Time      `json:"open_time"`
	StopLoss   float64        `json:"sl"`
	TakeProfit float64        `json:"tp"`
	Profit     float64        `json:"profit"`
	Strategy   string         `json:"strategy"`
	ClientKey  string         `json:"-"`
	Status     PositionStatus `json:"status"`
	Flag       PositionFlag   `json:"flag,omitempty"`
}

// Trade is the immutable record of a closed position. Its Profit is the
// signed price move times volume, in quote-currency price units; converting
// to account currency needs the symbol's contract spec, which the ledger
// does not carry. The backtester does its own spec-aware conversion.
type Trade struct {
	Position
	ClosePrice float64   `json:"close_price"`
	CloseTime  time.Time `json:"close_time"`
}

// Close archives the position as a Trade at the given price and time.
func (p Position) Close(price float64, at time.Time) Trade {
	closed := p
	closed.Status = PositionClosed
	closed.Profit = closed.realized(price)
	return Trade{Position: closed, ClosePrice: price, CloseTime: at}
}

// realized is the price-unit profit of closing at closePrice, not an
// account-currency amount.
func (p Position) realized(closePrice float64) float64 {
	diff := closePrice - p.OpenPrice
	if p.Direction == DirectionSell {
		diff = -diff
	}
	return diff * p.Volume
}
