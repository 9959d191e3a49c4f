package models

import (
	"time"
)

type EventType string

const (
	EventAccountUpdate EventType = "account_update"
	EventTradeOpened   EventType = "trade_opened"
	EventTradeClosed   EventType = "trade_closed"
	EventSystemLog     EventType = "system_log"
)

// Event is the unit published on the event bus and streamed to dashboard
// and notifier subscribers. Exactly one of Account, Trade or Log is set,
// matching Type.
type Event struct {
	Type      EventType `json:"type"`
	AccountID string    `json:"account_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Account   *Account  `json:"account,omitempty"`
	Trade     *Trade    `json:"trade,omitempty"`
	Log       *LogEntry `json:"log,omitempty"`
}

type LogEntry struct {
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Module    string    `json:"module"`
	Timestamp time.Time `json:"timestamp"`
}

func AccountUpdated(account *Account) Event {
	return Event{
		Type:      EventAccountUpdate,
		AccountID: account.ID,
		Timestamp: time.Now().UTC(),
		Account:   account,
	}
}

func TradeOpened(accountID string, pos Position) Event {
	trade := Trade{Position: pos}
	return Event{
		Type:      EventTradeOpened,
		AccountID: accountID,
		Timestamp: time.Now().UTC(),
		Trade:     &trade,
	}
}

func TradeClosed(accountID string, trade Trade) Event {
	return Event{
		Type:      EventTradeClosed,
		AccountID: accountID,
		Timestamp: time.Now().UTC(),
		Trade:     &trade,
	}
}

func SystemLog(level, module, message string) Event {
	now := time.Now().UTC()
	return Event{
		Type:      EventSystemLog,
		Timestamp: now,
		Log:       &LogEntry{Level: level, Message: message, Module: module, Timestamp: now},
	}
}
