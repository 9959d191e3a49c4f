package notify

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"

	"github.com/gregtusar/fleet/pkg/models"
)

// sender is the slice of the bot API the notifier uses.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram pushes trade openings, closings and error-level system logs to
// a chat. Delivery is fire and forget: a failed send is logged and dropped,
// never retried, never blocking the engine.
type Telegram struct {
	api    sender
	chatID int64
	logger *logrus.Logger
}

func NewTelegram(token string, chatID int64, logger *logrus.Logger) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	logger.WithField("bot", bot.Self.UserName).Info("Telegram bot authorized")
	return &Telegram{api: bot, chatID: chatID, logger: logger}, nil
}

// Run consumes the subscription channel until it is closed.
func (t *Telegram) Run(ch <-chan models.Event) {
	for event := range ch {
		text := t.format(event)
		if text == "" {
			continue
		}
		msg := tgbotapi.NewMessage(t.chatID, text)
		msg.ParseMode = tgbotapi.ModeMarkdown
		if _, err := t.api.Send(msg); err != nil {
			t.logger.WithError(err).Warn("Telegram notification dropped")
		}
	}
}

func (t *Telegram) format(event models.Event) string {
	switch event.Type {
	case models.EventTradeOpened:
		if event.Trade == nil {
			return ""
		}
		flag := ""
		if event.Trade.Flag == models.FlagExternallyOpened {
			flag = " (external)"
		}
		return fmt.Sprintf("📈 *Opened*%s %s %s %.2f @ %.5f\nAccount: %s",
			flag, event.Trade.Direction, event.Trade.Symbol, event.Trade.Volume,
			event.Trade.OpenPrice, event.AccountID)
	case models.EventTradeClosed:
		if event.Trade == nil {
			return ""
		}
		icon := "✅"
		if event.Trade.Profit < 0 {
			icon = "🔻"
		}
		flag := ""
		if event.Trade.Flag == models.FlagExternallyClosed {
			flag = " (external)"
		}
		return fmt.Sprintf("%s *Closed*%s %s %s %.2f @ %.5f\nP/L: %.2f\nAccount: %s",
			icon, flag, event.Trade.Direction, event.Trade.Symbol, event.Trade.Volume,
			event.Trade.ClosePrice, event.Trade.Profit, event.AccountID)
	case models.EventSystemLog:
		if event.Log == nil || (event.Log.Level != "error" && event.Log.Level != "fatal") {
			return ""
		}
		return fmt.Sprintf("⚠️ *%s* [%s] %s", event.Log.Level, event.Log.Module, event.Log.Message)
	default:
		return ""
	}
}
