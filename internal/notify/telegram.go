package notify

import (
	"context"
	"fmt"
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Telegram sends handoff alerts to an operator chat. It is the notification
// sidecar: callers fire it on a goroutine and never wait on the result.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	logger *slog.Logger
}

func NewTelegram(token string, chatID int64, logger *slog.Logger) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("notify bot init: %w", err)
	}
	return &Telegram{bot: bot, chatID: chatID, logger: logger}, nil
}

func (t *Telegram) Notify(ctx context.Context, channel, userID string) error {
	text := fmt.Sprintf("User %s on %s sent an attachment. The conversation was handed off — please follow up.", userID, channel)
	msg := tgbotapi.NewMessage(t.chatID, text)
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("operator notification: %w", err)
	}
	t.logger.Info("operator notified", "channel", channel, "user", userID)
	return nil
}
