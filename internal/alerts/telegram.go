package alerts

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/tradeflux/tradeflux/internal/config"
)

// TelegramNotifier delivers alerts to a Telegram chat.
type TelegramNotifier struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	log    zerolog.Logger
}

// NewTelegramNotifier creates a notifier for the configured bot and chat.
func NewTelegramNotifier(token string, chatID int64) (*TelegramNotifier, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	return &TelegramNotifier{
		bot:    bot,
		chatID: chatID,
		log:    config.NewLogger("telegram"),
	}, nil
}

// Send delivers one alert.
func (t *TelegramNotifier) Send(_ context.Context, alert Alert) error {
	msg := tgbotapi.NewMessage(t.chatID, alert.Format())
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("failed to send telegram alert: %w", err)
	}
	t.log.Debug().Str("title", alert.Title).Msg("Telegram alert sent")
	return nil
}
