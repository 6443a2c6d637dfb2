package notificator

import (
	"context"

	"github.com/core-coin/nuntius/pkg/logger"
)

// poster writes into the operator chat. Handle 0 is its general topic.
type poster interface {
	PostToThread(ctx context.Context, handle int, text string) (int, error)
}

// TelegramNotificator posts alerts into the general topic of the operator chat.
type TelegramNotificator struct {
	logger *logger.Logger
	chat   poster
}

func NewTelegramNotificator(logger *logger.Logger, chat poster) *TelegramNotificator {
	return &TelegramNotificator{logger: logger, chat: chat}
}

func (t *TelegramNotificator) SendNotification(ctx context.Context, subject, message string) error {
	id, err := t.chat.PostToThread(ctx, 0, "⚠️ "+subject+"\n\n"+message)
	if err != nil {
		return err
	}
	t.logger.Debug("Telegram alert sent", "message", id)
	return nil
}
