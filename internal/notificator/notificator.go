package notificator

import (
	"context"
	"runtime/debug"

	"github.com/core-coin/nuntius/pkg/logger"
)

// Notificator fans operator alerts out to every configured channel. It
// implements models.OperatorAlerter.
type Notificator struct {
	logger *logger.Logger

	TelegramNotificator *TelegramNotificator
	EmailNotificator    *EmailNotificator
	OperatorEmail       string
}

func NewNotificator(logger *logger.Logger, telNotif *TelegramNotificator, emailNotif *EmailNotificator, operatorEmail string) *Notificator {
	return &Notificator{
		logger:              logger,
		TelegramNotificator: telNotif,
		EmailNotificator:    emailNotif,
		OperatorEmail:       operatorEmail,
	}
}

// safeCall runs a function with panic recovery (synchronous, no goroutine spawning)
func (n *Notificator) safeCall(fn func(), context string) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("Function panicked",
				"context", context,
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	fn()
}

// AlertOperator delivers an alert on every channel. A failing channel is
// logged and does not stop the others.
func (n *Notificator) AlertOperator(ctx context.Context, subject, text string) {
	n.logger.Warn("Operator alert", "subject", subject, "text", text)

	if n.TelegramNotificator != nil {
		n.safeCall(func() {
			if err := n.TelegramNotificator.SendNotification(ctx, subject, text); err != nil {
				n.logger.Error("Failed to send Telegram alert", "subject", subject, "error", err)
			}
		}, "telegramAlert")
	}
	if n.EmailNotificator != nil && n.OperatorEmail != "" {
		n.safeCall(func() {
			if err := n.EmailNotificator.SendNotification(n.OperatorEmail, subject, text); err != nil {
				n.logger.Error("Failed to send email alert", "subject", subject, "error", err)
			}
		}, "emailAlert")
	}
}
