package notificator

import (
	"fmt"
	"net/smtp"
	"strconv"

	"github.com/core-coin/nuntius/pkg/logger"
)

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

type EmailNotificator struct {
	logger *logger.Logger

	SMTPHost            string
	SMTPPort            int
	SMTPAlternativePort int
	SMTPUser            string
	SMTPPassword        string
	SMTPSender          string

	SMTPAuth smtp.Auth

	sendMail sendMailFunc
}

func NewEmailNotificator(logger *logger.Logger, SMTPHost string, SMTPPort int, SMTPAlternativePort int, SMTPUser string, SMTPPassword string, SMTPSender string) *EmailNotificator {
	auth := smtp.PlainAuth(
		"",
		SMTPUser,
		SMTPPassword,
		SMTPHost,
	)

	return &EmailNotificator{
		logger:              logger,
		SMTPAuth:            auth,
		SMTPHost:            SMTPHost,
		SMTPPort:            SMTPPort,
		SMTPAlternativePort: SMTPAlternativePort,
		SMTPUser:            SMTPUser,
		SMTPPassword:        SMTPPassword,
		SMTPSender:          SMTPSender,
		sendMail:            smtp.SendMail,
	}
}

// SendNotification mails the operator. The alternative port is tried when
// the primary one refuses the message.
func (e *EmailNotificator) SendNotification(to, subject, message string) error {
	msg := []byte(fmt.Sprintf(
		"From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s",
		e.SMTPSender,
		to,
		subject,
		message,
	))

	addr := e.SMTPHost + ":" + strconv.Itoa(e.SMTPPort)
	err := e.sendMail(addr, e.SMTPAuth, e.SMTPSender, []string{to}, msg)
	if err == nil || e.SMTPAlternativePort == 0 {
		return err
	}

	e.logger.Warn("SMTP send failed, trying alternative port", "addr", addr, "error", err)
	altAddr := e.SMTPHost + ":" + strconv.Itoa(e.SMTPAlternativePort)
	if altErr := e.sendMail(altAddr, e.SMTPAuth, e.SMTPSender, []string{to}, msg); altErr != nil {
		return fmt.Errorf("failed to send email via %s and %s: %w", addr, altAddr, altErr)
	}
	return nil
}
