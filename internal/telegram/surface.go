package telegram

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-telegram/bot"
	tgModels "github.com/go-telegram/bot/models"

	"github.com/core-coin/nuntius/internal/models"
	"github.com/core-coin/nuntius/pkg/logger"
)

// API is the part of the Bot API the surface uses. *bot.Bot implements it.
type API interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*tgModels.Message, error)
	CreateForumTopic(ctx context.Context, params *bot.CreateForumTopicParams) (*tgModels.ForumTopic, error)
	PinChatMessage(ctx context.Context, params *bot.PinChatMessageParams) (bool, error)
	CopyMessage(ctx context.Context, params *bot.CopyMessageParams) (*tgModels.MessageID, error)
	AnswerCallbackQuery(ctx context.Context, params *bot.AnswerCallbackQueryParams) (bool, error)
}

// Surface implements models.ChatSurface on a Telegram forum supergroup: one
// topic per account, the general topic for unrouted traffic.
type Surface struct {
	api            API
	operatorChatID int64
	logger         *logger.Logger
}

func NewSurface(b API, operatorChatID int64, logger *logger.Logger) *Surface {
	return &Surface{api: b, operatorChatID: operatorChatID, logger: logger}
}

// threadGone reports whether Telegram rejected a call because the topic no
// longer exists.
func threadGone(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "message thread not found") ||
		strings.Contains(msg, "topic_deleted") ||
		strings.Contains(msg, "topic_id_invalid")
}

func (s *Surface) wrap(op string, handle int, err error) error {
	if threadGone(err) {
		return fmt.Errorf("%s in thread %d: %w: %w", op, handle, models.ErrThreadGone, err)
	}
	return fmt.Errorf("%s in thread %d: %w", op, handle, err)
}

func (s *Surface) CreateThread(ctx context.Context, title string) (int, error) {
	topic, err := s.api.CreateForumTopic(ctx, &bot.CreateForumTopicParams{
		ChatID: s.operatorChatID,
		Name:   title,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to create forum topic: %w", err)
	}
	s.logger.Debug("Created forum topic", "thread", topic.MessageThreadID, "title", title)
	return topic.MessageThreadID, nil
}

func (s *Surface) PostToThread(ctx context.Context, handle int, text string) (int, error) {
	msg, err := s.api.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:          s.operatorChatID,
		MessageThreadID: handle,
		Text:            text,
	})
	if err != nil {
		return 0, s.wrap("post", handle, err)
	}
	return msg.ID, nil
}

func (s *Surface) PinInThread(ctx context.Context, handle int, messageID int) error {
	_, err := s.api.PinChatMessage(ctx, &bot.PinChatMessageParams{
		ChatID:              s.operatorChatID,
		MessageID:           messageID,
		DisableNotification: true,
	})
	if err != nil {
		return s.wrap("pin", handle, err)
	}
	return nil
}

// RelayToOperator copies the user's original message so media keeps its
// file reference. Content without a source message is sent as text.
func (s *Surface) RelayToOperator(ctx context.Context, handle int, content models.Content) (int, error) {
	if content.SourceMessageID == 0 {
		return s.PostToThread(ctx, handle, content.Text)
	}
	id, err := s.api.CopyMessage(ctx, &bot.CopyMessageParams{
		ChatID:          s.operatorChatID,
		MessageThreadID: handle,
		FromChatID:      content.SourceChatID,
		MessageID:       content.SourceMessageID,
	})
	if err != nil {
		return 0, s.wrap("relay", handle, err)
	}
	return id.ID, nil
}

func (s *Surface) DeliverToAccount(ctx context.Context, accountID int64, content models.Content) error {
	if content.SourceMessageID == 0 {
		return s.NotifyAccount(ctx, accountID, content.Text)
	}
	_, err := s.api.CopyMessage(ctx, &bot.CopyMessageParams{
		ChatID:     accountID,
		FromChatID: content.SourceChatID,
		MessageID:  content.SourceMessageID,
	})
	if err != nil {
		return fmt.Errorf("failed to deliver to %d: %w", accountID, err)
	}
	return nil
}

func (s *Surface) NotifyAccount(ctx context.Context, accountID int64, text string) error {
	return s.send(ctx, accountID, text, nil)
}

func (s *Surface) send(ctx context.Context, chatID int64, text string, markup tgModels.ReplyMarkup) error {
	_, err := s.api.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:      chatID,
		Text:        text,
		ReplyMarkup: markup,
	})
	if err != nil {
		return fmt.Errorf("failed to send message to %d: %w", chatID, err)
	}
	return nil
}

// NotifyWithMenu sends text to the account with the inline menu attached.
func (s *Surface) NotifyWithMenu(ctx context.Context, accountID int64, text string) error {
	return s.send(ctx, accountID, text, Keyboard())
}

func (s *Surface) AnswerCallback(ctx context.Context, callbackID string) {
	if _, err := s.api.AnswerCallbackQuery(ctx, &bot.AnswerCallbackQueryParams{CallbackQueryID: callbackID}); err != nil {
		s.logger.Warn("Failed to answer callback query", "callback", callbackID, "error", err)
	}
}
