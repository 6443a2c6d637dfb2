package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-telegram/bot"
	tgModels "github.com/go-telegram/bot/models"

	"github.com/core-coin/nuntius/internal/models"
	"github.com/core-coin/nuntius/pkg/logger"
	"github.com/core-coin/nuntius/pkg/validation"
)

// Relay routes messages between users and operators.
type Relay interface {
	RouteUserMessage(ctx context.Context, msg models.InboundMessage) (*models.RelayResult, error)
	RouteOperatorReply(ctx context.Context, reply models.OperatorReply) (int64, error)
}

// Accounts reads and creates accounts.
type Accounts interface {
	Account(ctx context.Context, id int64) (*models.Account, error)
	EnsureAccount(ctx context.Context, id int64, username, displayName string) (*models.Account, error)
}

// AutoRecharge turns automatic top-ups on and off.
type AutoRecharge interface {
	Enable(ctx context.Context, accountID, amount, threshold int64) error
	Disable(ctx context.Context, accountID int64, reason string) error
}

// Sequencer runs tasks one at a time per key.
type Sequencer interface {
	Submit(key string, task func())
}

type HandlerConfig struct {
	OperatorChatID int64
	// DefaultTopUp is the number of credits /topup offers without an argument.
	DefaultTopUp int64
}

// Handler turns Telegram updates into relay, billing and menu actions.
type Handler struct {
	relay     Relay
	accounts  Accounts
	recharge  AutoRecharge
	gateway   models.PaymentGateway
	surface   *Surface
	sequencer Sequencer
	cfg       HandlerConfig
	logger    *logger.Logger
}

func NewHandler(relay Relay, accounts Accounts, recharge AutoRecharge, gateway models.PaymentGateway,
	surface *Surface, sequencer Sequencer, cfg HandlerConfig, logger *logger.Logger) *Handler {
	if cfg.DefaultTopUp <= 0 {
		cfg.DefaultTopUp = 100
	}
	return &Handler{
		relay:     relay,
		accounts:  accounts,
		recharge:  recharge,
		gateway:   gateway,
		surface:   surface,
		sequencer: sequencer,
		cfg:       cfg,
		logger:    logger,
	}
}

// Handle is a bot.HandlerFunc.
func (h *Handler) Handle(ctx context.Context, _ *bot.Bot, update *tgModels.Update) {
	switch {
	case update.CallbackQuery != nil:
		h.handleCallback(ctx, update.CallbackQuery)
	case update.Message != nil:
		h.handleMessage(ctx, update.Message)
	}
}

func (h *Handler) handleMessage(ctx context.Context, msg *tgModels.Message) {
	if msg.From == nil || msg.From.IsBot {
		return
	}
	switch {
	case msg.Chat.ID == h.cfg.OperatorChatID:
		h.handleOperatorMessage(ctx, msg)
	case msg.Chat.Type == "private":
		if strings.HasPrefix(msg.Text, "/") {
			h.handleCommand(ctx, msg)
			return
		}
		h.handleUserMessage(ctx, msg)
	}
}

func (h *Handler) handleUserMessage(ctx context.Context, msg *tgModels.Message) {
	content, ok := extractContent(msg)
	if !ok {
		h.reply(ctx, msg.From.ID, "This kind of message is not supported yet.")
		return
	}
	inbound := models.InboundMessage{
		AccountID:   msg.From.ID,
		Username:    msg.From.Username,
		DisplayName: strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName),
		Content:     content,
	}
	h.sequencer.Submit("user:"+strconv.FormatInt(inbound.AccountID, 10), func() {
		res, err := h.relay.RouteUserMessage(ctx, inbound)
		if err != nil {
			h.logger.Warn("Failed to relay user message", "account", inbound.AccountID, "error", err)
			h.reply(ctx, inbound.AccountID, ErrorText(err))
			return
		}
		h.logger.Debug("Relayed user message", "account", inbound.AccountID, "thread", res.ThreadHandle,
			"state", res.State, "charged", res.Charged, "balance", res.Balance)
	})
}

// handleOperatorMessage forwards operator replies. Messages in the general
// topic that reply to nothing are operator chatter and stay put.
func (h *Handler) handleOperatorMessage(ctx context.Context, msg *tgModels.Message) {
	if msg.MessageThreadID == 0 && msg.ReplyToMessage == nil {
		return
	}
	content, ok := extractContent(msg)
	if !ok {
		return
	}
	reply := models.OperatorReply{ThreadHandle: msg.MessageThreadID, Content: content}
	if msg.ReplyToMessage != nil {
		reply.ReplyToMessageID = msg.ReplyToMessage.ID
	}
	h.sequencer.Submit("op:"+strconv.Itoa(reply.ThreadHandle), func() {
		accountID, err := h.relay.RouteOperatorReply(ctx, reply)
		if err != nil {
			h.logger.Warn("Failed to route operator reply", "thread", reply.ThreadHandle, "error", err)
			return
		}
		h.logger.Debug("Delivered operator reply", "thread", reply.ThreadHandle, "account", accountID)
	})
}

func (h *Handler) handleCallback(ctx context.Context, q *tgModels.CallbackQuery) {
	h.surface.AnswerCallback(ctx, q.ID)
	accountID := q.From.ID
	switch ParseAction(q.Data) {
	case ActionBalance:
		h.cmdBalance(ctx, accountID)
	case ActionTopUp:
		h.cmdTopUp(ctx, accountID, nil)
	case ActionAutoRechargeOff:
		h.cmdAutoRecharge(ctx, accountID, []string{"off"})
	case ActionHelp:
		h.cmdHelp(ctx, accountID)
	default:
		h.logger.Debug("Ignoring unknown callback", "data", q.Data)
	}
}

func (h *Handler) handleCommand(ctx context.Context, msg *tgModels.Message) {
	fields := strings.Fields(msg.Text)
	command, _, _ := strings.Cut(strings.ToLower(fields[0]), "@")
	args := fields[1:]
	accountID := msg.From.ID

	switch command {
	case "/start":
		name := strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName)
		if _, err := h.accounts.EnsureAccount(ctx, accountID, msg.From.Username, name); err != nil {
			h.logger.Error("Failed to create account", "account", accountID, "error", err)
			h.reply(ctx, accountID, ErrorText(err))
			return
		}
		h.menu(ctx, accountID, "Welcome! Write here and your message goes straight to our team.\n\n"+helpText)
	case "/help":
		h.cmdHelp(ctx, accountID)
	case "/balance":
		h.cmdBalance(ctx, accountID)
	case "/topup":
		h.cmdTopUp(ctx, accountID, args)
	case "/autorecharge":
		h.cmdAutoRecharge(ctx, accountID, args)
	default:
		h.reply(ctx, accountID, "Unknown command.\n\n"+helpText)
	}
}

const helpText = `Commands:
/balance - show your credits
/topup [credits] - buy credits
/autorecharge <amount> <threshold> - top up automatically when low
/autorecharge off - stop automatic top-ups`

func (h *Handler) cmdHelp(ctx context.Context, accountID int64) {
	h.menu(ctx, accountID, helpText)
}

func (h *Handler) cmdBalance(ctx context.Context, accountID int64) {
	account, err := h.accounts.Account(ctx, accountID)
	if errors.Is(err, models.ErrAccountNotFound) {
		h.reply(ctx, accountID, "You have no credits yet. Use /topup to buy some.")
		return
	}
	if err != nil {
		h.reply(ctx, accountID, ErrorText(err))
		return
	}
	h.menu(ctx, accountID, BalanceText(account))
}

// BalanceText renders the account summary shown by /balance.
func BalanceText(a *models.Account) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Balance: %d credits\n", a.MessageCredits)
	if a.TimeCredits > 0 {
		fmt.Fprintf(&b, "Time balance: %d seconds\n", a.TimeCredits)
	}
	switch {
	case a.AutoRecharge.Enabled:
		fmt.Fprintf(&b, "Auto-recharge: %d credits when balance drops to %d", a.AutoRecharge.Amount, a.AutoRecharge.Threshold)
	case a.AutoRecharge.DisabledReason != "":
		fmt.Fprintf(&b, "Auto-recharge: off (%s)", a.AutoRecharge.DisabledReason)
	default:
		b.WriteString("Auto-recharge: off")
	}
	if a.Banned {
		b.WriteString("\nYour account is frozen.")
	}
	return b.String()
}

func (h *Handler) cmdTopUp(ctx context.Context, accountID int64, args []string) {
	credits := h.cfg.DefaultTopUp
	if len(args) > 0 {
		n, err := validation.ParseAmount(args[0])
		if err != nil {
			h.reply(ctx, accountID, "Usage: /topup [credits]")
			return
		}
		credits = n
	}
	if err := validation.ValidateCreditAmount(credits); err != nil {
		h.reply(ctx, accountID, fmt.Sprintf("Cannot buy %d credits: %v", credits, err))
		return
	}

	req := models.CheckoutRequest{AccountID: accountID, Credits: credits}
	if account, err := h.accounts.Account(ctx, accountID); err == nil {
		if account.Banned {
			h.reply(ctx, accountID, ErrorText(models.ErrAccountBanned))
			return
		}
		req.CustomerID = account.CustomerID
	}
	url, err := h.gateway.CreateTopUpCheckout(ctx, req)
	if err != nil {
		h.logger.Error("Failed to create checkout", "account", accountID, "error", err)
		h.reply(ctx, accountID, "Could not start the payment. Please try again later.")
		return
	}
	h.reply(ctx, accountID, fmt.Sprintf("Buy %d credits here:\n%s", credits, url))
}

func (h *Handler) cmdAutoRecharge(ctx context.Context, accountID int64, args []string) {
	if len(args) == 1 && strings.EqualFold(args[0], "off") {
		if err := h.recharge.Disable(ctx, accountID, "turned off by user"); err != nil {
			h.reply(ctx, accountID, ErrorText(err))
			return
		}
		h.reply(ctx, accountID, "Auto-recharge is off.")
		return
	}
	if len(args) != 2 {
		h.reply(ctx, accountID, "Usage: /autorecharge <amount> <threshold> or /autorecharge off")
		return
	}
	amount, err := validation.ParseAmount(args[0])
	if err != nil {
		h.reply(ctx, accountID, "Amount must be a number.")
		return
	}
	threshold, err := validation.ParseAmount(args[1])
	if err != nil {
		h.reply(ctx, accountID, "Threshold must be a number.")
		return
	}
	if err := h.recharge.Enable(ctx, accountID, amount, threshold); err != nil {
		h.reply(ctx, accountID, ErrorText(err))
		return
	}
	h.reply(ctx, accountID, fmt.Sprintf("Auto-recharge is on: %d credits whenever your balance drops to %d.", amount, threshold))
}

func (h *Handler) reply(ctx context.Context, accountID int64, text string) {
	if err := h.surface.NotifyAccount(ctx, accountID, text); err != nil {
		h.logger.Warn("Failed to reply", "account", accountID, "error", err)
	}
}

func (h *Handler) menu(ctx context.Context, accountID int64, text string) {
	if err := h.surface.NotifyWithMenu(ctx, accountID, text); err != nil {
		h.logger.Warn("Failed to send menu", "account", accountID, "error", err)
	}
}

// extractContent classifies a message for pricing. Media keeps a reference
// to the original so it can be copied instead of re-uploaded.
func extractContent(msg *tgModels.Message) (models.Content, bool) {
	content := models.Content{
		SourceChatID:    msg.Chat.ID,
		SourceMessageID: msg.ID,
		Text:            msg.Text,
	}
	switch {
	case len(msg.Photo) > 0 || msg.Sticker != nil:
		content.Class = models.ContentPhoto
	case msg.Video != nil || msg.Animation != nil || msg.VideoNote != nil:
		content.Class = models.ContentVideo
	case msg.Document != nil || msg.Audio != nil || msg.Voice != nil:
		content.Class = models.ContentDocument
	case msg.Text != "":
		content.Class = models.ContentText
	default:
		return models.Content{}, false
	}
	if content.Text == "" {
		content.Text = msg.Caption
	}
	return content, true
}

// ErrorText turns a routing or billing error into a message for the user.
func ErrorText(err error) string {
	var insufficient *models.InsufficientFundsError
	switch {
	case errors.As(err, &insufficient):
		return fmt.Sprintf("Not enough credits: this message costs %d and your balance is %d. Use /topup to buy more.",
			insufficient.Cost, insufficient.Balance)
	case errors.Is(err, models.ErrAccountBanned):
		return "Your account is frozen. Please contact support."
	case errors.Is(err, models.ErrRelayFailed):
		return "Your message could not be delivered and you were not charged. Please try again."
	case errors.Is(err, models.ErrStorageUnavailable):
		return "The service is temporarily unavailable. Please try again later."
	case errors.Is(err, models.ErrNoInstrument):
		return "No saved card yet. Make a purchase with /topup first."
	case errors.Is(err, models.ErrInvalidAmount):
		return "Auto-recharge amount must be positive and larger than the threshold."
	case errors.Is(err, models.ErrAccountNotFound):
		return "Send /start first."
	default:
		return "Something went wrong. Please try again."
	}
}
