package router

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/core-coin/nuntius/internal/ledger"
	"github.com/core-coin/nuntius/internal/metrics"
	"github.com/core-coin/nuntius/internal/models"
	"github.com/core-coin/nuntius/pkg/logger"
)

const (
	correlationPrefix = "corr:"
	threadLockPrefix  = "thread:"
	threadLockTTL     = 30 * time.Second
	// refundTimeout bounds a refund that outlives the caller's context.
	refundTimeout = 10 * time.Second
)

type Config struct {
	// LowBalanceThreshold triggers the debounced low-balance notice.
	LowBalanceThreshold int64
	// CorrelationTTL bounds how long a relayed message can be replied to.
	CorrelationTTL time.Duration
}

func DefaultConfig() Config {
	return Config{
		LowBalanceThreshold: 5,
		CorrelationTTL:      7 * 24 * time.Hour,
	}
}

// Router moves messages between end-users and their operator threads.
type Router struct {
	ledger  *ledger.Ledger
	threads models.ThreadDirectory
	surface models.ChatSurface
	kv      models.EphemeralStore
	cfg     Config
	metrics *metrics.Metrics
	logger  *logger.Logger
	now     func() time.Time
}

func New(l *ledger.Ledger, threads models.ThreadDirectory, surface models.ChatSurface, kv models.EphemeralStore,
	cfg Config, m *metrics.Metrics, logger *logger.Logger) *Router {
	if cfg.CorrelationTTL <= 0 {
		cfg.CorrelationTTL = DefaultConfig().CorrelationTTL
	}
	return &Router{
		ledger:  l,
		threads: threads,
		surface: surface,
		kv:      kv,
		cfg:     cfg,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

func correlationKey(operatorMessageID int) string {
	return correlationPrefix + strconv.Itoa(operatorMessageID)
}

// RouteUserMessage charges the account for the message and relays it to
// the account's thread, creating the thread on first contact. The charge
// is refunded if the message cannot be relayed.
func (r *Router) RouteUserMessage(ctx context.Context, msg models.InboundMessage) (*models.RelayResult, error) {
	start := r.now()
	defer func() { r.metrics.RelayDuration.Observe(time.Since(start).Seconds()) }()

	account, err := r.ledger.EnsureAccount(ctx, msg.AccountID, msg.Username, msg.DisplayName)
	if err != nil {
		return nil, err
	}
	if account.Banned {
		return nil, models.ErrAccountBanned
	}

	handle, state, err := r.resolveThread(ctx, account)
	if err != nil {
		return nil, err
	}

	cost := r.ledger.CostFor(msg.Content.Class, account.MessageCredits)
	deducted, err := r.ledger.Charge(ctx, account.ID, cost)
	if err != nil {
		return nil, err
	}
	if deducted < cost {
		r.metrics.InsufficientFunds.Inc()
		insufficient := &models.InsufficientFundsError{Cost: cost, Balance: deducted}
		if err := r.refund(ctx, account.ID, deducted); err != nil {
			return nil, errors.Join(insufficient, err)
		}
		if deducted > 0 {
			r.metrics.RefundsTotal.WithLabelValues("insufficient").Inc()
		}
		return nil, insufficient
	}
	r.metrics.ChargesTotal.WithLabelValues(string(msg.Content.Class)).Inc()

	operatorMessageID, handle, state, err := r.relay(ctx, account, handle, state, msg.Content)
	if err != nil {
		relayErr := fmt.Errorf("%w: %w", models.ErrRelayFailed, err)
		r.metrics.RefundsTotal.WithLabelValues("relay_failed").Inc()
		if refundErr := r.refund(ctx, account.ID, deducted); refundErr != nil {
			r.logger.Error("Failed to refund after relay failure", "account", account.ID, "amount", deducted, "error", refundErr)
			return nil, errors.Join(relayErr, refundErr)
		}
		return nil, relayErr
	}

	if err := r.kv.SetInt(ctx, correlationKey(operatorMessageID), account.ID, r.cfg.CorrelationTTL); err != nil {
		r.logger.Warn("Failed to store reply correlation", "account", account.ID, "message", operatorMessageID, "error", err)
	}
	if state == models.StateActive {
		r.metrics.RelaysTotal.WithLabelValues("thread").Inc()
		if err := r.threads.TouchThread(ctx, account.ID, r.now()); err != nil {
			r.logger.Warn("Failed to touch thread", "account", account.ID, "error", err)
		}
	} else {
		r.metrics.RelaysTotal.WithLabelValues("unrouted").Inc()
	}

	balance, err := r.ledger.GetBalance(ctx, account.ID)
	if err != nil {
		r.logger.Warn("Failed to read balance after relay", "account", account.ID, "error", err)
	} else {
		r.notifyLowBalance(ctx, account.ID, balance)
	}

	return &models.RelayResult{
		ThreadHandle:      handle,
		State:             state,
		OperatorMessageID: operatorMessageID,
		Charged:           deducted,
		Balance:           balance,
		Tier:              ledger.Tier(balance),
	}, nil
}

// refund returns credits taken for a message that was not relayed. It runs
// even when ctx is already canceled, since the charge has committed.
func (r *Router) refund(ctx context.Context, accountID, amount int64) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refundTimeout)
	defer cancel()
	return r.ledger.Refund(ctx, accountID, amount)
}

// relay delivers content to the thread. A thread that vanished on the
// surface is archived, recreated and tried once more.
func (r *Router) relay(ctx context.Context, account *models.Account, handle int, state models.ThreadState,
	content models.Content) (int, int, models.ThreadState, error) {
	if state == models.StateUnrouted {
		header := fmt.Sprintf("Unrouted message from %s (id %d)", displayName(account), account.ID)
		if _, err := r.surface.PostToThread(ctx, 0, header); err != nil {
			r.logger.Warn("Failed to post unrouted header", "account", account.ID, "error", err)
		}
	}

	id, err := r.surface.RelayToOperator(ctx, handle, content)
	if err == nil || !errors.Is(err, models.ErrThreadGone) || !state.CanTransition(models.StateCreating) {
		return id, handle, state, err
	}

	r.logger.Warn("Thread vanished, recreating", "account", account.ID, "handle", handle)
	if err := r.threads.ArchiveThread(ctx, account.ID); err != nil {
		return 0, handle, state, err
	}
	handle, state, err = r.createThread(ctx, account)
	if err != nil {
		return 0, handle, state, err
	}
	id, err = r.surface.RelayToOperator(ctx, handle, content)
	return id, handle, state, err
}

func (r *Router) notifyLowBalance(ctx context.Context, accountID, balance int64) {
	notify, err := r.ledger.ShouldNotifyLowBalance(ctx, accountID, r.cfg.LowBalanceThreshold)
	if err != nil {
		r.logger.Warn("Failed to check low balance", "account", accountID, "error", err)
		return
	}
	if !notify {
		return
	}
	text := fmt.Sprintf("Your balance is low: %d credits left. Use /topup to add more.", balance)
	if err := r.surface.NotifyAccount(ctx, accountID, text); err != nil {
		r.logger.Warn("Failed to send low balance notice", "account", accountID, "error", err)
		return
	}
	if err := r.ledger.MarkLowBalanceNotified(ctx, accountID); err != nil {
		r.logger.Warn("Failed to mark low balance notice", "account", accountID, "error", err)
	}
}

// RouteOperatorReply delivers an operator's reply to the account that owns
// the thread, or to the author of the replied-to message.
func (r *Router) RouteOperatorReply(ctx context.Context, reply models.OperatorReply) (int64, error) {
	accountID, err := r.resolveReply(ctx, reply)
	if err != nil {
		return 0, err
	}
	if accountID == 0 {
		r.metrics.RepliesTotal.WithLabelValues("unroutable").Inc()
		notice := "This reply is not linked to any user and was not delivered."
		if _, err := r.surface.PostToThread(ctx, reply.ThreadHandle, notice); err != nil {
			r.logger.Warn("Failed to report unroutable reply", "handle", reply.ThreadHandle, "error", err)
		}
		return 0, models.ErrUnroutableReply
	}

	if err := r.surface.DeliverToAccount(ctx, accountID, reply.Content); err != nil {
		r.metrics.RepliesTotal.WithLabelValues("failed").Inc()
		notice := fmt.Sprintf("Delivery to user %d failed: %v", accountID, err)
		if _, postErr := r.surface.PostToThread(ctx, reply.ThreadHandle, notice); postErr != nil {
			r.logger.Warn("Failed to report delivery failure", "account", accountID, "error", postErr)
		}
		return accountID, fmt.Errorf("%w: %w", models.ErrDeliveryFailed, err)
	}
	r.metrics.RepliesTotal.WithLabelValues("delivered").Inc()

	if err := r.threads.TouchThread(ctx, accountID, r.now()); err != nil && !errors.Is(err, models.ErrThreadGone) {
		r.logger.Warn("Failed to touch thread", "account", accountID, "error", err)
	}
	return accountID, nil
}

func (r *Router) resolveReply(ctx context.Context, reply models.OperatorReply) (int64, error) {
	if reply.ThreadHandle != 0 {
		thread, err := r.threads.GetThreadByHandle(ctx, reply.ThreadHandle)
		if err != nil {
			return 0, err
		}
		if thread != nil {
			return thread.AccountID, nil
		}
	}
	if reply.ReplyToMessageID != 0 {
		accountID, ok, err := r.kv.GetInt(ctx, correlationKey(reply.ReplyToMessageID))
		if err != nil {
			return 0, err
		}
		if ok {
			return accountID, nil
		}
	}
	return 0, nil
}
