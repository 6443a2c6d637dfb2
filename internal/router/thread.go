package router

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/core-coin/nuntius/internal/ledger"
	"github.com/core-coin/nuntius/internal/models"
)

// resolveThread returns the active thread of the account, creating one when
// none exists. Creation is guarded by a per-account lock so concurrent
// first messages share one thread.
func (r *Router) resolveThread(ctx context.Context, account *models.Account) (int, models.ThreadState, error) {
	thread, err := r.threads.GetThreadByAccount(ctx, account.ID)
	if err != nil {
		return 0, models.StateNoThread, err
	}
	if thread != nil && thread.Status == models.ThreadActive {
		return thread.Handle, models.StateActive, nil
	}

	unlock, err := r.kv.Lock(ctx, threadLockPrefix+strconv.FormatInt(account.ID, 10), threadLockTTL)
	if err != nil {
		return 0, models.StateNoThread, err
	}
	defer unlock()

	// another replica may have created it while we waited
	thread, err = r.threads.GetThreadByAccount(ctx, account.ID)
	if err != nil {
		return 0, models.StateNoThread, err
	}
	if thread != nil && thread.Status == models.ThreadActive {
		return thread.Handle, models.StateActive, nil
	}
	return r.createThread(ctx, account)
}

// createThread opens a topic, pins the profile card and persists the
// mapping. A rejected creation yields StateUnrouted for this delivery only.
func (r *Router) createThread(ctx context.Context, account *models.Account) (int, models.ThreadState, error) {
	state := models.StateCreating

	handle, err := r.surface.CreateThread(ctx, threadTitle(account))
	if err != nil {
		r.metrics.ThreadCreateFailures.Inc()
		r.logger.Warn("Thread creation rejected, relaying unrouted", "account", account.ID,
			"error", fmt.Errorf("%w: %w", models.ErrThreadCreation, err))
		return 0, r.advance(state, models.StateUnrouted), nil
	}
	r.metrics.ThreadsCreated.Inc()

	card := models.ProfileCard{
		AccountID:   account.ID,
		Username:    account.Username,
		DisplayName: account.DisplayName,
		Balance:     account.MessageCredits,
		Tier:        ledger.Tier(account.MessageCredits),
		Status:      accountStatus(account),
	}
	cardID, err := r.surface.PostToThread(ctx, handle, FormatProfileCard(card))
	if err != nil {
		r.logger.Warn("Failed to post profile card", "account", account.ID, "handle", handle, "error", err)
	} else if err := r.surface.PinInThread(ctx, handle, cardID); err != nil {
		r.logger.Warn("Failed to pin profile card", "account", account.ID, "handle", handle, "error", err)
	}

	err = r.threads.SaveThread(ctx, &models.Thread{
		AccountID:        account.ID,
		Handle:           handle,
		Status:           models.ThreadActive,
		ProfileMessageID: cardID,
		LastActivityAt:   r.now(),
	})
	if err != nil {
		return 0, state, fmt.Errorf("failed to persist thread for %d: %w", account.ID, err)
	}
	r.logger.Info("Created thread", "account", account.ID, "handle", handle)
	return handle, r.advance(state, models.StateActive), nil
}

func (r *Router) advance(from, to models.ThreadState) models.ThreadState {
	if !from.CanTransition(to) {
		r.logger.Error("Illegal thread transition", "from", from.String(), "to", to.String())
	}
	return to
}

func displayName(account *models.Account) string {
	switch {
	case account.DisplayName != "":
		return account.DisplayName
	case account.Username != "":
		return "@" + account.Username
	default:
		return "user " + strconv.FormatInt(account.ID, 10)
	}
}

func threadTitle(account *models.Account) string {
	title := displayName(account)
	if account.Username != "" && account.DisplayName != "" {
		title += " (@" + account.Username + ")"
	}
	// forum topic names are limited to 128 characters
	if runes := []rune(title); len(runes) > 128 {
		title = string(runes[:128])
	}
	return title
}

func accountStatus(account *models.Account) string {
	switch {
	case account.Banned:
		return "banned"
	case account.SubscriptionStatus == "active":
		return "subscriber"
	default:
		return "active"
	}
}

// FormatProfileCard renders the card pinned at the top of every thread.
func FormatProfileCard(card models.ProfileCard) string {
	var b strings.Builder
	fmt.Fprintf(&b, "User: %s\n", card.DisplayName)
	if card.Username != "" {
		fmt.Fprintf(&b, "Username: @%s\n", card.Username)
	}
	fmt.Fprintf(&b, "ID: %d\n", card.AccountID)
	fmt.Fprintf(&b, "Balance: %d credits (%s)\n", card.Balance, card.Tier)
	fmt.Fprintf(&b, "Status: %s", card.Status)
	return b.String()
}
