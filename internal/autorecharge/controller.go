package autorecharge

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/core-coin/nuntius/internal/ledger"
	"github.com/core-coin/nuntius/internal/metrics"
	"github.com/core-coin/nuntius/internal/models"
	"github.com/core-coin/nuntius/pkg/logger"
	"github.com/core-coin/nuntius/pkg/validation"
)

const (
	pendingPrefix = "recharge:pending:"
	lockPrefix    = "recharge:"
	lockTTL       = 30 * time.Second
	// requestTimeout bounds a charge request started from a low-balance signal.
	requestTimeout = 30 * time.Second
)

type Config struct {
	// MaxFailures disables auto-recharge once reached within FailureWindow.
	MaxFailures   int64
	FailureWindow time.Duration
	// PendingTTL bounds how long a requested charge blocks new requests.
	PendingTTL time.Duration
	SweepBatch int
}

func DefaultConfig() Config {
	return Config{
		MaxFailures:   3,
		FailureWindow: 24 * time.Hour,
		PendingTTL:    30 * time.Minute,
		SweepBatch:    100,
	}
}

// Controller requests off-session top-ups when balances run low and trips a
// circuit breaker after repeated declines. It never credits directly: the
// processor's confirmation arrives as a payment event.
type Controller struct {
	store   models.Store
	ledger  *ledger.Ledger
	gateway models.PaymentGateway
	kv      models.EphemeralStore
	surface models.ChatSurface
	cfg     Config
	metrics *metrics.Metrics
	logger  *logger.Logger
	now     func() time.Time
}

func New(store models.Store, l *ledger.Ledger, gateway models.PaymentGateway, kv models.EphemeralStore,
	surface models.ChatSurface, cfg Config, m *metrics.Metrics, logger *logger.Logger) *Controller {
	defaults := DefaultConfig()
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = defaults.MaxFailures
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = defaults.FailureWindow
	}
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = defaults.PendingTTL
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = defaults.SweepBatch
	}
	return &Controller{
		store:   store,
		ledger:  l,
		gateway: gateway,
		kv:      kv,
		surface: surface,
		cfg:     cfg,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

func pendingKey(id int64) string {
	return pendingPrefix + strconv.FormatInt(id, 10)
}

// HandleLowBalance is the ledger listener. The charge request runs in the
// background so the message that triggered it is not delayed.
func (c *Controller) HandleLowBalance(ctx context.Context, accountID int64, _ int64) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), requestTimeout)
	go func() {
		defer cancel()
		if err := c.OnLowBalance(ctx, accountID); err != nil {
			c.logger.Error("Auto-recharge request failed", "account", accountID, "error", err)
		}
	}()
}

// OnLowBalance asks the gateway to charge the saved instrument when the
// account is eligible and no earlier request is still pending.
func (c *Controller) OnLowBalance(ctx context.Context, accountID int64) error {
	unlock, err := c.kv.Lock(ctx, lockPrefix+strconv.FormatInt(accountID, 10), lockTTL)
	if err != nil {
		return err
	}
	defer unlock()

	account, err := c.store.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if skip := ineligible(account); skip != "" {
		c.metrics.AutoRechargeRequests.WithLabelValues("skipped").Inc()
		c.logger.Debug("Auto-recharge skipped", "account", accountID, "reason", skip)
		return nil
	}

	claimed, err := c.kv.Claim(ctx, pendingKey(accountID), c.cfg.PendingTTL)
	if err != nil {
		return err
	}
	if !claimed {
		c.metrics.AutoRechargeRequests.WithLabelValues("skipped").Inc()
		c.logger.Debug("Auto-recharge already pending", "account", accountID)
		return nil
	}

	ref, err := c.gateway.ChargeSavedInstrument(ctx, models.ChargeRequest{
		AccountID:       accountID,
		CustomerID:      account.CustomerID,
		PaymentMethodID: account.PaymentMethodID,
		Credits:         account.AutoRecharge.Amount,
		IdempotencyKey:  uuid.NewString(),
	})
	if err != nil {
		c.metrics.AutoRechargeRequests.WithLabelValues("error").Inc()
		if releaseErr := c.kv.Release(ctx, pendingKey(accountID)); releaseErr != nil {
			c.logger.Warn("Failed to release auto-recharge marker", "account", accountID, "error", releaseErr)
		}
		return fmt.Errorf("failed to request auto-recharge for %d: %w", accountID, err)
	}

	c.metrics.AutoRechargeRequests.WithLabelValues("requested").Inc()
	c.logger.Info("Auto-recharge requested", "account", accountID, "credits", account.AutoRecharge.Amount, "payment", ref)
	return nil
}

func ineligible(account *models.Account) string {
	switch {
	case !account.AutoRecharge.Enabled:
		return "disabled"
	case account.Banned:
		return "banned"
	case !account.HasInstrument():
		return "no instrument"
	case account.AutoRecharge.Amount <= 0:
		return "no amount"
	case account.MessageCredits > account.AutoRecharge.Threshold:
		return "above threshold"
	default:
		return ""
	}
}

// OnChargeFailed counts the declines inside the window, never before the
// last re-enable, and disables auto-recharge once the maximum is reached.
func (c *Controller) OnChargeFailed(ctx context.Context, accountID int64, reason string) error {
	c.metrics.AutoRechargeFailures.Inc()
	if err := c.kv.Release(ctx, pendingKey(accountID)); err != nil {
		c.logger.Warn("Failed to release auto-recharge marker", "account", accountID, "error", err)
	}

	account, err := c.store.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if !account.AutoRecharge.Enabled {
		return nil
	}

	since := c.now().Add(-c.cfg.FailureWindow)
	if enabledAt := account.AutoRecharge.EnabledAt; enabledAt != nil && enabledAt.After(since) {
		since = *enabledAt
	}
	failures, err := c.store.CountAutoRechargeFailures(ctx, accountID, since)
	if err != nil {
		return err
	}

	if failures < c.cfg.MaxFailures {
		c.notify(ctx, accountID, fmt.Sprintf("Auto-recharge attempt failed (%s). Attempt %d of %d.",
			reason, failures, c.cfg.MaxFailures))
		return nil
	}

	cfg := account.AutoRecharge
	cfg.Enabled = false
	cfg.DisabledReason = reason
	if err := c.store.UpdateAutoRecharge(ctx, accountID, cfg); err != nil {
		return err
	}
	c.ledger.Invalidate(accountID)
	c.metrics.AutoRechargeTrips.Inc()
	c.logger.Warn("Auto-recharge disabled after repeated failures", "account", accountID, "failures", failures, "reason", reason)
	c.notify(ctx, accountID, fmt.Sprintf("Auto-recharge has been turned off after %d failed attempts (%s). "+
		"Please update your payment method and turn it back on with /autorecharge.", failures, reason))
	return nil
}

// OnChargeSucceeded clears the pending marker so the next low balance can
// trigger another top-up.
func (c *Controller) OnChargeSucceeded(ctx context.Context, accountID int64) error {
	return c.kv.Release(ctx, pendingKey(accountID))
}

// Enable turns auto-recharge on and restarts the failure window.
func (c *Controller) Enable(ctx context.Context, accountID, amount, threshold int64) error {
	if err := validation.ValidateAutoRecharge(amount, threshold); err != nil {
		return fmt.Errorf("%w: %w", models.ErrInvalidAmount, err)
	}
	account, err := c.store.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if !account.HasInstrument() {
		return models.ErrNoInstrument
	}

	now := c.now()
	err = c.store.UpdateAutoRecharge(ctx, accountID, models.AutoRechargeConfig{
		Enabled:   true,
		Amount:    amount,
		Threshold: threshold,
		EnabledAt: &now,
	})
	c.ledger.Invalidate(accountID)
	if err != nil {
		return err
	}
	c.logger.Info("Auto-recharge enabled", "account", accountID, "amount", amount, "threshold", threshold)
	return nil
}

func (c *Controller) Disable(ctx context.Context, accountID int64, reason string) error {
	account, err := c.store.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	cfg := account.AutoRecharge
	cfg.Enabled = false
	cfg.DisabledReason = reason
	err = c.store.UpdateAutoRecharge(ctx, accountID, cfg)
	c.ledger.Invalidate(accountID)
	return err
}

// Sweep requests top-ups for every eligible account at or below its
// threshold and returns how many accounts it visited.
func (c *Controller) Sweep(ctx context.Context) (int, error) {
	accounts, err := c.store.ListAutoRechargeCandidates(ctx, c.cfg.SweepBatch)
	if err != nil {
		return 0, err
	}
	for _, account := range accounts {
		if err := c.OnLowBalance(ctx, account.ID); err != nil {
			c.logger.Error("Auto-recharge sweep request failed", "account", account.ID, "error", err)
		}
	}
	return len(accounts), nil
}

func (c *Controller) notify(ctx context.Context, accountID int64, text string) {
	if c.surface == nil {
		return
	}
	if err := c.surface.NotifyAccount(ctx, accountID, text); err != nil {
		c.logger.Warn("Failed to notify account", "account", accountID, "error", err)
	}
}
