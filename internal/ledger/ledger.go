package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/core-coin/nuntius/internal/cache"
	"github.com/core-coin/nuntius/internal/metrics"
	"github.com/core-coin/nuntius/internal/models"
	"github.com/core-coin/nuntius/pkg/logger"
)

const accountKeyPrefix = "account:"

// Config holds the pricing and notification rules of the ledger.
type Config struct {
	// Costs is the base message-credit price per content class.
	Costs map[models.ContentClass]int64
	// LowBalanceDebounce is the minimum gap between two low-balance notices.
	LowBalanceDebounce time.Duration
	CacheTTL           time.Duration
}

func DefaultConfig() Config {
	return Config{
		Costs: map[models.ContentClass]int64{
			models.ContentText:     1,
			models.ContentPhoto:    2,
			models.ContentVideo:    3,
			models.ContentDocument: 2,
		},
		LowBalanceDebounce: 24 * time.Hour,
		CacheTTL:           30 * time.Second,
	}
}

// LowBalanceListener is called after a charge leaves an account with
// auto-recharge enabled at or below its threshold.
type LowBalanceListener func(ctx context.Context, accountID int64, remaining int64)

// Ledger applies the business rules of the credit balance on top of the
// atomic store operations.
type Ledger struct {
	store   models.LedgerStore
	cache   *cache.TTLCache[models.Account]
	// gen counts invalidations. A read that raced one is not cached.
	gen atomic.Uint64
	cfg     Config
	metrics *metrics.Metrics
	logger  *logger.Logger
	now     func() time.Time

	mu        sync.RWMutex
	listeners []LowBalanceListener
}

func New(store models.LedgerStore, cfg Config, m *metrics.Metrics, logger *logger.Logger) *Ledger {
	defaults := DefaultConfig()
	if cfg.Costs == nil {
		cfg.Costs = defaults.Costs
	}
	if cfg.LowBalanceDebounce <= 0 {
		cfg.LowBalanceDebounce = defaults.LowBalanceDebounce
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaults.CacheTTL
	}
	return &Ledger{
		store:   store,
		cache:   cache.New[models.Account](cfg.CacheTTL),
		cfg:     cfg,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

// OnLowBalance registers a listener for low-balance signals.
func (l *Ledger) OnLowBalance(fn LowBalanceListener) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listeners = append(l.listeners, fn)
}

func accountKey(id int64) string {
	return accountKeyPrefix + strconv.FormatInt(id, 10)
}

// Invalidate drops the cached copy of one account.
func (l *Ledger) Invalidate(id int64) {
	l.gen.Add(1)
	l.cache.Invalidate(accountKey(id))
}

// InvalidateAll drops every cached account and reports how many were dropped.
func (l *Ledger) InvalidateAll() int {
	l.gen.Add(1)
	n := l.cache.InvalidatePrefix(accountKeyPrefix)
	l.logger.Info("Account cache flushed", "entries", n)
	return n
}

// remember caches account unless an invalidation happened since gen was read.
func (l *Ledger) remember(id int64, gen uint64, account *models.Account) {
	if l.gen.Load() != gen {
		return
	}
	l.cache.Set(accountKey(id), *account)
	if l.gen.Load() != gen {
		l.cache.Invalidate(accountKey(id))
	}
}

// Account returns the account, served from cache when fresh. The caller owns
// the returned value.
func (l *Ledger) Account(ctx context.Context, id int64) (*models.Account, error) {
	if account, ok := l.cache.Get(accountKey(id)); ok {
		return &account, nil
	}
	gen := l.gen.Load()
	account, err := l.store.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	l.remember(id, gen, account)
	return account, nil
}

// EnsureAccount creates the account on first contact.
func (l *Ledger) EnsureAccount(ctx context.Context, id int64, username, displayName string) (*models.Account, error) {
	gen := l.gen.Load()
	account, err := l.store.EnsureAccount(ctx, id, username, displayName)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure account %d: %w", id, err)
	}
	l.remember(id, gen, account)
	return account, nil
}

// GetBalance returns the message-credit balance, zero for unknown accounts.
func (l *Ledger) GetBalance(ctx context.Context, id int64) (int64, error) {
	account, err := l.Account(ctx, id)
	if errors.Is(err, models.ErrAccountNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get balance of %d: %w", id, err)
	}
	return account.MessageCredits, nil
}

// Charge removes min(cost, balance) message credits in one atomic step and
// returns what was removed. A result below cost means insufficient funds;
// the caller decides whether to refund the partial amount.
func (l *Ledger) Charge(ctx context.Context, id int64, cost int64) (int64, error) {
	if cost < 0 {
		return 0, models.ErrInvalidAmount
	}
	if cost == 0 {
		return 0, nil
	}
	deducted, remaining, err := l.store.Decrement(ctx, id, models.CreditMessages, cost)
	l.Invalidate(id)
	if err != nil {
		return 0, fmt.Errorf("failed to charge %d: %w", id, err)
	}
	l.metrics.CreditsCharged.Add(float64(deducted))
	if deducted == cost {
		l.signalLowBalance(ctx, id, remaining)
	}
	return deducted, nil
}

func (l *Ledger) signalLowBalance(ctx context.Context, id int64, remaining int64) {
	l.mu.RLock()
	listeners := l.listeners
	l.mu.RUnlock()
	if len(listeners) == 0 {
		return
	}

	account, err := l.Account(ctx, id)
	if err != nil {
		l.logger.Warn("Failed to load account for low balance check", "account", id, "error", err)
		return
	}
	if !account.AutoRecharge.Enabled || remaining > account.AutoRecharge.Threshold {
		return
	}
	for _, fn := range listeners {
		fn(ctx, id, remaining)
	}
}

// Credit adds amount to the balance of the given kind.
func (l *Ledger) Credit(ctx context.Context, id int64, amount int64, kind models.CreditKind) (int64, error) {
	if amount <= 0 || !kind.Valid() {
		return 0, models.ErrInvalidAmount
	}
	balance, err := l.store.Increment(ctx, id, kind, amount)
	l.Invalidate(id)
	if err != nil {
		return 0, fmt.Errorf("failed to credit %d: %w", id, err)
	}
	l.metrics.CreditsAdded.WithLabelValues(string(kind)).Add(float64(amount))
	return balance, nil
}

// Refund returns message credits taken by an earlier charge.
func (l *Ledger) Refund(ctx context.Context, id int64, amount int64) error {
	if amount == 0 {
		return nil
	}
	if amount < 0 {
		return models.ErrInvalidAmount
	}
	_, err := l.store.Increment(ctx, id, models.CreditMessages, amount)
	l.Invalidate(id)
	if err != nil {
		return fmt.Errorf("failed to refund %d to %d: %w", amount, id, err)
	}
	return nil
}

// Tier classifies a message-credit balance.
func Tier(balance int64) models.Tier {
	switch {
	case balance >= 100:
		return models.TierVIP
	case balance >= 50:
		return models.TierRegular
	default:
		return models.TierNew
	}
}

// DiscountedCost applies the tier discount, rounding down.
func DiscountedCost(base int64, tier models.Tier) int64 {
	switch tier {
	case models.TierVIP:
		return base * 8 / 10
	case models.TierRegular:
		return base * 9 / 10
	default:
		return base
	}
}

// BaseCost returns the configured price of a content class. Unknown
// classes are priced as text.
func (l *Ledger) BaseCost(class models.ContentClass) int64 {
	if cost, ok := l.cfg.Costs[class]; ok {
		return cost
	}
	return l.cfg.Costs[models.ContentText]
}

// CostFor prices a message of the given class for an account holding balance.
func (l *Ledger) CostFor(class models.ContentClass, balance int64) int64 {
	return DiscountedCost(l.BaseCost(class), Tier(balance))
}

// ShouldNotifyLowBalance reports whether the balance is at or below
// threshold and no notice went out within the debounce window.
func (l *Ledger) ShouldNotifyLowBalance(ctx context.Context, id int64, threshold int64) (bool, error) {
	account, err := l.Account(ctx, id)
	if errors.Is(err, models.ErrAccountNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check low balance of %d: %w", id, err)
	}
	if account.MessageCredits > threshold {
		return false, nil
	}
	if account.LowBalanceNotifiedAt != nil && l.now().Sub(*account.LowBalanceNotifiedAt) < l.cfg.LowBalanceDebounce {
		return false, nil
	}
	return true, nil
}

// MarkLowBalanceNotified starts a new debounce window.
func (l *Ledger) MarkLowBalanceNotified(ctx context.Context, id int64) error {
	err := l.store.SetLowBalanceNotifiedAt(ctx, id, l.now())
	l.Invalidate(id)
	if err != nil {
		return fmt.Errorf("failed to mark low balance notified for %d: %w", id, err)
	}
	l.metrics.LowBalanceNotified.Inc()
	return nil
}

func (l *Ledger) Ban(ctx context.Context, id int64, reason string) error {
	err := l.store.SetBanned(ctx, id, true, reason)
	l.Invalidate(id)
	if err != nil {
		return fmt.Errorf("failed to ban %d: %w", id, err)
	}
	return nil
}

func (l *Ledger) Unban(ctx context.Context, id int64) error {
	err := l.store.SetBanned(ctx, id, false, "")
	l.Invalidate(id)
	if err != nil {
		return fmt.Errorf("failed to unban %d: %w", id, err)
	}
	return nil
}
