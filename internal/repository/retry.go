package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"github.com/core-coin/nuntius/internal/models"
	"github.com/core-coin/nuntius/pkg/logger"
)

// RetryConfig bounds how storage calls are retried.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		BaseDelay:  50 * time.Millisecond,
		MaxDelay:   2 * time.Second,
	}
}

// RetryingStore retries transient storage failures with backoff and jitter.
// Domain outcomes such as a missing account are returned immediately.
// Once retries are exhausted the error wraps models.ErrStorageUnavailable.
type RetryingStore struct {
	next   models.Store
	cfg    RetryConfig
	logger *logger.Logger
}

func NewRetryingStore(next models.Store, cfg RetryConfig, logger *logger.Logger) *RetryingStore {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 50 * time.Millisecond
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	return &RetryingStore{next: next, cfg: cfg, logger: logger}
}

func retryable(err error) bool {
	if err == nil || models.IsPermanent(err) {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func do[T any](ctx context.Context, s *RetryingStore, op string, fn func() (T, error)) (T, error) {
	policy := retrypolicy.NewBuilder[T]().
		WithBackoff(s.cfg.BaseDelay, s.cfg.MaxDelay).
		WithMaxRetries(s.cfg.MaxRetries).
		WithJitterFactor(0.1).
		HandleIf(func(_ T, err error) bool { return retryable(err) }).
		ReturnLastFailure().
		OnRetry(func(e failsafe.ExecutionEvent[T]) {
			s.logger.Warn("Retrying storage operation", "op", op, "attempt", e.Attempts(), "error", e.LastError())
		}).
		Build()

	result, err := failsafe.With[T](policy).WithContext(ctx).Get(fn)
	if retryable(err) {
		var zero T
		return zero, fmt.Errorf("%s: %w: %w", op, models.ErrStorageUnavailable, err)
	}
	return result, err
}

func doErr(ctx context.Context, s *RetryingStore, op string, fn func() error) error {
	_, err := do(ctx, s, op, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

func (s *RetryingStore) Backend() string {
	return s.next.Backend()
}

func (s *RetryingStore) Close() error {
	return s.next.Close()
}

// WithinTx retries the whole transaction. fn receives the undecorated
// transactional store.
func (s *RetryingStore) WithinTx(ctx context.Context, fn func(tx models.Store) error) error {
	return doErr(ctx, s, "transaction", func() error {
		return s.next.WithinTx(ctx, fn)
	})
}

func (s *RetryingStore) EnsureAccount(ctx context.Context, id int64, username, displayName string) (*models.Account, error) {
	return do(ctx, s, "ensure account", func() (*models.Account, error) {
		return s.next.EnsureAccount(ctx, id, username, displayName)
	})
}

func (s *RetryingStore) GetAccount(ctx context.Context, id int64) (*models.Account, error) {
	return do(ctx, s, "get account", func() (*models.Account, error) {
		return s.next.GetAccount(ctx, id)
	})
}

type decrementResult struct {
	deducted, remaining int64
}

func (s *RetryingStore) Decrement(ctx context.Context, id int64, kind models.CreditKind, amount int64) (int64, int64, error) {
	res, err := do(ctx, s, "decrement", func() (decrementResult, error) {
		d, r, err := s.next.Decrement(ctx, id, kind, amount)
		return decrementResult{deducted: d, remaining: r}, err
	})
	return res.deducted, res.remaining, err
}

func (s *RetryingStore) Increment(ctx context.Context, id int64, kind models.CreditKind, amount int64) (int64, error) {
	return do(ctx, s, "increment", func() (int64, error) {
		return s.next.Increment(ctx, id, kind, amount)
	})
}

func (s *RetryingStore) SetLowBalanceNotifiedAt(ctx context.Context, id int64, at time.Time) error {
	return doErr(ctx, s, "set low balance notified", func() error {
		return s.next.SetLowBalanceNotifiedAt(ctx, id, at)
	})
}

func (s *RetryingStore) SetBanned(ctx context.Context, id int64, banned bool, reason string) error {
	return doErr(ctx, s, "set banned", func() error {
		return s.next.SetBanned(ctx, id, banned, reason)
	})
}

func (s *RetryingStore) SetPaymentInstrument(ctx context.Context, id int64, customerID, paymentMethodID string) error {
	return doErr(ctx, s, "set payment instrument", func() error {
		return s.next.SetPaymentInstrument(ctx, id, customerID, paymentMethodID)
	})
}

func (s *RetryingStore) UpdateAutoRecharge(ctx context.Context, id int64, cfg models.AutoRechargeConfig) error {
	return doErr(ctx, s, "update auto-recharge", func() error {
		return s.next.UpdateAutoRecharge(ctx, id, cfg)
	})
}

func (s *RetryingStore) SetSubscription(ctx context.Context, id int64, subscriptionID, status string) error {
	return doErr(ctx, s, "set subscription", func() error {
		return s.next.SetSubscription(ctx, id, subscriptionID, status)
	})
}

func (s *RetryingStore) FindAccountIDByCustomer(ctx context.Context, customerID string) (int64, error) {
	return do(ctx, s, "find account by customer", func() (int64, error) {
		return s.next.FindAccountIDByCustomer(ctx, customerID)
	})
}

func (s *RetryingStore) ListAutoRechargeCandidates(ctx context.Context, limit int) ([]*models.Account, error) {
	return do(ctx, s, "list auto-recharge candidates", func() ([]*models.Account, error) {
		return s.next.ListAutoRechargeCandidates(ctx, limit)
	})
}

func (s *RetryingStore) CountLowBalanceAccounts(ctx context.Context, threshold int64) (int64, error) {
	return do(ctx, s, "count low balance accounts", func() (int64, error) {
		return s.next.CountLowBalanceAccounts(ctx, threshold)
	})
}

func (s *RetryingStore) GetThreadByAccount(ctx context.Context, accountID int64) (*models.Thread, error) {
	return do(ctx, s, "get thread", func() (*models.Thread, error) {
		return s.next.GetThreadByAccount(ctx, accountID)
	})
}

func (s *RetryingStore) GetThreadByHandle(ctx context.Context, handle int) (*models.Thread, error) {
	return do(ctx, s, "get thread by handle", func() (*models.Thread, error) {
		return s.next.GetThreadByHandle(ctx, handle)
	})
}

func (s *RetryingStore) SaveThread(ctx context.Context, thread *models.Thread) error {
	return doErr(ctx, s, "save thread", func() error {
		return s.next.SaveThread(ctx, thread)
	})
}

func (s *RetryingStore) TouchThread(ctx context.Context, accountID int64, at time.Time) error {
	return doErr(ctx, s, "touch thread", func() error {
		return s.next.TouchThread(ctx, accountID, at)
	})
}

func (s *RetryingStore) ArchiveThread(ctx context.Context, accountID int64) error {
	return doErr(ctx, s, "archive thread", func() error {
		return s.next.ArchiveThread(ctx, accountID)
	})
}

func (s *RetryingStore) SetThreadNotes(ctx context.Context, accountID int64, notes string) error {
	return doErr(ctx, s, "set thread notes", func() error {
		return s.next.SetThreadNotes(ctx, accountID, notes)
	})
}

func (s *RetryingStore) GetPaymentEvent(ctx context.Context, eventID string) (*models.PaymentEventRecord, error) {
	return do(ctx, s, "get payment event", func() (*models.PaymentEventRecord, error) {
		return s.next.GetPaymentEvent(ctx, eventID)
	})
}

func (s *RetryingStore) RecordPaymentEvent(ctx context.Context, record *models.PaymentEventRecord) error {
	return doErr(ctx, s, "record payment event", func() error {
		return s.next.RecordPaymentEvent(ctx, record)
	})
}

func (s *RetryingStore) CountAutoRechargeFailures(ctx context.Context, accountID int64, since time.Time) (int64, error) {
	return do(ctx, s, "count auto-recharge failures", func() (int64, error) {
		return s.next.CountAutoRechargeFailures(ctx, accountID, since)
	})
}
