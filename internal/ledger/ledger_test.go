package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-coin/nuntius/internal/metrics"
	"github.com/core-coin/nuntius/internal/models"
	"github.com/core-coin/nuntius/internal/repository"
	"github.com/core-coin/nuntius/pkg/logger"
)

func newTestLedger(t *testing.T) (*Ledger, models.Store) {
	t.Helper()
	store, err := repository.NewSQLiteDB(t.TempDir(), logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return New(store, DefaultConfig(), metrics.NewNop(), logger.NewNop()), store
}

func seed(t *testing.T, l *Ledger, id, balance int64) {
	t.Helper()
	_, err := l.EnsureAccount(context.Background(), id, "", "")
	require.NoError(t, err)
	if balance > 0 {
		_, err = l.Credit(context.Background(), id, balance, models.CreditMessages)
		require.NoError(t, err)
	}
}

func TestChargeClampsAndReportsDeducted(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	seed(t, l, 1, 1)

	deducted, err := l.Charge(ctx, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deducted)

	balance, err := l.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)

	deducted, err = l.Charge(ctx, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), deducted, "second charge is insufficient")
}

func TestZeroCostChargeIsANoop(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	seed(t, l, 1, 100)

	cost := l.CostFor(models.ContentText, 100)
	assert.Equal(t, int64(0), cost)

	deducted, err := l.Charge(ctx, 1, cost)
	require.NoError(t, err)
	assert.Equal(t, int64(0), deducted)

	balance, err := l.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)
}

func TestChargeThenRefundRestoresBalance(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	seed(t, l, 1, 10)
	seed(t, l, 2, 10)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = l.Charge(ctx, 2, 1)
		}()
	}

	deducted, err := l.Charge(ctx, 1, 4)
	require.NoError(t, err)
	require.NoError(t, l.Refund(ctx, 1, deducted))
	wg.Wait()

	balance, err := l.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(10), balance)
}

func TestBalanceNeverNegative(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	seed(t, l, 1, 7)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(cost int64) {
			defer wg.Done()
			_, err := l.Charge(ctx, 1, cost)
			assert.NoError(t, err)
		}(int64(i%4 + 1))
	}
	wg.Wait()

	balance, err := l.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, balance, int64(0))
}

func TestGetBalanceUnknownAccount(t *testing.T) {
	l, _ := newTestLedger(t)
	balance, err := l.GetBalance(context.Background(), 404)
	require.NoError(t, err)
	assert.Zero(t, balance)
}

func TestTierAndDiscount(t *testing.T) {
	cases := []struct {
		balance int64
		tier    models.Tier
	}{
		{0, models.TierNew},
		{49, models.TierNew},
		{50, models.TierRegular},
		{99, models.TierRegular},
		{100, models.TierVIP},
		{5000, models.TierVIP},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.tier, Tier(tc.balance), "balance %d", tc.balance)
	}

	assert.Equal(t, int64(10), DiscountedCost(10, models.TierNew))
	assert.Equal(t, int64(9), DiscountedCost(10, models.TierRegular))
	assert.Equal(t, int64(8), DiscountedCost(10, models.TierVIP))
	assert.Equal(t, int64(2), DiscountedCost(3, models.TierRegular))
	assert.Equal(t, int64(0), DiscountedCost(1, models.TierVIP))
}

func TestCostForUsesContentClass(t *testing.T) {
	l, _ := newTestLedger(t)
	assert.Equal(t, int64(1), l.CostFor(models.ContentText, 0))
	assert.Equal(t, int64(2), l.CostFor(models.ContentPhoto, 0))
	assert.Equal(t, int64(3), l.CostFor(models.ContentVideo, 0))
	assert.Equal(t, int64(2), l.CostFor(models.ContentVideo, 100))
	assert.Equal(t, int64(1), l.CostFor(models.ContentClass("sticker"), 0))
}

func TestLowBalanceNotificationDebounce(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	seed(t, l, 1, 3)

	now := time.Now()
	l.now = func() time.Time { return now }

	ok, err := l.ShouldNotifyLowBalance(ctx, 1, 5)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, l.MarkLowBalanceNotified(ctx, 1))
	ok, err = l.ShouldNotifyLowBalance(ctx, 1, 5)
	require.NoError(t, err)
	assert.False(t, ok, "debounced")

	now = now.Add(25 * time.Hour)
	ok, err = l.ShouldNotifyLowBalance(ctx, 1, 5)
	require.NoError(t, err)
	assert.True(t, ok, "window elapsed")

	ok, err = l.ShouldNotifyLowBalance(ctx, 1, 2)
	require.NoError(t, err)
	assert.False(t, ok, "above threshold")
}

func TestChargeSignalsLowBalanceListeners(t *testing.T) {
	ctx := context.Background()
	l, store := newTestLedger(t)
	seed(t, l, 1, 12)
	require.NoError(t, store.UpdateAutoRecharge(ctx, 1, models.AutoRechargeConfig{Enabled: true, Amount: 50, Threshold: 10}))
	l.Invalidate(1)

	var signals []int64
	l.OnLowBalance(func(_ context.Context, id int64, remaining int64) {
		signals = append(signals, remaining)
	})

	_, err := l.Charge(ctx, 1, 1)
	require.NoError(t, err)
	assert.Empty(t, signals, "11 is above the threshold")

	_, err = l.Charge(ctx, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{10}, signals)
}

func TestCreditRejectsInvalidAmounts(t *testing.T) {
	l, _ := newTestLedger(t)
	_, err := l.Credit(context.Background(), 1, 0, models.CreditMessages)
	assert.ErrorIs(t, err, models.ErrInvalidAmount)
	_, err = l.Credit(context.Background(), 1, 5, models.CreditKind("x"))
	assert.ErrorIs(t, err, models.ErrInvalidAmount)
}

func TestBanAndUnbanInvalidateCache(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	seed(t, l, 1, 0)

	require.NoError(t, l.Ban(ctx, 1, "dp_1"))
	account, err := l.Account(ctx, 1)
	require.NoError(t, err)
	assert.True(t, account.Banned)
	assert.Equal(t, "dp_1", account.BanReason)

	require.NoError(t, l.Unban(ctx, 1))
	account, err = l.Account(ctx, 1)
	require.NoError(t, err)
	assert.False(t, account.Banned)
}

func TestAccountReturnsPrivateCopy(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	seed(t, l, 1, 10)

	first, err := l.Account(ctx, 1)
	require.NoError(t, err)
	first.MessageCredits = 999
	first.Banned = true

	cached, err := l.Account(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(10), cached.MessageCredits)
	assert.False(t, cached.Banned)

	cached.MessageCredits = 0
	again, err := l.Account(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(10), again.MessageCredits)
}

// racingStore runs during after each account read, before the ledger sees it.
type racingStore struct {
	models.LedgerStore
	during func()
}

func (s *racingStore) GetAccount(ctx context.Context, id int64) (*models.Account, error) {
	account, err := s.LedgerStore.GetAccount(ctx, id)
	if s.during != nil {
		s.during()
	}
	return account, err
}

func TestAccountReadRacingInvalidationIsNotCached(t *testing.T) {
	ctx := context.Background()
	store, err := repository.NewSQLiteDB(t.TempDir(), logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	racing := &racingStore{LedgerStore: store}
	l := New(racing, DefaultConfig(), metrics.NewNop(), logger.NewNop())
	seed(t, l, 1, 10)
	l.Invalidate(1)

	// a charge lands between the read and the cache fill
	racing.during = func() {
		racing.during = nil
		_, _, err := store.Decrement(ctx, 1, models.CreditMessages, 4)
		require.NoError(t, err)
		l.Invalidate(1)
	}
	stale, err := l.Account(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(10), stale.MessageCredits)
	assert.Equal(t, 0, l.cache.Len())

	fresh, err := l.Account(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(6), fresh.MessageCredits)
}

func TestInvalidateAllDropsEveryAccount(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	for _, id := range []int64{1, 2, 3} {
		seed(t, l, id, 0)
		_, err := l.Account(ctx, id)
		require.NoError(t, err)
	}

	assert.Equal(t, 3, l.InvalidateAll())
	assert.Equal(t, 0, l.cache.Len())
}
