package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-coin/nuntius/internal/models"
	"github.com/core-coin/nuntius/pkg/logger"
)

func newTestSQLite(t *testing.T) *SQLiteDB {
	t.Helper()
	store, err := NewSQLiteDB(t.TempDir(), logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteEnsureAccountIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLite(t)

	first, err := store.EnsureAccount(ctx, 42, "alice", "Alice")
	require.NoError(t, err)
	assert.Equal(t, int64(0), first.MessageCredits)

	_, err = store.Increment(ctx, 42, models.CreditMessages, 10)
	require.NoError(t, err)

	again, err := store.EnsureAccount(ctx, 42, "alice_new", "Alice N")
	require.NoError(t, err)
	assert.Equal(t, int64(10), again.MessageCredits)
	assert.Equal(t, "alice_new", again.Username)
	assert.Equal(t, "Alice N", again.DisplayName)
}

func TestSQLiteGetAccountUnknown(t *testing.T) {
	store := newTestSQLite(t)

	_, err := store.GetAccount(context.Background(), 1)
	assert.ErrorIs(t, err, models.ErrAccountNotFound)
}

func TestSQLiteDecrementClampsAtZero(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLite(t)
	_, err := store.Increment(ctx, 1, models.CreditMessages, 3)
	require.NoError(t, err)

	deducted, remaining, err := store.Decrement(ctx, 1, models.CreditMessages, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(3), deducted)
	assert.Equal(t, int64(0), remaining)

	deducted, remaining, err = store.Decrement(ctx, 1, models.CreditMessages, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(0), deducted)
	assert.Equal(t, int64(0), remaining)
}

func TestSQLiteDecrementUnknownAccount(t *testing.T) {
	deducted, remaining, err := newTestSQLite(t).Decrement(context.Background(), 99, models.CreditMessages, 1)
	require.NoError(t, err)
	assert.Zero(t, deducted)
	assert.Zero(t, remaining)
}

func TestSQLiteTimeCreditsAreSeparate(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLite(t)

	_, err := store.Increment(ctx, 1, models.CreditTime, 600)
	require.NoError(t, err)
	_, err = store.Increment(ctx, 1, models.CreditMessages, 2)
	require.NoError(t, err)

	account, err := store.GetAccount(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(600), account.TimeCredits)
	assert.Equal(t, int64(2), account.MessageCredits)
}

func TestSQLiteConcurrentDecrementsNeverOverspend(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLite(t)
	_, err := store.Increment(ctx, 1, models.CreditMessages, 10)
	require.NoError(t, err)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int64
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			deducted, _, err := store.Decrement(ctx, 1, models.CreditMessages, 3)
			assert.NoError(t, err)
			mu.Lock()
			total += deducted
			mu.Unlock()
		}()
	}
	wg.Wait()

	account, err := store.GetAccount(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(10), total)
	assert.Equal(t, int64(0), account.MessageCredits)
}

func TestSQLiteAutoRechargeConfigRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLite(t)
	_, err := store.EnsureAccount(ctx, 5, "", "")
	require.NoError(t, err)

	enabledAt := time.Now().Add(-time.Hour).Truncate(time.Millisecond)
	require.NoError(t, store.UpdateAutoRecharge(ctx, 5, models.AutoRechargeConfig{
		Enabled: true, Amount: 100, Threshold: 10, EnabledAt: &enabledAt,
	}))
	require.NoError(t, store.SetPaymentInstrument(ctx, 5, "cus_1", "pm_1"))

	account, err := store.GetAccount(ctx, 5)
	require.NoError(t, err)
	assert.True(t, account.AutoRecharge.Enabled)
	assert.Equal(t, int64(100), account.AutoRecharge.Amount)
	require.NotNil(t, account.AutoRecharge.EnabledAt)
	assert.True(t, enabledAt.Equal(*account.AutoRecharge.EnabledAt))
	assert.True(t, account.HasInstrument())

	id, err := store.FindAccountIDByCustomer(ctx, "cus_1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), id)

	candidates, err := store.ListAutoRechargeCandidates(ctx, 10)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, int64(5), candidates[0].ID)

	require.NoError(t, store.SetBanned(ctx, 5, true, "dp_1"))
	candidates, err = store.ListAutoRechargeCandidates(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestSQLiteUpdateUnknownAccount(t *testing.T) {
	err := newTestSQLite(t).SetBanned(context.Background(), 7, true, "x")
	assert.ErrorIs(t, err, models.ErrAccountNotFound)
}

func TestSQLiteThreadLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLite(t)
	_, err := store.EnsureAccount(ctx, 1, "bob", "Bob")
	require.NoError(t, err)

	thread, err := store.GetThreadByAccount(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, thread)

	require.NoError(t, store.SaveThread(ctx, &models.Thread{AccountID: 1, Handle: 100, ProfileMessageID: 5}))
	byHandle, err := store.GetThreadByHandle(ctx, 100)
	require.NoError(t, err)
	require.NotNil(t, byHandle)
	assert.Equal(t, int64(1), byHandle.AccountID)
	assert.Equal(t, models.ThreadActive, byHandle.Status)

	require.NoError(t, store.SetThreadNotes(ctx, 1, "prefers email"))
	require.NoError(t, store.ArchiveThread(ctx, 1))

	byHandle, err = store.GetThreadByHandle(ctx, 100)
	require.NoError(t, err)
	assert.Nil(t, byHandle, "archived handles no longer route")

	// writing again reactivates the same row under a fresh handle
	require.NoError(t, store.SaveThread(ctx, &models.Thread{AccountID: 1, Handle: 200, Status: models.ThreadActive}))
	thread, err = store.GetThreadByAccount(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, thread)
	assert.Equal(t, 200, thread.Handle)
	assert.Equal(t, models.ThreadActive, thread.Status)
	assert.Equal(t, "prefers email", thread.Notes)

	assert.ErrorIs(t, store.TouchThread(ctx, 2, time.Now()), models.ErrThreadGone)
}

func TestSQLitePaymentEventsAreRecordedOnce(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLite(t)

	record := &models.PaymentEventRecord{
		EventID: "evt_1", Kind: models.EventCheckoutCompleted, AccountID: 1, Outcome: models.OutcomeCredited,
	}
	require.NoError(t, store.RecordPaymentEvent(ctx, record))
	assert.ErrorIs(t, store.RecordPaymentEvent(ctx, record), models.ErrDuplicateEvent)

	got, err := store.GetPaymentEvent(ctx, "evt_1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, models.OutcomeCredited, got.Outcome)

	missing, err := store.GetPaymentEvent(ctx, "evt_2")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSQLiteCountAutoRechargeFailures(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLite(t)
	now := time.Now()

	records := []*models.PaymentEventRecord{
		{EventID: "a", Kind: models.EventChargeFailed, AccountID: 1, AutoRecharge: true, Outcome: models.OutcomeAutoRechargeFailure, CreatedAt: now.Add(-30 * time.Hour)},
		{EventID: "b", Kind: models.EventChargeFailed, AccountID: 1, AutoRecharge: true, Outcome: models.OutcomeAutoRechargeFailure, CreatedAt: now.Add(-2 * time.Hour)},
		{EventID: "c", Kind: models.EventChargeFailed, AccountID: 1, AutoRecharge: false, Outcome: models.OutcomeChargeFailed, CreatedAt: now.Add(-time.Hour)},
		{EventID: "d", Kind: models.EventChargeFailed, AccountID: 2, AutoRecharge: true, Outcome: models.OutcomeAutoRechargeFailure, CreatedAt: now.Add(-time.Hour)},
		{EventID: "e", Kind: models.EventChargeFailed, AccountID: 1, AutoRecharge: true, Outcome: models.OutcomeAutoRechargeFailure, CreatedAt: now.Add(-time.Minute)},
	}
	for _, r := range records {
		require.NoError(t, store.RecordPaymentEvent(ctx, r))
	}

	n, err := store.CountAutoRechargeFailures(ctx, 1, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestSQLiteWithinTxRollsBack(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLite(t)
	_, err := store.Increment(ctx, 1, models.CreditMessages, 5)
	require.NoError(t, err)

	err = store.WithinTx(ctx, func(tx models.Store) error {
		if _, err := tx.Increment(ctx, 1, models.CreditMessages, 50); err != nil {
			return err
		}
		return tx.RecordPaymentEvent(ctx, &models.PaymentEventRecord{EventID: "x", Kind: models.EventUnknown, Outcome: models.OutcomeIgnored})
	})
	require.NoError(t, err)

	err = store.WithinTx(ctx, func(tx models.Store) error {
		if _, err := tx.Increment(ctx, 1, models.CreditMessages, 50); err != nil {
			return err
		}
		return tx.RecordPaymentEvent(ctx, &models.PaymentEventRecord{EventID: "x", Kind: models.EventUnknown, Outcome: models.OutcomeIgnored})
	})
	assert.ErrorIs(t, err, models.ErrDuplicateEvent)

	account, err := store.GetAccount(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(55), account.MessageCredits)
}
