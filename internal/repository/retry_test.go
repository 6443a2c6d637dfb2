package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-coin/nuntius/internal/models"
	"github.com/core-coin/nuntius/pkg/logger"
)

// flakyStore fails GetAccount a fixed number of times before delegating.
type flakyStore struct {
	models.Store
	failures int
	calls    int
	err      error
}

func (f *flakyStore) GetAccount(ctx context.Context, id int64) (*models.Account, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, f.err
	}
	return f.Store.GetAccount(ctx, id)
}

func fastRetry() RetryConfig {
	return RetryConfig{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestRetryingStoreRecoversFromTransientErrors(t *testing.T) {
	ctx := context.Background()
	base := newTestSQLite(t)
	_, err := base.EnsureAccount(ctx, 1, "", "")
	require.NoError(t, err)

	flaky := &flakyStore{Store: base, failures: 2, err: errors.New("connection reset")}
	store := NewRetryingStore(flaky, fastRetry(), logger.NewNop())

	account, err := store.GetAccount(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), account.ID)
	assert.Equal(t, 3, flaky.calls)
}

func TestRetryingStoreFailsLoudlyWhenExhausted(t *testing.T) {
	flaky := &flakyStore{Store: newTestSQLite(t), failures: 10, err: errors.New("connection reset")}
	store := NewRetryingStore(flaky, fastRetry(), logger.NewNop())

	_, err := store.GetAccount(context.Background(), 1)
	assert.ErrorIs(t, err, models.ErrStorageUnavailable)
	assert.Equal(t, 3, flaky.calls)
}

func TestRetryingStoreDoesNotRetryDomainErrors(t *testing.T) {
	flaky := &flakyStore{Store: newTestSQLite(t), failures: 10, err: models.ErrAccountNotFound}
	store := NewRetryingStore(flaky, fastRetry(), logger.NewNop())

	_, err := store.GetAccount(context.Background(), 1)
	assert.ErrorIs(t, err, models.ErrAccountNotFound)
	assert.NotErrorIs(t, err, models.ErrStorageUnavailable)
	assert.Equal(t, 1, flaky.calls)
}
