package repository

import (
	"fmt"

	"github.com/core-coin/nuntius/internal/models"
	"github.com/core-coin/nuntius/pkg/logger"
)

// Options selects and configures the storage backend.
type Options struct {
	Postgres        PostgresConfig
	FallbackEnabled bool
	FallbackDir     string
	Retry           RetryConfig
}

// Open picks the backend once: Postgres when reachable, otherwise the
// SQLite file store if the fallback is enabled. The result is wrapped in
// the retry decorator.
func Open(opts Options, logger *logger.Logger) (models.Store, error) {
	var store models.Store
	pg, err := NewPostgresDB(opts.Postgres, logger)
	switch {
	case err == nil:
		store = pg
	case opts.FallbackEnabled:
		logger.Warn("PostgreSQL unavailable, using SQLite fallback", "error", err, "dir", opts.FallbackDir)
		lite, liteErr := NewSQLiteDB(opts.FallbackDir, logger)
		if liteErr != nil {
			return nil, fmt.Errorf("failed to open fallback store: %w (primary: %v)", liteErr, err)
		}
		store = lite
	default:
		return nil, err
	}
	return NewRetryingStore(store, opts.Retry, logger), nil
}
