package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormLogger "gorm.io/gorm/logger"

	"github.com/core-coin/nuntius/internal/models"
	"github.com/core-coin/nuntius/pkg/logger"
)

// PostgresConfig holds the connection parameters of the primary store.
type PostgresConfig struct {
	User         string
	Password     string
	Host         string
	Port         int
	DB           string
	MaxOpenConns int
}

func (c PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable",
		c.Host, c.User, c.Password, c.DB, c.Port)
}

type PostgresDB struct {
	logger *logger.Logger

	Conn *gorm.DB
}

func NewPostgresDB(cfg PostgresConfig, logger *logger.Logger) (*PostgresDB, error) {
	db, err := openPostgres(postgres.Open(cfg.DSN()), logger, true)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB, err := db.Conn.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get database connection: %w", err)
		}
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		sqlDB.SetMaxIdleConns(cfg.MaxOpenConns)
	}
	logger.Info("Successfully connected to PostgreSQL!")
	return db, nil
}

func openPostgres(dialector gorm.Dialector, logger *logger.Logger, migrate bool) (*PostgresDB, error) {
	// Configure GORM logger to suppress "record not found" messages
	gormLog := gormLogger.New(
		logger.StdLog(),
		gormLogger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  gormLogger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormLog, SkipDefaultTransaction: true})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	if migrate {
		if err := db.AutoMigrate(&models.Account{}, &models.Thread{}, &models.PaymentEventRecord{}); err != nil {
			return nil, fmt.Errorf("failed to auto-migrate models: %w", err)
		}
	}
	return &PostgresDB{Conn: db, logger: logger}, nil
}

func (db *PostgresDB) Backend() string {
	return "postgres"
}

func (db *PostgresDB) Close() error {
	sqlDB, err := db.Conn.DB()
	if err != nil {
		return fmt.Errorf("failed to get database connection: %w", err)
	}
	return sqlDB.Close()
}

func (db *PostgresDB) WithinTx(ctx context.Context, fn func(tx models.Store) error) error {
	return db.Conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&PostgresDB{Conn: tx, logger: db.logger})
	})
}

// balanceColumn maps a credit kind onto its column. Only these two names
// ever reach the SQL text.
func balanceColumn(kind models.CreditKind) (string, error) {
	switch kind {
	case models.CreditMessages:
		return "message_credits", nil
	case models.CreditTime:
		return "time_credits", nil
	default:
		return "", fmt.Errorf("unknown credit kind %q: %w", kind, models.ErrInvalidAmount)
	}
}

func (db *PostgresDB) EnsureAccount(ctx context.Context, id int64, username, displayName string) (*models.Account, error) {
	account := &models.Account{ID: id, Username: username, DisplayName: displayName}
	err := db.Conn.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"username", "display_name", "updated_at"}),
	}).Create(account).Error
	if err != nil {
		return nil, fmt.Errorf("failed to ensure account: %w", err)
	}
	return db.GetAccount(ctx, id)
}

func (db *PostgresDB) GetAccount(ctx context.Context, id int64) (*models.Account, error) {
	var account models.Account
	if err := db.Conn.WithContext(ctx).Where("id = ?", id).First(&account).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &account, nil
}

func (db *PostgresDB) Decrement(ctx context.Context, id int64, kind models.CreditKind, amount int64) (int64, int64, error) {
	column, err := balanceColumn(kind)
	if err != nil {
		return 0, 0, err
	}
	// The row lock in the CTE makes read, clamp and write one atomic step.
	query := fmt.Sprintf(`WITH prev AS (
	SELECT id, %[1]s AS before FROM accounts WHERE id = ? FOR UPDATE
)
UPDATE accounts SET %[1]s = accounts.%[1]s - LEAST(prev.before, ?), updated_at = ?
FROM prev WHERE accounts.id = prev.id
RETURNING LEAST(prev.before, ?), accounts.%[1]s`, column)

	var deducted, remaining int64
	row := db.Conn.WithContext(ctx).Raw(query, id, amount, time.Now(), amount).Row()
	if err := row.Scan(&deducted, &remaining); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, 0, nil
		}
		return 0, 0, fmt.Errorf("failed to decrement %s: %w", column, err)
	}
	return deducted, remaining, nil
}

func (db *PostgresDB) Increment(ctx context.Context, id int64, kind models.CreditKind, amount int64) (int64, error) {
	column, err := balanceColumn(kind)
	if err != nil {
		return 0, err
	}
	now := time.Now()
	query := fmt.Sprintf(`INSERT INTO accounts (id, %[1]s, created_at, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET %[1]s = accounts.%[1]s + EXCLUDED.%[1]s, updated_at = EXCLUDED.updated_at
RETURNING %[1]s`, column)

	var balance int64
	if err := db.Conn.WithContext(ctx).Raw(query, id, amount, now, now).Row().Scan(&balance); err != nil {
		return 0, fmt.Errorf("failed to increment %s: %w", column, err)
	}
	return balance, nil
}

func (db *PostgresDB) updateAccount(ctx context.Context, id int64, what string, fields map[string]interface{}) error {
	res := db.Conn.WithContext(ctx).Model(&models.Account{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("failed to update %s: %w", what, res.Error)
	}
	if res.RowsAffected == 0 {
		return models.ErrAccountNotFound
	}
	return nil
}

func (db *PostgresDB) SetLowBalanceNotifiedAt(ctx context.Context, id int64, at time.Time) error {
	return db.updateAccount(ctx, id, "low balance notification", map[string]interface{}{
		"low_balance_notified_at": at,
	})
}

func (db *PostgresDB) SetBanned(ctx context.Context, id int64, banned bool, reason string) error {
	return db.updateAccount(ctx, id, "ban status", map[string]interface{}{
		"banned":     banned,
		"ban_reason": reason,
	})
}

func (db *PostgresDB) SetPaymentInstrument(ctx context.Context, id int64, customerID, paymentMethodID string) error {
	fields := map[string]interface{}{}
	if customerID != "" {
		fields["customer_id"] = customerID
	}
	if paymentMethodID != "" {
		fields["payment_method_id"] = paymentMethodID
	}
	if len(fields) == 0 {
		return nil
	}
	return db.updateAccount(ctx, id, "payment instrument", fields)
}

func (db *PostgresDB) UpdateAutoRecharge(ctx context.Context, id int64, cfg models.AutoRechargeConfig) error {
	return db.updateAccount(ctx, id, "auto-recharge", map[string]interface{}{
		"auto_recharge_enabled":         cfg.Enabled,
		"auto_recharge_amount":          cfg.Amount,
		"auto_recharge_threshold":       cfg.Threshold,
		"auto_recharge_enabled_at":      cfg.EnabledAt,
		"auto_recharge_disabled_reason": cfg.DisabledReason,
	})
}

func (db *PostgresDB) SetSubscription(ctx context.Context, id int64, subscriptionID, status string) error {
	fields := map[string]interface{}{"subscription_status": status}
	if subscriptionID != "" {
		fields["subscription_id"] = subscriptionID
	}
	return db.updateAccount(ctx, id, "subscription", fields)
}

func (db *PostgresDB) FindAccountIDByCustomer(ctx context.Context, customerID string) (int64, error) {
	var account models.Account
	err := db.Conn.WithContext(ctx).Select("id").Where("customer_id = ?", customerID).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, models.ErrAccountNotFound
		}
		return 0, fmt.Errorf("failed to find account by customer: %w", err)
	}
	return account.ID, nil
}

func (db *PostgresDB) ListAutoRechargeCandidates(ctx context.Context, limit int) ([]*models.Account, error) {
	var accounts []*models.Account
	err := db.Conn.WithContext(ctx).
		Where("auto_recharge_enabled = ? AND banned = ?", true, false).
		Where("message_credits <= auto_recharge_threshold").
		Where("customer_id <> '' AND payment_method_id <> ''").
		Order("id").Limit(limit).Find(&accounts).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list auto-recharge candidates: %w", err)
	}
	return accounts, nil
}

func (db *PostgresDB) CountLowBalanceAccounts(ctx context.Context, threshold int64) (int64, error) {
	var n int64
	if err := db.Conn.WithContext(ctx).Model(&models.Account{}).Where("message_credits <= ?", threshold).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("failed to count low balance accounts: %w", err)
	}
	return n, nil
}

func (db *PostgresDB) GetThreadByAccount(ctx context.Context, accountID int64) (*models.Thread, error) {
	var thread models.Thread
	if err := db.Conn.WithContext(ctx).Where("account_id = ?", accountID).First(&thread).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get thread: %w", err)
	}
	return &thread, nil
}

func (db *PostgresDB) GetThreadByHandle(ctx context.Context, handle int) (*models.Thread, error) {
	var thread models.Thread
	err := db.Conn.WithContext(ctx).Where("handle = ? AND status = ?", handle, models.ThreadActive).First(&thread).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get thread by handle: %w", err)
	}
	return &thread, nil
}

func (db *PostgresDB) SaveThread(ctx context.Context, thread *models.Thread) error {
	err := db.Conn.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"handle", "status", "profile_message_id", "last_activity_at"}),
	}).Create(thread).Error
	if err != nil {
		return fmt.Errorf("failed to save thread: %w", err)
	}
	return nil
}

func (db *PostgresDB) updateThread(ctx context.Context, accountID int64, what string, fields map[string]interface{}) error {
	res := db.Conn.WithContext(ctx).Model(&models.Thread{}).Where("account_id = ?", accountID).Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("failed to update thread %s: %w", what, res.Error)
	}
	if res.RowsAffected == 0 {
		return models.ErrThreadGone
	}
	return nil
}

func (db *PostgresDB) TouchThread(ctx context.Context, accountID int64, at time.Time) error {
	return db.updateThread(ctx, accountID, "activity", map[string]interface{}{"last_activity_at": at})
}

func (db *PostgresDB) ArchiveThread(ctx context.Context, accountID int64) error {
	return db.updateThread(ctx, accountID, "status", map[string]interface{}{"status": models.ThreadArchived})
}

func (db *PostgresDB) SetThreadNotes(ctx context.Context, accountID int64, notes string) error {
	return db.updateThread(ctx, accountID, "notes", map[string]interface{}{"notes": notes})
}

func (db *PostgresDB) GetPaymentEvent(ctx context.Context, eventID string) (*models.PaymentEventRecord, error) {
	var record models.PaymentEventRecord
	if err := db.Conn.WithContext(ctx).Where("event_id = ?", eventID).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get payment event: %w", err)
	}
	return &record, nil
}

func (db *PostgresDB) RecordPaymentEvent(ctx context.Context, record *models.PaymentEventRecord) error {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	res := db.Conn.WithContext(ctx).Exec(`INSERT INTO payment_events
	(event_id, kind, account_id, auto_recharge, payload, outcome, detail, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (event_id) DO NOTHING`,
		record.EventID, record.Kind, record.AccountID, record.AutoRecharge,
		record.Payload, record.Outcome, record.Detail, record.CreatedAt)
	if res.Error != nil {
		return fmt.Errorf("failed to record payment event: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return models.ErrDuplicateEvent
	}
	return nil
}

func (db *PostgresDB) CountAutoRechargeFailures(ctx context.Context, accountID int64, since time.Time) (int64, error) {
	var n int64
	err := db.Conn.WithContext(ctx).Model(&models.PaymentEventRecord{}).
		Where("account_id = ? AND kind = ? AND auto_recharge = ? AND created_at >= ?",
			accountID, models.EventChargeFailed, true, since).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count auto-recharge failures: %w", err)
	}
	return n, nil
}
