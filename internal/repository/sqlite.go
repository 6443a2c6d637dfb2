package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/core-coin/nuntius/internal/models"
	"github.com/core-coin/nuntius/pkg/logger"
)

const sqliteFileName = "nuntius.db"

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteDB is the file-based fallback store. It holds a single connection,
// so every transaction is serialised by the pool itself.
type SQLiteDB struct {
	logger *logger.Logger

	db *sql.DB
	// tx is set on the copy handed to WithinTx callbacks.
	tx *sql.Tx
}

// NewSQLiteDB opens (or creates) the fallback database in dir.
func NewSQLiteDB(dir string, logger *logger.Logger) (*SQLiteDB, error) {
	dir = filepath.Clean(dir)
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("sqlite dir is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create sqlite dir: %w", err)
	}

	dsn := filepath.Join(dir, sqliteFileName) + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLiteDB{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, errors.Join(err, fmt.Errorf("close sqlite db after schema init failure: %w", closeErr))
		}
		return nil, err
	}
	logger.Info("Opened SQLite fallback store", "path", filepath.Join(dir, sqliteFileName))
	return s, nil
}

func (s *SQLiteDB) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		id INTEGER PRIMARY KEY,
		username TEXT NOT NULL DEFAULT '',
		display_name TEXT NOT NULL DEFAULT '',
		message_credits INTEGER NOT NULL DEFAULT 0 CHECK (message_credits >= 0),
		time_credits INTEGER NOT NULL DEFAULT 0 CHECK (time_credits >= 0),
		banned INTEGER NOT NULL DEFAULT 0,
		ban_reason TEXT NOT NULL DEFAULT '',
		customer_id TEXT NOT NULL DEFAULT '',
		payment_method_id TEXT NOT NULL DEFAULT '',
		auto_recharge_enabled INTEGER NOT NULL DEFAULT 0,
		auto_recharge_amount INTEGER NOT NULL DEFAULT 0,
		auto_recharge_threshold INTEGER NOT NULL DEFAULT 0,
		auto_recharge_enabled_at INTEGER,
		auto_recharge_disabled_reason TEXT NOT NULL DEFAULT '',
		subscription_id TEXT NOT NULL DEFAULT '',
		subscription_status TEXT NOT NULL DEFAULT '',
		low_balance_notified_at INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_accounts_customer_id ON accounts(customer_id);

	CREATE TABLE IF NOT EXISTS conversation_threads (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		account_id INTEGER NOT NULL UNIQUE REFERENCES accounts(id),
		handle INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		profile_message_id INTEGER NOT NULL DEFAULT 0,
		notes TEXT NOT NULL DEFAULT '',
		last_activity_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversation_threads_handle ON conversation_threads(handle);

	CREATE TABLE IF NOT EXISTS payment_events (
		event_id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		account_id INTEGER NOT NULL DEFAULT 0,
		auto_recharge INTEGER NOT NULL DEFAULT 0,
		payload TEXT NOT NULL DEFAULT '',
		outcome TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_payment_events_failures ON payment_events(account_id, created_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init sqlite schema: %w", err)
	}
	return nil
}

func (s *SQLiteDB) Backend() string {
	return "sqlite"
}

func (s *SQLiteDB) Close() error {
	if s.tx != nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteDB) q() querier {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

func (s *SQLiteDB) WithinTx(ctx context.Context, fn func(tx models.Store) error) error {
	if s.tx != nil {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin sqlite tx: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(); rollbackErr != nil && !errors.Is(rollbackErr, sql.ErrTxDone) {
			s.logger.Warn("Failed to rollback sqlite transaction", "error", rollbackErr)
		}
	}()

	if err := fn(&SQLiteDB{db: s.db, tx: tx, logger: s.logger}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit sqlite tx: %w", err)
	}
	return nil
}

func (s *SQLiteDB) atomically(ctx context.Context, fn func(tx *SQLiteDB) error) error {
	return s.WithinTx(ctx, func(tx models.Store) error {
		return fn(tx.(*SQLiteDB))
	})
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func toMillisPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return toMillis(*t)
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func fromNullMillis(ms sql.NullInt64) *time.Time {
	if !ms.Valid {
		return nil
	}
	t := fromMillis(ms.Int64)
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type rowScanner interface {
	Scan(dest ...any) error
}

const accountColumns = `id, username, display_name, message_credits, time_credits, banned, ban_reason,
	customer_id, payment_method_id, auto_recharge_enabled, auto_recharge_amount, auto_recharge_threshold,
	auto_recharge_enabled_at, auto_recharge_disabled_reason, subscription_id, subscription_status,
	low_balance_notified_at, created_at, updated_at`

func scanAccount(row rowScanner) (*models.Account, error) {
	var (
		a                    models.Account
		banned, arEnabled    int
		enabledAt, notified  sql.NullInt64
		createdAt, updatedAt int64
	)
	err := row.Scan(&a.ID, &a.Username, &a.DisplayName, &a.MessageCredits, &a.TimeCredits, &banned, &a.BanReason,
		&a.CustomerID, &a.PaymentMethodID, &arEnabled, &a.AutoRecharge.Amount, &a.AutoRecharge.Threshold,
		&enabledAt, &a.AutoRecharge.DisabledReason, &a.SubscriptionID, &a.SubscriptionStatus,
		&notified, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	a.Banned = banned != 0
	a.AutoRecharge.Enabled = arEnabled != 0
	a.AutoRecharge.EnabledAt = fromNullMillis(enabledAt)
	a.LowBalanceNotifiedAt = fromNullMillis(notified)
	a.CreatedAt = fromMillis(createdAt)
	a.UpdatedAt = fromMillis(updatedAt)
	return &a, nil
}

func (s *SQLiteDB) EnsureAccount(ctx context.Context, id int64, username, displayName string) (*models.Account, error) {
	now := toMillis(time.Now())
	_, err := s.q().ExecContext(ctx, `INSERT INTO accounts (id, username, display_name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET username = excluded.username, display_name = excluded.display_name,
		updated_at = excluded.updated_at`, id, username, displayName, now, now)
	if err != nil {
		return nil, fmt.Errorf("ensure account: %w", err)
	}
	return s.GetAccount(ctx, id)
}

func (s *SQLiteDB) GetAccount(ctx context.Context, id int64) (*models.Account, error) {
	row := s.q().QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	account, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrAccountNotFound
		}
		return nil, fmt.Errorf("get account: %w", err)
	}
	return account, nil
}

func (s *SQLiteDB) Decrement(ctx context.Context, id int64, kind models.CreditKind, amount int64) (int64, int64, error) {
	column, err := balanceColumn(kind)
	if err != nil {
		return 0, 0, err
	}
	var deducted, remaining int64
	err = s.atomically(ctx, func(tx *SQLiteDB) error {
		var before int64
		row := tx.tx.QueryRowContext(ctx, `SELECT `+column+` FROM accounts WHERE id = ?`, id)
		if err := row.Scan(&before); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return err
		}
		deducted = min(before, amount)
		remaining = before - deducted
		_, err := tx.tx.ExecContext(ctx, `UPDATE accounts SET `+column+` = ?, updated_at = ? WHERE id = ?`,
			remaining, toMillis(time.Now()), id)
		return err
	})
	if err != nil {
		return 0, 0, fmt.Errorf("decrement %s: %w", column, err)
	}
	return deducted, remaining, nil
}

func (s *SQLiteDB) Increment(ctx context.Context, id int64, kind models.CreditKind, amount int64) (int64, error) {
	column, err := balanceColumn(kind)
	if err != nil {
		return 0, err
	}
	now := toMillis(time.Now())
	var balance int64
	row := s.q().QueryRowContext(ctx, `INSERT INTO accounts (id, `+column+`, created_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET `+column+` = accounts.`+column+` + excluded.`+column+`, updated_at = excluded.updated_at
		RETURNING `+column, id, amount, now, now)
	if err := row.Scan(&balance); err != nil {
		return 0, fmt.Errorf("increment %s: %w", column, err)
	}
	return balance, nil
}

func (s *SQLiteDB) execAccount(ctx context.Context, what, query string, args ...any) error {
	res, err := s.q().ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update %s: %w", what, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("get %s rows affected: %w", what, err)
	}
	if affected == 0 {
		return models.ErrAccountNotFound
	}
	return nil
}

func (s *SQLiteDB) SetLowBalanceNotifiedAt(ctx context.Context, id int64, at time.Time) error {
	return s.execAccount(ctx, "low balance notification",
		`UPDATE accounts SET low_balance_notified_at = ?, updated_at = ? WHERE id = ?`,
		toMillis(at), toMillis(time.Now()), id)
}

func (s *SQLiteDB) SetBanned(ctx context.Context, id int64, banned bool, reason string) error {
	return s.execAccount(ctx, "ban status",
		`UPDATE accounts SET banned = ?, ban_reason = ?, updated_at = ? WHERE id = ?`,
		boolToInt(banned), reason, toMillis(time.Now()), id)
}

func (s *SQLiteDB) SetPaymentInstrument(ctx context.Context, id int64, customerID, paymentMethodID string) error {
	if customerID == "" && paymentMethodID == "" {
		return nil
	}
	return s.execAccount(ctx, "payment instrument",
		`UPDATE accounts SET
			customer_id = CASE WHEN ? <> '' THEN ? ELSE customer_id END,
			payment_method_id = CASE WHEN ? <> '' THEN ? ELSE payment_method_id END,
			updated_at = ?
		WHERE id = ?`,
		customerID, customerID, paymentMethodID, paymentMethodID, toMillis(time.Now()), id)
}

func (s *SQLiteDB) UpdateAutoRecharge(ctx context.Context, id int64, cfg models.AutoRechargeConfig) error {
	return s.execAccount(ctx, "auto-recharge",
		`UPDATE accounts SET auto_recharge_enabled = ?, auto_recharge_amount = ?, auto_recharge_threshold = ?,
			auto_recharge_enabled_at = ?, auto_recharge_disabled_reason = ?, updated_at = ?
		WHERE id = ?`,
		boolToInt(cfg.Enabled), cfg.Amount, cfg.Threshold, toMillisPtr(cfg.EnabledAt), cfg.DisabledReason,
		toMillis(time.Now()), id)
}

func (s *SQLiteDB) SetSubscription(ctx context.Context, id int64, subscriptionID, status string) error {
	return s.execAccount(ctx, "subscription",
		`UPDATE accounts SET
			subscription_id = CASE WHEN ? <> '' THEN ? ELSE subscription_id END,
			subscription_status = ?, updated_at = ?
		WHERE id = ?`,
		subscriptionID, subscriptionID, status, toMillis(time.Now()), id)
}

func (s *SQLiteDB) FindAccountIDByCustomer(ctx context.Context, customerID string) (int64, error) {
	var id int64
	err := s.q().QueryRowContext(ctx, `SELECT id FROM accounts WHERE customer_id = ? ORDER BY id LIMIT 1`, customerID).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, models.ErrAccountNotFound
		}
		return 0, fmt.Errorf("find account by customer: %w", err)
	}
	return id, nil
}

func (s *SQLiteDB) ListAutoRechargeCandidates(ctx context.Context, limit int) ([]*models.Account, error) {
	rows, err := s.q().QueryContext(ctx, `SELECT `+accountColumns+` FROM accounts
		WHERE auto_recharge_enabled = 1 AND banned = 0
		AND message_credits <= auto_recharge_threshold
		AND customer_id <> '' AND payment_method_id <> ''
		ORDER BY id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list auto-recharge candidates: %w", err)
	}
	defer rows.Close()

	var accounts []*models.Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan auto-recharge candidate: %w", err)
		}
		accounts = append(accounts, account)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate auto-recharge candidates: %w", err)
	}
	return accounts, nil
}

func (s *SQLiteDB) CountLowBalanceAccounts(ctx context.Context, threshold int64) (int64, error) {
	var n int64
	if err := s.q().QueryRowContext(ctx, `SELECT COUNT(*) FROM accounts WHERE message_credits <= ?`, threshold).Scan(&n); err != nil {
		return 0, fmt.Errorf("count low balance accounts: %w", err)
	}
	return n, nil
}

const threadColumns = `id, account_id, handle, status, profile_message_id, notes, last_activity_at, created_at`

func scanThread(row rowScanner) (*models.Thread, error) {
	var (
		t                  models.Thread
		status             string
		activity, creation int64
	)
	if err := row.Scan(&t.ID, &t.AccountID, &t.Handle, &status, &t.ProfileMessageID, &t.Notes, &activity, &creation); err != nil {
		return nil, err
	}
	t.Status = models.ThreadStatus(status)
	t.LastActivityAt = fromMillis(activity)
	t.CreatedAt = fromMillis(creation)
	return &t, nil
}

func (s *SQLiteDB) GetThreadByAccount(ctx context.Context, accountID int64) (*models.Thread, error) {
	thread, err := scanThread(s.q().QueryRowContext(ctx, `SELECT `+threadColumns+` FROM conversation_threads WHERE account_id = ?`, accountID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get thread: %w", err)
	}
	return thread, nil
}

func (s *SQLiteDB) GetThreadByHandle(ctx context.Context, handle int) (*models.Thread, error) {
	thread, err := scanThread(s.q().QueryRowContext(ctx, `SELECT `+threadColumns+` FROM conversation_threads
		WHERE handle = ? AND status = ?`, handle, string(models.ThreadActive)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get thread by handle: %w", err)
	}
	return thread, nil
}

func (s *SQLiteDB) SaveThread(ctx context.Context, thread *models.Thread) error {
	now := time.Now()
	if thread.CreatedAt.IsZero() {
		thread.CreatedAt = now
	}
	if thread.LastActivityAt.IsZero() {
		thread.LastActivityAt = now
	}
	if thread.Status == "" {
		thread.Status = models.ThreadActive
	}
	row := s.q().QueryRowContext(ctx, `INSERT INTO conversation_threads
		(account_id, handle, status, profile_message_id, notes, last_activity_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (account_id) DO UPDATE SET handle = excluded.handle, status = excluded.status,
		profile_message_id = excluded.profile_message_id, last_activity_at = excluded.last_activity_at
		RETURNING id`,
		thread.AccountID, thread.Handle, string(thread.Status), thread.ProfileMessageID, thread.Notes,
		toMillis(thread.LastActivityAt), toMillis(thread.CreatedAt))
	if err := row.Scan(&thread.ID); err != nil {
		return fmt.Errorf("save thread: %w", err)
	}
	return nil
}

func (s *SQLiteDB) execThread(ctx context.Context, what, query string, args ...any) error {
	res, err := s.q().ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update thread %s: %w", what, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("get thread %s rows affected: %w", what, err)
	}
	if affected == 0 {
		return models.ErrThreadGone
	}
	return nil
}

func (s *SQLiteDB) TouchThread(ctx context.Context, accountID int64, at time.Time) error {
	return s.execThread(ctx, "activity", `UPDATE conversation_threads SET last_activity_at = ? WHERE account_id = ?`,
		toMillis(at), accountID)
}

func (s *SQLiteDB) ArchiveThread(ctx context.Context, accountID int64) error {
	return s.execThread(ctx, "status", `UPDATE conversation_threads SET status = ? WHERE account_id = ?`,
		string(models.ThreadArchived), accountID)
}

func (s *SQLiteDB) SetThreadNotes(ctx context.Context, accountID int64, notes string) error {
	return s.execThread(ctx, "notes", `UPDATE conversation_threads SET notes = ? WHERE account_id = ?`,
		notes, accountID)
}

func (s *SQLiteDB) GetPaymentEvent(ctx context.Context, eventID string) (*models.PaymentEventRecord, error) {
	var (
		r         models.PaymentEventRecord
		kind      string
		outcome   string
		auto      int
		createdAt int64
	)
	err := s.q().QueryRowContext(ctx, `SELECT event_id, kind, account_id, auto_recharge, payload, outcome, detail, created_at
		FROM payment_events WHERE event_id = ?`, eventID).
		Scan(&r.EventID, &kind, &r.AccountID, &auto, &r.Payload, &outcome, &r.Detail, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get payment event: %w", err)
	}
	r.Kind = models.PaymentEventKind(kind)
	r.Outcome = models.PaymentOutcome(outcome)
	r.AutoRecharge = auto != 0
	r.CreatedAt = fromMillis(createdAt)
	return &r, nil
}

func (s *SQLiteDB) RecordPaymentEvent(ctx context.Context, record *models.PaymentEventRecord) error {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	res, err := s.q().ExecContext(ctx, `INSERT INTO payment_events
		(event_id, kind, account_id, auto_recharge, payload, outcome, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (event_id) DO NOTHING`,
		record.EventID, string(record.Kind), record.AccountID, boolToInt(record.AutoRecharge),
		record.Payload, string(record.Outcome), record.Detail, toMillis(record.CreatedAt))
	if err != nil {
		return fmt.Errorf("record payment event: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("get payment event rows affected: %w", err)
	}
	if affected == 0 {
		return models.ErrDuplicateEvent
	}
	return nil
}

func (s *SQLiteDB) CountAutoRechargeFailures(ctx context.Context, accountID int64, since time.Time) (int64, error) {
	var n int64
	err := s.q().QueryRowContext(ctx, `SELECT COUNT(*) FROM payment_events
		WHERE account_id = ? AND kind = ? AND auto_recharge = 1 AND created_at >= ?`,
		accountID, string(models.EventChargeFailed), toMillis(since)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count auto-recharge failures: %w", err)
	}
	return n, nil
}
