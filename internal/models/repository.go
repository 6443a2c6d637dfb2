package models

import (
	"context"
	"time"
)

// LedgerStore persists accounts and their balances.
type LedgerStore interface {
	// EnsureAccount creates the account on first contact and refreshes its names.
	EnsureAccount(ctx context.Context, id int64, username, displayName string) (*Account, error)
	// GetAccount returns ErrAccountNotFound for unknown ids.
	GetAccount(ctx context.Context, id int64) (*Account, error)
	// Decrement subtracts min(amount, balance) in one atomic statement.
	Decrement(ctx context.Context, id int64, kind CreditKind, amount int64) (deducted, remaining int64, err error)
	// Increment adds amount, creating the account if needed, and returns the new balance.
	Increment(ctx context.Context, id int64, kind CreditKind, amount int64) (int64, error)
	SetLowBalanceNotifiedAt(ctx context.Context, id int64, at time.Time) error
	SetBanned(ctx context.Context, id int64, banned bool, reason string) error
	SetPaymentInstrument(ctx context.Context, id int64, customerID, paymentMethodID string) error
	UpdateAutoRecharge(ctx context.Context, id int64, cfg AutoRechargeConfig) error
	SetSubscription(ctx context.Context, id int64, subscriptionID, status string) error
	FindAccountIDByCustomer(ctx context.Context, customerID string) (int64, error)
	// ListAutoRechargeCandidates returns enabled, unbanned accounts at or below their threshold.
	ListAutoRechargeCandidates(ctx context.Context, limit int) ([]*Account, error)
	CountLowBalanceAccounts(ctx context.Context, threshold int64) (int64, error)
}

// ThreadDirectory persists the account to thread mapping.
type ThreadDirectory interface {
	// GetThreadByAccount returns nil without error when the account has no thread.
	GetThreadByAccount(ctx context.Context, accountID int64) (*Thread, error)
	// GetThreadByHandle returns nil without error for unknown or archived handles.
	GetThreadByHandle(ctx context.Context, handle int) (*Thread, error)
	// SaveThread upserts on account id, reactivating an archived row.
	SaveThread(ctx context.Context, thread *Thread) error
	TouchThread(ctx context.Context, accountID int64, at time.Time) error
	ArchiveThread(ctx context.Context, accountID int64) error
	SetThreadNotes(ctx context.Context, accountID int64, notes string) error
}

// PaymentEventStore persists processed payment events.
type PaymentEventStore interface {
	// GetPaymentEvent returns nil without error for unseen event ids.
	GetPaymentEvent(ctx context.Context, eventID string) (*PaymentEventRecord, error)
	// RecordPaymentEvent returns ErrDuplicateEvent when the id already exists.
	RecordPaymentEvent(ctx context.Context, record *PaymentEventRecord) error
	// CountAutoRechargeFailures counts auto-recharge tagged charge failures since the given time.
	CountAutoRechargeFailures(ctx context.Context, accountID int64, since time.Time) (int64, error)
}

// Store is the full persistence layer, constructed once at start-up.
type Store interface {
	LedgerStore
	ThreadDirectory
	PaymentEventStore

	// WithinTx runs fn in a transaction. fn must only use the store it is given.
	WithinTx(ctx context.Context, fn func(tx Store) error) error
	Backend() string
	Close() error
}
