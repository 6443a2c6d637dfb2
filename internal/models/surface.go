package models

import (
	"context"
	"time"
)

// ProfileCard is the summary pinned at the top of every thread.
type ProfileCard struct {
	AccountID   int64
	Username    string
	DisplayName string
	Balance     int64
	Tier        Tier
	Status      string
}

// ChatSurface is the outbound side of the messaging platform.
// Each call fails with its own error so callers can tell them apart.
type ChatSurface interface {
	// CreateThread opens a new operator-side thread and returns its handle.
	CreateThread(ctx context.Context, title string) (int, error)
	// PostToThread posts text into a thread and returns the message id.
	// Handle zero targets the operator chat's general channel.
	PostToThread(ctx context.Context, handle int, text string) (int, error)
	PinInThread(ctx context.Context, handle int, messageID int) error
	// RelayToOperator copies user content into a thread and returns the
	// operator-side message id. ErrThreadGone marks a vanished thread.
	RelayToOperator(ctx context.Context, handle int, content Content) (int, error)
	// DeliverToAccount copies operator content into the user's private chat.
	DeliverToAccount(ctx context.Context, accountID int64, content Content) error
	// NotifyAccount sends a service text to the user.
	NotifyAccount(ctx context.Context, accountID int64, text string) error
}

// OperatorAlerter delivers out-of-band alerts to the operator team.
type OperatorAlerter interface {
	AlertOperator(ctx context.Context, subject, text string)
}

// ChargeRequest asks the processor to charge a saved instrument off-session.
type ChargeRequest struct {
	AccountID       int64
	CustomerID      string
	PaymentMethodID string
	Credits         int64
	IdempotencyKey  string
}

// CheckoutRequest asks the processor for a hosted checkout page.
type CheckoutRequest struct {
	AccountID  int64
	CustomerID string
	Credits    int64
}

// PaymentGateway is the outbound side of the payment processor.
type PaymentGateway interface {
	// ChargeSavedInstrument returns the processor's payment reference.
	// The outcome arrives later as a payment event.
	ChargeSavedInstrument(ctx context.Context, req ChargeRequest) (string, error)
	// CreateTopUpCheckout returns the URL of the hosted checkout page.
	CreateTopUpCheckout(ctx context.Context, req CheckoutRequest) (string, error)
}

// EphemeralStore keeps short-lived coordination state: reply correlations,
// pending auto-recharge markers and per-key locks.
type EphemeralStore interface {
	SetInt(ctx context.Context, key string, value int64, ttl time.Duration) error
	// GetInt reports false when the key is absent or expired.
	GetInt(ctx context.Context, key string) (int64, bool, error)
	// Claim sets key only if absent and reports whether it did.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
	// Lock blocks until the key is held or ctx ends. The returned func releases it.
	Lock(ctx context.Context, key string, ttl time.Duration) (func(), error)
	Close() error
}

// AutoRechargeNotifier receives auto-recharge outcomes from payment processing.
type AutoRechargeNotifier interface {
	OnChargeFailed(ctx context.Context, accountID int64, reason string) error
	OnChargeSucceeded(ctx context.Context, accountID int64) error
}
