package models

import "time"

// CreditKind selects which balance a credit or debit applies to.
type CreditKind string

const (
	// CreditMessages is the message-credit balance spent on relayed messages.
	CreditMessages CreditKind = "messages"
	// CreditTime is the time-credit balance, in seconds.
	CreditTime CreditKind = "time"
)

// Valid reports whether k names a known balance.
func (k CreditKind) Valid() bool {
	return k == CreditMessages || k == CreditTime
}

// Tier is a discount class derived from the message-credit balance.
type Tier string

const (
	TierNew     Tier = "new"
	TierRegular Tier = "regular"
	TierVIP     Tier = "vip"
)

// Account represents an end-user of the relay.
type Account struct {
	// ID is the chat-platform user id.
	ID int64 `json:"id" gorm:"column:id;primaryKey;autoIncrement:false"`
	// Username is the public handle of the user, may be empty.
	Username string `json:"username" gorm:"column:username"`
	// DisplayName is the human readable name shown on the profile card.
	DisplayName string `json:"display_name" gorm:"column:display_name"`
	// MessageCredits is the spendable message balance. Never negative.
	MessageCredits int64 `json:"message_credits" gorm:"column:message_credits;not null;default:0;check:message_credits >= 0"`
	// TimeCredits is the time balance in seconds. Never negative.
	TimeCredits int64 `json:"time_credits" gorm:"column:time_credits;not null;default:0;check:time_credits >= 0"`
	// Banned freezes the account. Set by disputes or operators.
	Banned bool `json:"banned" gorm:"column:banned;not null;default:false"`
	// BanReason holds the dispute id or the operator's note.
	BanReason string `json:"ban_reason" gorm:"column:ban_reason"`
	// CustomerID is the payment processor's customer reference.
	CustomerID string `json:"customer_id" gorm:"column:customer_id;index"`
	// PaymentMethodID is the saved instrument used for auto-recharge.
	PaymentMethodID string `json:"payment_method_id" gorm:"column:payment_method_id"`
	// AutoRecharge holds the automatic top-up configuration.
	AutoRecharge AutoRechargeConfig `json:"auto_recharge" gorm:"embedded;embeddedPrefix:auto_recharge_"`
	// SubscriptionID is the processor subscription paying a recurring allotment.
	SubscriptionID string `json:"subscription_id" gorm:"column:subscription_id"`
	// SubscriptionStatus mirrors the processor's subscription state.
	SubscriptionStatus string `json:"subscription_status" gorm:"column:subscription_status"`
	// LowBalanceNotifiedAt debounces low-balance alerts.
	LowBalanceNotifiedAt *time.Time `json:"low_balance_notified_at" gorm:"column:low_balance_notified_at"`
	CreatedAt            time.Time  `json:"created_at" gorm:"column:created_at"`
	UpdatedAt            time.Time  `json:"updated_at" gorm:"column:updated_at"`
}

// TableName specifies the table name for GORM
func (Account) TableName() string {
	return "accounts"
}

// HasInstrument reports whether a saved payment method can be charged off-session.
func (a *Account) HasInstrument() bool {
	return a.CustomerID != "" && a.PaymentMethodID != ""
}

// AutoRechargeConfig is the automatic top-up policy of an account.
type AutoRechargeConfig struct {
	Enabled bool `json:"enabled" gorm:"column:enabled;not null;default:false"`
	// Amount is the number of message credits bought per top-up.
	Amount int64 `json:"amount" gorm:"column:amount;not null;default:0"`
	// Threshold triggers a top-up once the balance is at or below it.
	Threshold int64 `json:"threshold" gorm:"column:threshold;not null;default:0"`
	// EnabledAt bounds the failure window: failures before it never count.
	EnabledAt *time.Time `json:"enabled_at" gorm:"column:enabled_at"`
	// DisabledReason records why the circuit breaker tripped.
	DisabledReason string `json:"disabled_reason" gorm:"column:disabled_reason"`
}
