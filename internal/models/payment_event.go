package models

import (
	"encoding/json"
	"time"
)

// PaymentEventKind is the normalized type of a payment-processor event.
type PaymentEventKind string

const (
	EventCheckoutCompleted       PaymentEventKind = "checkout_completed"
	EventChargeFailed            PaymentEventKind = "charge_failed"
	EventInstrumentAttached      PaymentEventKind = "instrument_attached"
	EventSubscriptionInvoicePaid PaymentEventKind = "subscription_invoice_paid"
	EventDisputeOpened           PaymentEventKind = "dispute_opened"
	EventSubscriptionCanceled    PaymentEventKind = "subscription_canceled"
	EventUnknown                 PaymentEventKind = "unknown"
)

// PaymentOutcome is the recorded result of processing an event.
type PaymentOutcome string

const (
	OutcomeCredited            PaymentOutcome = "credited"
	OutcomeChargeFailed        PaymentOutcome = "charge_failed"
	OutcomeAutoRechargeFailure PaymentOutcome = "auto_recharge_failure"
	OutcomeInstrumentSaved     PaymentOutcome = "instrument_saved"
	OutcomeAccountFrozen       PaymentOutcome = "account_frozen"
	OutcomeSubscriptionEnded   PaymentOutcome = "subscription_canceled"
	OutcomeIgnored             PaymentOutcome = "ignored"
	OutcomeUnresolved          PaymentOutcome = "unresolved"
)

// PaymentEvent is a verified, normalized event delivered by the payment processor.
type PaymentEvent struct {
	ID   string
	Kind PaymentEventKind
	// ProviderType is the raw event type, e.g. "checkout.session.completed".
	ProviderType string
	// AccountID is zero when the event only carries a customer reference.
	AccountID      int64
	CustomerID     string
	InstrumentID   string
	SubscriptionID string
	DisputeID      string
	// Amount is expressed in credits of CreditKind, read from event metadata.
	Amount       int64
	CreditKind   CreditKind
	AutoRecharge bool
	// FailureCode and FailureMessage come from the processor's last payment error.
	FailureCode    string
	FailureMessage string
	Payload        json.RawMessage
	OccurredAt     time.Time
}

// PaymentEventRecord is the append-only audit row written once per event id.
type PaymentEventRecord struct {
	// EventID is the processor's event id, the natural dedup key.
	EventID string `json:"event_id" gorm:"column:event_id;primaryKey"`
	// Kind is the normalized event kind.
	Kind PaymentEventKind `json:"kind" gorm:"column:kind;index;not null"`
	// AccountID is the account the event resolved to, zero if unresolved.
	AccountID int64 `json:"account_id" gorm:"column:account_id;index:idx_payment_events_failures,priority:1"`
	// AutoRecharge tags events caused by an automatic top-up attempt.
	AutoRecharge bool `json:"auto_recharge" gorm:"column:auto_recharge;not null;default:false"`
	// Payload is the raw event body as received.
	Payload string `json:"payload" gorm:"column:payload;type:text"`
	// Outcome is what processing did with the event.
	Outcome PaymentOutcome `json:"outcome" gorm:"column:outcome;not null"`
	// Detail carries a classified failure reason or other context.
	Detail    string    `json:"detail" gorm:"column:detail"`
	CreatedAt time.Time `json:"created_at" gorm:"column:created_at;index:idx_payment_events_failures,priority:2"`
}

// TableName specifies the table name for GORM
func (PaymentEventRecord) TableName() string {
	return "payment_events"
}
