package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/core-coin/nuntius/internal/models"
	"github.com/core-coin/nuntius/pkg/logger"
)

// ErrInvalidSignature is returned for payloads that fail verification.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// ChargeLookup resolves the owner of a charge.
type ChargeLookup interface {
	LookupCharge(ctx context.Context, chargeID string) (customerID string, accountID int64, err error)
}

// WebhookParser verifies Stripe webhook deliveries and converts them into
// provider-neutral payment events.
type WebhookParser struct {
	secret  string
	charges ChargeLookup
	logger  *logger.Logger
}

func NewWebhookParser(secret string, charges ChargeLookup, logger *logger.Logger) *WebhookParser {
	return &WebhookParser{secret: secret, charges: charges, logger: logger}
}

type checkoutSessionObject struct {
	ID                string            `json:"id"`
	Customer          string            `json:"customer"`
	ClientReferenceID string            `json:"client_reference_id"`
	PaymentStatus     string            `json:"payment_status"`
	Metadata          map[string]string `json:"metadata"`
}

type paymentIntentObject struct {
	ID               string            `json:"id"`
	Customer         string            `json:"customer"`
	PaymentMethod    string            `json:"payment_method"`
	Metadata         map[string]string `json:"metadata"`
	LastPaymentError *struct {
		Code        string `json:"code"`
		DeclineCode string `json:"decline_code"`
		Message     string `json:"message"`
	} `json:"last_payment_error"`
}

type paymentMethodObject struct {
	ID       string `json:"id"`
	Customer string `json:"customer"`
}

type invoiceObject struct {
	ID           string `json:"id"`
	Customer     string `json:"customer"`
	Subscription string `json:"subscription"`
	Parent       *struct {
		SubscriptionDetails *struct {
			Subscription string            `json:"subscription"`
			Metadata     map[string]string `json:"metadata"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

type disputeObject struct {
	ID     string `json:"id"`
	Charge string `json:"charge"`
	Reason string `json:"reason"`
}

type subscriptionObject struct {
	ID       string            `json:"id"`
	Customer string            `json:"customer"`
	Metadata map[string]string `json:"metadata"`
}

// Parse verifies the signature header and maps the event. Event types this
// service does not act on come back as models.EventUnknown so they are still
// recorded once.
func (p *WebhookParser) Parse(ctx context.Context, payload []byte, signature string) (*models.PaymentEvent, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, p.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}

	ev := &models.PaymentEvent{
		ID:           event.ID,
		Kind:         models.EventUnknown,
		ProviderType: string(event.Type),
		OccurredAt:   time.Unix(event.Created, 0),
	}
	if event.Data != nil {
		ev.Payload = json.RawMessage(event.Data.Raw)
	}
	if len(ev.Payload) == 0 {
		return ev, nil
	}

	switch event.Type {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		err = p.checkoutCompleted(ev)
	case "payment_intent.succeeded":
		err = p.paymentSucceeded(ev)
	case "payment_intent.payment_failed":
		err = p.paymentFailed(ev)
	case "payment_method.attached":
		err = p.methodAttached(ev)
	case "invoice.paid":
		err = p.invoicePaid(ev)
	case "charge.dispute.created":
		err = p.disputeCreated(ctx, ev)
	case "customer.subscription.deleted":
		err = p.subscriptionDeleted(ev)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s event %s: %w", event.Type, event.ID, err)
	}
	return ev, nil
}

func (p *WebhookParser) checkoutCompleted(ev *models.PaymentEvent) error {
	var sess checkoutSessionObject
	if err := json.Unmarshal(ev.Payload, &sess); err != nil {
		return err
	}
	// async methods complete the session before the money arrives
	if sess.PaymentStatus == "unpaid" {
		p.logger.Debug("Checkout session awaiting payment", "session", sess.ID)
		return nil
	}
	ev.Kind = models.EventCheckoutCompleted
	ev.CustomerID = sess.Customer
	ev.AccountID = parseID(sess.Metadata[metaAccountID])
	if ev.AccountID == 0 {
		ev.AccountID = parseID(sess.ClientReferenceID)
	}
	applyCredits(ev, sess.Metadata)
	return nil
}

// paymentSucceeded credits off-session auto-recharges. Top-up intents are
// credited from the session event; they only contribute the card saved for
// later off-session charges.
func (p *WebhookParser) paymentSucceeded(ev *models.PaymentEvent) error {
	var pi paymentIntentObject
	if err := json.Unmarshal(ev.Payload, &pi); err != nil {
		return err
	}
	switch pi.Metadata[metaSource] {
	case sourceAutoRecharge:
		ev.Kind = models.EventCheckoutCompleted
		ev.AutoRecharge = true
		applyCredits(ev, pi.Metadata)
	case sourceTopUp:
		if pi.PaymentMethod == "" {
			return nil
		}
		ev.Kind = models.EventInstrumentAttached
	default:
		return nil
	}
	ev.CustomerID = pi.Customer
	ev.InstrumentID = pi.PaymentMethod
	ev.AccountID = parseID(pi.Metadata[metaAccountID])
	return nil
}

func (p *WebhookParser) paymentFailed(ev *models.PaymentEvent) error {
	var pi paymentIntentObject
	if err := json.Unmarshal(ev.Payload, &pi); err != nil {
		return err
	}
	ev.Kind = models.EventChargeFailed
	ev.AutoRecharge = pi.Metadata[metaSource] == sourceAutoRecharge
	ev.CustomerID = pi.Customer
	ev.AccountID = parseID(pi.Metadata[metaAccountID])
	if e := pi.LastPaymentError; e != nil {
		ev.FailureCode = e.Code
		if e.DeclineCode != "" {
			ev.FailureCode = e.DeclineCode
		}
		ev.FailureMessage = e.Message
	}
	return nil
}

func (p *WebhookParser) methodAttached(ev *models.PaymentEvent) error {
	var pm paymentMethodObject
	if err := json.Unmarshal(ev.Payload, &pm); err != nil {
		return err
	}
	ev.Kind = models.EventInstrumentAttached
	ev.CustomerID = pm.Customer
	ev.InstrumentID = pm.ID
	return nil
}

func (p *WebhookParser) invoicePaid(ev *models.PaymentEvent) error {
	var inv invoiceObject
	if err := json.Unmarshal(ev.Payload, &inv); err != nil {
		return err
	}
	ev.Kind = models.EventSubscriptionInvoicePaid
	ev.CustomerID = inv.Customer
	ev.SubscriptionID = inv.Subscription
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil {
		details := inv.Parent.SubscriptionDetails
		if ev.SubscriptionID == "" {
			ev.SubscriptionID = details.Subscription
		}
		ev.AccountID = parseID(details.Metadata[metaAccountID])
		applyCredits(ev, details.Metadata)
	}
	return nil
}

func (p *WebhookParser) disputeCreated(ctx context.Context, ev *models.PaymentEvent) error {
	var dispute disputeObject
	if err := json.Unmarshal(ev.Payload, &dispute); err != nil {
		return err
	}
	ev.Kind = models.EventDisputeOpened
	ev.DisputeID = dispute.ID
	if dispute.Charge == "" || p.charges == nil {
		return nil
	}
	customerID, accountID, err := p.charges.LookupCharge(ctx, dispute.Charge)
	if err != nil {
		return err
	}
	ev.CustomerID = customerID
	ev.AccountID = accountID
	return nil
}

func (p *WebhookParser) subscriptionDeleted(ev *models.PaymentEvent) error {
	var sub subscriptionObject
	if err := json.Unmarshal(ev.Payload, &sub); err != nil {
		return err
	}
	ev.Kind = models.EventSubscriptionCanceled
	ev.CustomerID = sub.Customer
	ev.SubscriptionID = sub.ID
	ev.AccountID = parseID(sub.Metadata[metaAccountID])
	return nil
}

func applyCredits(ev *models.PaymentEvent, metadata map[string]string) {
	ev.Amount = parseID(metadata[metaCredits])
	ev.CreditKind = models.CreditKind(metadata[metaCreditKind])
	if !ev.CreditKind.Valid() {
		ev.CreditKind = models.CreditMessages
	}
}

func parseID(s string) int64 {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id < 0 {
		return 0
	}
	return id
}
