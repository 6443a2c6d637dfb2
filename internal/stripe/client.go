package stripe

import (
	"context"
	"fmt"
	"strconv"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/charge"
	checkoutsession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/paymentintent"

	"github.com/core-coin/nuntius/internal/models"
	"github.com/core-coin/nuntius/pkg/logger"
)

// Metadata keys stamped on every payment this service creates. Webhooks read
// them back to find the account and the number of credits bought.
const (
	metaAccountID  = "account_id"
	metaCredits    = "credits"
	metaCreditKind = "credit_kind"
	metaSource     = "source"

	sourceAutoRecharge = "auto_recharge"
	sourceTopUp        = "topup"
)

type Config struct {
	SecretKey     string
	WebhookSecret string
	Currency      string
	// CreditPriceCents is the price of a single message credit.
	CreditPriceCents int64
	SuccessURL       string
	CancelURL        string
}

// Client implements models.PaymentGateway on top of Stripe.
type Client struct {
	cfg    Config
	logger *logger.Logger
}

func NewClient(cfg Config, logger *logger.Logger) *Client {
	stripe.Key = cfg.SecretKey
	if cfg.Currency == "" {
		cfg.Currency = string(stripe.CurrencyUSD)
	}
	if cfg.CreditPriceCents <= 0 {
		cfg.CreditPriceCents = 10
	}
	return &Client{cfg: cfg, logger: logger}
}

func (c *Client) metadata(accountID, credits int64, source string) map[string]string {
	return map[string]string{
		metaAccountID:  strconv.FormatInt(accountID, 10),
		metaCredits:    strconv.FormatInt(credits, 10),
		metaCreditKind: string(models.CreditMessages),
		metaSource:     source,
	}
}

// ChargeSavedInstrument creates and confirms an off-session payment for the
// account's saved card. The credits are granted only when the resulting
// payment_intent.succeeded webhook arrives.
func (c *Client) ChargeSavedInstrument(ctx context.Context, req models.ChargeRequest) (string, error) {
	if req.CustomerID == "" || req.PaymentMethodID == "" {
		return "", models.ErrNoInstrument
	}
	if req.Credits <= 0 {
		return "", models.ErrInvalidAmount
	}

	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(req.Credits * c.cfg.CreditPriceCents),
		Currency:      stripe.String(c.cfg.Currency),
		Customer:      stripe.String(req.CustomerID),
		PaymentMethod: stripe.String(req.PaymentMethodID),
		OffSession:    stripe.Bool(true),
		Confirm:       stripe.Bool(true),
		Description:   stripe.String(fmt.Sprintf("Auto-recharge of %d credits", req.Credits)),
		Metadata:      c.metadata(req.AccountID, req.Credits, sourceAutoRecharge),
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	pi, err := paymentintent.New(params)
	if err != nil {
		return "", fmt.Errorf("failed to create payment intent: %w", err)
	}

	c.logger.Info("Created off-session payment intent", "payment_intent", pi.ID, "account", req.AccountID,
		"credits", req.Credits, "status", pi.Status)
	return pi.ID, nil
}

// CreateTopUpCheckout opens a hosted checkout page for a one-off credit
// purchase and asks Stripe to keep the card for later off-session charges.
func (c *Client) CreateTopUpCheckout(ctx context.Context, req models.CheckoutRequest) (string, error) {
	if req.Credits <= 0 {
		return "", models.ErrInvalidAmount
	}
	metadata := c.metadata(req.AccountID, req.Credits, sourceTopUp)

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(c.cfg.SuccessURL),
		CancelURL:         stripe.String(c.cfg.CancelURL),
		ClientReferenceID: stripe.String(strconv.FormatInt(req.AccountID, 10)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency: stripe.String(c.cfg.Currency),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(fmt.Sprintf("%d message credits", req.Credits)),
					},
					UnitAmount: stripe.Int64(req.Credits * c.cfg.CreditPriceCents),
				},
				Quantity: stripe.Int64(1),
			},
		},
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			SetupFutureUsage: stripe.String("off_session"),
			Metadata:         metadata,
		},
		Metadata: metadata,
	}
	if req.CustomerID != "" {
		params.Customer = stripe.String(req.CustomerID)
	} else {
		params.CustomerCreation = stripe.String("always")
	}
	params.Context = ctx

	sess, err := checkoutsession.New(params)
	if err != nil {
		return "", fmt.Errorf("failed to create checkout session: %w", err)
	}

	c.logger.Info("Created Stripe checkout session", "session", sess.ID, "account", req.AccountID, "credits", req.Credits)
	return sess.URL, nil
}

// LookupCharge returns the customer and account behind a charge. Disputes
// only reference the charge, so this is how they find their account.
func (c *Client) LookupCharge(ctx context.Context, chargeID string) (string, int64, error) {
	params := &stripe.ChargeParams{}
	params.Context = ctx
	ch, err := charge.Get(chargeID, params)
	if err != nil {
		return "", 0, fmt.Errorf("failed to get charge %s: %w", chargeID, err)
	}
	var customerID string
	if ch.Customer != nil {
		customerID = ch.Customer.ID
	}
	accountID, _ := strconv.ParseInt(ch.Metadata[metaAccountID], 10, 64)
	return customerID, accountID, nil
}
