package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"github.com/core-coin/nuntius/internal/ledger"
	"github.com/core-coin/nuntius/internal/metrics"
	"github.com/core-coin/nuntius/internal/models"
	"github.com/core-coin/nuntius/pkg/logger"
)

const (
	// effectTimeout bounds the post-commit work of one event.
	effectTimeout = 30 * time.Second
	effectRetries = 3
)

type Config struct {
	// SubscriptionAllotment is credited per paid invoice when the event
	// carries no explicit amount.
	SubscriptionAllotment int64
}

// Result is what processing an event did.
type Result struct {
	Outcome   models.PaymentOutcome
	AccountID int64
	Detail    string
	// Duplicate is set when the event had already been processed.
	Duplicate bool
}

// Processor applies payment events to the ledger exactly once per event id.
type Processor struct {
	store    models.Store
	ledger   *ledger.Ledger
	surface  models.ChatSurface
	alerter  models.OperatorAlerter
	recharge models.AutoRechargeNotifier
	cfg      Config
	metrics  *metrics.Metrics
	logger   *logger.Logger
	now      func() time.Time

	retryDelay time.Duration
}

func NewProcessor(store models.Store, l *ledger.Ledger, surface models.ChatSurface, alerter models.OperatorAlerter,
	cfg Config, m *metrics.Metrics, logger *logger.Logger) *Processor {
	return &Processor{
		store:   store,
		ledger:  l,
		surface: surface,
		alerter: alerter,
		cfg:     cfg,
		metrics: m,
		logger:  logger,
		now:     time.Now,

		retryDelay: 200 * time.Millisecond,
	}
}

// SetAutoRecharge wires the controller that receives auto-recharge outcomes.
func (p *Processor) SetAutoRecharge(n models.AutoRechargeNotifier) {
	p.recharge = n
}

type effect func(ctx context.Context)

// Process handles one verified event. Replays return the recorded outcome
// without side effects. Ledger mutations and the event record commit in one
// transaction; notifications run after the commit.
func (p *Processor) Process(ctx context.Context, ev *models.PaymentEvent) (*Result, error) {
	if ev.ID == "" {
		return nil, fmt.Errorf("payment event without id")
	}
	existing, err := p.store.GetPaymentEvent(ctx, ev.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return p.duplicate(existing), nil
	}

	var (
		record  models.PaymentEventRecord
		effects []effect
	)
	err = p.store.WithinTx(ctx, func(tx models.Store) error {
		effects = nil
		record = models.PaymentEventRecord{
			EventID:      ev.ID,
			Kind:         ev.Kind,
			AutoRecharge: ev.AutoRecharge,
			Payload:      string(ev.Payload),
			CreatedAt:    p.now(),
		}

		accountID, err := p.resolveAccount(ctx, tx, ev)
		if err != nil {
			return err
		}
		record.AccountID = accountID

		switch {
		case ev.Kind == models.EventUnknown:
			record.Outcome = models.OutcomeIgnored
			record.Detail = ev.ProviderType
		case accountID == 0:
			record.Outcome = models.OutcomeUnresolved
		default:
			outcome, detail, fx, err := p.apply(ctx, tx, ev, accountID)
			if errors.Is(err, models.ErrAccountNotFound) {
				outcome, detail, fx, err = models.OutcomeUnresolved, "account not found", nil, nil
			}
			if err != nil {
				return err
			}
			record.Outcome, record.Detail, effects = outcome, detail, fx
		}
		return tx.RecordPaymentEvent(ctx, &record)
	})
	if errors.Is(err, models.ErrDuplicateEvent) {
		// lost the race against a concurrent delivery of the same event
		existing, getErr := p.store.GetPaymentEvent(ctx, ev.ID)
		if getErr != nil {
			return nil, getErr
		}
		if existing == nil {
			return nil, err
		}
		return p.duplicate(existing), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to process payment event %s: %w", ev.ID, err)
	}

	if record.AccountID != 0 {
		p.ledger.Invalidate(record.AccountID)
	}
	// The event is recorded, so a later delivery is a duplicate and never
	// re-runs these. They outlive the webhook request.
	fxCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), effectTimeout)
	defer cancel()
	for _, fx := range effects {
		fx(fxCtx)
	}
	p.metrics.PaymentEventsTotal.WithLabelValues(string(ev.Kind), string(record.Outcome)).Inc()
	p.logger.Info("Processed payment event", "event", ev.ID, "kind", ev.Kind, "account", record.AccountID,
		"outcome", record.Outcome)

	return &Result{Outcome: record.Outcome, AccountID: record.AccountID, Detail: record.Detail}, nil
}

func (p *Processor) duplicate(existing *models.PaymentEventRecord) *Result {
	p.metrics.PaymentEventDuplicates.Inc()
	p.logger.Debug("Skipping duplicate payment event", "event", existing.EventID, "outcome", existing.Outcome)
	return &Result{
		Outcome:   existing.Outcome,
		AccountID: existing.AccountID,
		Detail:    existing.Detail,
		Duplicate: true,
	}
}

func (p *Processor) resolveAccount(ctx context.Context, tx models.Store, ev *models.PaymentEvent) (int64, error) {
	if ev.AccountID != 0 {
		return ev.AccountID, nil
	}
	if ev.CustomerID == "" {
		return 0, nil
	}
	id, err := tx.FindAccountIDByCustomer(ctx, ev.CustomerID)
	if errors.Is(err, models.ErrAccountNotFound) {
		return 0, nil
	}
	return id, err
}

func (p *Processor) apply(ctx context.Context, tx models.Store, ev *models.PaymentEvent, accountID int64) (models.PaymentOutcome, string, []effect, error) {
	switch ev.Kind {
	case models.EventCheckoutCompleted:
		return p.applyCheckout(ctx, tx, ev, accountID)
	case models.EventChargeFailed:
		return p.applyChargeFailed(ev, accountID)
	case models.EventInstrumentAttached:
		if err := tx.SetPaymentInstrument(ctx, accountID, ev.CustomerID, ev.InstrumentID); err != nil {
			return "", "", nil, err
		}
		return models.OutcomeInstrumentSaved, ev.InstrumentID, nil, nil
	case models.EventSubscriptionInvoicePaid:
		return p.applyInvoicePaid(ctx, tx, ev, accountID)
	case models.EventDisputeOpened:
		return p.applyDispute(ctx, tx, ev, accountID)
	case models.EventSubscriptionCanceled:
		if err := tx.SetSubscription(ctx, accountID, ev.SubscriptionID, "canceled"); err != nil {
			return "", "", nil, err
		}
		return models.OutcomeSubscriptionEnded, ev.SubscriptionID, nil, nil
	default:
		return models.OutcomeIgnored, ev.ProviderType, nil, nil
	}
}

func (p *Processor) applyCheckout(ctx context.Context, tx models.Store, ev *models.PaymentEvent, accountID int64) (models.PaymentOutcome, string, []effect, error) {
	kind := ev.CreditKind
	if kind == "" {
		kind = models.CreditMessages
	}
	if ev.Amount <= 0 || !kind.Valid() {
		return models.OutcomeIgnored, "missing credit amount", nil, nil
	}

	balance, err := tx.Increment(ctx, accountID, kind, ev.Amount)
	if err != nil {
		return "", "", nil, err
	}
	if err := tx.SetPaymentInstrument(ctx, accountID, ev.CustomerID, ev.InstrumentID); err != nil {
		return "", "", nil, err
	}

	effects := []effect{
		func(context.Context) {
			p.metrics.CreditsAdded.WithLabelValues(string(kind)).Add(float64(ev.Amount))
		},
		p.notify(accountID, creditedText(ev.Amount, kind, balance)),
	}
	if ev.AutoRecharge && p.recharge != nil {
		effects = append(effects, func(ctx context.Context) {
			if err := p.recharge.OnChargeSucceeded(ctx, accountID); err != nil {
				p.logger.Warn("Failed to clear auto-recharge marker", "account", accountID, "error", err)
			}
		})
	}
	return models.OutcomeCredited, fmt.Sprintf("%d %s", ev.Amount, kind), effects, nil
}

func (p *Processor) applyChargeFailed(ev *models.PaymentEvent, accountID int64) (models.PaymentOutcome, string, []effect, error) {
	reason := FailureReason(ev.FailureCode, ev.FailureMessage)
	if ev.AutoRecharge {
		if p.recharge == nil {
			return models.OutcomeAutoRechargeFailure, reason, nil, nil
		}
		return models.OutcomeAutoRechargeFailure, reason, []effect{func(ctx context.Context) {
			if err := p.chargeFailed(ctx, accountID, reason); err != nil {
				p.logger.Error("Auto-recharge failure handling failed", "account", accountID, "error", err)
			}
		}}, nil
	}
	text := "Your payment failed. " + userFailureText(ClassifyFailure(ev.FailureCode))
	return models.OutcomeChargeFailed, reason, []effect{p.notify(accountID, text)}, nil
}

// chargeFailed hands a declined auto-recharge to the controller. Later
// deliveries of the event are duplicates, so transient errors are retried here.
func (p *Processor) chargeFailed(ctx context.Context, accountID int64, reason string) error {
	policy := retrypolicy.NewBuilder[any]().
		WithBackoff(p.retryDelay, 10*p.retryDelay).
		WithMaxRetries(effectRetries).
		ReturnLastFailure().
		OnRetry(func(e failsafe.ExecutionEvent[any]) {
			p.logger.Warn("Retrying auto-recharge failure handling", "account", accountID,
				"attempt", e.Attempts(), "error", e.LastError())
		}).
		Build()
	return failsafe.With[any](policy).WithContext(ctx).Run(func() error {
		return p.recharge.OnChargeFailed(ctx, accountID, reason)
	})
}

func (p *Processor) applyInvoicePaid(ctx context.Context, tx models.Store, ev *models.PaymentEvent, accountID int64) (models.PaymentOutcome, string, []effect, error) {
	amount := ev.Amount
	if amount <= 0 {
		amount = p.cfg.SubscriptionAllotment
	}
	if err := tx.SetSubscription(ctx, accountID, ev.SubscriptionID, "active"); err != nil {
		return "", "", nil, err
	}
	if amount <= 0 {
		return models.OutcomeIgnored, "no subscription allotment", nil, nil
	}
	balance, err := tx.Increment(ctx, accountID, models.CreditMessages, amount)
	if err != nil {
		return "", "", nil, err
	}
	return models.OutcomeCredited, fmt.Sprintf("%d %s", amount, models.CreditMessages), []effect{
		func(context.Context) {
			p.metrics.CreditsAdded.WithLabelValues(string(models.CreditMessages)).Add(float64(amount))
		},
		p.notify(accountID, creditedText(amount, models.CreditMessages, balance)),
	}, nil
}

func (p *Processor) applyDispute(ctx context.Context, tx models.Store, ev *models.PaymentEvent, accountID int64) (models.PaymentOutcome, string, []effect, error) {
	if err := tx.SetBanned(ctx, accountID, true, ev.DisputeID); err != nil {
		return "", "", nil, err
	}
	return models.OutcomeAccountFrozen, ev.DisputeID, []effect{func(ctx context.Context) {
		if p.alerter == nil {
			return
		}
		p.alerter.AlertOperator(ctx, "Payment dispute opened",
			fmt.Sprintf("Account %d was frozen after dispute %s. Resolve it manually before unbanning.", accountID, ev.DisputeID))
	}}, nil
}

func (p *Processor) notify(accountID int64, text string) effect {
	return func(ctx context.Context) {
		if p.surface == nil {
			return
		}
		if err := p.surface.NotifyAccount(ctx, accountID, text); err != nil {
			p.logger.Warn("Failed to notify account", "account", accountID, "error", err)
		}
	}
}

func creditedText(amount int64, kind models.CreditKind, balance int64) string {
	if kind == models.CreditTime {
		return fmt.Sprintf("Payment received: %d seconds added. Time balance: %d seconds.", amount, balance)
	}
	return fmt.Sprintf("Payment received: %d credits added. Balance: %d credits.", amount, balance)
}
