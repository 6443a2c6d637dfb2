package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector exported by the relay.
type Metrics struct {
	// ledger
	ChargesTotal       *prometheus.CounterVec // by content class
	CreditsCharged     prometheus.Counter
	RefundsTotal       *prometheus.CounterVec // by reason: insufficient/relay_failed
	InsufficientFunds  prometheus.Counter
	CreditsAdded       *prometheus.CounterVec // by credit kind
	LowBalanceAccounts prometheus.Gauge
	LowBalanceNotified prometheus.Counter

	// routing
	RelaysTotal          *prometheus.CounterVec // by route: thread/unrouted
	RelayDuration        prometheus.Histogram
	ThreadsCreated       prometheus.Counter
	ThreadCreateFailures prometheus.Counter
	RepliesTotal         *prometheus.CounterVec // by result: delivered/unroutable/failed

	// payments
	PaymentEventsTotal     *prometheus.CounterVec // by kind, outcome
	PaymentEventDuplicates prometheus.Counter
	WebhookFailures        *prometheus.CounterVec // by reason: signature/processing

	// auto-recharge
	AutoRechargeRequests *prometheus.CounterVec // by result: requested/skipped/error
	AutoRechargeFailures prometheus.Counter
	AutoRechargeTrips    prometheus.Counter
}

// New registers the collectors with reg. Pass prometheus.DefaultRegisterer
// in production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ChargesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nuntius_charges_total",
				Help: "Total number of message charges",
			},
			[]string{"class"},
		),
		CreditsCharged: f.NewCounter(prometheus.CounterOpts{
			Name: "nuntius_credits_charged_total",
			Help: "Total message credits deducted",
		}),
		RefundsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nuntius_refunds_total",
				Help: "Total number of refunds",
			},
			[]string{"reason"},
		),
		InsufficientFunds: f.NewCounter(prometheus.CounterOpts{
			Name: "nuntius_insufficient_funds_total",
			Help: "Messages refused for insufficient balance",
		}),
		CreditsAdded: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nuntius_credits_added_total",
				Help: "Credits added by payments and operators",
			},
			[]string{"kind"},
		),
		LowBalanceAccounts: f.NewGauge(prometheus.GaugeOpts{
			Name: "nuntius_low_balance_accounts",
			Help: "Accounts at or below the low balance threshold",
		}),
		LowBalanceNotified: f.NewCounter(prometheus.CounterOpts{
			Name: "nuntius_low_balance_notifications_total",
			Help: "Low balance notices sent to users",
		}),

		RelaysTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nuntius_relays_total",
				Help: "User messages relayed to operators",
			},
			[]string{"route"},
		),
		RelayDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "nuntius_relay_duration_seconds",
			Help:    "Duration of user message routing",
			Buckets: prometheus.DefBuckets,
		}),
		ThreadsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "nuntius_threads_created_total",
			Help: "Operator threads created",
		}),
		ThreadCreateFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "nuntius_thread_create_failures_total",
			Help: "Operator thread creations rejected by the chat surface",
		}),
		RepliesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nuntius_operator_replies_total",
				Help: "Operator replies by result",
			},
			[]string{"result"},
		),

		PaymentEventsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nuntius_payment_events_total",
				Help: "Payment events processed",
			},
			[]string{"kind", "outcome"},
		),
		PaymentEventDuplicates: f.NewCounter(prometheus.CounterOpts{
			Name: "nuntius_payment_event_duplicates_total",
			Help: "Payment events replayed by the processor",
		}),
		WebhookFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nuntius_webhook_failures_total",
				Help: "Webhook requests rejected or failed",
			},
			[]string{"reason"},
		),

		AutoRechargeRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nuntius_auto_recharge_requests_total",
				Help: "Auto-recharge charge requests",
			},
			[]string{"result"},
		),
		AutoRechargeFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "nuntius_auto_recharge_failures_total",
			Help: "Auto-recharge charges declined by the processor",
		}),
		AutoRechargeTrips: f.NewCounter(prometheus.CounterOpts{
			Name: "nuntius_auto_recharge_disabled_total",
			Help: "Auto-recharge disabled after repeated failures",
		}),
	}
}

// NewNop returns metrics registered with a throwaway registry.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
