package nuntius

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-telegram/bot"
	tgModels "github.com/go-telegram/bot/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"

	"github.com/core-coin/nuntius/internal/autorecharge"
	"github.com/core-coin/nuntius/internal/config"
	"github.com/core-coin/nuntius/internal/http_api"
	"github.com/core-coin/nuntius/internal/kv"
	"github.com/core-coin/nuntius/internal/ledger"
	"github.com/core-coin/nuntius/internal/metrics"
	"github.com/core-coin/nuntius/internal/models"
	"github.com/core-coin/nuntius/internal/notificator"
	"github.com/core-coin/nuntius/internal/payments"
	"github.com/core-coin/nuntius/internal/repository"
	"github.com/core-coin/nuntius/internal/router"
	"github.com/core-coin/nuntius/internal/stripe"
	"github.com/core-coin/nuntius/internal/telegram"
	"github.com/core-coin/nuntius/pkg/logger"
)

const (
	redisKeyPrefix = "nuntius:"
	dialTimeout    = 5 * time.Second
	jobTimeout     = 2 * time.Minute
	cronStopWait   = 10 * time.Second
)

// Nuntius is the main struct of the relay. It owns every component, wires
// them together and runs the background jobs.
type Nuntius struct {
	logger *logger.Logger
	config *config.Config

	store     models.Store
	kv        models.EphemeralStore
	registry  *prometheus.Registry
	metrics   *metrics.Metrics
	ledger    *ledger.Ledger
	router    *router.Router
	sequencer *router.Sequencer
	recharge  *autorecharge.Controller
	processor *payments.Processor
	surface   *telegram.Surface
	handler   *telegram.Handler
	api       *http_api.HTTPServer
	cron      *cron.Cron
	bot       *bot.Bot
}

// NewNuntius opens the storage and coordination backends, connects the bot
// and wires the rest of the service.
func NewNuntius(cfg *config.Config, logger *logger.Logger) (*Nuntius, error) {
	store, err := repository.Open(repository.Options{
		Postgres: repository.PostgresConfig{
			User:         cfg.PostgresUser,
			Password:     cfg.PostgresPassword,
			Host:         cfg.PostgresHost,
			Port:         cfg.PostgresPort,
			DB:           cfg.PostgresDB,
			MaxOpenConns: cfg.PostgresMaxOpenConns,
		},
		FallbackEnabled: cfg.StorageFallbackEnabled,
		FallbackDir:     cfg.StorageFallbackDir,
		Retry: repository.RetryConfig{
			MaxRetries: cfg.StorageMaxRetries,
			BaseDelay:  cfg.StorageRetryDelay,
			MaxDelay:   repository.DefaultRetryConfig().MaxDelay,
		},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	ephemeral, err := openEphemeral(cfg)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	n := &Nuntius{logger: logger, config: cfg}
	b, err := bot.New(cfg.TelegramBotToken, bot.WithDefaultHandler(n.handle))
	if err != nil {
		_ = ephemeral.Close()
		_ = store.Close()
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	n.bot = b
	n.wire(store, ephemeral, b)
	return n, nil
}

func openEphemeral(cfg *config.Config) (models.EphemeralStore, error) {
	if cfg.RedisAddr == "" {
		return kv.NewMemoryStore(), nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	return kv.Dial(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, redisKeyPrefix)
}

// wire builds every component on top of the given backends and chat API.
func (n *Nuntius) wire(store models.Store, ephemeral models.EphemeralStore, chat telegram.API) {
	cfg := n.config
	n.store = store
	n.kv = ephemeral

	n.registry = prometheus.NewRegistry()
	n.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	n.metrics = metrics.New(n.registry)

	n.ledger = ledger.New(store, ledger.Config{
		Costs: map[models.ContentClass]int64{
			models.ContentText:     cfg.CostText,
			models.ContentPhoto:    cfg.CostPhoto,
			models.ContentVideo:    cfg.CostVideo,
			models.ContentDocument: cfg.CostDocument,
		},
		LowBalanceDebounce: cfg.LowBalanceDebounce,
		CacheTTL:           cfg.CacheTTL,
	}, n.metrics, n.logger.With("component", "ledger"))

	n.surface = telegram.NewSurface(chat, cfg.OperatorChatID, n.logger.With("component", "telegram"))
	n.router = router.New(n.ledger, store, n.surface, ephemeral, router.Config{
		LowBalanceThreshold: cfg.LowBalanceThreshold,
		CorrelationTTL:      cfg.CorrelationTTL,
	}, n.metrics, n.logger.With("component", "router"))
	n.sequencer = router.NewSequencer(n.logger)

	gateway := stripe.NewClient(stripe.Config{
		SecretKey:        cfg.StripeSecretKey,
		WebhookSecret:    cfg.StripeWebhookSecret,
		Currency:         cfg.StripeCurrency,
		CreditPriceCents: cfg.CreditPriceCents,
		SuccessURL:       cfg.CheckoutSuccessURL,
		CancelURL:        cfg.CheckoutCancelURL,
	}, n.logger.With("component", "stripe"))
	webhooks := stripe.NewWebhookParser(cfg.StripeWebhookSecret, gateway, n.logger.With("component", "stripe"))

	n.recharge = autorecharge.New(store, n.ledger, gateway, ephemeral, n.surface, autorecharge.Config{
		MaxFailures:   cfg.AutoRechargeMaxFailures,
		FailureWindow: cfg.AutoRechargeFailureWindow,
		PendingTTL:    cfg.AutoRechargePendingTTL,
	}, n.metrics, n.logger.With("component", "autorecharge"))
	n.ledger.OnLowBalance(n.recharge.HandleLowBalance)

	n.processor = payments.NewProcessor(store, n.ledger, n.surface, n.alerter(), payments.Config{
		SubscriptionAllotment: cfg.SubscriptionAllotment,
	}, n.metrics, n.logger.With("component", "payments"))
	n.processor.SetAutoRecharge(n.recharge)

	n.handler = telegram.NewHandler(n.router, n.ledger, n.recharge, gateway, n.surface, n.sequencer,
		telegram.HandlerConfig{OperatorChatID: cfg.OperatorChatID}, n.logger.With("component", "handler"))

	n.api = http_api.NewHTTPServer(http_api.Services{
		Webhooks: webhooks,
		Payments: n.processor,
		Accounts: n.ledger,
		Recharge: n.recharge,
		Threads:  store,
		Backend:  store.Backend,
		Gatherer: n.registry,
	}, cfg.APIPort, cfg.AdminToken, n.metrics, n.logger.With("component", "http"))

	n.cron = cron.New(cron.WithChain(cron.Recover(cron.PrintfLogger(n.logger.StdLog()))))
}

// alerter sends operator alerts to the general topic and, when configured,
// by email.
func (n *Nuntius) alerter() *notificator.Notificator {
	cfg := n.config
	var email *notificator.EmailNotificator
	if cfg.OperatorEmail != "" {
		email = notificator.NewEmailNotificator(n.logger, cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPAlternativePort,
			cfg.SMTPUser, cfg.SMTPPassword, cfg.SMTPSender)
	}
	return notificator.NewNotificator(n.logger,
		notificator.NewTelegramNotificator(n.logger, n.surface), email, cfg.OperatorEmail)
}

// handle is the bot's default handler. Updates that arrive before wiring
// completes are dropped.
func (n *Nuntius) handle(ctx context.Context, b *bot.Bot, update *tgModels.Update) {
	if n.handler == nil {
		return
	}
	n.handler.Handle(ctx, b, update)
}

// scheduleJobs registers the periodic auto-recharge sweep and the
// low-balance gauge refresh.
func (n *Nuntius) scheduleJobs() error {
	if _, err := n.cron.AddFunc(n.config.SweepSchedule, n.sweep); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", n.config.SweepSchedule, err)
	}
	if _, err := n.cron.AddFunc("@every 1m", n.refreshLowBalanceGauge); err != nil {
		return err
	}
	return nil
}

func (n *Nuntius) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()
	visited, err := n.recharge.Sweep(ctx)
	if err != nil {
		n.logger.Error("Auto-recharge sweep failed", "error", err)
		return
	}
	n.logger.Debug("Auto-recharge sweep finished", "accounts", visited)
}

func (n *Nuntius) refreshLowBalanceGauge() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()
	count, err := n.store.CountLowBalanceAccounts(ctx, n.config.LowBalanceThreshold)
	if err != nil {
		n.logger.Error("Failed to count low-balance accounts", "error", err)
		return
	}
	n.metrics.LowBalanceAccounts.Set(float64(count))
}

// Start runs the background jobs and the HTTP server, then polls Telegram
// until ctx is done.
func (n *Nuntius) Start(ctx context.Context) error {
	if err := n.scheduleJobs(); err != nil {
		return err
	}
	n.refreshLowBalanceGauge()
	n.cron.Start()

	go n.api.Start()

	n.logger.Info("Nuntius started",
		"storage", n.store.Backend(),
		"operator_chat", n.config.OperatorChatID,
		"port", n.config.APIPort)
	n.bot.Start(ctx)
	return nil
}

// Shutdown stops accepting work, waits for queued relays and closes the
// backends.
func (n *Nuntius) Shutdown() error {
	var errs []error

	select {
	case <-n.cron.Stop().Done():
	case <-time.After(cronStopWait):
		n.logger.Warn("Background jobs did not stop in time")
	}
	if err := n.api.Shutdown(); err != nil {
		errs = append(errs, fmt.Errorf("http server: %w", err))
	}
	n.sequencer.Wait()
	if err := n.kv.Close(); err != nil {
		errs = append(errs, fmt.Errorf("coordination store: %w", err))
	}
	if err := n.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("storage: %w", err))
	}
	n.logger.Info("Nuntius stopped")
	return errors.Join(errs...)
}
