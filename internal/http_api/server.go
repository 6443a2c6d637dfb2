package http_api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/core-coin/nuntius/internal/metrics"
	"github.com/core-coin/nuntius/internal/models"
	"github.com/core-coin/nuntius/internal/payments"
	"github.com/core-coin/nuntius/pkg/logger"
)

const (
	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout = 10 * time.Second
	// maxWebhookBody bounds the size of a payment webhook payload.
	maxWebhookBody = 64 << 10
)

// WebhookParser verifies and decodes payment processor webhooks.
type WebhookParser interface {
	Parse(ctx context.Context, payload []byte, signature string) (*models.PaymentEvent, error)
}

// PaymentProcessor applies a verified payment event.
type PaymentProcessor interface {
	Process(ctx context.Context, ev *models.PaymentEvent) (*payments.Result, error)
}

// AccountService is the ledger as seen by operators.
type AccountService interface {
	Account(ctx context.Context, id int64) (*models.Account, error)
	Credit(ctx context.Context, id int64, amount int64, kind models.CreditKind) (int64, error)
	Ban(ctx context.Context, id int64, reason string) error
	Unban(ctx context.Context, id int64) error
	InvalidateAll() int
}

// RechargeService switches auto-recharge for an account.
type RechargeService interface {
	Enable(ctx context.Context, accountID, amount, threshold int64) error
	Disable(ctx context.Context, accountID int64, reason string) error
}

// Services are the components the API exposes.
type Services struct {
	Webhooks WebhookParser
	Payments PaymentProcessor
	Accounts AccountService
	Recharge RechargeService
	Threads  models.ThreadDirectory
	// Backend names the active storage backend for health checks.
	Backend  func() string
	Gatherer prometheus.Gatherer
}

// HTTPServer is the HTTP server struct that will serve the API
type HTTPServer struct {
	// logger is the logger instance
	logger *logger.Logger

	// router is the HTTP router
	router *gin.Engine
	// port is the port on which the server will listen
	port int

	// server is the underlying HTTP server
	server *http.Server

	svc        Services
	adminToken string
	metrics    *metrics.Metrics
}

// NewHTTPServer creates a new HTTP server instance. The admin API is only
// mounted when adminToken is set.
func NewHTTPServer(svc Services, port int, adminToken string, m *metrics.Metrics, logger *logger.Logger) *HTTPServer {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))

	server := &HTTPServer{
		router:     router,
		port:       port,
		svc:        svc,
		adminToken: adminToken,
		metrics:    m,
		logger:     logger,
	}

	// Define routes
	server.routes()

	return server
}

// requestLogger logs every request through the service logger.
func requestLogger(logger *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("HTTP request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

// Handler exposes the router, mainly for tests.
func (s *HTTPServer) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server
func (s *HTTPServer) Start() {
	addr := fmt.Sprintf("0.0.0.0:%v", s.port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("Starting HTTP server", "address", addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.logger.Fatal("Failed to start the HTTP server", "error", err)
	}
}

// Shutdown gracefully shuts down the HTTP server
func (s *HTTPServer) Shutdown() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	s.logger.Info("Shutting down HTTP server...")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP server shutdown error: %w", err)
	}

	s.logger.Info("HTTP server shut down successfully")
	return nil
}
