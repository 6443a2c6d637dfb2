package http_api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/core-coin/nuntius/internal/stripe"
)

// health reports liveness and the storage backend in use.
func (s *HTTPServer) health(c *gin.Context) {
	backend := "unknown"
	if s.svc.Backend != nil {
		backend = s.svc.Backend()
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "storage": backend})
}

// stripeWebhook verifies and processes a payment webhook. Bad signatures get
// 400 so the sender does not retry them; processing failures get 500 so it
// does.
func (s *HTTPServer) stripeWebhook(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody)
	payload, err := c.GetRawData()
	if err != nil {
		s.metrics.WebhookFailures.WithLabelValues("body").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	ev, err := s.svc.Webhooks.Parse(c.Request.Context(), payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		if errors.Is(err, stripe.ErrInvalidSignature) {
			s.logger.Warn("Rejected webhook with invalid signature", "error", err)
			s.metrics.WebhookFailures.WithLabelValues("signature").Inc()
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid signature"})
			return
		}
		s.logger.Error("Failed to parse webhook", "error", err)
		s.metrics.WebhookFailures.WithLabelValues("parse").Inc()
		c.JSON(http.StatusInternalServerError, gin.H{"error": "processing failed"})
		return
	}

	res, err := s.svc.Payments.Process(c.Request.Context(), ev)
	if err != nil {
		s.logger.Error("Failed to process payment event", "event", ev.ID, "kind", ev.Kind, "error", err)
		s.metrics.WebhookFailures.WithLabelValues("processing").Inc()
		c.JSON(http.StatusInternalServerError, gin.H{"error": "processing failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"received":  true,
		"outcome":   res.Outcome,
		"duplicate": res.Duplicate,
	})
}
