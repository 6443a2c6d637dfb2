package http_api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// routes sets up the routes for the HTTP server.
func (s *HTTPServer) routes() {
	s.router.GET("/healthz", s.health)
	s.router.POST("/webhooks/stripe", s.stripeWebhook)
	if s.svc.Gatherer != nil {
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.svc.Gatherer, promhttp.HandlerOpts{})))
	}

	if s.adminToken == "" {
		s.logger.Warn("ADMIN_TOKEN is empty, admin API disabled")
		return
	}
	admin := s.router.Group("/api/v1", s.requireAdmin)
	admin.GET("/accounts/:id", s.getAccount)
	admin.POST("/accounts/:id/credits", s.addCredits)
	admin.POST("/accounts/:id/ban", s.banAccount)
	admin.POST("/accounts/:id/unban", s.unbanAccount)
	admin.PUT("/accounts/:id/auto-recharge", s.setAutoRecharge)
	admin.POST("/accounts/:id/thread/archive", s.archiveThread)
	admin.PUT("/accounts/:id/thread/notes", s.setThreadNotes)
	admin.POST("/cache/flush", s.flushCache)
}
