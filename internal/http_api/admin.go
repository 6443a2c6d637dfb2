package http_api

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/core-coin/nuntius/internal/models"
	"github.com/core-coin/nuntius/pkg/validation"
)

// CreditRequest represents the JSON body for a manual credit
type CreditRequest struct {
	Amount int64             `json:"amount" binding:"required,gt=0"`
	Kind   models.CreditKind `json:"kind"`
}

// BanRequest represents the JSON body for freezing an account
type BanRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// AutoRechargeRequest represents the JSON body for the auto-recharge setting
type AutoRechargeRequest struct {
	Enabled   bool  `json:"enabled"`
	Amount    int64 `json:"amount"`
	Threshold int64 `json:"threshold"`
}

// NotesRequest represents the JSON body for operator notes on a thread
type NotesRequest struct {
	Notes string `json:"notes"`
}

// AccountResponse is an account with its conversation thread, if any.
type AccountResponse struct {
	Account *models.Account `json:"account"`
	Thread  *models.Thread  `json:"thread,omitempty"`
}

// requireAdmin checks the bearer token of admin requests.
func (s *HTTPServer) requireAdmin(c *gin.Context) {
	token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
	if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) != 1 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Next()
}

func accountID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid account id"})
		return 0, false
	}
	return id, true
}

// fail maps domain errors to HTTP statuses.
func (s *HTTPServer) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrAccountNotFound), errors.Is(err, models.ErrThreadGone):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrInvalidAmount), errors.Is(err, models.ErrNoInstrument):
		status = http.StatusBadRequest
	case errors.Is(err, models.ErrStorageUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("Admin request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func (s *HTTPServer) getAccount(c *gin.Context) {
	id, ok := accountID(c)
	if !ok {
		return
	}
	account, err := s.svc.Accounts.Account(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	thread, err := s.svc.Threads.GetThreadByAccount(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, AccountResponse{Account: account, Thread: thread})
}

func (s *HTTPServer) addCredits(c *gin.Context) {
	id, ok := accountID(c)
	if !ok {
		return
	}
	var req CreditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}
	if req.Kind == "" {
		req.Kind = models.CreditMessages
	}
	if err := validation.ValidateCreditAmount(req.Amount); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	balance, err := s.svc.Accounts.Credit(c.Request.Context(), id, req.Amount, req.Kind)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.logger.Info("Credits added by operator", "account", id, "amount", req.Amount, "kind", req.Kind)
	c.JSON(http.StatusOK, gin.H{"balance": balance, "kind": req.Kind})
}

func (s *HTTPServer) banAccount(c *gin.Context) {
	id, ok := accountID(c)
	if !ok {
		return
	}
	var req BanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}
	if err := s.svc.Accounts.Ban(c.Request.Context(), id, req.Reason); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"banned": true})
}

func (s *HTTPServer) unbanAccount(c *gin.Context) {
	id, ok := accountID(c)
	if !ok {
		return
	}
	if err := s.svc.Accounts.Unban(c.Request.Context(), id); err != nil {
		s.fail(c, err)
		return
	}
	s.logger.Info("Account unbanned by operator", "account", id)
	c.JSON(http.StatusOK, gin.H{"banned": false})
}

func (s *HTTPServer) setAutoRecharge(c *gin.Context) {
	id, ok := accountID(c)
	if !ok {
		return
	}
	var req AutoRechargeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}

	var err error
	if req.Enabled {
		err = s.svc.Recharge.Enable(c.Request.Context(), id, req.Amount, req.Threshold)
	} else {
		err = s.svc.Recharge.Disable(c.Request.Context(), id, "turned off by operator")
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"enabled": req.Enabled})
}

func (s *HTTPServer) archiveThread(c *gin.Context) {
	id, ok := accountID(c)
	if !ok {
		return
	}
	if err := s.svc.Threads.ArchiveThread(c.Request.Context(), id); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"archived": true})
}

func (s *HTTPServer) setThreadNotes(c *gin.Context) {
	id, ok := accountID(c)
	if !ok {
		return
	}
	var req NotesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}
	if err := s.svc.Threads.SetThreadNotes(c.Request.Context(), id, req.Notes); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"notes": req.Notes})
}

// flushCache drops every cached account, for use after bulk edits made
// directly in the database.
func (s *HTTPServer) flushCache(c *gin.Context) {
	n := s.svc.Accounts.InvalidateAll()
	c.JSON(http.StatusOK, gin.H{"flushed": n})
}
