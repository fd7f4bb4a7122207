package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"wallet-copy-trader/internal/auth"
	"wallet-copy-trader/internal/circuit"
	"wallet-copy-trader/internal/paper"
	"wallet-copy-trader/internal/pipeline"
	"wallet-copy-trader/internal/wallet"
)

const recentDecisionLimit = 20

func (s *Server) handleHealth(c *gin.Context) {
	breaker := s.pipeline.Breaker
	status := http.StatusOK
	health := "healthy"
	if !breaker.PersistenceHealthy() {
		status = http.StatusServiceUnavailable
		health = "degraded"
	}
	c.JSON(status, gin.H{
		"status":      health,
		"persistence": breaker.PersistenceHealthy(),
		"uptime":      time.Since(s.startedAt).Round(time.Second).String(),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	p := s.pipeline
	stats := p.Breaker.Stats()

	data := gin.H{
		"breaker_state":       stats.State,
		"breaker_enabled":     p.Breaker.IsEnabled(),
		"persistence_healthy": p.Breaker.PersistenceHealthy(),
		"daily_loss_usd":      stats.DailyLoss,
		"consecutive_losses":  stats.ConsecutiveLosses,
		"active_wallets":      len(p.Monitor.Registry().Active()),
		"excluded_wallets":    p.Detector.ActiveCount(),
		"exposure_usd":        p.Sizer.Ledger().Total().InexactFloat64(),
		"open_positions":      len(p.OpenPositions()),
		"cached_scores":       p.Scorer.Len(),
		"uptime":              time.Since(s.startedAt).Round(time.Second).String(),
	}
	if s.hub != nil {
		data["ws_clients"] = s.hub.ClientCount()
	}
	successResponse(c, data)
}

func (s *Server) handleGetBreaker(c *gin.Context) {
	successResponse(c, s.pipeline.Breaker.Stats())
}

// CloseBreakerRequest is the manual override body. The operator must match
// the token.
type CloseBreakerRequest struct {
	Operator string `json:"operator" binding:"required"`
	Reason   string `json:"reason" binding:"required"`
}

func (s *Server) handleCloseBreaker(c *gin.Context) {
	var req CloseBreakerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "operator and reason are required")
		return
	}

	tokenOperator := auth.GetOperator(c)
	if !strings.EqualFold(strings.TrimSpace(req.Operator), tokenOperator) {
		errorResponse(c, http.StatusForbidden, "operator does not match token")
		return
	}

	err := s.pipeline.Breaker.ForceClose(tokenOperator, strings.TrimSpace(req.Reason))
	switch {
	case errors.Is(err, circuit.ErrOperatorRequired):
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, circuit.ErrPersistence):
		errorResponse(c, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}

	s.logger.Warn().Str("operator", tokenOperator).Str("reason", req.Reason).Msg("Circuit breaker closed by operator")
	successResponse(c, s.pipeline.Breaker.Stats())
}

func (s *Server) handleGetWallet(c *gin.Context) {
	address, err := wallet.NormalizeAddress(c.Param("address"))
	if err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	p := s.pipeline
	data := gin.H{
		"address":      address,
		"excluded":     p.Detector.IsExcluded(address),
		"exclusions":   p.Detector.History(address),
		"exposure_usd": p.Sizer.Ledger().WalletExposure(address).InexactFloat64(),
	}
	if score, ok := p.Scorer.Last(address); ok {
		data["score"] = score
	}
	if current, ok := p.Detector.Current(address); ok {
		data["current_exclusion"] = current
	}
	if entry, ok := p.Monitor.Registry().Entry(address); ok {
		data["rotation"] = entry
	}
	if baseline, ok := p.Monitor.Baseline(address); ok {
		data["baseline"] = baseline
	}

	decisions, err := p.Recorder.RecentDecisions(address, recentDecisionLimit)
	if err != nil {
		s.logger.Warn().Err(err).Str("wallet", address).Msg("Failed to load recent decisions")
	} else {
		data["recent_decisions"] = decisions
	}

	successResponse(c, data)
}

func (s *Server) handleGetPositions(c *gin.Context) {
	successResponse(c, s.pipeline.OpenPositions())
}

func (s *Server) handleObservation(c *gin.Context) {
	var obs pipeline.TradeObservation
	if err := c.ShouldBindJSON(&obs); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid observation body")
		return
	}

	res, err := s.pipeline.Process(c.Request.Context(), obs)
	switch {
	case errors.Is(err, pipeline.ErrInvalidObservation), errors.Is(err, wallet.ErrInvalidAddress):
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   true,
			"message": err.Error(),
			"result":  res,
		})
		return
	}
	successResponse(c, res)
}

// OutcomeRequest reports the realized P&L of a closed copy.
type OutcomeRequest struct {
	PnLUSD *float64 `json:"pnl_usd" binding:"required"`
}

func (s *Server) handleOutcome(c *gin.Context) {
	var req OutcomeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "pnl_usd is required")
		return
	}

	err := s.pipeline.ReportOutcome(c.Request.Context(), c.Param("id"), *req.PnLUSD)
	switch {
	case errors.Is(err, pipeline.ErrUnknownPosition):
		errorResponse(c, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, pipeline.ErrInvalidPnL):
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, circuit.ErrPersistence):
		errorResponse(c, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	successResponse(c, s.pipeline.Breaker.Stats())
}

func (s *Server) handlePutSnapshot(c *gin.Context) {
	var snap paper.Snapshot
	if err := c.ShouldBindJSON(&snap); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid snapshot body")
		return
	}
	if err := s.snapshots.Put(snap); err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	successResponse(c, gin.H{"address": snap.Metrics.Address})
}

// TokenRequest exchanges operator credentials for a bearer token.
type TokenRequest struct {
	Operator string `json:"operator" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (s *Server) handleIssueToken(c *gin.Context) {
	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "operator and password are required")
		return
	}

	if err := s.operators.Authenticate(req.Operator, req.Password); err != nil {
		s.logger.Warn().Str("operator", req.Operator).Str("ip", c.ClientIP()).Msg("Rejected operator login")
		errorResponse(c, http.StatusUnauthorized, err.Error())
		return
	}

	operator := strings.ToLower(strings.TrimSpace(req.Operator))
	token, err := s.jwt.GenerateToken(operator)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	successResponse(c, gin.H{"token": token, "token_type": "Bearer", "operator": operator})
}
