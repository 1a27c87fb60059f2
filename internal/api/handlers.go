package api

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/gpuburst/gpuburst/internal/service/orchestrator"
	"github.com/gpuburst/gpuburst/internal/storage"
	"github.com/gpuburst/gpuburst/pkg/models"
)

// Request/Response types

// ErrorResponse is the standard error response
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// HealthResponse is the health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Services  map[string]string `json:"services,omitempty"`
}

// ReadyResponse is the readiness check response
type ReadyResponse struct {
	Ready     bool      `json:"ready"`
	Timestamp time.Time `json:"timestamp"`
}

// ListSessionsQuery defines query parameters for listing sessions
type ListSessionsQuery struct {
	UserID   string `form:"user_id" binding:"required"`
	Page     int    `form:"page"`
	PageSize int    `form:"page_size"`
}

// AddCreditsRequest is the request to top up a user's balance
type AddCreditsRequest struct {
	AmountCents int64 `json:"amount_cents" binding:"required,min=1"`
}

// ProviderHealthResponse reports one provider's probe result
type ProviderHealthResponse struct {
	Provider      string                   `json:"provider"`
	Healthy       bool                     `json:"healthy"`
	LatencyMs     int64                    `json:"latency_ms"`
	AvailableGPUs []models.GpuAvailability `json:"available_gpus"`
	Error         string                   `json:"error,omitempty"`
}

// TierResponse describes one rentable tier
type TierResponse struct {
	Tier           models.Tier `json:"tier"`
	GPUOptions     []string    `json:"gpu_options"`
	GPUCount       int         `json:"gpu_count"`
	VRAMGb         int         `json:"vram_gb"`
	PricePerMinute int64       `json:"price_per_minute_cents"`
}

// writeServiceError maps orchestrator error types onto HTTP status codes
func (s *Server) writeServiceError(c *gin.Context, err error) {
	requestID := c.GetString("request_id")

	var valErr *orchestrator.ValidationError
	if errors.As(err, &valErr) {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:     err.Error(),
			RequestID: requestID,
		})
		return
	}

	var stateErr *orchestrator.StateError
	if errors.As(err, &stateErr) {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:     err.Error(),
			Code:      stateErr.Code,
			RequestID: requestID,
		})
		return
	}

	var nfErr *orchestrator.NotFoundError
	if errors.As(err, &nfErr) {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:     err.Error(),
			RequestID: requestID,
		})
		return
	}

	var credErr *orchestrator.InsufficientCreditsError
	if errors.As(err, &credErr) {
		c.JSON(http.StatusPaymentRequired, ErrorResponse{
			Error:     err.Error(),
			Code:      "INSUFFICIENT_CREDITS",
			RequestID: requestID,
		})
		return
	}

	var provErr *orchestrator.ProviderError
	if errors.As(err, &provErr) {
		// No provider could serve the request at all vs all attempts failed
		status := http.StatusBadGateway
		if len(provErr.Reasons) == 0 {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, ErrorResponse{
			Error:     err.Error(),
			Code:      "PROVISION_FAILED",
			RequestID: requestID,
		})
		return
	}

	c.JSON(http.StatusInternalServerError, ErrorResponse{
		Error:     "internal server error",
		RequestID: requestID,
	})
}

// Handlers

func (s *Server) handleHealth(c *gin.Context) {
	response := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Services:  make(map[string]string),
	}

	if s.meter != nil && s.meter.IsRunning() {
		response.Services["billing"] = "running"
	} else {
		response.Services["billing"] = "stopped"
	}

	if s.reaper != nil && s.reaper.IsRunning() {
		response.Services["reaper"] = "running"
	} else {
		response.Services["reaper"] = "stopped"
	}

	// Return 503 if not ready (e.g., during startup)
	if !s.ready.Load() {
		response.Status = "unavailable"
		response.Services["ready"] = "false"
		c.JSON(http.StatusServiceUnavailable, response)
		return
	}

	response.Services["ready"] = "true"
	c.JSON(http.StatusOK, response)
}

func (s *Server) handleReady(c *gin.Context) {
	response := ReadyResponse{
		Ready:     s.ready.Load(),
		Timestamp: time.Now(),
	}

	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, response)
		return
	}

	c.JSON(http.StatusOK, response)
}

func (s *Server) handleCreateSession(c *gin.Context) {
	ctx := c.Request.Context()

	var req models.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:     sanitizeValidationError(err),
			RequestID: c.GetString("request_id"),
		})
		return
	}

	session, err := s.orchestrator.CreateSession(ctx, req)
	if err != nil {
		s.writeServiceError(c, err)
		return
	}

	c.JSON(http.StatusCreated, session.ToResponse())
}

func (s *Server) handleListSessions(c *gin.Context) {
	ctx := c.Request.Context()

	var query ListSessionsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:     sanitizeValidationError(err),
			RequestID: c.GetString("request_id"),
		})
		return
	}

	sessions, err := s.orchestrator.GetUserSessions(ctx, query.UserID, query.Page, query.PageSize)
	if err != nil {
		s.writeServiceError(c, err)
		return
	}

	responses := make([]models.SessionResponse, len(sessions))
	for i, session := range sessions {
		responses[i] = session.ToResponse()
	}

	c.JSON(http.StatusOK, gin.H{
		"sessions": responses,
		"count":    len(responses),
	})
}

func (s *Server) handleSessionCount(c *gin.Context) {
	count, err := s.orchestrator.GetActiveSessionCount(c.Request.Context())
	if err != nil {
		s.writeServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"active_sessions": count})
}

func (s *Server) handleGetSession(c *gin.Context) {
	session, err := s.orchestrator.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, session.ToResponse())
}

func (s *Server) handleSessionEvents(c *gin.Context) {
	ctx := c.Request.Context()
	sessionID := c.Param("id")

	// 404 for unknown sessions instead of an empty event list
	if _, err := s.orchestrator.GetSession(ctx, sessionID); err != nil {
		s.writeServiceError(c, err)
		return
	}

	events, err := s.events.ListBySession(ctx, sessionID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:     "failed to list billing events",
			RequestID: c.GetString("request_id"),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"count":  len(events),
	})
}

func (s *Server) handleStartSession(c *gin.Context) {
	session, err := s.orchestrator.StartSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, session.ToResponse())
}

func (s *Server) handlePauseSession(c *gin.Context) {
	session, err := s.orchestrator.PauseSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, session.ToResponse())
}

func (s *Server) handleStopSession(c *gin.Context) {
	session, err := s.orchestrator.StopSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, session.ToResponse())
}

func (s *Server) handleProviderHealth(c *gin.Context) {
	ctx := c.Request.Context()

	var out []ProviderHealthResponse
	for _, prov := range s.providers.All() {
		health := prov.HealthCheck(ctx)
		out = append(out, ProviderHealthResponse{
			Provider:      prov.Name(),
			Healthy:       health.Healthy,
			LatencyMs:     health.Latency.Milliseconds(),
			AvailableGPUs: health.AvailableGPUs,
			Error:         health.Error,
		})
	}

	c.JSON(http.StatusOK, gin.H{"providers": out})
}

func (s *Server) handleProviderAvailability(c *gin.Context) {
	ctx := c.Request.Context()
	gpuType := c.Query("gpu_type")

	availability := make(map[string][]models.GpuAvailability)
	for _, prov := range s.providers.All() {
		var matched []models.GpuAvailability
		for _, a := range prov.GetAvailability(ctx) {
			if gpuType != "" && a.Type != gpuType {
				continue
			}
			matched = append(matched, a)
		}
		availability[prov.Name()] = matched
	}

	c.JSON(http.StatusOK, gin.H{"availability": availability})
}

func (s *Server) handleListTiers(c *gin.Context) {
	var out []TierResponse
	for _, cfg := range s.catalog.Tiers() {
		out = append(out, TierResponse{
			Tier:           cfg.Tier,
			GPUOptions:     cfg.GPUOptions,
			GPUCount:       cfg.GPUCount,
			VRAMGb:         cfg.VRAMGb,
			PricePerMinute: cfg.PricePerMinute,
		})
	}

	c.JSON(http.StatusOK, gin.H{"tiers": out})
}

func (s *Server) handleGetCredits(c *gin.Context) {
	ctx := c.Request.Context()
	userID := c.Param("user_id")

	account, err := s.credits.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Unknown users have a zero balance, not a missing account
			c.JSON(http.StatusOK, gin.H{
				"user_id":       userID,
				"balance_cents": 0,
			})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:     "failed to get balance",
			RequestID: c.GetString("request_id"),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user_id":       account.UserID,
		"balance_cents": account.BalanceCents,
	})
}

// handleCleanupZombies triggers an immediate reaper sweep. It exists so an
// external scheduler can force cleanup without waiting for the next interval.
func (s *Server) handleCleanupZombies(c *gin.Context) {
	if s.reaper == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error:     "reaper not configured",
			RequestID: c.GetString("request_id"),
		})
		return
	}

	reaped := s.reaper.CleanupZombieSessions(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"reaped": reaped})
}

func (s *Server) handleAddCredits(c *gin.Context) {
	ctx := c.Request.Context()
	userID := c.Param("user_id")

	var req AddCreditsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:     sanitizeValidationError(err),
			RequestID: c.GetString("request_id"),
		})
		return
	}

	if err := s.credits.Credit(ctx, userID, req.AmountCents, time.Now()); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:     "failed to add credits",
			RequestID: c.GetString("request_id"),
		})
		return
	}

	balance, err := s.credits.Balance(ctx, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:     "failed to get balance",
			RequestID: c.GetString("request_id"),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user_id":       userID,
		"balance_cents": balance,
	})
}

// sanitizeValidationError converts internal field names to JSON field names in
// validation error messages so struct names do not leak to clients.
func sanitizeValidationError(err error) string {
	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return err.Error()
	}

	var messages []string
	for _, fe := range validationErrs {
		jsonFieldName := toSnakeCase(fe.Field())
		switch fe.Tag() {
		case "required":
			messages = append(messages, fmt.Sprintf("%s is required", jsonFieldName))
		case "min":
			messages = append(messages, fmt.Sprintf("%s must be at least %s", jsonFieldName, fe.Param()))
		case "max":
			messages = append(messages, fmt.Sprintf("%s must be at most %s", jsonFieldName, fe.Param()))
		case "oneof":
			messages = append(messages, fmt.Sprintf("%s must be one of: %s", jsonFieldName, fe.Param()))
		default:
			messages = append(messages, fmt.Sprintf("%s failed validation (%s)", jsonFieldName, fe.Tag()))
		}
	}
	return strings.Join(messages, "; ")
}

var snakeCaseRe = regexp.MustCompile("([a-z0-9])([A-Z])")

// toSnakeCase converts a PascalCase or camelCase field name to snake_case
func toSnakeCase(s string) string {
	// Initialisms the regex cannot split
	fieldMappings := map[string]string{
		"GPUType": "gpu_type",
	}
	if mapped, ok := fieldMappings[s]; ok {
		return mapped
	}

	return strings.ToLower(snakeCaseRe.ReplaceAllString(s, "${1}_${2}"))
}
