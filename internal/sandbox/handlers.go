package sandbox

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/cryptocardia/sandbox/internal/canonical"
	"github.com/cryptocardia/sandbox/internal/logging"
	"github.com/cryptocardia/sandbox/internal/validation"
)

// Handler provides HTTP endpoints for sandbox runs.
type Handler struct {
	service *Service
}

// NewHandler creates a new sandbox handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the sandbox routes on a /sandbox group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/evaluate", h.Evaluate)
	r.GET("/dashboard", h.Dashboard)
	r.GET("/policy", h.GetPolicy)
	r.GET("/runs", h.ListRuns)
	r.GET("/runs/:id", h.GetRun)
	r.GET("/runs/:id/audit", h.GetAudit)
	r.GET("/runs/:id/audit/verify", h.VerifyAudit)
}

// Evaluate handles POST /sandbox/evaluate
func (h *Handler) Evaluate(c *gin.Context) {
	body, err := c.GetRawData()
	if validation.IsBodyTooLarge(err) {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error":   "request_too_large",
			"message": "Request body exceeds the size limit",
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Unable to read request body",
		})
		return
	}

	req, err := DecodeRequest(body)
	if err != nil {
		h.writeError(c, err)
		return
	}

	result, err := h.service.Evaluate(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Dashboard handles GET /sandbox/dashboard
func (h *Handler) Dashboard(c *gin.Context) {
	summary, err := h.service.Summary(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// GetPolicy handles GET /sandbox/policy
func (h *Handler) GetPolicy(c *gin.Context) {
	p := h.service.Policy()
	contentHash, err := p.ContentHash()
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"policy":      p,
		"ref":         p.Ref(),
		"contentHash": contentHash,
	})
}

// ListRuns handles GET /sandbox/runs
//
// Pages are newest first. Pass the returned nextCursor as ?cursor= to get
// the following page.
func (h *Handler) ListRuns(c *gin.Context) {
	limit := DefaultListLimit
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	page, err := h.service.ListPage(c.Request.Context(), c.Query("cursor"), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// GetRun handles GET /sandbox/runs/:id
func (h *Handler) GetRun(c *gin.Context) {
	run, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"run": run})
}

// GetAudit handles GET /sandbox/runs/:id/audit
func (h *Handler) GetAudit(c *gin.Context) {
	events, err := h.service.AuditTrail(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"count":  len(events),
	})
}

// VerifyAudit handles GET /sandbox/runs/:id/audit/verify
//
// A corrupted chain is a successful verification with valid=false. Pass
// ?strict=true to get 409 instead.
func (h *Handler) VerifyAudit(c *gin.Context) {
	report, err := h.service.VerifyAudit(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	status := http.StatusOK
	if !report.Valid && c.Query("strict") == "true" {
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{"verification": report})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"field":   verr.Field,
			"message": verr.Error(),
		})
	case errors.Is(err, canonical.ErrEncoding):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "encoding_error",
			"message": err.Error(),
		})
	case errors.Is(err, ErrRunNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Run not found",
		})
	case errors.Is(err, ErrRunPersistence):
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "persistence_error",
			"message": "Run could not be recorded",
		})
	default:
		logging.L(c.Request.Context()).Error("sandbox request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Internal server error",
		})
	}
}
