// Package dashboard provides breakdown endpoints over recorded sandbox runs.
//
// /sandbox/dashboard reports lifetime totals; the handlers here slice the
// most recent runs by risk band, reason code and outcome so an operator can
// see what the policy is actually catching.
package dashboard

import (
	"context"
	"net/http"
	"sort"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/cryptocardia/sandbox/internal/logging"
	"github.com/cryptocardia/sandbox/internal/risk"
	"github.com/cryptocardia/sandbox/internal/sandbox"
)

// WindowSize is the number of recent runs breakdowns are computed over.
const WindowSize = sandbox.MaxListLimit

// RunSource is the read side of the sandbox service.
type RunSource interface {
	List(ctx context.Context, limit int) ([]*sandbox.Run, error)
	Summary(ctx context.Context) (*sandbox.Summary, error)
}

// Handler provides run analytics endpoints.
type Handler struct {
	runs RunSource
}

// NewHandler creates a new dashboard handler.
func NewHandler(runs RunSource) *Handler {
	return &Handler{runs: runs}
}

// RegisterRoutes sets up the analytics routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/analytics/overview", h.Overview)
	r.GET("/analytics/reasons", h.TopReasons)
	r.GET("/analytics/denials", h.Denials)
	r.GET("/analytics/integrity-failures", h.IntegrityFailures)
}

// ReasonCount is how often a reason code fired in the window.
type ReasonCount struct {
	Reason risk.Reason `json:"reason"`
	Count  int         `json:"count"`
}

// Breakdown groups a window of runs by outcome.
type Breakdown struct {
	Runs              int            `json:"runs"`
	ByDecision        map[string]int `json:"byDecision"`
	ByRisk            map[string]int `json:"byRisk"`
	IntegrityFailures int            `json:"integrityFailures"`
	AttemptedValue    float64        `json:"attemptedValue"`
	PreventedLoss     float64        `json:"preventedLoss"`
	AverageScore      float64        `json:"averageScore"`
}

// breakdown groups runs by decision and risk band.
func breakdown(runs []*sandbox.Run) *Breakdown {
	b := &Breakdown{
		Runs:       len(runs),
		ByDecision: map[string]int{},
		ByRisk:     map[string]int{},
	}
	scoreSum := 0
	for _, r := range runs {
		b.ByDecision[string(r.Evaluation.Decision)]++
		b.ByRisk[string(r.Evaluation.Risk)]++
		if r.Evaluation.IntegrityFailure {
			b.IntegrityFailures++
		}
		b.AttemptedValue += r.Ledger.AttemptedValueUSD
		b.PreventedLoss += r.Ledger.PreventedLossUSD
		scoreSum += r.Evaluation.Score
	}
	if len(runs) > 0 {
		b.AverageScore = float64(scoreSum) / float64(len(runs))
	}
	return b
}

// topReasons counts reason codes, most frequent first. Ties sort by code.
func topReasons(runs []*sandbox.Run, limit int) []ReasonCount {
	counts := map[risk.Reason]int{}
	for _, r := range runs {
		for _, reason := range r.Evaluation.Reasons {
			counts[reason]++
		}
	}
	out := make([]ReasonCount, 0, len(counts))
	for reason, n := range counts {
		out = append(out, ReasonCount{Reason: reason, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Reason < out[j].Reason
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Overview returns lifetime totals plus a breakdown of the recent window.
func (h *Handler) Overview(c *gin.Context) {
	ctx := c.Request.Context()

	summary, err := h.runs.Summary(ctx)
	if err != nil {
		h.internalError(c, "failed to load summary", err)
		return
	}
	runs, err := h.runs.List(ctx, WindowSize)
	if err != nil {
		h.internalError(c, "failed to list runs", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"summary": summary,
		"recent":  breakdown(runs),
	})
}

// TopReasons returns the most frequent reason codes in the recent window.
func (h *Handler) TopReasons(c *gin.Context) {
	runs, err := h.runs.List(c.Request.Context(), WindowSize)
	if err != nil {
		h.internalError(c, "failed to list runs", err)
		return
	}

	reasons := topReasons(runs, parseLimit(c, 10, 50))
	c.JSON(http.StatusOK, gin.H{
		"reasons": reasons,
		"count":   len(reasons),
		"window":  len(runs),
	})
}

// Denials returns recent denied runs for review.
func (h *Handler) Denials(c *gin.Context) {
	h.filtered(c, "denials", func(r *sandbox.Run) bool {
		return r.Evaluation.Decision == risk.DecisionDeny
	})
}

// IntegrityFailures returns recent runs that failed an integrity check.
func (h *Handler) IntegrityFailures(c *gin.Context) {
	h.filtered(c, "runs", func(r *sandbox.Run) bool {
		return r.Evaluation.IntegrityFailure
	})
}

func (h *Handler) filtered(c *gin.Context, key string, keep func(*sandbox.Run) bool) {
	limit := parseLimit(c, sandbox.DefaultListLimit, WindowSize)

	runs, err := h.runs.List(c.Request.Context(), WindowSize)
	if err != nil {
		h.internalError(c, "failed to list runs", err)
		return
	}

	out := make([]*sandbox.Run, 0, limit)
	for _, r := range runs {
		if len(out) == limit {
			break
		}
		if keep(r) {
			out = append(out, r)
		}
	}

	c.JSON(http.StatusOK, gin.H{
		key:     out,
		"count": len(out),
	})
}

func (h *Handler) internalError(c *gin.Context, msg string, err error) {
	logging.L(c.Request.Context()).Error(msg, "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
}

func parseLimit(c *gin.Context, defaultVal, maxVal int) int {
	limit := defaultVal
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxVal {
		limit = maxVal
	}
	return limit
}
