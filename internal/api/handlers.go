// Package api implements the Lumen REST API.
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/bigdegenenergy/open-cloud-ops/lumen/internal/analytics"
	"github.com/bigdegenenergy/open-cloud-ops/lumen/internal/apierror"
	"github.com/bigdegenenergy/open-cloud-ops/lumen/internal/auth"
	"github.com/bigdegenenergy/open-cloud-ops/lumen/internal/backend"
	"github.com/bigdegenenergy/open-cloud-ops/lumen/internal/middleware"
	"github.com/bigdegenenergy/open-cloud-ops/lumen/internal/pipeline"
	"github.com/bigdegenenergy/open-cloud-ops/lumen/internal/technique"
	"github.com/bigdegenenergy/open-cloud-ops/lumen/pkg/models"
)

// Request headers read by the enhance endpoint.
const (
	headerProviderKey = "X-Provider-Key"
	headerRequireAuth = "X-Require-Auth"
)

// maxEnhanceBodySize bounds the enhance request body.
const maxEnhanceBodySize = 256 << 10

// Enhancer runs the enhancement pipeline. *pipeline.Enhancer implements it.
type Enhancer interface {
	Enhance(ctx context.Context, call pipeline.Call) pipeline.Outcome
	Usage(ctx context.Context, credential, clientIP string, requireAuth bool) (pipeline.Usage, *apierror.ClassifiedError)
}

// EventStore reads and writes the persisted records the admin API exposes.
// *database.DB implements it.
type EventStore interface {
	RecentEvents(ctx context.Context, limit int) ([]models.EnhancementEvent, error)
	GetSubscription(ctx context.Context, userID string) (*models.Subscription, error)
	UpsertSubscription(ctx context.Context, s *models.Subscription) error
}

// Reporter produces the admin usage report. *analytics.InsightsEngine implements it.
type Reporter interface {
	GenerateReport(ctx context.Context, from, to time.Time) (*analytics.Report, error)
	DetectSpikes(ctx context.Context) ([]analytics.Insight, error)
	DetectDegradedPrimaries(ctx context.Context) ([]analytics.Insight, error)
}

// PlanInvalidator drops cached plan lookups. *billing.Resolver implements it.
type PlanInvalidator interface {
	Invalidate(ctx context.Context, userID string) error
}

// HealthCheck reports the status of one dependency.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Deps are the collaborators of the handlers. Store, Insights and Plans may be nil.
type Deps struct {
	Enhancer       Enhancer
	Store          EventStore
	Insights       Reporter
	Plans          PlanInvalidator
	Candidates     func() []backend.Candidate
	Health         []HealthCheck
	RequestTimeout time.Duration
	Version        string
	Logger         *zap.Logger
}

// Handlers provides REST API endpoint handlers.
type Handlers struct {
	deps Deps
	now  func() time.Time
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(deps Deps) *Handlers {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.RequestTimeout <= 0 {
		deps.RequestTimeout = 90 * time.Second
	}
	return &Handlers{deps: deps, now: time.Now}
}

func respondError(c *gin.Context, ce *apierror.ClassifiedError) {
	c.JSON(ce.Status(), gin.H{"success": false, "error": ce})
}

func respondOK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}

// HealthCheck returns the service health status with the state of each dependency.
func (h *Handlers) HealthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := "healthy"
	components := make(map[string]string, len(h.deps.Health))
	for _, hc := range h.deps.Health {
		if err := hc.Check(ctx); err != nil {
			components[hc.Name] = "unavailable"
			status = "degraded"
			h.deps.Logger.Warn("health check failed", zap.String("component", hc.Name), zap.Error(err))
			continue
		}
		components[hc.Name] = "ok"
	}

	c.JSON(http.StatusOK, gin.H{
		"status":     status,
		"service":    "lumen",
		"version":    h.deps.Version,
		"components": components,
	})
}

// Enhance runs the enhancement pipeline for one prompt.
//
// The pipeline runs on a context detached from the caller so that a client
// disconnect does not abort work already charged to its quota; the request
// timeout still bounds it.
func (h *Handlers) Enhance(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxEnhanceBodySize)

	var req pipeline.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		msg := "request body must be a JSON object with prompt, technique and output_format"
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			msg = "request body too large"
		} else if errors.Is(err, io.EOF) {
			msg = "request body is empty"
		}
		respondError(c, apierror.Classify(apierror.Invalid("body", msg)))
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), h.deps.RequestTimeout)
	defer cancel()

	out := h.deps.Enhancer.Enhance(ctx, pipeline.Call{
		Request:     req,
		Credential:  auth.BearerToken(c.GetHeader("Authorization")),
		ClientIP:    c.ClientIP(),
		RequireAuth: c.GetHeader(headerRequireAuth) == "true",
		OverrideKey: c.GetHeader(headerProviderKey),
		RequestID:   middleware.GetRequestID(c),
	})

	if out.RateLimit != nil {
		c.Header("X-RateLimit-Limit", strconv.Itoa(out.RateLimit.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(out.RateLimit.Remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(out.RateLimit.ResetAt.Unix(), 10))
	}
	if out.Err != nil {
		if out.Err.Kind == apierror.KindRateLimitExceeded {
			c.Header("Retry-After", strconv.Itoa(int(out.Err.RetryAfter/time.Second)))
		}
		respondError(c, out.Err)
		return
	}
	respondOK(c, out.Result)
}

// Usage returns the caller's current quota window without consuming from it.
func (h *Handlers) Usage(c *gin.Context) {
	u, ce := h.deps.Enhancer.Usage(c.Request.Context(),
		auth.BearerToken(c.GetHeader("Authorization")),
		c.ClientIP(),
		c.GetHeader(headerRequireAuth) == "true")
	if ce != nil {
		respondError(c, ce)
		return
	}
	respondOK(c, u)
}

// ListTechniques returns the technique catalog.
// Query params: category (general|writing|coding)
func (h *Handlers) ListTechniques(c *gin.Context) {
	all := technique.All()
	if cat := technique.Category(c.Query("category")); cat != "" {
		if !slices.Contains(technique.Categories, cat) {
			respondError(c, apierror.Classify(apierror.Invalid("category", "unknown category %q", cat)))
			return
		}
		all = technique.ByCategory(cat)
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"count":   len(all),
		"data":    all,
	})
}

// requireDB returns true if the database is available, or sends a 503 and returns false.
func (h *Handlers) requireDB(c *gin.Context, available bool) bool {
	if !available {
		respondError(c, &apierror.ClassifiedError{
			Kind:      apierror.KindBackendUnavailable,
			Message:   "database unavailable",
			Retryable: true,
		})
		return false
	}
	return true
}

func (h *Handlers) internalError(c *gin.Context, msg string, err error) {
	h.deps.Logger.Error(msg, zap.String("request_id", middleware.GetRequestID(c)), zap.Error(err))
	_ = c.Error(err)
	respondError(c, apierror.Classify(err))
}

// GetReport returns the usage report with current insights.
// Query params: from, to (RFC3339; default last 30 days)
func (h *Handlers) GetReport(c *gin.Context) {
	if !h.requireDB(c, h.deps.Insights != nil) {
		return
	}

	now := h.now()
	from, err := parseTime(c.Query("from"), now.AddDate(0, 0, -30))
	if err != nil {
		respondError(c, apierror.Classify(apierror.Invalid("from", "invalid date format, use RFC3339")))
		return
	}
	to, err := parseTime(c.Query("to"), now)
	if err != nil {
		respondError(c, apierror.Classify(apierror.Invalid("to", "invalid date format, use RFC3339")))
		return
	}
	if !from.Before(to) {
		respondError(c, apierror.Classify(apierror.Invalid("from", "must be before to")))
		return
	}

	ctx := c.Request.Context()
	report, err := h.deps.Insights.GenerateReport(ctx, from, to)
	if err != nil {
		h.internalError(c, "api: generating report failed", err)
		return
	}

	spikes, err := h.deps.Insights.DetectSpikes(ctx)
	if err != nil {
		h.deps.Logger.Warn("api: spike detection failed", zap.Error(err))
	}
	degraded, err := h.deps.Insights.DetectDegradedPrimaries(ctx)
	if err != nil {
		h.deps.Logger.Warn("api: fallback share check failed", zap.Error(err))
	}
	report.Insights = append(spikes, degraded...)

	respondOK(c, report)
}

// GetRecentEvents returns the most recent pipeline events.
// Query params: limit (1-1000, default 50)
func (h *Handlers) GetRecentEvents(c *gin.Context) {
	if !h.requireDB(c, h.deps.Store != nil) {
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit < 1 || limit > 1000 {
		limit = 50
	}

	events, err := h.deps.Store.RecentEvents(c.Request.Context(), limit)
	if err != nil {
		h.internalError(c, "api: listing events failed", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"count":   len(events),
		"data":    events,
	})
}

// ListBackends returns the configured fallback order.
func (h *Handlers) ListBackends(c *gin.Context) {
	var cands []backend.Candidate
	if h.deps.Candidates != nil {
		cands = h.deps.Candidates()
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"count":   len(cands),
		"data":    cands,
	})
}

// SetSubscriptionRequest is the body for setting a user's plan.
type SetSubscriptionRequest struct {
	Plan                 string    `json:"plan" binding:"required,oneof=free pro"`
	Status               string    `json:"status"`
	StripeCustomerID     string    `json:"stripe_customer_id"`
	StripeSubscriptionID string    `json:"stripe_subscription_id"`
	CurrentPeriodEnd     time.Time `json:"current_period_end"`
}

// GetSubscription returns a user's stored subscription.
func (h *Handlers) GetSubscription(c *gin.Context) {
	if !h.requireDB(c, h.deps.Store != nil) {
		return
	}
	sub, err := h.deps.Store.GetSubscription(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		if isNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{
				"success": false,
				"error":   gin.H{"kind": apierror.KindValidationFailed, "message": "subscription not found", "retryable": false},
			})
			return
		}
		h.internalError(c, "api: loading subscription failed", err)
		return
	}
	respondOK(c, sub)
}

// SetSubscription creates or updates a user's plan and drops its cached tier.
func (h *Handlers) SetSubscription(c *gin.Context) {
	if !h.requireDB(c, h.deps.Store != nil) {
		return
	}

	var req SetSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierror.Classify(apierror.Invalid("body", "plan must be free or pro")))
		return
	}
	if req.Status == "" {
		req.Status = "active"
	}

	userID := c.Param("user_id")
	sub := &models.Subscription{
		UserID:               userID,
		Plan:                 req.Plan,
		Status:               req.Status,
		StripeCustomerID:     req.StripeCustomerID,
		StripeSubscriptionID: req.StripeSubscriptionID,
		CurrentPeriodEnd:     req.CurrentPeriodEnd,
	}
	if err := h.deps.Store.UpsertSubscription(c.Request.Context(), sub); err != nil {
		h.internalError(c, "api: storing subscription failed", err)
		return
	}

	// A stale cache entry only delays the change until its TTL expires.
	if h.deps.Plans != nil {
		if err := h.deps.Plans.Invalidate(c.Request.Context(), userID); err != nil {
			h.deps.Logger.Warn("api: plan cache invalidation failed", zap.String("user_id", userID), zap.Error(err))
		}
	}

	respondOK(c, sub)
}

func parseTime(s string, fallback time.Time) (time.Time, error) {
	if s == "" {
		return fallback, nil
	}
	return time.Parse(time.RFC3339, s)
}
