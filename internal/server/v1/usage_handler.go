package v1

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nulzo/model-publisher/internal/core/domain"
	"github.com/nulzo/model-publisher/internal/reconciler"
	"github.com/nulzo/model-publisher/internal/server/middleware"
	"github.com/nulzo/model-publisher/internal/server/validator"
	"github.com/nulzo/model-publisher/internal/tenant"
	"github.com/nulzo/model-publisher/internal/usage"
	"github.com/nulzo/model-publisher/pkg/api"
)

type UsageHandler struct {
	reconciler *reconciler.Reconciler
	resolver   *tenant.Resolver
	tracker    *usage.Tracker
	validator  *validator.Validator
}

func NewUsageHandler(r *reconciler.Reconciler, resolver *tenant.Resolver, tracker *usage.Tracker, v *validator.Validator) *UsageHandler {
	return &UsageHandler{reconciler: r, resolver: resolver, tracker: tracker, validator: v}
}

// Get returns the usage aggregate for one publication.
//
// GET /models/:name/usage
func (h *UsageHandler) Get(c *gin.Context) {
	id, ok := middleware.IdentityFrom(c)
	if !ok {
		_ = c.Error(domain.AuthorizationError("caller identity missing"))
		return
	}
	tenantID, err := h.resolver.Resolve(id, c.Query("tenant"))
	if err != nil {
		_ = c.Error(err)
		return
	}

	// 404 for an unknown publication, not an empty aggregate
	pm, err := h.reconciler.Get(c.Request.Context(), tenantID, c.Param("name"))
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, api.NewUsageResponse(pm.Usage))
}

// Report is the data path's attribution callback. The reporting identity is
// held to the same tenant boundary as every other write: the gateway reports
// with an admin identity and may attribute to any tenant, a tenant identity
// only to itself. Once authorized the count is fire-and-forget; persistence
// is the flush worker's job.
//
// POST /internal/usage
func (h *UsageHandler) Report(c *gin.Context) {
	id, ok := middleware.IdentityFrom(c)
	if !ok {
		_ = c.Error(domain.AuthorizationError("caller identity missing"))
		return
	}

	var req api.UsageReport
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(domain.FieldValidationProblem(h.validator.ParseError(err)))
		return
	}

	tenantID, err := h.resolver.Resolve(id, req.Tenant)
	if err != nil {
		_ = c.Error(err)
		return
	}

	// Only live publications accumulate usage. Anything else is a 404, not
	// a counter silently created for a model that was never published.
	if _, err := h.reconciler.Get(c.Request.Context(), tenantID, req.Model); err != nil {
		_ = c.Error(err)
		return
	}

	h.tracker.RecordCall(tenantID, req.Model, req.Tokens, req.Success)
	c.Status(http.StatusAccepted)
}
