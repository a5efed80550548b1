package v1

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nulzo/model-publisher/internal/core/domain"
	"github.com/nulzo/model-publisher/internal/reconciler"
	"github.com/nulzo/model-publisher/internal/server/middleware"
	"github.com/nulzo/model-publisher/internal/server/validator"
	"github.com/nulzo/model-publisher/internal/tenant"
	"github.com/nulzo/model-publisher/pkg/api"
)

type PublishHandler struct {
	reconciler *reconciler.Reconciler
	resolver   *tenant.Resolver
	validator  *validator.Validator
}

func NewPublishHandler(r *reconciler.Reconciler, resolver *tenant.Resolver, v *validator.Validator) *PublishHandler {
	return &PublishHandler{reconciler: r, resolver: resolver, validator: v}
}

// Publish exposes a model externally.
//
// POST /models/:name/publish
func (h *PublishHandler) Publish(c *gin.Context) {
	var req api.PublishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(domain.FieldValidationProblem(h.validator.ParseError(err)))
		return
	}

	tenantID, err := h.resolveTenant(c, req.Tenant)
	if err != nil {
		_ = c.Error(err)
		return
	}

	pm, issued, err := h.reconciler.Publish(c.Request.Context(), tenantID, c.Param("name"), toPublishConfig(tenantID, &req))
	if err != nil {
		_ = c.Error(err)
		return
	}

	// The only response that ever carries the plaintext credential
	c.JSON(http.StatusCreated, api.PublishCreatedResponse{
		PublishedModelResponse: api.NewPublishedModelResponse(pm),
		APIKey:                 issued.Plaintext,
	})
}

// Update reconfigures a live publication. Absent fields keep their values.
//
// PUT /models/:name/publish
func (h *PublishHandler) Update(c *gin.Context) {
	var req api.UpdatePublishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(domain.FieldValidationProblem(h.validator.ParseError(err)))
		return
	}

	tenantID, err := h.resolveTenant(c, req.Tenant)
	if err != nil {
		_ = c.Error(err)
		return
	}

	pm, err := h.reconciler.Update(c.Request.Context(), tenantID, c.Param("name"), toUpdateRequest(&req))
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, api.NewPublishedModelResponse(pm))
}

// Unpublish tears a publication down.
//
// DELETE /models/:name/publish
func (h *PublishHandler) Unpublish(c *gin.Context) {
	tenantID, err := h.resolveTenant(c, c.Query("tenant"))
	if err != nil {
		_ = c.Error(err)
		return
	}

	name := c.Param("name")
	if err := h.reconciler.Unpublish(c.Request.Context(), tenantID, name); err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, api.UnpublishedResponse{
		ModelName: name,
		Status:    string(domain.StatusUnpublished),
	})
}

// Get returns a single publication.
//
// GET /models/:name/publish
func (h *PublishHandler) Get(c *gin.Context) {
	tenantID, err := h.resolveTenant(c, c.Query("tenant"))
	if err != nil {
		_ = c.Error(err)
		return
	}

	pm, err := h.reconciler.Get(c.Request.Context(), tenantID, c.Param("name"))
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, api.NewPublishedModelResponse(pm))
}

// List returns the caller's publications; admins see every tenant unless
// they narrow with ?tenant=.
//
// GET /published-models
func (h *PublishHandler) List(c *gin.Context) {
	id, ok := middleware.IdentityFrom(c)
	if !ok {
		_ = c.Error(domain.AuthorizationError("caller identity missing"))
		return
	}

	tenantID := ""
	if !id.Admin || c.Query("tenant") != "" {
		var err error
		tenantID, err = h.resolver.Resolve(id, c.Query("tenant"))
		if err != nil {
			_ = c.Error(err)
			return
		}
	}

	models, err := h.reconciler.List(c.Request.Context(), tenantID)
	if err != nil {
		_ = c.Error(err)
		return
	}

	out := api.ListPublishedResponse{Models: make([]api.PublishedModelResponse, 0, len(models))}
	for i := range models {
		out.Models = append(out.Models, api.NewPublishedModelResponse(&models[i]))
	}
	out.Count = len(out.Models)

	c.JSON(http.StatusOK, out)
}

// RotateKey swaps the publication's credential. Hard cutover: the old key
// stops validating the moment this returns.
//
// POST /models/:name/publish/rotate-key
func (h *PublishHandler) RotateKey(c *gin.Context) {
	tenantID, err := h.resolveTenant(c, c.Query("tenant"))
	if err != nil {
		_ = c.Error(err)
		return
	}

	issued, err := h.reconciler.RotateKey(c.Request.Context(), tenantID, c.Param("name"))
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, api.RotateKeyResponse{
		KeyID:     issued.ID,
		APIKey:    issued.Plaintext,
		RotatedAt: time.Now().UTC(),
	})
}

func (h *PublishHandler) resolveTenant(c *gin.Context, requested string) (string, error) {
	id, ok := middleware.IdentityFrom(c)
	if !ok {
		return "", domain.AuthorizationError("caller identity missing")
	}
	return h.resolver.Resolve(id, requested)
}

func toPublishConfig(tenantID string, req *api.PublishRequest) domain.PublishConfig {
	modelType := domain.ModelType(req.ModelType)
	if modelType == "" {
		modelType = domain.ModelTypeAuto
	}

	return domain.PublishConfig{
		TenantID:       tenantID,
		ModelType:      modelType,
		ExternalPath:   req.ExternalPath,
		PublicHostname: req.PublicHostname,
		RateLimiting: domain.RateLimitConfig{
			RequestsPerMinute: req.RateLimiting.RequestsPerMinute,
			RequestsPerHour:   req.RateLimiting.RequestsPerHour,
			TokensPerHour:     req.RateLimiting.TokensPerHour,
			BurstLimit:        req.RateLimiting.BurstLimit,
		},
		Authentication: domain.AuthenticationConfig{
			RequireAPIKey:  req.Authentication.RequireAPIKey,
			AllowedTenants: req.Authentication.AllowedTenants,
		},
	}
}

func toUpdateRequest(req *api.UpdatePublishRequest) reconciler.UpdateRequest {
	out := reconciler.UpdateRequest{
		ExternalPath:   req.ExternalPath,
		PublicHostname: req.PublicHostname,
	}
	if req.ModelType != nil {
		mt := domain.ModelType(*req.ModelType)
		out.ModelType = &mt
	}
	if req.RateLimiting != nil {
		out.RateLimiting = &domain.RateLimitConfig{
			RequestsPerMinute: req.RateLimiting.RequestsPerMinute,
			RequestsPerHour:   req.RateLimiting.RequestsPerHour,
			TokensPerHour:     req.RateLimiting.TokensPerHour,
			BurstLimit:        req.RateLimiting.BurstLimit,
		}
	}
	if req.Authentication != nil {
		out.Authentication = &domain.AuthenticationConfig{
			RequireAPIKey:  req.Authentication.RequireAPIKey,
			AllowedTenants: req.Authentication.AllowedTenants,
		}
	}
	return out
}
