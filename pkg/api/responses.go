package api

import (
	"time"

	"github.com/nulzo/model-publisher/internal/core/domain"
)

// PublishedModelResponse is the read shape of a publication. It never carries
// a plaintext credential; only PublishCreatedResponse and RotateKeyResponse
// do, exactly once each.
type PublishedModelResponse struct {
	Tenant         string                 `json:"tenant"`
	ModelName      string                 `json:"model_name"`
	ModelType      string                 `json:"model_type"`
	ExternalURL    string                 `json:"external_url"`
	RateLimiting   RateLimitSettings      `json:"rate_limiting"`
	Authentication AuthenticationSettings `json:"authentication"`
	Status         string                 `json:"status"`
	Warning        string                 `json:"warning,omitempty"`
	Usage          UsageResponse          `json:"usage"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
}

// PublishCreatedResponse is the 201 body of a publish. ApiKey is the only
// place the full credential ever appears.
type PublishCreatedResponse struct {
	PublishedModelResponse
	APIKey string `json:"api_key,omitempty"`
}

// RotateKeyResponse carries the replacement credential.
type RotateKeyResponse struct {
	KeyID     string    `json:"key_id"`
	APIKey    string    `json:"api_key"`
	RotatedAt time.Time `json:"rotated_at"`
}

// ListPublishedResponse wraps the listing surface.
type ListPublishedResponse struct {
	Models []PublishedModelResponse `json:"models"`
	Count  int                      `json:"count"`
}

// UsageResponse is the aggregate attribution for one publication.
type UsageResponse struct {
	TotalRequests uint64     `json:"total_requests"`
	TotalTokens   uint64     `json:"total_tokens"`
	Errors        uint64     `json:"errors"`
	LastUsed      *time.Time `json:"last_used,omitempty"`
}

// UnpublishedResponse confirms a teardown.
type UnpublishedResponse struct {
	ModelName string `json:"model_name"`
	Status    string `json:"status"`
}

// NewPublishedModelResponse maps the domain record to the read shape.
func NewPublishedModelResponse(pm *domain.PublishedModel) PublishedModelResponse {
	return PublishedModelResponse{
		Tenant:      pm.TenantID,
		ModelName:   pm.ModelName,
		ModelType:   string(pm.ModelType),
		ExternalURL: pm.ExternalURL,
		RateLimiting: RateLimitSettings{
			RequestsPerMinute: pm.RateLimiting.RequestsPerMinute,
			RequestsPerHour:   pm.RateLimiting.RequestsPerHour,
			TokensPerHour:     pm.RateLimiting.TokensPerHour,
			BurstLimit:        pm.RateLimiting.BurstLimit,
		},
		Authentication: AuthenticationSettings{
			RequireAPIKey:  pm.Authentication.RequireAPIKey,
			AllowedTenants: pm.Authentication.AllowedTenants,
		},
		Status:    string(pm.Status),
		Warning:   pm.Warning,
		Usage:     NewUsageResponse(pm.Usage),
		CreatedAt: pm.CreatedAt,
		UpdatedAt: pm.UpdatedAt,
	}
}

// NewUsageResponse maps the domain aggregate.
func NewUsageResponse(u domain.Usage) UsageResponse {
	return UsageResponse{
		TotalRequests: u.TotalRequests,
		TotalTokens:   u.TotalTokens,
		Errors:        u.Errors,
		LastUsed:      u.LastUsed,
	}
}
