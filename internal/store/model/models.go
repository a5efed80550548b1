package model

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/nulzo/model-publisher/internal/core/domain"
)

// PublishedModel is the durable row for one publication.
type PublishedModel struct {
	ID                string    `db:"id" json:"id"`
	TenantID          string    `db:"tenant_id" json:"tenant_id"`
	ModelName         string    `db:"model_name" json:"model_name"`
	ModelType         string    `db:"model_type" json:"model_type"`
	PublicHostname    string    `db:"public_hostname" json:"public_hostname"`
	ExternalPath      string    `db:"external_path" json:"external_path"`
	ExternalURL       string    `db:"external_url" json:"external_url"`
	APIKeyID          string    `db:"api_key_id" json:"api_key_id"`
	RequestsPerMinute uint      `db:"requests_per_minute" json:"requests_per_minute"`
	RequestsPerHour   uint      `db:"requests_per_hour" json:"requests_per_hour"`
	TokensPerHour     uint      `db:"tokens_per_hour" json:"tokens_per_hour"`
	BurstLimit        uint      `db:"burst_limit" json:"burst_limit"`
	RequireAPIKey     bool      `db:"require_api_key" json:"require_api_key"`
	AllowedTenants    string    `db:"allowed_tenants" json:"allowed_tenants"` // JSON array
	Status            string    `db:"status" json:"status"`
	Warning           string    `db:"warning" json:"warning"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time `db:"updated_at" json:"updated_at"`
}

// ToDomain converts the row into the domain record, merging the given usage
// aggregate if present.
func (pm *PublishedModel) ToDomain(usage *UsageRecord) *domain.PublishedModel {
	var allowed []string
	if pm.AllowedTenants != "" {
		_ = json.Unmarshal([]byte(pm.AllowedTenants), &allowed)
	}

	out := &domain.PublishedModel{
		TenantID:       pm.TenantID,
		ModelName:      pm.ModelName,
		ModelType:      domain.ModelType(pm.ModelType),
		PublicHostname: pm.PublicHostname,
		ExternalPath:   pm.ExternalPath,
		ExternalURL:    pm.ExternalURL,
		APIKeyID:       pm.APIKeyID,
		RateLimiting: domain.RateLimitConfig{
			RequestsPerMinute: pm.RequestsPerMinute,
			RequestsPerHour:   pm.RequestsPerHour,
			TokensPerHour:     pm.TokensPerHour,
			BurstLimit:        pm.BurstLimit,
		},
		Authentication: domain.AuthenticationConfig{
			RequireAPIKey:  pm.RequireAPIKey,
			AllowedTenants: allowed,
		},
		Status:    domain.PublishStatus(pm.Status),
		Warning:   pm.Warning,
		CreatedAt: pm.CreatedAt,
		UpdatedAt: pm.UpdatedAt,
	}

	if usage != nil {
		out.Usage = usage.ToDomain()
	}

	return out
}

// FromDomain converts a domain record into a row, preserving the given row ID.
func FromDomain(id string, pm *domain.PublishedModel) *PublishedModel {
	allowed := "[]"
	if len(pm.Authentication.AllowedTenants) > 0 {
		if data, err := json.Marshal(pm.Authentication.AllowedTenants); err == nil {
			allowed = string(data)
		}
	}

	return &PublishedModel{
		ID:                id,
		TenantID:          pm.TenantID,
		ModelName:         pm.ModelName,
		ModelType:         string(pm.ModelType),
		PublicHostname:    pm.PublicHostname,
		ExternalPath:      pm.ExternalPath,
		ExternalURL:       pm.ExternalURL,
		APIKeyID:          pm.APIKeyID,
		RequestsPerMinute: pm.RateLimiting.RequestsPerMinute,
		RequestsPerHour:   pm.RateLimiting.RequestsPerHour,
		TokensPerHour:     pm.RateLimiting.TokensPerHour,
		BurstLimit:        pm.RateLimiting.BurstLimit,
		RequireAPIKey:     pm.Authentication.RequireAPIKey,
		AllowedTenants:    allowed,
		Status:            string(pm.Status),
		Warning:           pm.Warning,
		CreatedAt:         pm.CreatedAt,
		UpdatedAt:         pm.UpdatedAt,
	}
}

// APIKey is the stored credential for a publication. Only the hash and a
// display prefix survive issuance.
type APIKey struct {
	ID        string       `db:"id" json:"id"`
	TenantID  string       `db:"tenant_id" json:"tenant_id"`
	ModelName string       `db:"model_name" json:"model_name"`
	KeyHash   string       `db:"key_hash" json:"-"`            // Never return hash
	KeyPrefix string       `db:"key_prefix" json:"key_prefix"` // Display only
	IsActive  bool         `db:"is_active" json:"is_active"`
	CreatedAt time.Time    `db:"created_at" json:"created_at"`
	RevokedAt sql.NullTime `db:"revoked_at" json:"revoked_at,omitempty"`
}

// UsageRecord is the persisted usage aggregate for a publication.
type UsageRecord struct {
	TenantID      string       `db:"tenant_id" json:"tenant_id"`
	ModelName     string       `db:"model_name" json:"model_name"`
	TotalRequests uint64       `db:"total_requests" json:"total_requests"`
	TotalTokens   uint64       `db:"total_tokens" json:"total_tokens"`
	Errors        uint64       `db:"errors" json:"errors"`
	LastUsed      sql.NullTime `db:"last_used" json:"last_used,omitempty"`
	UpdatedAt     time.Time    `db:"updated_at" json:"updated_at"`
}

// ToDomain converts the aggregate row to the domain usage shape.
func (u *UsageRecord) ToDomain() domain.Usage {
	out := domain.Usage{
		TotalRequests: u.TotalRequests,
		TotalTokens:   u.TotalTokens,
		Errors:        u.Errors,
	}
	if u.LastUsed.Valid {
		t := u.LastUsed.Time
		out.LastUsed = &t
	}
	return out
}
