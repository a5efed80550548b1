package api

// RateLimitSettings is the caller-facing throttling block.
type RateLimitSettings struct {
	RequestsPerMinute uint `json:"requests_per_minute" binding:"omitempty,max=100000"`
	RequestsPerHour   uint `json:"requests_per_hour" binding:"omitempty,max=10000000"`

	// Only meaningful for openai-shaped models; ignored at synthesis time
	// for traditional ones but preserved on the record.
	TokensPerHour uint `json:"tokens_per_hour" binding:"omitempty,max=1000000000"`
	BurstLimit    uint `json:"burst_limit" binding:"omitempty,max=100000"`
}

// AuthenticationSettings controls who may call the published endpoint.
type AuthenticationSettings struct {
	RequireAPIKey  bool     `json:"require_api_key"`
	AllowedTenants []string `json:"allowed_tenants,omitempty" binding:"omitempty,dive,required"`
}

// PublishRequest is the body of POST /models/:name/publish.
type PublishRequest struct {
	// Tenant to publish on behalf of. Admin callers must set it; tenant
	// callers may omit it, meaning their own.
	Tenant string `json:"tenant,omitempty"`

	// auto lets the publisher detect the shape from serving metadata
	ModelType string `json:"model_type,omitempty" binding:"omitempty,oneof=auto traditional openai"`

	ExternalPath   string `json:"external_path,omitempty" binding:"omitempty,startswith=/"`
	PublicHostname string `json:"public_hostname,omitempty" binding:"omitempty,hostname_rfc1123|url"`

	RateLimiting   RateLimitSettings      `json:"rate_limiting"`
	Authentication AuthenticationSettings `json:"authentication"`
}

// UpdatePublishRequest is the body of PUT /models/:name/publish. Absent
// fields keep their persisted values.
type UpdatePublishRequest struct {
	Tenant string `json:"tenant,omitempty"`

	ModelType      *string                 `json:"model_type,omitempty" binding:"omitempty,oneof=auto traditional openai"`
	ExternalPath   *string                 `json:"external_path,omitempty" binding:"omitempty,startswith=/"`
	PublicHostname *string                 `json:"public_hostname,omitempty" binding:"omitempty,hostname_rfc1123|url"`
	RateLimiting   *RateLimitSettings      `json:"rate_limiting,omitempty"`
	Authentication *AuthenticationSettings `json:"authentication,omitempty"`
}

// UsageReport is the data path's attribution callback for one call against a
// published endpoint.
type UsageReport struct {
	Tenant  string `json:"tenant" binding:"required"`
	Model   string `json:"model" binding:"required"`
	Tokens  uint64 `json:"tokens"`
	Success bool   `json:"success"`
}
