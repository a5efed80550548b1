package domain

import (
	"fmt"
	"strings"
	"time"
)

// ModelType describes the protocol shape a published model is exposed with.
type ModelType string

const (
	// ModelTypeAuto asks the publisher to detect the shape from model metadata.
	// It never survives past resolution; a persisted record always carries a
	// concrete type.
	ModelTypeAuto        ModelType = "auto"
	ModelTypeTraditional ModelType = "traditional"
	ModelTypeOpenAI      ModelType = "openai"
)

func (t ModelType) Valid() bool {
	switch t {
	case ModelTypeAuto, ModelTypeTraditional, ModelTypeOpenAI:
		return true
	}
	return false
}

// PublishStatus tracks the lifecycle of a publication.
type PublishStatus string

const (
	StatusPending     PublishStatus = "pending"
	StatusActive      PublishStatus = "active"
	StatusError       PublishStatus = "error"
	StatusUnpublished PublishStatus = "unpublished"
)

// ProtocolHint is what the serving runtime tells us about a model's interface.
type ProtocolHint string

const (
	ProtocolTraditional ProtocolHint = "traditional"
	ProtocolOpenAI      ProtocolHint = "openai"
	ProtocolUnknown     ProtocolHint = "unknown"
)

// ModelFramework is the closed set of serving frameworks we recognize.
// Raw runtime strings are mapped into this set at the oracle boundary so
// nothing downstream dispatches on free-form metadata.
type ModelFramework string

const (
	FrameworkSKLearn    ModelFramework = "sklearn"
	FrameworkXGBoost    ModelFramework = "xgboost"
	FrameworkTensorFlow ModelFramework = "tensorflow"
	FrameworkPyTorch    ModelFramework = "pytorch"
	FrameworkTriton     ModelFramework = "triton"
	FrameworkVLLM       ModelFramework = "vllm"
	FrameworkTGI        ModelFramework = "tgi"
	FrameworkUnknown    ModelFramework = "unknown"
)

// ParseFramework maps a runtime/framework string from serving metadata into
// the closed framework set.
func ParseFramework(raw string) ModelFramework {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	for _, fw := range []ModelFramework{
		FrameworkSKLearn, FrameworkXGBoost, FrameworkTensorFlow,
		FrameworkPyTorch, FrameworkTriton, FrameworkVLLM, FrameworkTGI,
	} {
		if strings.Contains(normalized, string(fw)) {
			return fw
		}
	}
	return FrameworkUnknown
}

// ProtocolFor returns the protocol shape a framework natively serves.
func (f ModelFramework) ProtocolFor() ProtocolHint {
	switch f {
	case FrameworkVLLM, FrameworkTGI:
		return ProtocolOpenAI
	case FrameworkSKLearn, FrameworkXGBoost, FrameworkTensorFlow, FrameworkPyTorch, FrameworkTriton:
		return ProtocolTraditional
	}
	return ProtocolUnknown
}

// RateLimitConfig holds the external throttling knobs for a publication.
// TokensPerHour only has effect for openai-shaped models but is preserved
// verbatim for traditional ones.
type RateLimitConfig struct {
	RequestsPerMinute uint `json:"requests_per_minute"`
	RequestsPerHour   uint `json:"requests_per_hour"`
	TokensPerHour     uint `json:"tokens_per_hour"`
	BurstLimit        uint `json:"burst_limit"`
}

// AuthenticationConfig controls who may call the published endpoint.
type AuthenticationConfig struct {
	RequireAPIKey  bool     `json:"require_api_key"`
	AllowedTenants []string `json:"allowed_tenants,omitempty"`
}

// PublishConfig is the caller-supplied intent, immutable per request.
type PublishConfig struct {
	TenantID       string               `json:"tenant_id"`
	ModelType      ModelType            `json:"model_type"`
	ExternalPath   string               `json:"external_path,omitempty"`
	PublicHostname string               `json:"public_hostname"`
	RateLimiting   RateLimitConfig      `json:"rate_limiting"`
	Authentication AuthenticationConfig `json:"authentication"`
}

// Usage aggregates data-path attribution for a publication.
type Usage struct {
	TotalRequests uint64     `json:"total_requests"`
	TotalTokens   uint64     `json:"total_tokens"`
	Errors        uint64     `json:"errors"`
	LastUsed      *time.Time `json:"last_used,omitempty"`
}

// PublishedModel is the durable, reconciled record. It is the single source
// of truth: every external policy object is regenerable from it.
type PublishedModel struct {
	TenantID       string               `json:"tenant_id"`
	ModelName      string               `json:"model_name"`
	ModelType      ModelType            `json:"model_type"`
	PublicHostname string               `json:"public_hostname"`
	ExternalPath   string               `json:"external_path"`
	ExternalURL    string               `json:"external_url"`
	APIKeyID       string               `json:"api_key_id"`
	RateLimiting   RateLimitConfig      `json:"rate_limiting"`
	Authentication AuthenticationConfig `json:"authentication"`
	Status         PublishStatus        `json:"status"`
	Warning        string               `json:"warning,omitempty"`
	Usage          Usage                `json:"usage"`
	CreatedAt      time.Time            `json:"created_at"`
	UpdatedAt      time.Time            `json:"updated_at"`
}

// Key returns the identity of the publication.
func (pm *PublishedModel) Key() PublicationKey {
	return PublicationKey{TenantID: pm.TenantID, ModelName: pm.ModelName}
}

// PublicationKey identifies one publication: one live publication per model
// per tenant.
type PublicationKey struct {
	TenantID  string
	ModelName string
}

func (k PublicationKey) String() string {
	return k.TenantID + "/" + k.ModelName
}

// ModelDescriptor is what the readiness oracle reports for a serving model.
type ModelDescriptor struct {
	Ready             bool
	InternalURL       string
	DeclaredFramework ModelFramework
	Protocol          ProtocolHint
}

// Identity is the decoded claim set of an already-validated bearer token.
type Identity struct {
	TenantID string
	Admin    bool
}

// DefaultExternalPath derives the route path when the caller left it empty.
func DefaultExternalPath(modelType ModelType, modelName string) string {
	if modelType == ModelTypeOpenAI {
		return fmt.Sprintf("/v1/models/%s", modelName)
	}
	return fmt.Sprintf("/published/models/%s", modelName)
}

// ExternalURL joins the public hostname and path into the advertised URL.
func ExternalURL(publicHostname, externalPath string) string {
	host := strings.TrimSuffix(publicHostname, "/")
	if !strings.HasPrefix(host, "http://") && !strings.HasPrefix(host, "https://") {
		host = "https://" + host
	}
	if !strings.HasPrefix(externalPath, "/") {
		externalPath = "/" + externalPath
	}
	return host + externalPath
}

// Resolve produces a fully-resolved copy of cfg for modelName: the model type
// is never auto afterwards and the external path is always set. Synthesis
// never branches on absent fields.
func (c PublishConfig) Resolve(modelName string, desc *ModelDescriptor) (PublishConfig, error) {
	resolved := c

	if resolved.ModelType == ModelTypeAuto || resolved.ModelType == "" {
		switch desc.Protocol {
		case ProtocolOpenAI:
			resolved.ModelType = ModelTypeOpenAI
		case ProtocolTraditional:
			resolved.ModelType = ModelTypeTraditional
		default:
			// An unknown runtime still serves plain predict endpoints.
			resolved.ModelType = ModelTypeTraditional
		}
	}

	if !resolved.ModelType.Valid() || resolved.ModelType == ModelTypeAuto {
		return PublishConfig{}, ValidationError(fmt.Sprintf("unknown model type %q", c.ModelType))
	}

	if resolved.ExternalPath == "" {
		resolved.ExternalPath = DefaultExternalPath(resolved.ModelType, modelName)
	}

	return resolved, nil
}
