// Package policy turns a publication record into the concrete set of
// external-facing policy objects. Synthesis is pure and deterministic:
// the same record always yields the same objects with the same names, so
// reconciliation can diff desired against actual instead of mutating.
package policy

import (
	"fmt"
	"sort"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/nulzo/model-publisher/api/v1alpha1"
	"github.com/nulzo/model-publisher/internal/core/domain"
	"github.com/nulzo/model-publisher/internal/tenant"
)

const (
	// LabelTenant and LabelModel tag every synthesized object with its owner
	// so orphans can be found and the set can be listed per publication.
	LabelTenant    = "publishing.modelrouter.io/tenant"
	LabelModel     = "publishing.modelrouter.io/model"
	LabelManagedBy = "app.kubernetes.io/managed-by"

	managerName = "model-publisher"
)

// Synthesizer produces the ExternalPolicySet for a publication.
type Synthesizer struct {
	directory *tenant.Directory
}

func NewSynthesizer(directory *tenant.Directory) *Synthesizer {
	return &Synthesizer{directory: directory}
}

// ObjectName returns the stable name for one of a publication's objects.
// Names derive only from the model name; the tenant is carried by the
// namespace.
func ObjectName(modelName, suffix string) string {
	return fmt.Sprintf("pub-%s-%s", modelName, suffix)
}

// Synthesize maps a fully-resolved publication into its policy objects, in
// apply order: backend first, then the route that references it, then the
// policies that attach to the route.
func (s *Synthesizer) Synthesize(pm *domain.PublishedModel, desc *domain.ModelDescriptor) ([]client.Object, error) {
	if pm.ModelType != domain.ModelTypeTraditional && pm.ModelType != domain.ModelTypeOpenAI {
		return nil, domain.ValidationError(fmt.Sprintf("cannot synthesize for unresolved model type %q", pm.ModelType))
	}

	namespace, ok := s.directory.Namespace(pm.TenantID)
	if !ok {
		return nil, domain.NotFoundError(fmt.Sprintf("unknown tenant %q", pm.TenantID))
	}

	meta := func(suffix string) metav1.ObjectMeta {
		return metav1.ObjectMeta{
			Name:      ObjectName(pm.ModelName, suffix),
			Namespace: namespace,
			Labels: map[string]string{
				LabelTenant:    pm.TenantID,
				LabelModel:     pm.ModelName,
				LabelManagedBy: managerName,
			},
		}
	}

	backend := &v1alpha1.ModelBackend{
		TypeMeta:   metav1.TypeMeta{APIVersion: v1alpha1.GroupVersion.String(), Kind: "ModelBackend"},
		ObjectMeta: meta("backend"),
		Spec: v1alpha1.ModelBackendSpec{
			TargetURL: desc.InternalURL,
			Protocol:  string(pm.ModelType),
		},
	}

	route := &v1alpha1.ModelRoute{
		TypeMeta:   metav1.TypeMeta{APIVersion: v1alpha1.GroupVersion.String(), Kind: "ModelRoute"},
		ObjectMeta: meta("route"),
		Spec: v1alpha1.ModelRouteSpec{
			Hostname:   pm.PublicHostname,
			Paths:      routePaths(pm),
			BackendRef: backend.Name,
		},
	}

	set := []client.Object{backend, route}

	if pm.Authentication.RequireAPIKey || len(pm.Authentication.AllowedTenants) > 0 {
		set = append(set, &v1alpha1.SecurityPolicy{
			TypeMeta:   metav1.TypeMeta{APIVersion: v1alpha1.GroupVersion.String(), Kind: "SecurityPolicy"},
			ObjectMeta: meta("security"),
			Spec: v1alpha1.SecurityPolicySpec{
				TargetRoute:    route.Name,
				RequireAPIKey:  pm.Authentication.RequireAPIKey,
				APIKeyID:       pm.APIKeyID,
				AllowedTenants: sortedCopy(pm.Authentication.AllowedTenants),
			},
		})
	}

	if rules := rateLimitRules(pm); len(rules) > 0 {
		set = append(set, &v1alpha1.RateLimitPolicy{
			TypeMeta:   metav1.TypeMeta{APIVersion: v1alpha1.GroupVersion.String(), Kind: "RateLimitPolicy"},
			ObjectMeta: meta("ratelimit"),
			Spec: v1alpha1.RateLimitPolicySpec{
				TargetRoute: route.Name,
				Rules:       rules,
			},
		})
	}

	return set, nil
}

// routePaths returns the matched path set for the publication's shape.
func routePaths(pm *domain.PublishedModel) []string {
	if pm.ModelType == domain.ModelTypeOpenAI {
		// The model path plus the fixed OpenAI sibling endpoints.
		return []string{
			pm.ExternalPath,
			"/v1/chat/completions",
			"/v1/completions",
			"/v1/embeddings",
		}
	}
	return []string{pm.ExternalPath}
}

// rateLimitRules encodes the configured limits. The token dimension is only
// meaningful for openai-shaped models; for traditional ones the configured
// value is preserved on the record but not synthesized.
func rateLimitRules(pm *domain.PublishedModel) []v1alpha1.RateLimitRule {
	var rules []v1alpha1.RateLimitRule
	rl := pm.RateLimiting

	if rl.RequestsPerMinute > 0 {
		rules = append(rules, v1alpha1.RateLimitRule{
			Dimension: v1alpha1.DimensionRequest,
			Limit:     uint32(rl.RequestsPerMinute),
			Window:    "minute",
			Burst:     uint32(rl.BurstLimit),
		})
	}
	if rl.RequestsPerHour > 0 {
		rules = append(rules, v1alpha1.RateLimitRule{
			Dimension: v1alpha1.DimensionRequest,
			Limit:     uint32(rl.RequestsPerHour),
			Window:    "hour",
		})
	}
	if pm.ModelType == domain.ModelTypeOpenAI && rl.TokensPerHour > 0 {
		rules = append(rules, v1alpha1.RateLimitRule{
			Dimension: v1alpha1.DimensionToken,
			Limit:     uint32(rl.TokensPerHour),
			Window:    "hour",
		})
	}
	return rules
}

func sortedCopy(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	return out
}
