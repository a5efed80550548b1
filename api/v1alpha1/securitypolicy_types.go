package v1alpha1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// SecurityPolicySpec defines who may call a published route.
type SecurityPolicySpec struct {
	// TargetRoute names the ModelRoute this policy attaches to.
	// +kubebuilder:validation:Required
	TargetRoute string `json:"targetRoute"`

	// RequireAPIKey enforces presentation of the publication's API key.
	RequireAPIKey bool `json:"requireAPIKey"`

	// APIKeyID references the active credential by opaque ID. The data
	// plane validates presented keys against it; the plaintext never
	// appears in cluster state.
	// +optional
	APIKeyID string `json:"apiKeyID,omitempty"`

	// AllowedTenants restricts callers by tenant claim. Empty means
	// unrestricted.
	// +optional
	AllowedTenants []string `json:"allowedTenants,omitempty"`
}

// SecurityPolicyStatus represents the observed state of the policy.
type SecurityPolicyStatus struct {
	// +optional
	ObservedGeneration int64 `json:"observedGeneration,omitempty"`
}

// +kubebuilder:object:root=true
// +kubebuilder:subresource:status
// +kubebuilder:resource:shortName=secpol

// SecurityPolicy is the Schema for the SecurityPolicies API.
type SecurityPolicy struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	// Spec defines the desired state of the SecurityPolicy.
	//
	// +required
	Spec SecurityPolicySpec `json:"spec,omitempty"`

	// Status represents the observed status of the SecurityPolicy.
	//
	// +optional
	Status SecurityPolicyStatus `json:"status,omitempty"`
}

// SecurityPolicyList contains a list of SecurityPolicy resources.
// +kubebuilder:object:root=true
type SecurityPolicyList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`

	// Items is the list of SecurityPolicy resources.
	Items []SecurityPolicy `json:"items"`
}

func init() {
	SchemeBuilder.Register(&SecurityPolicy{}, &SecurityPolicyList{})
}
