package v1alpha1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// RateLimitDimension is what a limit counts.
type RateLimitDimension string

const (
	// DimensionRequest counts inbound requests.
	DimensionRequest RateLimitDimension = "request"
	// DimensionToken counts consumed tokens, reported by the model server.
	DimensionToken RateLimitDimension = "token"
)

// RateLimitRule is one limit on one dimension over one window.
type RateLimitRule struct {
	// Dimension selects the counted unit.
	// +kubebuilder:validation:Enum=request;token
	Dimension RateLimitDimension `json:"dimension"`

	// Limit is the maximum count per window.
	Limit uint32 `json:"limit"`

	// Window is the accounting period, "minute" or "hour".
	// +kubebuilder:validation:Enum=minute;hour
	Window string `json:"window"`

	// Burst allows short spikes above the steady rate.
	// +optional
	Burst uint32 `json:"burst,omitempty"`
}

// RateLimitPolicySpec defines throttling for a published route.
type RateLimitPolicySpec struct {
	// TargetRoute names the ModelRoute this policy attaches to.
	// +kubebuilder:validation:Required
	TargetRoute string `json:"targetRoute"`

	// Rules are evaluated independently; exceeding any one rejects the call.
	// +kubebuilder:validation:MinItems=1
	Rules []RateLimitRule `json:"rules"`
}

// RateLimitPolicyStatus represents the observed state of the policy.
type RateLimitPolicyStatus struct {
	// +optional
	ObservedGeneration int64 `json:"observedGeneration,omitempty"`
}

// +kubebuilder:object:root=true
// +kubebuilder:subresource:status
// +kubebuilder:resource:shortName=rlpol

// RateLimitPolicy is the Schema for the RateLimitPolicies API.
type RateLimitPolicy struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	// Spec defines the desired state of the RateLimitPolicy.
	//
	// +required
	Spec RateLimitPolicySpec `json:"spec,omitempty"`

	// Status represents the observed status of the RateLimitPolicy.
	//
	// +optional
	Status RateLimitPolicyStatus `json:"status,omitempty"`
}

// RateLimitPolicyList contains a list of RateLimitPolicy resources.
// +kubebuilder:object:root=true
type RateLimitPolicyList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`

	// Items is the list of RateLimitPolicy resources.
	Items []RateLimitPolicy `json:"items"`
}

func init() {
	SchemeBuilder.Register(&RateLimitPolicy{}, &RateLimitPolicyList{})
}
