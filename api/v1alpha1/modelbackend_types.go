package v1alpha1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// ModelBackendSpec points a route at the cluster-internal serving endpoint.
type ModelBackendSpec struct {
	// TargetURL is the cluster-internal address of the model server.
	// +kubebuilder:validation:Required
	TargetURL string `json:"targetURL"`

	// Protocol is the wire shape of the backend, "traditional" or "openai".
	// +kubebuilder:validation:Enum=traditional;openai
	Protocol string `json:"protocol"`
}

// ModelBackendStatus represents the observed state of the backend.
type ModelBackendStatus struct {
	// +optional
	ObservedGeneration int64 `json:"observedGeneration,omitempty"`
}

// +kubebuilder:object:root=true
// +kubebuilder:subresource:status
// +kubebuilder:resource:shortName=mbackend

// ModelBackend is the Schema for the ModelBackends API.
type ModelBackend struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	// Spec defines the desired state of the ModelBackend.
	//
	// +required
	Spec ModelBackendSpec `json:"spec,omitempty"`

	// Status represents the observed status of the ModelBackend.
	//
	// +optional
	Status ModelBackendStatus `json:"status,omitempty"`
}

// ModelBackendList contains a list of ModelBackend resources.
// +kubebuilder:object:root=true
type ModelBackendList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`

	// Items is the list of ModelBackend resources.
	Items []ModelBackend `json:"items"`
}

func init() {
	SchemeBuilder.Register(&ModelBackend{}, &ModelBackendList{})
}
