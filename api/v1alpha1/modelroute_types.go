package v1alpha1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// ModelRouteSpec defines how external traffic reaches a published model.
type ModelRouteSpec struct {
	// Hostname is the externally routable host this route matches.
	// +kubebuilder:validation:Required
	Hostname string `json:"hostname"`

	// Paths are the URL path prefixes matched by this route, in match order.
	// +kubebuilder:validation:MinItems=1
	Paths []string `json:"paths"`

	// BackendRef names the ModelBackend traffic is forwarded to.
	// +kubebuilder:validation:Required
	BackendRef string `json:"backendRef"`
}

// ModelRouteStatus represents the observed state of the route.
type ModelRouteStatus struct {
	// +optional
	ObservedGeneration int64 `json:"observedGeneration,omitempty"`
}

// +kubebuilder:object:root=true
// +kubebuilder:subresource:status
// +kubebuilder:resource:shortName=mroute

// ModelRoute is the Schema for the ModelRoutes API. It binds an external
// hostname and path set to a model backend.
type ModelRoute struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	// Spec defines the desired state of the ModelRoute.
	//
	// +required
	Spec ModelRouteSpec `json:"spec,omitempty"`

	// Status represents the observed status of the ModelRoute.
	//
	// +optional
	Status ModelRouteStatus `json:"status,omitempty"`
}

// ModelRouteList contains a list of ModelRoute resources.
// +kubebuilder:object:root=true
type ModelRouteList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`

	// Items is the list of ModelRoute resources.
	Items []ModelRoute `json:"items"`
}

func init() {
	SchemeBuilder.Register(&ModelRoute{}, &ModelRouteList{})
}
