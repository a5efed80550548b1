package oracle

import (
	"context"
	"fmt"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/nulzo/model-publisher/internal/core/domain"
	"github.com/nulzo/model-publisher/internal/tenant"
)

// InferenceServiceGVK identifies the serving runtime's model resource.
var InferenceServiceGVK = schema.GroupVersionKind{
	Group:   "serving.kserve.io",
	Version: "v1beta1",
	Kind:    "InferenceService",
}

// RuntimeAnnotation optionally declares the serving runtime on the resource,
// e.g. "vllm" or "sklearnserver".
const RuntimeAnnotation = "serving.kserve.io/runtime"

// Oracle answers "is this model ready, and what does it look like" by reading
// the serving runtime's state. Pure read adapter; it never mutates anything.
type Oracle struct {
	client    client.Client
	directory *tenant.Directory
}

func New(c client.Client, directory *tenant.Directory) *Oracle {
	return &Oracle{client: c, directory: directory}
}

// DescribeModel looks up the model in the tenant's namespace. A missing model
// is an error; a model that exists but is not ready is not, readiness is
// surfaced as data so publishing can be staged ahead of it.
func (o *Oracle) DescribeModel(ctx context.Context, tenantID, modelName string) (*domain.ModelDescriptor, error) {
	namespace, ok := o.directory.Namespace(tenantID)
	if !ok {
		return nil, domain.NotFoundError(fmt.Sprintf("unknown tenant %q", tenantID))
	}

	svc := &unstructured.Unstructured{}
	svc.SetGroupVersionKind(InferenceServiceGVK)

	key := types.NamespacedName{Namespace: namespace, Name: modelName}
	if err := o.client.Get(ctx, key, svc); err != nil {
		if apierrors.IsNotFound(err) {
			return nil, domain.NotFoundError(fmt.Sprintf("model %q not found in tenant %q", modelName, tenantID))
		}
		return nil, domain.ControlPlaneError("failed to read serving state", err)
	}

	framework := domain.ParseFramework(declaredRuntime(svc))

	desc := &domain.ModelDescriptor{
		Ready:             isReady(svc),
		InternalURL:       internalURL(svc),
		DeclaredFramework: framework,
		Protocol:          framework.ProtocolFor(),
	}
	return desc, nil
}

// declaredRuntime extracts the runtime/framework marker. The runtime
// annotation wins; otherwise the predictor spec names the framework either
// through modelFormat or through which predictor key is set.
func declaredRuntime(svc *unstructured.Unstructured) string {
	if runtime, ok := svc.GetAnnotations()[RuntimeAnnotation]; ok && runtime != "" {
		return runtime
	}

	if format, ok, _ := unstructured.NestedString(svc.Object, "spec", "predictor", "model", "modelFormat", "name"); ok && format != "" {
		return format
	}
	if runtime, ok, _ := unstructured.NestedString(svc.Object, "spec", "predictor", "model", "runtime"); ok && runtime != "" {
		return runtime
	}

	// Legacy predictor layout: the framework is whichever well-known key is
	// present under spec.predictor.
	predictor, ok, _ := unstructured.NestedMap(svc.Object, "spec", "predictor")
	if !ok {
		return ""
	}
	for name := range predictor {
		if domain.ParseFramework(name) != domain.FrameworkUnknown {
			return name
		}
	}
	return ""
}

func isReady(svc *unstructured.Unstructured) bool {
	conditions, ok, _ := unstructured.NestedSlice(svc.Object, "status", "conditions")
	if !ok {
		return false
	}
	for _, raw := range conditions {
		cond, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		if cond["type"] == "Ready" {
			return cond["status"] == "True"
		}
	}
	return false
}

func internalURL(svc *unstructured.Unstructured) string {
	if url, ok, _ := unstructured.NestedString(svc.Object, "status", "address", "url"); ok {
		return url
	}
	if url, ok, _ := unstructured.NestedString(svc.Object, "status", "url"); ok {
		return url
	}
	return ""
}
