// Package controlplane wraps the cluster API behind two idempotent
// primitives, apply and delete, keyed by the deterministic object names the
// synthesizer produces.
package controlplane

import (
	"context"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/util/wait"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/nulzo/model-publisher/internal/core/domain"
)

// Applier performs bounded, retried writes against the control plane. Every
// call carries a per-attempt timeout so a hung apiserver cannot stall a
// publication pipeline indefinitely.
type Applier struct {
	client   client.Client
	timeout  time.Duration
	attempts int
}

func New(c client.Client, timeout time.Duration, attempts int) *Applier {
	if attempts < 1 {
		attempts = 1
	}
	return &Applier{client: c, timeout: timeout, attempts: attempts}
}

func (a *Applier) backoff() wait.Backoff {
	return wait.Backoff{
		Duration: 200 * time.Millisecond,
		Factor:   2.0,
		Jitter:   0.1,
		Steps:    a.attempts,
	}
}

// Apply creates the object or updates it in place. Repeated applies of the
// same desired state converge to the same cluster state.
func (a *Applier) Apply(ctx context.Context, obj client.Object) error {
	var lastErr error

	err := wait.ExponentialBackoffWithContext(ctx, a.backoff(), func(ctx context.Context) (bool, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, a.timeout)
		defer cancel()

		err := a.applyOnce(attemptCtx, obj)
		if err == nil {
			return true, nil
		}
		lastErr = err
		if !retriable(err) {
			return false, err
		}
		return false, nil
	})

	if err != nil {
		if lastErr == nil {
			lastErr = err
		}
		return domain.ControlPlaneError("apply failed for "+client.ObjectKeyFromObject(obj).String(), lastErr)
	}
	return nil
}

func (a *Applier) applyOnce(ctx context.Context, obj client.Object) error {
	existing, ok := obj.DeepCopyObject().(client.Object)
	if !ok {
		return apierrors.NewInternalError(nil)
	}

	err := a.client.Get(ctx, client.ObjectKeyFromObject(obj), existing)
	if apierrors.IsNotFound(err) {
		obj.SetResourceVersion("")
		return a.client.Create(ctx, obj)
	}
	if err != nil {
		return err
	}

	obj.SetResourceVersion(existing.GetResourceVersion())
	return a.client.Update(ctx, obj)
}

// Delete removes the object. Deleting something already gone is success.
func (a *Applier) Delete(ctx context.Context, obj client.Object) error {
	var lastErr error

	err := wait.ExponentialBackoffWithContext(ctx, a.backoff(), func(ctx context.Context) (bool, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, a.timeout)
		defer cancel()

		err := a.client.Delete(attemptCtx, obj)
		if err == nil || apierrors.IsNotFound(err) {
			return true, nil
		}
		lastErr = err
		if !retriable(err) {
			return false, err
		}
		return false, nil
	})

	if err != nil {
		if lastErr == nil {
			lastErr = err
		}
		return domain.ControlPlaneError("delete failed for "+client.ObjectKeyFromObject(obj).String(), lastErr)
	}
	return nil
}

// retriable separates transient apiserver trouble from contract violations.
// A rejected object shape will not get better by retrying.
func retriable(err error) bool {
	if apierrors.IsInvalid(err) || apierrors.IsBadRequest(err) || apierrors.IsForbidden(err) || apierrors.IsMethodNotSupported(err) {
		return false
	}
	return true
}
