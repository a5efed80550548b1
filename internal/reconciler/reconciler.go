// Package reconciler drives a publication through its lifecycle: validate the
// request, consult the readiness oracle, synthesize the policy set, apply it
// to the control plane, and persist the record that everything else is
// regenerable from.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/util/wait"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/nulzo/model-publisher/internal/apikey"
	"github.com/nulzo/model-publisher/internal/core/domain"
	"github.com/nulzo/model-publisher/internal/policy"
	"github.com/nulzo/model-publisher/internal/store"
	"github.com/nulzo/model-publisher/internal/store/model"
	"github.com/nulzo/model-publisher/internal/tenant"
)

// notReadyWarning is recorded on a publication whose model is not serving yet.
// Readiness is a warning, not a blocker: the external surface is staged and
// goes live the moment serving catches up.
const notReadyWarning = "model is not ready; requests will fail until serving reports ready"

// Oracle reports the serving-side state of a model.
type Oracle interface {
	DescribeModel(ctx context.Context, tenantID, modelName string) (*domain.ModelDescriptor, error)
}

// Applier writes policy objects to the control plane.
type Applier interface {
	Apply(ctx context.Context, obj client.Object) error
	Delete(ctx context.Context, obj client.Object) error
}

// KeyManager owns the credential lifecycle for publications.
type KeyManager interface {
	Issue(ctx context.Context, tenantID, modelName string) (*apikey.Issued, error)
	Rotate(ctx context.Context, tenantID, modelName string) (*apikey.Issued, error)
	Revoke(ctx context.Context, tenantID, modelName string) error
}

// UsageSource reads merged usage aggregates.
type UsageSource interface {
	Get(ctx context.Context, tenantID, modelName string) (domain.Usage, error)
}

// UpdateRequest carries the caller's deltas for an update. Nil fields keep
// the persisted value.
type UpdateRequest struct {
	ModelType      *domain.ModelType
	ExternalPath   *string
	PublicHostname *string
	RateLimiting   *domain.RateLimitConfig
	Authentication *domain.AuthenticationConfig
}

// Options tunes pipeline behavior.
type Options struct {
	// PipelineTimeout bounds a single publish/update/unpublish pipeline.
	PipelineTimeout time.Duration
	// DefaultHostname is used when the caller does not name a public hostname.
	DefaultHostname string
}

type Reconciler struct {
	repo      store.Repository
	oracle    Oracle
	synth     *policy.Synthesizer
	applier   Applier
	keys      KeyManager
	usage     UsageSource
	directory *tenant.Directory
	logger    *zap.Logger
	opts      Options

	mu       sync.Mutex
	inflight map[domain.PublicationKey]struct{}
}

func New(repo store.Repository, o Oracle, synth *policy.Synthesizer, a Applier, keys KeyManager, usage UsageSource, directory *tenant.Directory, logger *zap.Logger, opts Options) *Reconciler {
	if opts.PipelineTimeout <= 0 {
		opts.PipelineTimeout = 2 * time.Minute
	}
	return &Reconciler{
		repo:      repo,
		oracle:    o,
		synth:     synth,
		applier:   a,
		keys:      keys,
		usage:     usage,
		directory: directory,
		logger:    logger,
		opts:      opts,
		inflight:  make(map[domain.PublicationKey]struct{}),
	}
}

// Publish exposes a model externally. On success the record is active and the
// one-time plaintext credential is returned alongside it. A failure anywhere
// in the pipeline rolls back every object already applied; a failed publish
// leaves no trace.
func (r *Reconciler) Publish(ctx context.Context, tenantID, modelName string, cfg domain.PublishConfig) (*domain.PublishedModel, *apikey.Issued, error) {
	key := domain.PublicationKey{TenantID: tenantID, ModelName: modelName}
	if err := r.acquire(key); err != nil {
		return nil, nil, err
	}
	defer r.release(key)

	if err := r.validateConfig(cfg); err != nil {
		return nil, nil, err
	}

	if _, err := r.repo.PublishedModels().Get(ctx, tenantID, modelName); err == nil {
		return nil, nil, domain.ConflictError(
			fmt.Sprintf("model %q is already published; use update or unpublish first", modelName))
	} else if !isNotFound(err) {
		return nil, nil, domain.StoreError("failed to check existing publication", err)
	}

	desc, err := r.oracle.DescribeModel(ctx, tenantID, modelName)
	if err != nil {
		return nil, nil, err
	}

	resolved, err := cfg.Resolve(modelName, desc)
	if err != nil {
		return nil, nil, err
	}

	var (
		pm     *domain.PublishedModel
		issued *apikey.Issued
	)
	err = r.runPipeline(ctx, func(ctx context.Context) error {
		issued, err = r.keys.Issue(ctx, tenantID, modelName)
		if err != nil {
			return err
		}

		pm = r.buildRecord(tenantID, modelName, resolved, desc, issued.ID)

		set, err := r.synth.Synthesize(pm, desc)
		if err != nil {
			r.rollbackKey(ctx, tenantID, modelName)
			return err
		}

		r.logState(key, "applying")
		applied, err := r.applyAll(ctx, set)
		if err != nil {
			r.rollbackObjects(ctx, key, applied)
			r.rollbackKey(ctx, tenantID, modelName)
			return err
		}

		r.logState(key, "persisting")
		row := model.FromDomain(uuid.NewString(), pm)
		if err := r.persistRetry(ctx, func() error {
			return r.repo.PublishedModels().Create(ctx, row)
		}); err != nil {
			r.rollbackObjects(ctx, key, applied)
			r.rollbackKey(ctx, tenantID, modelName)
			return domain.StoreError("failed to persist publication", err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	r.logState(key, "active")
	return pm, issued, nil
}

// Update merges the caller's deltas over the persisted record and re-runs
// synthesis and apply. Objects that the previous shape produced but the new
// one does not are deleted only after the new set fully applies, so the
// external surface never has a gap.
func (r *Reconciler) Update(ctx context.Context, tenantID, modelName string, req UpdateRequest) (*domain.PublishedModel, error) {
	key := domain.PublicationKey{TenantID: tenantID, ModelName: modelName}
	if err := r.acquire(key); err != nil {
		return nil, err
	}
	defer r.release(key)

	row, err := r.repo.PublishedModels().Get(ctx, tenantID, modelName)
	if err != nil {
		if isNotFound(err) {
			return nil, domain.NotFoundError(fmt.Sprintf("model %q is not published", modelName))
		}
		return nil, domain.StoreError("failed to load publication", err)
	}
	previous := row.ToDomain(nil)

	cfg := mergeConfig(previous, req)
	if err := r.validateConfig(cfg); err != nil {
		return nil, err
	}

	desc, err := r.oracle.DescribeModel(ctx, tenantID, modelName)
	if err != nil {
		return nil, err
	}

	resolved, err := cfg.Resolve(modelName, desc)
	if err != nil {
		return nil, err
	}

	var pm *domain.PublishedModel
	err = r.runPipeline(ctx, func(ctx context.Context) error {
		pm = r.buildRecord(tenantID, modelName, resolved, desc, previous.APIKeyID)
		pm.CreatedAt = previous.CreatedAt

		newSet, err := r.synth.Synthesize(pm, desc)
		if err != nil {
			return err
		}
		oldSet, err := r.synth.Synthesize(previous, desc)
		if err != nil {
			return err
		}

		r.logState(key, "applying")
		if _, err := r.applyAll(ctx, newSet); err != nil {
			r.markError(ctx, key, err)
			return err
		}

		// Apply-then-swap: stale objects go away only once the new set is live.
		for _, obj := range staleObjects(oldSet, newSet) {
			if err := r.applier.Delete(ctx, obj); err != nil {
				r.markError(ctx, key, err)
				return err
			}
		}

		r.logState(key, "persisting")
		updated := model.FromDomain(row.ID, pm)
		if err := r.persistRetry(ctx, func() error {
			return r.repo.PublishedModels().Update(ctx, updated)
		}); err != nil {
			r.markError(ctx, key, err)
			return domain.StoreError("failed to persist publication", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.logState(key, "active")
	return pm, nil
}

// Unpublish tears the publication down: external objects first, the record
// last. A partial teardown leaves the record in error status so the operator
// can see that cleanup is owed; it never half-deletes the record.
func (r *Reconciler) Unpublish(ctx context.Context, tenantID, modelName string) error {
	key := domain.PublicationKey{TenantID: tenantID, ModelName: modelName}
	if err := r.acquire(key); err != nil {
		return err
	}
	defer r.release(key)

	row, err := r.repo.PublishedModels().Get(ctx, tenantID, modelName)
	if err != nil {
		if isNotFound(err) {
			return domain.NotFoundError(fmt.Sprintf("model %q is not published", modelName))
		}
		return domain.StoreError("failed to load publication", err)
	}
	pm := row.ToDomain(nil)

	return r.runPipeline(ctx, func(ctx context.Context) error {
		// The serving model may already be gone; teardown only needs the
		// object identities, which derive from the record alone.
		set, err := r.synth.Synthesize(pm, &domain.ModelDescriptor{})
		if err != nil {
			return err
		}

		for i := len(set) - 1; i >= 0; i-- {
			if err := r.applier.Delete(ctx, set[i]); err != nil {
				r.markError(ctx, key, err)
				return err
			}
		}

		if err := r.keys.Revoke(ctx, tenantID, modelName); err != nil {
			r.markError(ctx, key, err)
			return err
		}

		if err := r.persistRetry(ctx, func() error {
			return r.repo.PublishedModels().Delete(ctx, tenantID, modelName)
		}); err != nil && !isNotFound(err) {
			r.markError(ctx, key, err)
			return domain.StoreError("failed to remove publication record", err)
		}

		r.logState(key, "unpublished")
		return nil
	})
}

// RotateKey swaps the publication's credential and re-applies the security
// policy so the control plane references the new key immediately.
func (r *Reconciler) RotateKey(ctx context.Context, tenantID, modelName string) (*apikey.Issued, error) {
	key := domain.PublicationKey{TenantID: tenantID, ModelName: modelName}
	if err := r.acquire(key); err != nil {
		return nil, err
	}
	defer r.release(key)

	row, err := r.repo.PublishedModels().Get(ctx, tenantID, modelName)
	if err != nil {
		if isNotFound(err) {
			return nil, domain.NotFoundError(fmt.Sprintf("model %q is not published", modelName))
		}
		return nil, domain.StoreError("failed to load publication", err)
	}
	pm := row.ToDomain(nil)

	var issued *apikey.Issued
	err = r.runPipeline(ctx, func(ctx context.Context) error {
		issued, err = r.keys.Rotate(ctx, tenantID, modelName)
		if err != nil {
			return err
		}
		pm.APIKeyID = issued.ID

		desc, err := r.oracle.DescribeModel(ctx, tenantID, modelName)
		if err != nil {
			return err
		}
		set, err := r.synth.Synthesize(pm, desc)
		if err != nil {
			return err
		}
		if _, err := r.applyAll(ctx, set); err != nil {
			r.markError(ctx, key, err)
			return err
		}

		updated := model.FromDomain(row.ID, pm)
		return r.persistRetry(ctx, func() error {
			return r.repo.PublishedModels().Update(ctx, updated)
		})
	})
	if err != nil {
		return nil, err
	}
	return issued, nil
}

// Get returns the publication with its usage aggregate merged in.
func (r *Reconciler) Get(ctx context.Context, tenantID, modelName string) (*domain.PublishedModel, error) {
	row, err := r.repo.PublishedModels().Get(ctx, tenantID, modelName)
	if err != nil {
		if isNotFound(err) {
			return nil, domain.NotFoundError(fmt.Sprintf("model %q is not published", modelName))
		}
		return nil, domain.StoreError("failed to load publication", err)
	}

	pm := row.ToDomain(nil)
	if usage, err := r.usage.Get(ctx, tenantID, modelName); err == nil {
		pm.Usage = usage
	}
	return pm, nil
}

// List returns the tenant's publications, or every publication when tenantID
// is empty (the admin surface).
func (r *Reconciler) List(ctx context.Context, tenantID string) ([]domain.PublishedModel, error) {
	var (
		rows []model.PublishedModel
		err  error
	)
	if tenantID == "" {
		rows, err = r.repo.PublishedModels().ListAll(ctx)
	} else {
		rows, err = r.repo.PublishedModels().ListByTenant(ctx, tenantID)
	}
	if err != nil {
		return nil, domain.StoreError("failed to list publications", err)
	}

	out := make([]domain.PublishedModel, 0, len(rows))
	for i := range rows {
		pm := rows[i].ToDomain(nil)
		if usage, err := r.usage.Get(ctx, pm.TenantID, pm.ModelName); err == nil {
			pm.Usage = usage
		}
		out = append(out, *pm)
	}
	return out, nil
}

// acquire serializes operations per publication. A second concurrent
// operation on the same (tenant, model) is rejected, not queued.
func (r *Reconciler) acquire(key domain.PublicationKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.inflight[key]; busy {
		return domain.ConflictError(fmt.Sprintf("another operation on %s is in progress", key))
	}
	r.inflight[key] = struct{}{}
	return nil
}

func (r *Reconciler) release(key domain.PublicationKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inflight, key)
}

// runPipeline executes fn on a context detached from the caller. The caller
// disconnecting does not abort a half-applied pipeline; the deadline does.
func (r *Reconciler) runPipeline(parent context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), r.opts.PipelineTimeout)

	done := make(chan error, 1)
	go func() {
		defer cancel()
		done <- fn(ctx)
	}()
	return <-done
}

func (r *Reconciler) validateConfig(cfg domain.PublishConfig) error {
	if cfg.ModelType != "" && !cfg.ModelType.Valid() {
		return domain.ValidationError(fmt.Sprintf("unknown model type %q", cfg.ModelType))
	}
	for _, allowed := range cfg.Authentication.AllowedTenants {
		if _, ok := r.directory.Namespace(allowed); !ok {
			return domain.ValidationError(fmt.Sprintf("allowed tenant %q is not a known tenant", allowed))
		}
	}
	return nil
}

func (r *Reconciler) buildRecord(tenantID, modelName string, cfg domain.PublishConfig, desc *domain.ModelDescriptor, apiKeyID string) *domain.PublishedModel {
	hostname := cfg.PublicHostname
	if hostname == "" {
		hostname = r.opts.DefaultHostname
	}

	now := time.Now().UTC()
	pm := &domain.PublishedModel{
		TenantID:       tenantID,
		ModelName:      modelName,
		ModelType:      cfg.ModelType,
		PublicHostname: hostname,
		ExternalPath:   cfg.ExternalPath,
		ExternalURL:    domain.ExternalURL(hostname, cfg.ExternalPath),
		APIKeyID:       apiKeyID,
		RateLimiting:   cfg.RateLimiting,
		Authentication: cfg.Authentication,
		Status:         domain.StatusActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if !desc.Ready {
		pm.Warning = notReadyWarning
	}
	return pm
}

// applyAll applies in order and reports how far it got, so a failed publish
// can tear down exactly what it created.
func (r *Reconciler) applyAll(ctx context.Context, set []client.Object) ([]client.Object, error) {
	applied := make([]client.Object, 0, len(set))
	for _, obj := range set {
		if err := r.applier.Apply(ctx, obj); err != nil {
			return applied, err
		}
		applied = append(applied, obj)
	}
	return applied, nil
}

func (r *Reconciler) rollbackObjects(ctx context.Context, key domain.PublicationKey, applied []client.Object) {
	for i := len(applied) - 1; i >= 0; i-- {
		if err := r.applier.Delete(ctx, applied[i]); err != nil {
			r.logger.Error("rollback delete failed",
				zap.String("publication", key.String()),
				zap.String("object", client.ObjectKeyFromObject(applied[i]).String()),
				zap.Error(err),
			)
		}
	}
}

func (r *Reconciler) rollbackKey(ctx context.Context, tenantID, modelName string) {
	if err := r.keys.Revoke(ctx, tenantID, modelName); err != nil {
		r.logger.Error("rollback key revoke failed",
			zap.String("tenant", tenantID),
			zap.String("model", modelName),
			zap.Error(err),
		)
	}
}

// markError records the failure on the publication so its status reflects
// reality. Best effort; the original error is what the caller sees.
func (r *Reconciler) markError(ctx context.Context, key domain.PublicationKey, cause error) {
	err := r.repo.PublishedModels().UpdateStatus(ctx, key.TenantID, key.ModelName, string(domain.StatusError), cause.Error())
	if err != nil && !isNotFound(err) {
		r.logger.Error("failed to record error status",
			zap.String("publication", key.String()),
			zap.Error(err),
		)
	}
	r.logState(key, "error")
}

// persistRetry retries store writes with an aggressive local backoff. The
// store is embedded; failures here are transient lock contention, not
// network weather.
func (r *Reconciler) persistRetry(ctx context.Context, fn func() error) error {
	backoff := wait.Backoff{
		Duration: 50 * time.Millisecond,
		Factor:   2.0,
		Jitter:   0.1,
		Steps:    5,
	}
	var lastErr error
	err := wait.ExponentialBackoffWithContext(ctx, backoff, func(context.Context) (bool, error) {
		if err := fn(); err != nil {
			lastErr = err
			if isNotFound(err) {
				return false, err
			}
			return false, nil
		}
		return true, nil
	})
	if err != nil && lastErr != nil {
		return lastErr
	}
	return err
}

func (r *Reconciler) logState(key domain.PublicationKey, state string) {
	r.logger.Info("publication state",
		zap.String("publication", key.String()),
		zap.String("state", state),
	)
}

func mergeConfig(previous *domain.PublishedModel, req UpdateRequest) domain.PublishConfig {
	cfg := domain.PublishConfig{
		TenantID:       previous.TenantID,
		ModelType:      previous.ModelType,
		ExternalPath:   previous.ExternalPath,
		PublicHostname: previous.PublicHostname,
		RateLimiting:   previous.RateLimiting,
		Authentication: previous.Authentication,
	}
	if req.ModelType != nil {
		cfg.ModelType = *req.ModelType
		if req.ExternalPath == nil {
			// A shape change invalidates the old default path.
			cfg.ExternalPath = ""
		}
	}
	if req.ExternalPath != nil {
		cfg.ExternalPath = *req.ExternalPath
	}
	if req.PublicHostname != nil {
		cfg.PublicHostname = *req.PublicHostname
	}
	if req.RateLimiting != nil {
		cfg.RateLimiting = *req.RateLimiting
	}
	if req.Authentication != nil {
		cfg.Authentication = *req.Authentication
	}
	return cfg
}

// staleObjects returns the members of old whose identity is absent from the
// desired set.
func staleObjects(old, desired []client.Object) []client.Object {
	current := make(map[string]struct{}, len(desired))
	for _, obj := range desired {
		current[identity(obj)] = struct{}{}
	}

	var stale []client.Object
	for _, obj := range old {
		if _, ok := current[identity(obj)]; !ok {
			stale = append(stale, obj)
		}
	}
	return stale
}

func identity(obj client.Object) string {
	gvk := obj.GetObjectKind().GroupVersionKind()
	return gvk.Kind + "/" + obj.GetNamespace() + "/" + obj.GetName()
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
