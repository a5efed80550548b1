package reconciler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	"github.com/nulzo/model-publisher/api/v1alpha1"
	"github.com/nulzo/model-publisher/internal/apikey"
	"github.com/nulzo/model-publisher/internal/controlplane"
	"github.com/nulzo/model-publisher/internal/core/domain"
	"github.com/nulzo/model-publisher/internal/policy"
	"github.com/nulzo/model-publisher/internal/store"
	"github.com/nulzo/model-publisher/internal/store/cache/memory"
	"github.com/nulzo/model-publisher/internal/store/sqlite"
	"github.com/nulzo/model-publisher/internal/tenant"
	"github.com/nulzo/model-publisher/internal/usage"
)

type stubOracle struct {
	desc *domain.ModelDescriptor
	err  error
}

func (o *stubOracle) DescribeModel(ctx context.Context, tenantID, modelName string) (*domain.ModelDescriptor, error) {
	if o.err != nil {
		return nil, o.err
	}
	return o.desc, nil
}

func readyTraditional() *domain.ModelDescriptor {
	return &domain.ModelDescriptor{
		Ready:             true,
		InternalURL:       "http://sklearn-iris.tenant-a.svc.cluster.local",
		DeclaredFramework: domain.FrameworkSKLearn,
		Protocol:          domain.ProtocolTraditional,
	}
}

func readyOpenAI() *domain.ModelDescriptor {
	return &domain.ModelDescriptor{
		Ready:             true,
		InternalURL:       "http://llama-3-8b.tenant-a.svc.cluster.local",
		DeclaredFramework: domain.FrameworkVLLM,
		Protocol:          domain.ProtocolOpenAI,
	}
}

type harness struct {
	rec     *Reconciler
	repo    store.Repository
	keys    *apikey.Manager
	cluster client.Client
	oracle  *stubOracle
}

func newHarness(t *testing.T, o *stubOracle, wrap func(Applier) Applier) *harness {
	t.Helper()

	repo, err := sqlite.NewSQLiteStorage(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	scheme := runtime.NewScheme()
	require.NoError(t, v1alpha1.AddToScheme(scheme))
	cluster := fake.NewClientBuilder().WithScheme(scheme).Build()

	directory := tenant.NewDirectory()
	directory.Register("tenant-a", "")
	directory.Register("tenant-b", "")

	keys := apikey.NewManager(repo, memory.NewMemoryCache(), zap.NewNop())
	tracker := usage.NewTracker(repo, zap.NewNop(), 0)

	var applier Applier = controlplane.New(cluster, time.Second, 3)
	if wrap != nil {
		applier = wrap(applier)
	}

	rec := New(repo, o, policy.NewSynthesizer(directory), applier, keys, tracker, directory, zap.NewNop(), Options{
		PipelineTimeout: 10 * time.Second,
		DefaultHostname: "api.router.example",
	})

	return &harness{rec: rec, repo: repo, keys: keys, cluster: cluster, oracle: o}
}

func securedConfig() domain.PublishConfig {
	return domain.PublishConfig{
		Authentication: domain.AuthenticationConfig{RequireAPIKey: true},
		RateLimiting:   domain.RateLimitConfig{RequestsPerMinute: 60, RequestsPerHour: 1000, BurstLimit: 10},
	}
}

func TestPublish_TraditionalDefaults(t *testing.T) {
	h := newHarness(t, &stubOracle{desc: readyTraditional()}, nil)
	ctx := context.Background()

	pm, issued, err := h.rec.Publish(ctx, "tenant-a", "sklearn-iris", securedConfig())
	require.NoError(t, err)
	require.NotNil(t, issued)

	assert.Equal(t, domain.StatusActive, pm.Status)
	assert.Equal(t, domain.ModelTypeTraditional, pm.ModelType)
	assert.Equal(t, "https://api.router.example/published/models/sklearn-iris", pm.ExternalURL)
	assert.Empty(t, pm.Warning)
	assert.Equal(t, issued.ID, pm.APIKeyID)

	var route v1alpha1.ModelRoute
	key := types.NamespacedName{Namespace: "tenant-a", Name: policy.ObjectName("sklearn-iris", "route")}
	require.NoError(t, h.cluster.Get(ctx, key, &route))
	assert.Equal(t, []string{"/published/models/sklearn-iris"}, route.Spec.Paths)

	var backend v1alpha1.ModelBackend
	key = types.NamespacedName{Namespace: "tenant-a", Name: policy.ObjectName("sklearn-iris", "backend")}
	require.NoError(t, h.cluster.Get(ctx, key, &backend))
	assert.Equal(t, "http://sklearn-iris.tenant-a.svc.cluster.local", backend.Spec.TargetURL)

	ok, err := h.keys.Validate(ctx, "tenant-a", "sklearn-iris", issued.Plaintext)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPublish_OpenAIShape(t *testing.T) {
	h := newHarness(t, &stubOracle{desc: readyOpenAI()}, nil)
	ctx := context.Background()

	cfg := securedConfig()
	cfg.RateLimiting.TokensPerHour = 100000

	pm, _, err := h.rec.Publish(ctx, "tenant-a", "llama-3-8b", cfg)
	require.NoError(t, err)

	assert.Equal(t, domain.ModelTypeOpenAI, pm.ModelType)
	assert.Equal(t, "https://api.router.example/v1/models/llama-3-8b", pm.ExternalURL)

	var rl v1alpha1.RateLimitPolicy
	key := types.NamespacedName{Namespace: "tenant-a", Name: policy.ObjectName("llama-3-8b", "ratelimit")}
	require.NoError(t, h.cluster.Get(ctx, key, &rl))

	var tokenRule *v1alpha1.RateLimitRule
	for i := range rl.Spec.Rules {
		if rl.Spec.Rules[i].Dimension == v1alpha1.DimensionToken {
			tokenRule = &rl.Spec.Rules[i]
		}
	}
	require.NotNil(t, tokenRule)
	assert.Equal(t, uint32(100000), tokenRule.Limit)
	assert.Equal(t, "hour", tokenRule.Window)
}

func TestPublish_NotReadyIsWarningNotBlocker(t *testing.T) {
	desc := readyTraditional()
	desc.Ready = false
	h := newHarness(t, &stubOracle{desc: desc}, nil)

	pm, _, err := h.rec.Publish(context.Background(), "tenant-a", "sklearn-iris", securedConfig())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, pm.Status)
	assert.NotEmpty(t, pm.Warning)
}

func TestPublish_MissingModel(t *testing.T) {
	h := newHarness(t, &stubOracle{err: domain.NotFoundError("model not found")}, nil)

	_, _, err := h.rec.Publish(context.Background(), "tenant-a", "ghost", securedConfig())
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))
}

func TestPublish_ConflictWhenAlreadyPublished(t *testing.T) {
	h := newHarness(t, &stubOracle{desc: readyTraditional()}, nil)
	ctx := context.Background()

	_, _, err := h.rec.Publish(ctx, "tenant-a", "sklearn-iris", securedConfig())
	require.NoError(t, err)

	_, _, err = h.rec.Publish(ctx, "tenant-a", "sklearn-iris", securedConfig())
	assert.Equal(t, domain.KindConflict, domain.KindOf(err))
}

func TestPublish_UnknownAllowedTenantRejected(t *testing.T) {
	h := newHarness(t, &stubOracle{desc: readyTraditional()}, nil)

	cfg := securedConfig()
	cfg.Authentication.AllowedTenants = []string{"tenant-z"}

	_, _, err := h.rec.Publish(context.Background(), "tenant-a", "sklearn-iris", cfg)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
}

// failingApplier rejects one kind and delegates the rest, simulating a
// control plane that accepts part of a policy set.
type failingApplier struct {
	Applier
	failKind string
}

func (f *failingApplier) Apply(ctx context.Context, obj client.Object) error {
	if obj.GetObjectKind().GroupVersionKind().Kind == f.failKind {
		return domain.ControlPlaneError("apply rejected", nil)
	}
	return f.Applier.Apply(ctx, obj)
}

func TestPublish_RollbackOnPartialApply(t *testing.T) {
	h := newHarness(t, &stubOracle{desc: readyTraditional()}, func(a Applier) Applier {
		return &failingApplier{Applier: a, failKind: "SecurityPolicy"}
	})
	ctx := context.Background()

	_, _, err := h.rec.Publish(ctx, "tenant-a", "sklearn-iris", securedConfig())
	require.Error(t, err)
	assert.Equal(t, domain.KindControlPlane, domain.KindOf(err))

	// Everything applied before the failure was rolled back
	var routes v1alpha1.ModelRouteList
	require.NoError(t, h.cluster.List(ctx, &routes))
	assert.Empty(t, routes.Items)

	var backends v1alpha1.ModelBackendList
	require.NoError(t, h.cluster.List(ctx, &backends))
	assert.Empty(t, backends.Items)

	// No record, no credential
	_, err = h.rec.Get(ctx, "tenant-a", "sklearn-iris")
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))
	_, err = h.repo.APIKeys().GetActive(ctx, "tenant-a", "sklearn-iris")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestUpdate_RemovesStaleObjects(t *testing.T) {
	h := newHarness(t, &stubOracle{desc: readyTraditional()}, nil)
	ctx := context.Background()

	_, _, err := h.rec.Publish(ctx, "tenant-a", "sklearn-iris", securedConfig())
	require.NoError(t, err)

	// Dropping authentication makes the security policy stale
	open := domain.AuthenticationConfig{RequireAPIKey: false}
	pm, err := h.rec.Update(ctx, "tenant-a", "sklearn-iris", UpdateRequest{Authentication: &open})
	require.NoError(t, err)
	assert.False(t, pm.Authentication.RequireAPIKey)

	var policies v1alpha1.SecurityPolicyList
	require.NoError(t, h.cluster.List(ctx, &policies))
	assert.Empty(t, policies.Items)

	var routes v1alpha1.ModelRouteList
	require.NoError(t, h.cluster.List(ctx, &routes))
	assert.Len(t, routes.Items, 1)
}

func TestUpdate_MergesDeltas(t *testing.T) {
	h := newHarness(t, &stubOracle{desc: readyTraditional()}, nil)
	ctx := context.Background()

	first, _, err := h.rec.Publish(ctx, "tenant-a", "sklearn-iris", securedConfig())
	require.NoError(t, err)

	limits := domain.RateLimitConfig{RequestsPerMinute: 10, RequestsPerHour: 100}
	pm, err := h.rec.Update(ctx, "tenant-a", "sklearn-iris", UpdateRequest{RateLimiting: &limits})
	require.NoError(t, err)

	assert.Equal(t, limits, pm.RateLimiting)
	// Untouched fields survive the merge
	assert.True(t, pm.Authentication.RequireAPIKey)
	assert.Equal(t, first.ExternalURL, pm.ExternalURL)
	assert.Equal(t, first.APIKeyID, pm.APIKeyID)
}

func TestUpdate_NotPublished(t *testing.T) {
	h := newHarness(t, &stubOracle{desc: readyTraditional()}, nil)

	_, err := h.rec.Update(context.Background(), "tenant-a", "sklearn-iris", UpdateRequest{})
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))
}

func TestUnpublish_TearsDownEverything(t *testing.T) {
	h := newHarness(t, &stubOracle{desc: readyTraditional()}, nil)
	ctx := context.Background()

	_, issued, err := h.rec.Publish(ctx, "tenant-a", "sklearn-iris", securedConfig())
	require.NoError(t, err)

	require.NoError(t, h.rec.Unpublish(ctx, "tenant-a", "sklearn-iris"))

	var routes v1alpha1.ModelRouteList
	require.NoError(t, h.cluster.List(ctx, &routes))
	assert.Empty(t, routes.Items)

	_, err = h.rec.Get(ctx, "tenant-a", "sklearn-iris")
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))

	ok, err := h.keys.Validate(ctx, "tenant-a", "sklearn-iris", issued.Plaintext)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUnpublish_ThenRepublishIssuesDistinctKey(t *testing.T) {
	h := newHarness(t, &stubOracle{desc: readyTraditional()}, nil)
	ctx := context.Background()

	_, first, err := h.rec.Publish(ctx, "tenant-a", "sklearn-iris", securedConfig())
	require.NoError(t, err)
	require.NoError(t, h.rec.Unpublish(ctx, "tenant-a", "sklearn-iris"))

	_, second, err := h.rec.Publish(ctx, "tenant-a", "sklearn-iris", securedConfig())
	require.NoError(t, err)
	assert.NotEqual(t, first.Plaintext, second.Plaintext)
}

func TestRotateKey_UpdatesSecurityPolicy(t *testing.T) {
	h := newHarness(t, &stubOracle{desc: readyTraditional()}, nil)
	ctx := context.Background()

	_, first, err := h.rec.Publish(ctx, "tenant-a", "sklearn-iris", securedConfig())
	require.NoError(t, err)

	rotated, err := h.rec.RotateKey(ctx, "tenant-a", "sklearn-iris")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, rotated.ID)

	var sp v1alpha1.SecurityPolicy
	key := types.NamespacedName{Namespace: "tenant-a", Name: policy.ObjectName("sklearn-iris", "security")}
	require.NoError(t, h.cluster.Get(ctx, key, &sp))
	assert.Equal(t, rotated.ID, sp.Spec.APIKeyID)

	pm, err := h.rec.Get(ctx, "tenant-a", "sklearn-iris")
	require.NoError(t, err)
	assert.Equal(t, rotated.ID, pm.APIKeyID)

	ok, err := h.keys.Validate(ctx, "tenant-a", "sklearn-iris", first.Plaintext)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConcurrentOperationConflicts(t *testing.T) {
	h := newHarness(t, &stubOracle{desc: readyTraditional()}, nil)
	ctx := context.Background()

	// Hold the per-publication guard the way an in-flight pipeline would.
	key := domain.PublicationKey{TenantID: "tenant-a", ModelName: "sklearn-iris"}
	require.NoError(t, h.rec.acquire(key))

	_, _, err := h.rec.Publish(ctx, "tenant-a", "sklearn-iris", securedConfig())
	assert.Equal(t, domain.KindConflict, domain.KindOf(err))

	err = h.rec.Unpublish(ctx, "tenant-a", "sklearn-iris")
	assert.Equal(t, domain.KindConflict, domain.KindOf(err))

	// A different publication is unaffected
	h.oracle.desc = readyOpenAI()
	_, _, err = h.rec.Publish(ctx, "tenant-a", "llama-3-8b", securedConfig())
	require.NoError(t, err)

	h.rec.release(key)
	_, _, err = h.rec.Publish(ctx, "tenant-a", "sklearn-iris", securedConfig())
	require.NoError(t, err)
}

func TestList_MergesUsage(t *testing.T) {
	h := newHarness(t, &stubOracle{desc: readyTraditional()}, nil)
	ctx := context.Background()

	_, _, err := h.rec.Publish(ctx, "tenant-a", "sklearn-iris", securedConfig())
	require.NoError(t, err)

	listed, err := h.rec.List(ctx, "tenant-a")
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "sklearn-iris", listed[0].ModelName)

	all, err := h.rec.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
