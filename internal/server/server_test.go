package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/runtime"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	"github.com/nulzo/model-publisher/api/v1alpha1"
	"github.com/nulzo/model-publisher/internal/apikey"
	"github.com/nulzo/model-publisher/internal/config"
	"github.com/nulzo/model-publisher/internal/controlplane"
	"github.com/nulzo/model-publisher/internal/core/domain"
	"github.com/nulzo/model-publisher/internal/policy"
	"github.com/nulzo/model-publisher/internal/reconciler"
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

func newTestServer(t *testing.T, o *stubOracle) *Server {
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
	applier := controlplane.New(cluster, time.Second, 3)

	rec := reconciler.New(repo, o, policy.NewSynthesizer(directory), applier, keys, tracker, directory, zap.NewNop(), reconciler.Options{
		PipelineTimeout: 10 * time.Second,
		DefaultHostname: "api.router.example",
	})

	cfg := &config.Config{}
	cfg.Server.Env = "production"
	cfg.RateLimit.RequestsPerSecond = 1000
	cfg.RateLimit.Burst = 1000

	return New(cfg, zap.NewNop(), rec, tenant.NewResolver(directory), tracker)
}

// bearerToken forges a gateway token. The identity layer trusts the gateway's
// signature check and only decodes the payload, so an unsigned token works.
func bearerToken(tenantID string, admin bool) string {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"RS256","typ":"JWT"}`))
	payload, _ := json.Marshal(map[string]interface{}{
		"tenant_id": tenantID,
		"is_admin":  admin,
	})
	return header + "." + base64.RawURLEncoding.EncodeToString(payload) + ".sig"
}

func doRequest(t *testing.T, s *Server, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func sklearnDescriptor() *domain.ModelDescriptor {
	return &domain.ModelDescriptor{
		Ready:             true,
		InternalURL:       "http://sklearn-iris.tenant-a.svc.cluster.local",
		DeclaredFramework: domain.FrameworkSKLearn,
		Protocol:          domain.ProtocolTraditional,
	}
}

func publishBody() map[string]interface{} {
	return map[string]interface{}{
		"authentication": map[string]interface{}{"require_api_key": true},
		"rate_limiting":  map[string]interface{}{"requests_per_minute": 60},
	}
}

func TestHealth_Public(t *testing.T) {
	s := newTestServer(t, &stubOracle{desc: sklearnDescriptor()})

	w := doRequest(t, s, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestPublish_RequiresIdentity(t *testing.T) {
	s := newTestServer(t, &stubOracle{desc: sklearnDescriptor()})

	w := doRequest(t, s, http.MethodPost, "/api/v1/models/sklearn-iris/publish", "", publishBody())
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doRequest(t, s, http.MethodPost, "/api/v1/models/sklearn-iris/publish", "not-a-jwt", publishBody())
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestPublish_ReturnsKeyExactlyOnce(t *testing.T) {
	s := newTestServer(t, &stubOracle{desc: sklearnDescriptor()})
	token := bearerToken("tenant-a", false)

	w := doRequest(t, s, http.MethodPost, "/api/v1/models/sklearn-iris/publish", token, publishBody())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	apiKey, _ := created["api_key"].(string)
	assert.NotEmpty(t, apiKey)
	assert.Equal(t, "https://api.router.example/published/models/sklearn-iris", created["external_url"])

	// The read surface never exposes the credential again
	w = doRequest(t, s, http.MethodGet, "/api/v1/models/sklearn-iris/publish", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), apiKey)

	var read map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &read))
	_, leaked := read["api_key"]
	assert.False(t, leaked)
}

func TestPublish_ValidationError(t *testing.T) {
	s := newTestServer(t, &stubOracle{desc: sklearnDescriptor()})
	token := bearerToken("tenant-a", false)

	body := publishBody()
	body["model_type"] = "grpc"

	w := doRequest(t, s, http.MethodPost, "/api/v1/models/sklearn-iris/publish", token, body)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "model_type")
}

func TestPublish_UnknownModel(t *testing.T) {
	s := newTestServer(t, &stubOracle{err: domain.NotFoundError("model not found")})
	token := bearerToken("tenant-a", false)

	w := doRequest(t, s, http.MethodPost, "/api/v1/models/ghost/publish", token, publishBody())
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPublish_Conflict(t *testing.T) {
	s := newTestServer(t, &stubOracle{desc: sklearnDescriptor()})
	token := bearerToken("tenant-a", false)

	w := doRequest(t, s, http.MethodPost, "/api/v1/models/sklearn-iris/publish", token, publishBody())
	require.Equal(t, http.StatusCreated, w.Code)

	w = doRequest(t, s, http.MethodPost, "/api/v1/models/sklearn-iris/publish", token, publishBody())
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestPublish_CrossTenantForbidden(t *testing.T) {
	s := newTestServer(t, &stubOracle{desc: sklearnDescriptor()})
	token := bearerToken("tenant-b", false)

	body := publishBody()
	body["tenant"] = "tenant-a"

	w := doRequest(t, s, http.MethodPost, "/api/v1/models/sklearn-iris/publish", token, body)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestAdmin_ActsOnNamedTenant(t *testing.T) {
	s := newTestServer(t, &stubOracle{desc: sklearnDescriptor()})
	admin := bearerToken("", true)

	// Admin without a tenant is a validation error, not a default
	w := doRequest(t, s, http.MethodPost, "/api/v1/models/sklearn-iris/publish", admin, publishBody())
	assert.Equal(t, http.StatusBadRequest, w.Code)

	body := publishBody()
	body["tenant"] = "tenant-a"
	w = doRequest(t, s, http.MethodPost, "/api/v1/models/sklearn-iris/publish", admin, body)
	assert.Equal(t, http.StatusCreated, w.Code)

	// Tenant sees it as their own
	w = doRequest(t, s, http.MethodGet, "/api/v1/models/sklearn-iris/publish", bearerToken("tenant-a", false), nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestUpdate_ThenGetReflectsChange(t *testing.T) {
	s := newTestServer(t, &stubOracle{desc: sklearnDescriptor()})
	token := bearerToken("tenant-a", false)

	w := doRequest(t, s, http.MethodPost, "/api/v1/models/sklearn-iris/publish", token, publishBody())
	require.Equal(t, http.StatusCreated, w.Code)

	update := map[string]interface{}{
		"rate_limiting": map[string]interface{}{"requests_per_minute": 5},
	}
	w = doRequest(t, s, http.MethodPut, "/api/v1/models/sklearn-iris/publish", token, update)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	limits := got["rate_limiting"].(map[string]interface{})
	assert.Equal(t, float64(5), limits["requests_per_minute"])
}

func TestUnpublish_ThenGet404(t *testing.T) {
	s := newTestServer(t, &stubOracle{desc: sklearnDescriptor()})
	token := bearerToken("tenant-a", false)

	w := doRequest(t, s, http.MethodPost, "/api/v1/models/sklearn-iris/publish", token, publishBody())
	require.Equal(t, http.StatusCreated, w.Code)

	w = doRequest(t, s, http.MethodDelete, "/api/v1/models/sklearn-iris/publish", token, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(t, s, http.MethodGet, "/api/v1/models/sklearn-iris/publish", token, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doRequest(t, s, http.MethodDelete, "/api/v1/models/sklearn-iris/publish", token, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRotateKey_ReturnsNewCredential(t *testing.T) {
	s := newTestServer(t, &stubOracle{desc: sklearnDescriptor()})
	token := bearerToken("tenant-a", false)

	w := doRequest(t, s, http.MethodPost, "/api/v1/models/sklearn-iris/publish", token, publishBody())
	require.Equal(t, http.StatusCreated, w.Code)
	var created map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	w = doRequest(t, s, http.MethodPost, "/api/v1/models/sklearn-iris/publish/rotate-key", token, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var rotated map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rotated))
	assert.NotEmpty(t, rotated["api_key"])
	assert.NotEqual(t, created["api_key"], rotated["api_key"])
}

func TestList_TenantScoped(t *testing.T) {
	s := newTestServer(t, &stubOracle{desc: sklearnDescriptor()})

	for i, tenantID := range []string{"tenant-a", "tenant-b"} {
		name := fmt.Sprintf("model-%d", i)
		w := doRequest(t, s, http.MethodPost, "/api/v1/models/"+name+"/publish", bearerToken(tenantID, false), publishBody())
		require.Equal(t, http.StatusCreated, w.Code)
	}

	var listed map[string]interface{}

	w := doRequest(t, s, http.MethodGet, "/api/v1/published-models", bearerToken("tenant-a", false), nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listed))
	assert.Equal(t, float64(1), listed["count"])

	// Admin sees everything
	w = doRequest(t, s, http.MethodGet, "/api/v1/published-models", bearerToken("", true), nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listed))
	assert.Equal(t, float64(2), listed["count"])

	// Admin can narrow to one tenant
	w = doRequest(t, s, http.MethodGet, "/api/v1/published-models?tenant=tenant-b", bearerToken("", true), nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listed))
	assert.Equal(t, float64(1), listed["count"])
}

func TestUsage_ReportThenRead(t *testing.T) {
	s := newTestServer(t, &stubOracle{desc: sklearnDescriptor()})
	token := bearerToken("tenant-a", false)

	w := doRequest(t, s, http.MethodPost, "/api/v1/models/sklearn-iris/publish", token, publishBody())
	require.Equal(t, http.StatusCreated, w.Code)

	report := map[string]interface{}{
		"tenant": "tenant-a", "model": "sklearn-iris", "tokens": 42, "success": true,
	}
	w = doRequest(t, s, http.MethodPost, "/api/v1/internal/usage", token, report)
	require.Equal(t, http.StatusAccepted, w.Code)

	w = doRequest(t, s, http.MethodGet, "/api/v1/models/sklearn-iris/usage", token, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, float64(1), got["total_requests"])
	assert.Equal(t, float64(42), got["total_tokens"])
}

func TestUsage_CrossTenantReportForbidden(t *testing.T) {
	s := newTestServer(t, &stubOracle{desc: sklearnDescriptor()})
	owner := bearerToken("tenant-a", false)

	w := doRequest(t, s, http.MethodPost, "/api/v1/models/sklearn-iris/publish", owner, publishBody())
	require.Equal(t, http.StatusCreated, w.Code)

	// tenant-b cannot attribute traffic to tenant-a's publication
	report := map[string]interface{}{
		"tenant": "tenant-a", "model": "sklearn-iris", "tokens": 999999, "success": false,
	}
	w = doRequest(t, s, http.MethodPost, "/api/v1/internal/usage", bearerToken("tenant-b", false), report)
	assert.Equal(t, http.StatusForbidden, w.Code)

	// tenant-a's counters are untouched
	w = doRequest(t, s, http.MethodGet, "/api/v1/models/sklearn-iris/usage", owner, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, float64(0), got["total_requests"])
	assert.Equal(t, float64(0), got["total_tokens"])
	assert.Equal(t, float64(0), got["errors"])
}

func TestUsage_ReportForUnpublishedModel(t *testing.T) {
	s := newTestServer(t, &stubOracle{desc: sklearnDescriptor()})
	token := bearerToken("tenant-a", false)

	report := map[string]interface{}{
		"tenant": "tenant-a", "model": "ghost", "tokens": 1, "success": true,
	}
	w := doRequest(t, s, http.MethodPost, "/api/v1/internal/usage", token, report)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestUsage_GatewayReportsAsAdmin(t *testing.T) {
	s := newTestServer(t, &stubOracle{desc: sklearnDescriptor()})
	owner := bearerToken("tenant-a", false)

	w := doRequest(t, s, http.MethodPost, "/api/v1/models/sklearn-iris/publish", owner, publishBody())
	require.Equal(t, http.StatusCreated, w.Code)

	report := map[string]interface{}{
		"tenant": "tenant-a", "model": "sklearn-iris", "tokens": 7, "success": true,
	}
	w = doRequest(t, s, http.MethodPost, "/api/v1/internal/usage", bearerToken("", true), report)
	require.Equal(t, http.StatusAccepted, w.Code)

	w = doRequest(t, s, http.MethodGet, "/api/v1/models/sklearn-iris/usage", owner, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, float64(1), got["total_requests"])
	assert.Equal(t, float64(7), got["total_tokens"])
}
