package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFramework(t *testing.T) {
	cases := map[string]ModelFramework{
		"sklearn":       FrameworkSKLearn,
		"sklearnserver": FrameworkSKLearn,
		"XGBoost":       FrameworkXGBoost,
		"kserve-tensorflow-serving": FrameworkTensorFlow,
		"vLLM":       FrameworkVLLM,
		"vllm-0.6.3": FrameworkVLLM,
		"tgi":        FrameworkTGI,
		"triton":     FrameworkTriton,
		"":           FrameworkUnknown,
		"onnxruntime": FrameworkUnknown,
	}
	for raw, want := range cases {
		assert.Equal(t, want, ParseFramework(raw), "raw=%q", raw)
	}
}

func TestProtocolFor(t *testing.T) {
	assert.Equal(t, ProtocolOpenAI, FrameworkVLLM.ProtocolFor())
	assert.Equal(t, ProtocolOpenAI, FrameworkTGI.ProtocolFor())
	assert.Equal(t, ProtocolTraditional, FrameworkSKLearn.ProtocolFor())
	assert.Equal(t, ProtocolTraditional, FrameworkTriton.ProtocolFor())
	assert.Equal(t, ProtocolUnknown, FrameworkUnknown.ProtocolFor())
}

func TestResolve_AutoDetection(t *testing.T) {
	openai := &ModelDescriptor{Protocol: ProtocolOpenAI}
	traditional := &ModelDescriptor{Protocol: ProtocolTraditional}
	unknown := &ModelDescriptor{Protocol: ProtocolUnknown}

	resolved, err := PublishConfig{ModelType: ModelTypeAuto}.Resolve("llama-3-8b", openai)
	require.NoError(t, err)
	assert.Equal(t, ModelTypeOpenAI, resolved.ModelType)
	assert.Equal(t, "/v1/models/llama-3-8b", resolved.ExternalPath)

	resolved, err = PublishConfig{}.Resolve("sklearn-iris", traditional)
	require.NoError(t, err)
	assert.Equal(t, ModelTypeTraditional, resolved.ModelType)
	assert.Equal(t, "/published/models/sklearn-iris", resolved.ExternalPath)

	// An unknown runtime still serves plain predict endpoints
	resolved, err = PublishConfig{ModelType: ModelTypeAuto}.Resolve("mystery", unknown)
	require.NoError(t, err)
	assert.Equal(t, ModelTypeTraditional, resolved.ModelType)
}

func TestResolve_ExplicitTypeWins(t *testing.T) {
	desc := &ModelDescriptor{Protocol: ProtocolTraditional}

	resolved, err := PublishConfig{ModelType: ModelTypeOpenAI}.Resolve("m", desc)
	require.NoError(t, err)
	assert.Equal(t, ModelTypeOpenAI, resolved.ModelType)
}

func TestResolve_KeepsCallerPath(t *testing.T) {
	desc := &ModelDescriptor{Protocol: ProtocolOpenAI}

	resolved, err := PublishConfig{ExternalPath: "/custom/path"}.Resolve("m", desc)
	require.NoError(t, err)
	assert.Equal(t, "/custom/path", resolved.ExternalPath)
}

func TestExternalURL(t *testing.T) {
	assert.Equal(t, "https://api.router.example/published/models/iris",
		ExternalURL("api.router.example", "/published/models/iris"))
	assert.Equal(t, "https://api.router.example/x",
		ExternalURL("api.router.example/", "x"))
	assert.Equal(t, "http://localhost:8080/x",
		ExternalURL("http://localhost:8080", "/x"))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(ControlPlaneError("apply failed", nil)))
	assert.True(t, IsRetryable(StoreError("write failed", nil)))
	assert.False(t, IsRetryable(ValidationError("bad input")))
	assert.False(t, IsRetryable(ConflictError("busy")))
	assert.False(t, IsRetryable(NotFoundError("missing")))
}
