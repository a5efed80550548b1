package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadConfig_Defaults(t *testing.T) {

	os.Clearenv()
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("SERVER_ENV", "test")
	t.Setenv("REDIS_ENABLED", "true")

	cfg, err := LoadConfig()
	assert.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "test", cfg.Server.Env)
	assert.True(t, cfg.Redis.Enabled)

	// Untouched knobs fall back to defaults
	assert.Equal(t, "publisher.db", cfg.Database.Path)
	assert.Equal(t, 15*time.Second, cfg.ControlPlane.ApplyTimeout)
	assert.Equal(t, 3, cfg.ControlPlane.ApplyAttempts)
	assert.Equal(t, "api.router.example", cfg.Publishing.DefaultHostname)
}

func TestLoadConfig_PublishingOverrides(t *testing.T) {
	os.Clearenv()
	t.Setenv("PUBLISHING_DEFAULT_HOSTNAME", "models.example.com")
	t.Setenv("CONTROL_PLANE_APPLY_ATTEMPTS", "5")

	cfg, err := LoadConfig()
	assert.NoError(t, err)

	assert.Equal(t, "models.example.com", cfg.Publishing.DefaultHostname)
	assert.Equal(t, 5, cfg.ControlPlane.ApplyAttempts)
}
