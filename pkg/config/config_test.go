package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Mindburn-Labs/discloser/pkg/config"
)

func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{"PORT", "LOG_LEVEL", "DATABASE_URL", "RATE_LIMIT_RPS", "SHUTDOWN_TIMEOUT", "OTEL_ENABLED", "NATS_URL"} {
		t.Setenv(k, "")
	}

	cfg := config.Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.True(t, cfg.LiteMode())
	assert.Equal(t, 20.0, cfg.RateLimitRPS)
	assert.Equal(t, 15*time.Second, cfg.ShutdownTimeout)
	assert.False(t, cfg.OTelEnabled)
	assert.Empty(t, cfg.NATSURL)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("DATABASE_URL", "postgres://production:5432/db")
	t.Setenv("RATE_LIMIT_RPS", "5.5")
	t.Setenv("RATE_LIMIT_BURST", "11")
	t.Setenv("SHUTDOWN_TIMEOUT", "3s")
	t.Setenv("CLOSE_POLICY", "warn")
	t.Setenv("ARTIFACT_STORAGE_TYPE", "memory")

	cfg := config.Load()

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.False(t, cfg.LiteMode())
	assert.Equal(t, 5.5, cfg.RateLimitRPS)
	assert.Equal(t, 11, cfg.RateLimitBurst)
	assert.Equal(t, 3*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, "warn", cfg.ClosePolicy)
	assert.Equal(t, "memory", string(cfg.Artifacts.Type))
}
