package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate(), "defaults must always validate")

	assert.Equal(t, DefaultServerConfig(), cfg.Server)
	assert.Equal(t, DefaultEngineConfig(), cfg.Engine)
	assert.Equal(t, DefaultStoreConfig(), cfg.Store)
	assert.Equal(t, DefaultRedisConfig(), cfg.Redis)
	assert.Equal(t, DefaultDatabaseConfig(), cfg.Database)
	assert.Equal(t, DefaultLogConfig(), cfg.Log)
	assert.Equal(t, DefaultTelemetryConfig(), cfg.Telemetry)

	assert.NotSame(t, cfg, DefaultConfig(), "each call returns a fresh config")
}

func TestDefaultConfig_Values(t *testing.T) {
	cfg := DefaultConfig()

	// server: no credentials until configured
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, 9091, cfg.Server.MetricsPort)
	assert.Equal(t, 15*time.Second, cfg.Server.ShutdownTimeout)
	assert.Empty(t, cfg.Server.APIKeys)
	assert.Empty(t, cfg.Server.JWT.Secret)
	assert.False(t, cfg.Server.AllowQueryAPIKey)

	// engine
	assert.Equal(t, 8, cfg.Engine.MaxParallelSteps)
	assert.Equal(t, 256, cfg.Engine.PoolQueueSize)
	assert.Equal(t, 500*time.Millisecond, cfg.Engine.RetryBaseDelay)
	assert.Equal(t, 24*time.Hour, cfg.Engine.ApprovalTimeout)
	assert.Equal(t, "round_robin", cfg.Engine.DefaultStrategy)
	assert.True(t, cfg.Engine.RecoverOnStart)
	assert.False(t, cfg.Engine.WatchDefinitions)
	assert.Equal(t, 2*time.Second, cfg.Engine.WatchInterval)

	// persistence: in-memory unless a backend is chosen
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.True(t, cfg.Store.AutoMigrate)
	assert.False(t, cfg.Store.PublishEvents)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 30*time.Second, cfg.Database.HealthCheckInterval)

	// observability
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, []string{"stdout"}, cfg.Log.OutputPaths)
	assert.False(t, cfg.Telemetry.Enabled)
	assert.True(t, cfg.Telemetry.Insecure)
	assert.InDelta(t, 0.1, cfg.Telemetry.SampleRate, 1e-9)
}
