package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isolateConfig(t *testing.T) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("XDG_DATA_HOME", t.TempDir())
	SetConfigFile("")
	t.Cleanup(func() { SetConfigFile("") })
}

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	ctx := context.Background()

	t.Run("LoadDefaults", func(t *testing.T) {
		isolateConfig(t)

		cfg, err := Load(ctx)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Equal(t, "localhost", cfg.Server.Host)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
		assert.Equal(t, 120*time.Second, cfg.Server.IdleTimeout)
		assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)

		assert.Equal(t, "libsql", cfg.Store.Driver)
		expectedStorePath := filepath.Join(gfconfig.GetAppDataDir("sqlshift"), "sqlshift.db")
		assert.Equal(t, expectedStorePath, cfg.Store.Path)

		assert.Equal(t, []string{SinkStore}, cfg.Results.Sinks)
		assert.Equal(t, 168*time.Hour, cfg.Redis.TTL)

		assert.Equal(t, 10, cfg.Scheduler.MaxRequests)
		assert.Equal(t, time.Minute, cfg.Scheduler.Window)
		assert.Equal(t, 2*time.Second, cfg.Scheduler.Throttle)
		assert.Equal(t, 5, cfg.Scheduler.BatchSize)
		assert.Equal(t, 2*time.Second, cfg.Scheduler.InterBatchDelay)
		assert.Equal(t, time.Second, cfg.Scheduler.PollInterval)
		assert.Equal(t, "convert", cfg.Scheduler.Endpoint)

		assert.Equal(t, 3, cfg.AILink.Retry.MaxRetries)
		assert.Equal(t, 60*time.Second, cfg.AILink.DefaultTimeout)

		assert.Equal(t, "info", cfg.Logging.Level)
		assert.Equal(t, "SIMPLE", cfg.Logging.Profile)
		assert.True(t, cfg.Metrics.Enabled)
		assert.Equal(t, 9090, cfg.Metrics.Port)
		assert.True(t, cfg.Health.Enabled)
		assert.False(t, cfg.Debug.PprofEnabled)
	})

	t.Run("RuntimeOverrides", func(t *testing.T) {
		isolateConfig(t)

		cfg, err := Load(ctx, map[string]any{
			"server":  map[string]any{"port": 9000, "host": "0.0.0.0"},
			"logging": map[string]any{"level": "debug"},
		})
		require.NoError(t, err)

		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
		assert.Equal(t, 9000, cfg.Server.Port)
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.Equal(t, "SIMPLE", cfg.Logging.Profile)
	})

	t.Run("EnvOverrides", func(t *testing.T) {
		isolateConfig(t)
		t.Setenv("SQLSHIFT_PORT", "3000")
		t.Setenv("SQLSHIFT_LOG_LEVEL", "warn")
		t.Setenv("SQLSHIFT_METRICS_ENABLED", "false")
		t.Setenv("SQLSHIFT_RATE_LIMIT_MARGIN", "0.8")
		t.Setenv("SQLSHIFT_SCHEDULER_BATCH_SIZE", "3")

		cfg, err := Load(ctx)
		require.NoError(t, err)

		assert.Equal(t, 3000, cfg.Server.Port)
		assert.Equal(t, "warn", cfg.Logging.Level)
		assert.False(t, cfg.Metrics.Enabled)
		assert.Equal(t, 0.8, cfg.Scheduler.SafetyMargin)
		assert.Equal(t, 3, cfg.Scheduler.BatchSize)
	})

	t.Run("ConfigPrecedence", func(t *testing.T) {
		isolateConfig(t)
		SetConfigFile(writeConfigFile(t, "server:\n  port: 4500\n  host: filehost\n"))
		t.Setenv("SQLSHIFT_PORT", "4000")

		cfg, err := Load(ctx, map[string]any{"server": map[string]any{"port": 5000}})
		require.NoError(t, err)

		assert.Equal(t, 5000, cfg.Server.Port)
		assert.Equal(t, "filehost", cfg.Server.Host)
		assert.NotEmpty(t, ConfigFileUsed())
	})

	t.Run("MissingExplicitFile", func(t *testing.T) {
		isolateConfig(t)
		SetConfigFile(filepath.Join(t.TempDir(), "absent.yaml"))

		_, err := Load(ctx)
		require.Error(t, err)
	})

	t.Run("InvalidScheduler", func(t *testing.T) {
		isolateConfig(t)

		_, err := Load(ctx, map[string]any{"scheduler": map[string]any{"batch_size": 20}})
		require.Error(t, err)
		require.Contains(t, err.Error(), "batch size")
	})

	t.Run("ProvidersFromFileAndEnv", func(t *testing.T) {
		isolateConfig(t)
		SetConfigFile(writeConfigFile(t, `
ailink:
  default_provider: openai
  providers:
    openai:
      enabled: true
      ai_provider: openai
      models:
        default: gpt-4o-mini
`))
		t.Setenv("SQLSHIFT_AILINK_PROVIDERS_OPENAI_CREDENTIALS_0_API_KEY", "sk-test")
		t.Setenv("SQLSHIFT_AILINK_PROVIDERS_OPENAI_BASE_URL", "https://llm.example/v1")

		cfg, err := Load(ctx)
		require.NoError(t, err)

		provider, ok := cfg.AILink.Providers["openai"]
		require.True(t, ok)
		assert.True(t, provider.Enabled)
		assert.Equal(t, "gpt-4o-mini", provider.Models["default"])
		assert.Equal(t, "https://llm.example/v1", provider.BaseURL)
		require.Len(t, provider.Credentials, 1)
		assert.Equal(t, "sk-test", provider.Credentials[0].APIKey)
	})

	t.Run("RedisSinkRequiresAddr", func(t *testing.T) {
		isolateConfig(t)
		t.Setenv("SQLSHIFT_RESULT_SINKS", "store,redis")

		_, err := Load(ctx)
		require.Error(t, err)

		t.Setenv("SQLSHIFT_REDIS_ADDR", "localhost:6379")
		cfg, err := Load(ctx)
		require.NoError(t, err)
		assert.True(t, cfg.Results.Enabled(SinkRedis))
	})
}

func TestGetConfig(t *testing.T) {
	isolateConfig(t)

	cfg, err := Load(context.Background())
	require.NoError(t, err)

	retrieved := GetConfig()
	require.NotNil(t, retrieved)
	assert.Equal(t, cfg.Server.Port, retrieved.Server.Port)
}

func TestEnvBindings(t *testing.T) {
	names := make(map[string]string)
	for _, binding := range envBindings() {
		names[binding.Name] = binding.Key
	}

	assert.Equal(t, "logging.level", names["LOG_LEVEL"])
	assert.Equal(t, "server.port", names["PORT"])
	assert.Equal(t, "server.host", names["HOST"])
	assert.Equal(t, "metrics.port", names["METRICS_PORT"])
	assert.Equal(t, "store.path", names["DB_PATH"])
}

func TestDurationParsing(t *testing.T) {
	isolateConfig(t)
	t.Setenv("SQLSHIFT_READ_TIMEOUT", "45s")
	t.Setenv("SQLSHIFT_SHUTDOWN_TIMEOUT", "5m")
	t.Setenv("SQLSHIFT_RATE_WINDOW", "90s")

	cfg, err := Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 45*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Server.ShutdownTimeout)
	assert.Equal(t, 90*time.Second, cfg.Scheduler.Window)
}

func TestConfigValidate(t *testing.T) {
	isolateConfig(t)
	cfg, err := Load(context.Background())
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	bad := *cfg
	bad.Results.Sinks = []string{"s3"}
	bad.Ingress = IngressConfig{Enabled: true}
	err = bad.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown sink")
	assert.Contains(t, err.Error(), "ingress")
}
