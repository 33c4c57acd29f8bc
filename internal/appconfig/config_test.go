package appconfig

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("VF_REGISTRY_BASE_URL", "https://registry.example.test")
	t.Setenv("VF_REGISTRY_API_KEY", "secret-key")
	t.Setenv("VF_VISION_MODEL_ADDR", "http://127.0.0.1:11434")
	t.Setenv("VF_STORE_DSN", "postgres://visionforge@localhost/visionforge")
	t.Setenv("VF_QUEUE_PATH", "/tmp/visionforge-queue.db")
	t.Setenv("VF_PROFILE_DIR", t.TempDir())
}

func TestLoad_DefaultsApplied(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, 8, cfg.WorkerCount)
	require.Equal(t, int64(8), cfg.VisionConcurrency)
	require.Equal(t, 10*time.Second, cfg.PollInterval)
	require.InDelta(t, 0.30, cfg.CircuitBreakerThreshold, 1e-9)
	require.Equal(t, BackendLocal, cfg.AnalysisBackend)
	require.Equal(t, BackendLocal, cfg.QABackend)
	require.Equal(t, "info", cfg.LogLevel)
	require.Equal(t, "json", cfg.LogFormat)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("VF_WORKER_COUNT", "4")
	t.Setenv("VF_POLL_INTERVAL", "30s")
	t.Setenv("VF_LOG_LEVEL", "debug")
	t.Setenv("VF_ANALYSIS_BACKEND", "anthropic")

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, 4, cfg.WorkerCount)
	require.Equal(t, 30*time.Second, cfg.PollInterval)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, BackendAnthropic, cfg.AnalysisBackend)
}

func TestLoad_MissingRequiredFieldsFails(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("VF_REGISTRY_API_KEY", "")

	_, err := Load()
	require.Error(t, err)
	require.Contains(t, err.Error(), "RegistryAPIKey")
}

func TestLoad_MalformedWorkerCountFails(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("VF_WORKER_COUNT", "lots")

	_, err := Load()
	require.Error(t, err)
}

func TestValidate_AccumulatesEveryViolation(t *testing.T) {
	cfg := Defaults()
	cfg.WorkerCount = 0
	cfg.LogLevel = "noisy"

	err := Validate(&cfg)
	require.Error(t, err)
	msg := err.Error()
	require.Contains(t, msg, "WorkerCount")
	require.Contains(t, msg, "LogLevel")
	require.Contains(t, msg, "RegistryBaseURL")
}

func TestValidate_LocalBackendRequiresModelAddr(t *testing.T) {
	cfg := Defaults()
	cfg.RegistryBaseURL = "https://registry.example.test"
	cfg.RegistryAPIKey = "k"
	cfg.StoreDSN = "postgres://x"
	cfg.QueuePath = "/tmp/q.db"
	cfg.ProfileDir = t.TempDir()

	err := Validate(&cfg)
	require.Error(t, err)
	require.Contains(t, err.Error(), "VisionModelAddr")
}
