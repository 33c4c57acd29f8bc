// Package appconfig loads visionforge's process-level configuration from
// the environment (spec §6: "Environment inputs ... No positional
// arguments").
//
// This is distinct from internal/profiles, which hot-reloads the
// per-analysis-type YAML documents from a directory tree; appconfig is
// read once, at startup, and is fatal-on-error the way the teacher's
// internal/config.Load is fatal-on-error — but from env vars, not a file.
package appconfig

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/multierr"
)

// ModelBackend names one of the pluggable vision-model implementations.
type ModelBackend string

const (
	BackendLocal     ModelBackend = "local"
	BackendAnthropic ModelBackend = "anthropic"
	BackendBedrock   ModelBackend = "bedrock"
)

// Config is the root process configuration.
type Config struct {
	// RegistryBaseURL is the external job registry's base URL.
	RegistryBaseURL string `validate:"required,url"`

	// RegistryAPIKey is sent as the X-API-Key header on every registry call.
	RegistryAPIKey string `validate:"required"`

	// VisionModelAddr is the local vision-model runtime's base URL.
	VisionModelAddr string `validate:"required_if=AnalysisBackend local"`

	// AnalysisBackend selects the primary analysis vision-model backend.
	AnalysisBackend ModelBackend `validate:"required,oneof=local anthropic bedrock"`

	// QABackend selects the QA/correction model backend (spec §6: "Two
	// models are used: one for analysis, one for QA/correction").
	QABackend ModelBackend `validate:"required,oneof=local anthropic bedrock"`

	// StoreDSN is the Postgres connection string for the State Store.
	StoreDSN string `validate:"required"`

	// QueuePath is the bbolt file path backing the Task Queue Broker.
	QueuePath string `validate:"required"`

	// ProfileDir is the root of the analysis/corrective profile tree.
	ProfileDir string `validate:"required,dir"`

	// WorkerCount is the fixed-size worker pool (spec §5 default: 8).
	WorkerCount int `validate:"gte=1,lte=64"`

	// VisionConcurrency caps concurrent vision-model calls process-wide
	// (spec §5 default: 8, matching the model runtime's parallelism).
	VisionConcurrency int64 `validate:"gte=1,lte=256"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `validate:"required,oneof=debug info warn error"`

	// LogFormat is json or console.
	LogFormat string `validate:"required,oneof=json console"`

	// AdminAddr is the operator HTTP surface bind address.
	AdminAddr string `validate:"required,hostname_port"`

	// MetricsAddr is the Prometheus metrics bind address.
	MetricsAddr string `validate:"required,hostname_port"`

	// PollInterval is how often acquire_next_job polls the registry
	// (spec §4.F default: 10s).
	PollInterval time.Duration `validate:"gte=1000000000"`

	// CircuitBreakerThreshold is the process-level failure-rate threshold
	// (spec §4.E default: 0.30).
	CircuitBreakerThreshold float64 `validate:"gt=0,lte=1"`

	// CircuitBreakerWindow is the number of recent task outcomes the
	// sliding-window breaker considers.
	CircuitBreakerWindow int `validate:"gte=10"`

	// NotifyWebhookURL, if set, registers a generic webhook notification
	// channel (spec §6: "Notification Sink"). Optional.
	NotifyWebhookURL string `validate:"omitempty,url"`

	// NotifySlackToken/NotifySlackChannel, if both set, register a Slack
	// notification channel alongside (or instead of) the webhook. Optional.
	NotifySlackToken   string
	NotifySlackChannel string
}

// Defaults returns a Config populated with every default value named in
// spec.md. Callers then apply environment overrides with Load.
func Defaults() Config {
	return Config{
		AnalysisBackend:         BackendLocal,
		QABackend:               BackendLocal,
		WorkerCount:             8,
		VisionConcurrency:       8,
		LogLevel:                "info",
		LogFormat:               "json",
		AdminAddr:               "127.0.0.1:9090",
		MetricsAddr:             "127.0.0.1:9091",
		PollInterval:            10 * time.Second,
		CircuitBreakerThreshold: 0.30,
		CircuitBreakerWindow:    100,
	}
}

// Load reads environment variables over the defaults and validates the
// result. A validation failure is fatal at startup (spec §7 "Configuration
// errors ... Fatal at startup").
func Load() (*Config, error) {
	cfg := Defaults()

	cfg.RegistryBaseURL = envOrDefault("VF_REGISTRY_BASE_URL", cfg.RegistryBaseURL)
	cfg.RegistryAPIKey = envOrDefault("VF_REGISTRY_API_KEY", cfg.RegistryAPIKey)
	cfg.VisionModelAddr = envOrDefault("VF_VISION_MODEL_ADDR", cfg.VisionModelAddr)
	cfg.StoreDSN = envOrDefault("VF_STORE_DSN", cfg.StoreDSN)
	cfg.QueuePath = envOrDefault("VF_QUEUE_PATH", cfg.QueuePath)
	cfg.ProfileDir = envOrDefault("VF_PROFILE_DIR", cfg.ProfileDir)
	cfg.LogLevel = envOrDefault("VF_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = envOrDefault("VF_LOG_FORMAT", cfg.LogFormat)
	cfg.AdminAddr = envOrDefault("VF_ADMIN_ADDR", cfg.AdminAddr)
	cfg.MetricsAddr = envOrDefault("VF_METRICS_ADDR", cfg.MetricsAddr)
	cfg.NotifyWebhookURL = envOrDefault("VF_NOTIFY_WEBHOOK_URL", cfg.NotifyWebhookURL)
	cfg.NotifySlackToken = envOrDefault("VF_NOTIFY_SLACK_TOKEN", cfg.NotifySlackToken)
	cfg.NotifySlackChannel = envOrDefault("VF_NOTIFY_SLACK_CHANNEL", cfg.NotifySlackChannel)

	if v := os.Getenv("VF_ANALYSIS_BACKEND"); v != "" {
		cfg.AnalysisBackend = ModelBackend(v)
	}
	if v := os.Getenv("VF_QA_BACKEND"); v != "" {
		cfg.QABackend = ModelBackend(v)
	}

	var err error
	if cfg.WorkerCount, err = envOrDefaultInt("VF_WORKER_COUNT", cfg.WorkerCount); err != nil {
		return nil, err
	}
	var vc int
	if vc, err = envOrDefaultInt("VF_VISION_CONCURRENCY", int(cfg.VisionConcurrency)); err != nil {
		return nil, err
	}
	cfg.VisionConcurrency = int64(vc)

	if v := os.Getenv("VF_POLL_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("appconfig.Load: VF_POLL_INTERVAL: %w", err)
		}
		cfg.PollInterval = d
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("appconfig.Load: validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate runs struct-tag validation and accumulates every violation
// (rather than stopping at the first) using multierr, the way the
// teacher's Validate accumulates into a single joined error.
func Validate(cfg *Config) error {
	validate := validator.New()

	var merr error
	if err := validate.Struct(cfg); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				merr = multierr.Append(merr, fmt.Errorf("%s: failed %q constraint (value %v)",
					fe.Namespace(), fe.Tag(), fe.Value()))
			}
		} else {
			merr = multierr.Append(merr, err)
		}
	}

	if cfg.AnalysisBackend == BackendLocal && cfg.VisionModelAddr == "" {
		merr = multierr.Append(merr, fmt.Errorf("VisionModelAddr is required when AnalysisBackend=local"))
	}

	return merr
}

func envOrDefault(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func envOrDefaultInt(key string, def int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("appconfig: %s must be an integer, got %q: %w", key, v, err)
	}
	return n, nil
}
