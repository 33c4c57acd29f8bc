// Package telemetry builds the logger and tracer shared across visionforge.
//
// Logging follows the OCTOREFLEX convention: zap.NewProductionConfig() for
// json output, zap.NewDevelopmentConfig() for console output, with the
// level parsed from a string. A logr.Logger facade (via zapr) is exposed
// for the packages written against the logr interface.
package telemetry

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// BuildLogger constructs a zap.Logger for the given level ("debug", "info",
// "warn", "error") and format ("json" or "console").
func BuildLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("telemetry.BuildLogger: invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	log, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("telemetry.BuildLogger: build: %w", err)
	}
	return log, nil
}

// LogrFrom wraps a zap.Logger as a logr.Logger for packages that depend on
// the logr interface rather than the zap concrete type.
func LogrFrom(log *zap.Logger) logr.Logger {
	return zapr.NewLogger(log)
}

// Tracer name used for all visionforge spans.
const TracerName = "github.com/visionforge/visionforge"

// Tracer returns a tracer from otel's global provider, which is a no-op
// until SetProvider installs another. cmd/visionforge installs none.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

// SetProvider installs tp as the global tracer provider.
func SetProvider(tp trace.TracerProvider) {
	otel.SetTracerProvider(tp)
}

// StartSpan is a small convenience wrapper used throughout the orchestrator,
// worker, and QA packages to open one span per task step.
func StartSpan(ctx context.Context, name string, attrs ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, attrs...)
}
