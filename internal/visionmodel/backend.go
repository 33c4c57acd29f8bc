// Package visionmodel defines the pluggable vision-model backend
// interface (spec §6 "Vision Model Runtime") and its three
// implementations: a local HTTP runtime, Anthropic, and AWS Bedrock.
package visionmodel

import (
	"context"
	"time"
)

// Params are the model-call parameters carried by an Analysis or
// Corrective profile (spec §4.D Step 2).
type Params struct {
	ModelName   string
	Temperature float64
	TopP        float64
	TopK        int
	ContextSize int
	MaxTokens   int
}

// Request is one generate() call (spec §6: "generate(model_name, system,
// user, image_bytes, params) → structured_output").
type Request struct {
	System    string
	User      string
	ImageData []byte
	Params    Params
}

// Result is a model's raw textual output, expected to be a structured
// document per the calling profile's schema; parsing happens in
// internal/qa tier 1, not here.
type Result struct {
	RawText  string
	Duration time.Duration
}

// Backend is implemented by every pluggable vision-model runtime. Callers
// (internal/worker, internal/qa/agent) apply their own timeout via ctx
// (spec §4.D: "Timeout per call: 60s"; §4.E: "30s" for QA).
type Backend interface {
	Generate(ctx context.Context, req Request) (Result, error)
}
