// Package qa implements the three-tier quality-assurance pipeline:
// structural validation (T1), content-quality review (T2), and
// domain-expert review (T3), each with a bounded corrective retry loop.
package qa

import (
	"context"

	"github.com/visionforge/visionforge/internal/profiles"
)

// Outcome is the result of running one tier's validator once.
type Outcome struct {
	Pass       bool
	Categories []string
	Confidence float64
	Detail     string
}

// Input is everything a tier validator needs to judge one output.
type Input struct {
	Tier         profiles.Tier
	AnalysisType profiles.AnalysisType
	Profile      *profiles.AnalysisProfile
	Output       []byte
	ImageData    []byte
}

// Validator judges a single analysis output against one tier's rules.
type Validator interface {
	Validate(ctx context.Context, in Input) (Outcome, error)
}

