package qa

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/visionforge/visionforge/internal/qa/agent"
)

// metaDescriptivePatterns catches first-person or image-referential
// language the analysis output must never contain (spec §4.E T2: "meta-
// descriptive patterns (e.g., first-person or image-referential
// language)"). Compiled once at package init, shared by every
// ContentQualityValidator.
var metaDescriptivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bthis image shows\b`),
	regexp.MustCompile(`(?i)\bthe image (depicts|shows|contains|displays)\b`),
	regexp.MustCompile(`(?i)\bI (can see|see|observe|notice)\b`),
	regexp.MustCompile(`(?i)\bas an ai\b`),
	regexp.MustCompile(`(?i)\blooking at this (image|picture|photo)\b`),
}

// contentQualityTemperature is the "low-temperature configuration
// (≈0.05)" the spec mandates for T2 (spec §4.E).
const contentQualityTemperature = 0.05

type toneVerdict struct {
	Pass       bool     `json:"pass"`
	Categories []string `json:"categories"`
	Detail     string   `json:"detail"`
}

// ContentQualityValidator is the T2 tier (spec §4.E): prohibited-phrase
// and meta-descriptive checks run locally before any model call; only a
// genuinely ambiguous tone judgment reaches the QA agent.
type ContentQualityValidator struct {
	agent *agent.Agent
}

func NewContentQualityValidator(a *agent.Agent) *ContentQualityValidator {
	return &ContentQualityValidator{agent: a}
}

func (v *ContentQualityValidator) Validate(ctx context.Context, in Input) (Outcome, error) {
	text := string(in.Output)

	var categories []string
	for _, phrase := range in.Profile.ProhibitedPhrases {
		if phrase == "" {
			continue
		}
		if strings.Contains(strings.ToLower(text), strings.ToLower(phrase)) {
			categories = append(categories, "prohibited_phrase")
			break
		}
	}
	for _, pat := range metaDescriptivePatterns {
		if pat.MatchString(text) {
			categories = append(categories, "meta_descriptive")
			break
		}
	}
	if len(categories) > 0 {
		return Outcome{Pass: false, Categories: categories, Detail: "local phrase/pattern check failed"}, nil
	}

	system := "You are a terse content-quality reviewer for automated image analysis output. " +
		"Judge only tone: flag first-person language, hedging, or editorializing. " +
		`Respond with a single JSON object: {"pass": bool, "categories": [string], "detail": string}. No prose outside the JSON object.`
	user := fmt.Sprintf("Analysis output to review:\n%s", text)

	ctx, cancel := qaCallContext(ctx, in.Profile)
	defer cancel()

	raw, err := v.agent.Generate(ctx, system, user, in.ImageData, agent.CallParams{
		Temperature: contentQualityTemperature,
		MaxTokens:   512,
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: tier2 agent call: %w", ErrTransient, err)
	}

	var verdict toneVerdict
	if err := json.Unmarshal([]byte(raw), &verdict); err != nil {
		return Outcome{}, fmt.Errorf("%w: tier2 agent returned non-JSON verdict: %w", ErrTransient, err)
	}
	if !verdict.Pass {
		if len(verdict.Categories) == 0 {
			verdict.Categories = []string{"tone_violation"}
		}
		return Outcome{Pass: false, Categories: verdict.Categories, Detail: verdict.Detail}, nil
	}
	return Outcome{Pass: true, Confidence: 1, Detail: verdict.Detail}, nil
}
