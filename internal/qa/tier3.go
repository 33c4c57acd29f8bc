package qa

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/visionforge/visionforge/internal/profiles"
	"github.com/visionforge/visionforge/internal/qa/agent"
)

// defaultT3ConfidenceThreshold resolves spec §9's Open Question when a
// profile leaves t3_confidence_threshold unset (zero value).
const defaultT3ConfidenceThreshold = 0.8

type domainExpertVerdict struct {
	Pass       bool     `json:"pass"`
	Confidence float64  `json:"confidence"`
	Categories []string `json:"categories"`
	Detail     string   `json:"detail"`
}

// DomainExpertValidator is the T3 tier (spec §4.E): invokes the QA agent
// with the profile's domain-expert prompt and treats a confidence below
// the profile's threshold (default 0.8) as fail.
type DomainExpertValidator struct {
	agent *agent.Agent
}

func NewDomainExpertValidator(a *agent.Agent) *DomainExpertValidator {
	return &DomainExpertValidator{agent: a}
}

func (v *DomainExpertValidator) Validate(ctx context.Context, in Input) (Outcome, error) {
	rendered, err := profiles.RenderTemplate(string(in.AnalysisType)+"/domain_expert",
		in.Profile.DomainExpertPromptTemplate, map[string]string{
			"IMAGE":        base64.StdEncoding.EncodeToString(in.ImageData),
			"PRIOR_OUTPUT": string(in.Output),
		})
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: tier3 render domain-expert prompt: %w", ErrConfiguration, err)
	}

	system := `Respond with a single JSON object: {"pass": bool, "confidence": number in [0,1], "categories": [string], "detail": string}. No prose outside the JSON object.`

	ctx, cancel := qaCallContext(ctx, in.Profile)
	defer cancel()

	raw, err := v.agent.Generate(ctx, system, rendered, in.ImageData, agent.CallParams{
		Temperature: in.Profile.Temperature,
		TopP:        in.Profile.TopP,
		TopK:        in.Profile.TopK,
		MaxTokens:   in.Profile.MaxOutput,
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: tier3 agent call: %w", ErrTransient, err)
	}

	var verdict domainExpertVerdict
	if err := json.Unmarshal([]byte(raw), &verdict); err != nil {
		return Outcome{}, fmt.Errorf("%w: tier3 agent returned non-JSON verdict: %w", ErrTransient, err)
	}

	threshold := in.Profile.T3ConfidenceThreshold
	if threshold == 0 {
		threshold = defaultT3ConfidenceThreshold
	}

	if !verdict.Pass || verdict.Confidence < threshold {
		categories := verdict.Categories
		if len(categories) == 0 {
			categories = []string{"low_confidence"}
		}
		return Outcome{Pass: false, Categories: categories, Confidence: verdict.Confidence, Detail: verdict.Detail}, nil
	}
	return Outcome{Pass: true, Confidence: verdict.Confidence, Detail: verdict.Detail}, nil
}
