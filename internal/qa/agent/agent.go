// Package agent is a thin wrapper around a langchaingo llms.Model,
// shared by QA tiers T2 and T3 (spec §4.E) to invoke the QA model with a
// rendered prompt and an optional reference image.
package agent

import (
	"errors"
	"fmt"

	"context"

	"github.com/tmc/langchaingo/llms"
)

// CallParams are the per-call model parameters a tier's profile or
// corrective stage supplies.
type CallParams struct {
	Temperature float64
	TopP        float64
	TopK        int
	MaxTokens   int
}

// Agent drives one llms.Model with a fixed (system, user, image) shape.
type Agent struct {
	model llms.Model
}

// New wraps model. Any visionmodel.Backend becomes an llms.Model via
// visionmodel.NewLLMsAdapter, so the QA model backend can be configured
// independently of the primary analysis backend (spec.md §6: "Two models
// are used: one for analysis, one for QA/correction").
func New(model llms.Model) *Agent {
	return &Agent{model: model}
}

// Generate renders one system/user prompt pair, optionally attaching
// image as inline binary content, and returns the model's raw text
// response.
func (a *Agent) Generate(ctx context.Context, system, user string, image []byte, params CallParams) (string, error) {
	messages := []llms.MessageContent{
		{
			Role:  llms.ChatMessageTypeSystem,
			Parts: []llms.ContentPart{llms.TextContent{Text: system}},
		},
	}

	humanParts := []llms.ContentPart{llms.TextContent{Text: user}}
	if len(image) > 0 {
		humanParts = append(humanParts, llms.BinaryContent{MIMEType: "image/jpeg", Data: image})
	}
	messages = append(messages, llms.MessageContent{Role: llms.ChatMessageTypeHuman, Parts: humanParts})

	resp, err := a.model.GenerateContent(ctx, messages,
		llms.WithTemperature(params.Temperature),
		llms.WithTopP(params.TopP),
		llms.WithTopK(params.TopK),
		llms.WithMaxTokens(params.MaxTokens),
	)
	if err != nil {
		return "", fmt.Errorf("agent: generate content: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("agent: model returned no choices")
	}
	return resp.Choices[0].Content, nil
}
