package visionmodel

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"
)

// LLMsAdapter presents any Backend as a langchaingo llms.Model, so
// internal/qa/agent can drive T2/T3 corrective and review calls through
// the same generic chain/prompt abstractions the rest of the ecosystem
// uses, without internal/qa depending on this package's concrete
// Backend implementations directly.
type LLMsAdapter struct {
	backend Backend
	params  Params
}

// NewLLMsAdapter wraps backend, using params as the default call
// parameters whenever a langchaingo CallOption doesn't override them.
func NewLLMsAdapter(backend Backend, params Params) *LLMsAdapter {
	return &LLMsAdapter{backend: backend, params: params}
}

var _ llms.Model = (*LLMsAdapter)(nil)

// GenerateContent implements llms.Model. It expects at most one system
// message and one human message; the human message's parts supply the
// user prompt text and, optionally, the image to analyze as a
// BinaryContent part. Any other message role is an error; parts of other
// kinds (and non-text parts of the system message) are ignored.
func (a *LLMsAdapter) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	opts := llms.CallOptions{
		Model:       a.params.ModelName,
		Temperature: a.params.Temperature,
		TopP:        a.params.TopP,
		TopK:        a.params.TopK,
		MaxTokens:   a.params.MaxTokens,
	}
	for _, opt := range options {
		opt(&opts)
	}

	var system, user string
	var image []byte
	for _, msg := range messages {
		switch msg.Role {
		case llms.ChatMessageTypeSystem:
			for _, part := range msg.Parts {
				if tc, ok := part.(llms.TextContent); ok {
					system += tc.Text
				}
			}
		case llms.ChatMessageTypeHuman:
			for _, part := range msg.Parts {
				switch p := part.(type) {
				case llms.TextContent:
					user += p.Text
				case llms.BinaryContent:
					image = p.Data
				}
			}
		default:
			return nil, fmt.Errorf("visionmodel: LLMsAdapter does not support message role %q", msg.Role)
		}
	}

	req := Request{
		System:    system,
		User:      user,
		ImageData: image,
		Params: Params{
			ModelName:   opts.Model,
			Temperature: opts.Temperature,
			TopP:        opts.TopP,
			TopK:        opts.TopK,
			ContextSize: a.params.ContextSize,
			MaxTokens:   opts.MaxTokens,
		},
	}

	res, err := a.backend.Generate(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("visionmodel: LLMsAdapter.GenerateContent: %w", err)
	}

	return &llms.ContentResponse{
		Choices: []*llms.ContentChoice{
			{Content: res.RawText},
		},
	}, nil
}

// Call implements the deprecated single-string convenience method of
// llms.Model in terms of GenerateContent, matching the shim every
// langchaingo provider carries for backward-compatible callers.
func (a *LLMsAdapter) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, a, prompt, options...)
}
