package visionmodel

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicBackend calls the Anthropic Messages API with an inline image
// block, used for both primary analysis and QA/corrective calls when
// AnalysisBackend/QABackend is "anthropic".
type AnthropicBackend struct {
	client anthropic.Client
}

// NewAnthropicBackend constructs a backend authenticated with apiKey.
func NewAnthropicBackend(apiKey string, httpClient *http.Client) *AnthropicBackend {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if httpClient != nil {
		opts = append(opts, option.WithHTTPClient(httpClient))
	}
	return &AnthropicBackend{client: anthropic.NewClient(opts...)}
}

func (b *AnthropicBackend) Generate(ctx context.Context, req Request) (Result, error) {
	start := time.Now()

	imageBlock := anthropic.NewImageBlockBase64("image/jpeg", base64.StdEncoding.EncodeToString(req.ImageData))
	textBlock := anthropic.NewTextBlock(req.User)

	message, err := b.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(req.Params.ModelName),
		MaxTokens:   int64(req.Params.MaxTokens),
		Temperature: anthropic.Float(req.Params.Temperature),
		TopP:        anthropic.Float(req.Params.TopP),
		TopK:        anthropic.Int(int64(req.Params.TopK)),
		System: []anthropic.TextBlockParam{
			{Text: req.System},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(imageBlock, textBlock),
		},
	})
	if err != nil {
		return Result{}, fmt.Errorf("visionmodel.AnthropicBackend: %w", err)
	}

	var out string
	for _, block := range message.Content {
		if block.Type == "text" {
			out += block.Text
		}
	}

	return Result{RawText: out, Duration: time.Since(start)}, nil
}
