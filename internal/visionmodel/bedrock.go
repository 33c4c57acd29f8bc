package visionmodel

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
)

// BedrockBackend calls an AWS Bedrock model (spec §6 backend alternative
// to the local runtime / Anthropic API, for deployments that route
// through an AWS account instead).
type BedrockBackend struct {
	client *bedrockruntime.Client
}

// NewBedrockBackend wraps a pre-configured bedrockruntime client (built
// from aws-sdk-go-v2/config.LoadDefaultConfig by the caller, so region
// and credential resolution follow the standard AWS SDK chain).
func NewBedrockBackend(client *bedrockruntime.Client) *BedrockBackend {
	return &BedrockBackend{client: client}
}

type bedrockImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type bedrockContentBlock struct {
	Type   string              `json:"type"`
	Text   string               `json:"text,omitempty"`
	Source *bedrockImageSource  `json:"source,omitempty"`
}

type bedrockMessage struct {
	Role    string                `json:"role"`
	Content []bedrockContentBlock `json:"content"`
}

// bedrockInvokeBody follows Bedrock's Anthropic-models wire format
// ("anthropic_version": "bedrock-2023-05-31").
type bedrockInvokeBody struct {
	AnthropicVersion string           `json:"anthropic_version"`
	MaxTokens        int              `json:"max_tokens"`
	Temperature      float64          `json:"temperature"`
	TopP             float64          `json:"top_p"`
	TopK             int              `json:"top_k"`
	System           string           `json:"system"`
	Messages         []bedrockMessage `json:"messages"`
}

type bedrockInvokeResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

func (b *BedrockBackend) Generate(ctx context.Context, req Request) (Result, error) {
	start := time.Now()

	body := bedrockInvokeBody{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        req.Params.MaxTokens,
		Temperature:      req.Params.Temperature,
		TopP:             req.Params.TopP,
		TopK:             req.Params.TopK,
		System:           req.System,
		Messages: []bedrockMessage{
			{
				Role: "user",
				Content: []bedrockContentBlock{
					{Type: "image", Source: &bedrockImageSource{
						Type:      "base64",
						MediaType: "image/jpeg",
						Data:      base64.StdEncoding.EncodeToString(req.ImageData),
					}},
					{Type: "text", Text: req.User},
				},
			},
		},
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return Result{}, fmt.Errorf("visionmodel.BedrockBackend: marshal body: %w", err)
	}

	out, err := b.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(req.Params.ModelName),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        raw,
	})
	if err != nil {
		return Result{}, fmt.Errorf("visionmodel.BedrockBackend: invoke: %w", err)
	}

	var parsed bedrockInvokeResponse
	if err := json.Unmarshal(out.Body, &parsed); err != nil {
		return Result{}, fmt.Errorf("visionmodel.BedrockBackend: decode response: %w", err)
	}

	var text string
	for _, c := range parsed.Content {
		if c.Type == "text" {
			text += c.Text
		}
	}

	return Result{RawText: text, Duration: time.Since(start)}, nil
}
