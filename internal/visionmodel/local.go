package visionmodel

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// LocalBackend calls a local HTTP vision-model runtime on loopback (spec
// §6: "Vision Model Runtime (local service on loopback)").
type LocalBackend struct {
	Addr   string
	Client *http.Client
}

// NewLocalBackend constructs a LocalBackend with a bounded HTTP client;
// the caller's ctx deadline still governs overall call time.
func NewLocalBackend(addr string, client *http.Client) *LocalBackend {
	if client == nil {
		client = &http.Client{Timeout: 90 * time.Second}
	}
	return &LocalBackend{Addr: addr, Client: client}
}

type localGenerateRequest struct {
	Model       string  `json:"model"`
	System      string  `json:"system"`
	User        string  `json:"user"`
	ImageBase64 string  `json:"image_base64"`
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
	TopK        int     `json:"top_k"`
	NumCtx      int     `json:"num_ctx"`
	MaxTokens   int     `json:"max_tokens"`
}

type localGenerateResponse struct {
	Output string `json:"output"`
}

func (b *LocalBackend) Generate(ctx context.Context, req Request) (Result, error) {
	start := time.Now()

	body := localGenerateRequest{
		Model:       req.Params.ModelName,
		System:      req.System,
		User:        req.User,
		ImageBase64: base64.StdEncoding.EncodeToString(req.ImageData),
		Temperature: req.Params.Temperature,
		TopP:        req.Params.TopP,
		TopK:        req.Params.TopK,
		NumCtx:      req.Params.ContextSize,
		MaxTokens:   req.Params.MaxTokens,
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return Result{}, fmt.Errorf("visionmodel.LocalBackend: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.Addr+"/generate", bytes.NewReader(raw))
	if err != nil {
		return Result{}, fmt.Errorf("visionmodel.LocalBackend: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := b.Client.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("visionmodel.LocalBackend: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("visionmodel.LocalBackend: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("visionmodel.LocalBackend: status %d: %s", resp.StatusCode, string(respBody))
	}

	var out localGenerateResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return Result{}, fmt.Errorf("visionmodel.LocalBackend: decode response: %w", err)
	}

	return Result{RawText: out.Output, Duration: time.Since(start)}, nil
}
