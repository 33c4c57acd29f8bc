// Package imageprovider fetches media bytes for a task, enforcing the
// size/resolution/format constraints spec §6 assigns to the Image
// Provider collaborator.
package imageprovider

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"strings"
	"time"

	_ "golang.org/x/image/webp"
)

const (
	// MaxBytes bounds a fetched image (spec §6: "10 MB max").
	MaxBytes = 10 << 20

	// MinDimension bounds the shorter image edge (spec §6: "224×224 min
	// resolution").
	MinDimension = 224
)

// SupportedFormats is the closed set of accepted image formats (spec §6).
var SupportedFormats = map[string]bool{
	"jpg": true, "jpeg": true, "png": true, "webp": true,
}

// Media describes one image to fetch (spec §6: "media descriptor (id +
// two URLs)").
type Media struct {
	ID             string
	Filename       string
	OptimisedPath  string
	GreyscalePath  string
}

// ErrTooLarge, ErrTooSmall, and ErrUnsupportedFormat are returned by
// Fetch when a downloaded image violates a size/resolution/format
// constraint.
type ErrTooLarge struct{ Bytes int }

func (e *ErrTooLarge) Error() string { return fmt.Sprintf("imageprovider: image is %d bytes, max %d", e.Bytes, MaxBytes) }

type ErrTooSmall struct{ Width, Height int }

func (e *ErrTooSmall) Error() string {
	return fmt.Sprintf("imageprovider: image is %dx%d, min %dx%d", e.Width, e.Height, MinDimension, MinDimension)
}

type ErrUnsupportedFormat struct{ Format string }

func (e *ErrUnsupportedFormat) Error() string {
	return fmt.Sprintf("imageprovider: unsupported format %q", e.Format)
}

// Provider fetches and validates image bytes, preferring OptimisedPath
// with fallback to GreyscalePath (spec §6).
type Provider struct {
	Client *http.Client
}

// New constructs a Provider with a bounded HTTP client.
func New(client *http.Client) *Provider {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Provider{Client: client}
}

// Fetch downloads and validates m's image bytes, trying OptimisedPath
// first and falling back to GreyscalePath on any failure (network,
// format, size, or resolution).
func (p *Provider) Fetch(ctx context.Context, m Media) ([]byte, error) {
	if !hasSupportedFormat(m.Filename) {
		return nil, &ErrUnsupportedFormat{Format: extOf(m.Filename)}
	}

	data, err := p.fetchOne(ctx, m.OptimisedPath)
	if err == nil {
		if verr := p.validate(data); verr == nil {
			return data, nil
		} else if m.GreyscalePath == "" {
			return nil, verr
		}
	}

	data, err = p.fetchOne(ctx, m.GreyscalePath)
	if err != nil {
		return nil, fmt.Errorf("imageprovider.Fetch(%s): both optimised and greyscale paths failed: %w", m.ID, err)
	}
	if verr := p.validate(data); verr != nil {
		return nil, verr
	}
	return data, nil
}

func (p *Provider) fetchOne(ctx context.Context, url string) ([]byte, error) {
	if url == "" {
		return nil, fmt.Errorf("imageprovider: empty URL")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("imageprovider: GET %s: status %d", url, resp.StatusCode)
	}

	limited := io.LimitReader(resp.Body, MaxBytes+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if len(data) > MaxBytes {
		return nil, &ErrTooLarge{Bytes: len(data)}
	}
	return data, nil
}

func (p *Provider) validate(data []byte) error {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("imageprovider: decode image config: %w", err)
	}
	if cfg.Width < MinDimension || cfg.Height < MinDimension {
		return &ErrTooSmall{Width: cfg.Width, Height: cfg.Height}
	}
	return nil
}

func hasSupportedFormat(filename string) bool {
	return SupportedFormats[extOf(filename)]
}

func extOf(filename string) string {
	i := strings.LastIndexByte(filename, '.')
	if i < 0 {
		return ""
	}
	return strings.ToLower(filename[i+1:])
}
