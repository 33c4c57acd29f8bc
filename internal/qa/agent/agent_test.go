package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/tmc/langchaingo/llms"
)

type fakeModel struct {
	response string
	err      error
	lastMsgs []llms.MessageContent
	lastOpts llms.CallOptions
}

func (f *fakeModel) GenerateContent(_ context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	f.lastMsgs = messages
	var opts llms.CallOptions
	for _, o := range options {
		o(&opts)
	}
	f.lastOpts = opts
	if f.err != nil {
		return nil, f.err
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: f.response}}}, nil
}

func (f *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, f, prompt, options...)
}

func TestAgent_GenerateReturnsModelContent(t *testing.T) {
	m := &fakeModel{response: `{"pass":true}`}
	a := New(m)

	got, err := a.Generate(context.Background(), "system", "user", []byte("imgbytes"), CallParams{Temperature: 0.05})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got != `{"pass":true}` {
		t.Fatalf("got %q", got)
	}
	if m.lastOpts.Temperature != 0.05 {
		t.Fatalf("temperature not forwarded: got %v", m.lastOpts.Temperature)
	}
	if len(m.lastMsgs) != 2 {
		t.Fatalf("expected system+human messages, got %d", len(m.lastMsgs))
	}
	human := m.lastMsgs[1]
	if len(human.Parts) != 2 {
		t.Fatalf("expected text+binary parts when image is supplied, got %d", len(human.Parts))
	}
}

func TestAgent_GenerateOmitsImagePartWhenEmpty(t *testing.T) {
	m := &fakeModel{response: "ok"}
	a := New(m)

	if _, err := a.Generate(context.Background(), "system", "user", nil, CallParams{}); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	human := m.lastMsgs[1]
	if len(human.Parts) != 1 {
		t.Fatalf("expected only text part when no image, got %d", len(human.Parts))
	}
}

func TestAgent_GenerateWrapsModelError(t *testing.T) {
	m := &fakeModel{err: errors.New("backend down")}
	a := New(m)

	_, err := a.Generate(context.Background(), "s", "u", nil, CallParams{})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestAgent_GenerateRejectsEmptyChoices(t *testing.T) {
	m := &emptyChoiceModel{}
	a := New(m)
	_, err := a.Generate(context.Background(), "s", "u", nil, CallParams{})
	if err == nil {
		t.Fatal("expected error for empty choices")
	}
}

type emptyChoiceModel struct{}

func (emptyChoiceModel) GenerateContent(context.Context, []llms.MessageContent, ...llms.CallOption) (*llms.ContentResponse, error) {
	return &llms.ContentResponse{}, nil
}

func (m emptyChoiceModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}
