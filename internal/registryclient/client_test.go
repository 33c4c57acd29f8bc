package registryclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNextJob_404ReturnsErrNoJob(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL, "key", srv.Client())
	_, err := c.NextJob(context.Background())
	if err != ErrNoJob {
		t.Fatalf("err = %v, want ErrNoJob", err)
	}
}

func TestNextJob_ValidJobDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != "key" {
			t.Errorf("missing API key header")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"client": {"id":"11111111-1111-1111-1111-111111111111","slug":"c","name":"Client"},
			"project": {"id":"22222222-2222-2222-2222-222222222222","slug":"p","name":"Project"},
			"media": [{"id":"33333333-3333-3333-3333-333333333333","filename":"a.jpg","optimised_path":"https://example.com/a.jpg"}],
			"analyses": [{"id":"44444444-4444-4444-4444-444444444444","name":"Tags","slug":"tags"}]
		}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "key", srv.Client())
	job, err := c.NextJob(context.Background())
	if err != nil {
		t.Fatalf("NextJob: %v", err)
	}
	if job.Client.Slug != "c" || len(job.Media) != 1 || len(job.Analyses) != 1 {
		t.Fatalf("unexpected job: %+v", job)
	}
}

func TestSubmitAnalysis_DuplicateIsNonRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("duplicate"))
	}))
	defer srv.Close()

	c := New(srv.URL, "key", srv.Client())
	err := c.SubmitAnalysis(context.Background(), "p", "m", "a", AnalysisSubmission{
		ModelUsed: "m", UserPromptUsed: "u", SystemPromptUsed: "s", Status: "completed", AnalysisResult: map[string]any{},
	})
	var nonRetryable *ErrNonRetryable
	if err == nil {
		t.Fatal("expected error")
	}
	if e, ok := err.(*ErrNonRetryable); !ok {
		t.Fatalf("err type = %T, want *ErrNonRetryable", err)
	} else {
		nonRetryable = e
	}
	if nonRetryable.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", nonRetryable.StatusCode)
	}
}

func TestSubmitAnalysis_ServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(srv.URL, "key", srv.Client())
	err := c.SubmitAnalysis(context.Background(), "p", "m", "a", AnalysisSubmission{
		ModelUsed: "m", UserPromptUsed: "u", SystemPromptUsed: "s", Status: "completed", AnalysisResult: map[string]any{},
	})
	if _, ok := err.(*ErrRetryable); !ok {
		t.Fatalf("err type = %T, want *ErrRetryable", err)
	}
}
