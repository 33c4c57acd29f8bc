// Package registryclient is the HTTP client for the external job
// registry (spec §6): acquiring jobs, submitting per-task results, and
// reporting process-level status and final reports.
package registryclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-playground/validator/v10"
)

// ErrNoJob is returned by NextJob when the registry reports 404 ("no
// jobs"); callers back off and poll again (spec §4.F).
var ErrNoJob = errors.New("registryclient: no job available")

// ErrUnauthorized is returned on a 401 response.
var ErrUnauthorized = errors.New("registryclient: unauthorized")

// ErrNonRetryable wraps a 4xx response other than 401 (and other than a
// 404 from NextJob, which becomes ErrNoJob); the caller must not retry the
// same request (spec §7).
type ErrNonRetryable struct {
	StatusCode int
	Body       string
}

func (e *ErrNonRetryable) Error() string {
	return fmt.Sprintf("registryclient: non-retryable status %d: %s", e.StatusCode, e.Body)
}

// ErrRetryable wraps a 5xx or network-level failure; the caller may retry
// with backoff (spec §7).
type ErrRetryable struct {
	StatusCode int
	Body       string
}

func (e *ErrRetryable) Error() string {
	return fmt.Sprintf("registryclient: retryable status %d: %s", e.StatusCode, e.Body)
}

// Client is the registry HTTP client. It is safe for concurrent use.
type Client struct {
	baseURL  string
	apiKey   string
	http     *http.Client
	validate *validator.Validate
}

// New constructs a Client. httpClient should already carry any
// transport-level circuit breaker (internal/breaker) the caller wants.
func New(baseURL, apiKey string, httpClient *http.Client) *Client {
	return &Client{baseURL: baseURL, apiKey: apiKey, http: httpClient, validate: validator.New()}
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, []byte, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, nil, fmt.Errorf("registryclient: marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, nil, fmt.Errorf("registryclient: build request: %w", err)
	}
	req.Header.Set("X-API-Key", c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, &ErrRetryable{Body: err.Error()}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp, nil, &ErrRetryable{StatusCode: resp.StatusCode, Body: err.Error()}
	}
	return resp, respBody, nil
}

// classify maps an HTTP status code to the spec's retryable/non-retryable
// taxonomy (spec §4.F, §7): 401 is ErrUnauthorized, any other 4xx
// (404 included) is non-retryable, and any other non-2xx status is
// retryable. NextJob checks for 404 itself before calling classify.
func classify(statusCode int, body []byte) error {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return nil
	case statusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	case statusCode >= 400 && statusCode < 500:
		return &ErrNonRetryable{StatusCode: statusCode, Body: string(body)}
	default:
		return &ErrRetryable{StatusCode: statusCode, Body: string(body)}
	}
}

// NextJob polls GET /next-job (spec §6). A 404 is translated to ErrNoJob,
// not an error the caller needs to unwrap.
func (c *Client) NextJob(ctx context.Context) (*Job, error) {
	resp, body, err := c.do(ctx, http.MethodGet, "/next-job", nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNoJob
	}
	if err := classify(resp.StatusCode, body); err != nil {
		return nil, err
	}

	var job Job
	if err := json.Unmarshal(body, &job); err != nil {
		return nil, fmt.Errorf("registryclient.NextJob: decode: %w", err)
	}
	if err := c.validate.Struct(&job); err != nil {
		return nil, fmt.Errorf("registryclient.NextJob: invalid job shape: %w", err)
	}
	if len(job.Media) == 0 || len(job.Analyses) == 0 {
		return nil, fmt.Errorf("registryclient.NextJob: job has 0 media or 0 analyses, rejected at acquisition")
	}
	return &job, nil
}

// SetProjectStatus calls PUT /projects/{projectId}/status.
func (c *Client) SetProjectStatus(ctx context.Context, projectID string, status ProjectStatus) error {
	resp, body, err := c.do(ctx, http.MethodPut, "/projects/"+projectID+"/status", status)
	if err != nil {
		return err
	}
	return classify(resp.StatusCode, body)
}

// SubmitAnalysis calls POST
// /projects/{projectId}/media/{mediaId}/analysis/{analysisId}. A 400 is
// treated as "duplicate" (non-retryable); a 422 as "invalid" (also
// non-retryable) — both surface as *ErrNonRetryable (spec §6).
func (c *Client) SubmitAnalysis(ctx context.Context, projectID, mediaID, analysisID string, sub AnalysisSubmission) error {
	path := fmt.Sprintf("/projects/%s/media/%s/analysis/%s", projectID, mediaID, analysisID)
	resp, body, err := c.do(ctx, http.MethodPost, path, sub)
	if err != nil {
		return err
	}
	return classify(resp.StatusCode, body)
}

// SubmitReport calls PUT /projects/{projectId}/reports.
func (c *Client) SubmitReport(ctx context.Context, projectID string, report Report) error {
	resp, body, err := c.do(ctx, http.MethodPut, "/projects/"+projectID+"/reports", report)
	if err != nil {
		return err
	}
	return classify(resp.StatusCode, body)
}
