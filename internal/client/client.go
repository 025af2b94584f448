// Package client talks to the generation API. Its Probe method satisfies
// jobs.StatusProber, so a remote caller can drive the same poll loop the
// server uses.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"genjob-orchestrator/internal/joberr"
	"genjob-orchestrator/internal/models"
)

const maxBody = 1 << 20

// Client is an HTTP client for /v1/generations.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New returns a client for the API at baseURL. A nil httpClient gets a default
// with a 60s backstop timeout.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), httpClient: httpClient}
}

// Result is the body the API returns for a job.
type Result struct {
	JobID    string `json:"jobId,omitempty"`
	Status   string `json:"status"`
	Result   string `json:"result,omitempty"`
	Error    string `json:"error,omitempty"`
	Category string `json:"category,omitempty"`
}

// Submit creates a job and returns its id.
func (c *Client) Submit(ctx context.Context, params models.GenerationParams) (string, error) {
	var out struct {
		JobID string `json:"jobId"`
	}
	if err := c.post(ctx, "/v1/generations", params, http.StatusAccepted, &out); err != nil {
		return "", err
	}
	if out.JobID == "" {
		return "", &joberr.Error{Kind: joberr.KindProvider, Message: "submit response carried no job id"}
	}
	return out.JobID, nil
}

// Run calls the synchronous endpoint. A failed job is returned as both a
// Result and an error.
func (c *Client) Run(ctx context.Context, params models.GenerationParams) (Result, error) {
	var out Result
	err := c.post(ctx, "/v1/generations:run", params, http.StatusOK, &out)
	return out, err
}

// Probe fetches the status of jobID once.
func (c *Client) Probe(ctx context.Context, jobID string) (models.Status, error) {
	if strings.TrimSpace(jobID) == "" {
		return models.Status{}, joberr.Validationf("job id is required")
	}
	resp, err := c.do(ctx, http.MethodGet, "/v1/generations/"+url.PathEscape(jobID), nil)
	if err != nil {
		return models.Status{}, err
	}
	defer resp.Body.Close()

	var out Result
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	_ = json.Unmarshal(raw, &out)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return models.Status{State: models.StateNotFound}, nil
	case resp.StatusCode != http.StatusOK:
		return models.Status{}, responseError(resp.StatusCode, out, raw)
	}

	st := models.Status{State: models.State(out.Status)}
	switch st.State {
	case models.StatePending, models.StateRunning:
	case models.StateSucceeded:
		st.Result = out.Result
	case models.StateFailed:
		st.Error = out.Error
	default:
		return models.Status{}, joberr.NewProvider(resp.StatusCode, fmt.Sprintf("unexpected status %q", out.Status))
	}
	return st, nil
}

func (c *Client) post(ctx context.Context, path string, body any, want int, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	resp, err := c.do(ctx, http.MethodPost, path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return joberr.NewTransient(err)
	}
	var parsed Result
	_ = json.Unmarshal(raw, &parsed)
	if out != nil {
		_ = json.Unmarshal(raw, out)
	}
	if resp.StatusCode != want {
		return responseError(resp.StatusCode, parsed, raw)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, joberr.NewTransient(err)
	}
	return resp, nil
}

// responseError rebuilds the typed error the server reported.
func responseError(code int, body Result, raw []byte) error {
	msg := body.Error
	if msg == "" {
		msg = strings.TrimSpace(string(raw))
	}
	if msg == "" {
		msg = http.StatusText(code)
	}
	kind := joberr.Kind(body.Category)
	switch kind {
	case joberr.KindValidation, joberr.KindConfiguration, joberr.KindTimeout,
		joberr.KindEmptyResult, joberr.KindNotFound, joberr.KindCanceled:
		return &joberr.Error{Kind: kind, Message: msg, JobID: body.JobID, StatusCode: code}
	case joberr.KindTransient:
		return &joberr.Error{Kind: joberr.KindTransient, Message: msg, JobID: body.JobID, StatusCode: code}
	}
	e := joberr.NewProvider(code, msg)
	e.JobID = body.JobID
	if kind == joberr.KindProvider {
		// The server already decided the upstream failure is final.
		e.Temporary = code == http.StatusTooManyRequests
	}
	return e
}
