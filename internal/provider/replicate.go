package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"genjob-orchestrator/internal/joberr"
)

const maxErrorBody = 4 << 10

// Options configures the Replicate HTTP client.
type Options struct {
	Token      string
	BaseURL    string
	Model      string
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// Replicate is a Provider backed by the Replicate predictions API.
type Replicate struct {
	token      string
	baseURL    string
	model      string
	httpClient *http.Client
	log        zerolog.Logger
}

// NewReplicate builds a client. A missing token is a configuration error so it
// is reported before any request is attempted.
func NewReplicate(opts Options) (*Replicate, error) {
	if strings.TrimSpace(opts.Token) == "" {
		return nil, joberr.Configurationf("provider token is not configured")
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.replicate.com/v1"
	}
	model := strings.Trim(opts.Model, "/ ")
	if model == "" {
		model = "google/nano-banana"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		// Callers bound each request with a context deadline; this is a backstop.
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Replicate{
		token:      opts.Token,
		baseURL:    baseURL,
		model:      model,
		httpClient: httpClient,
		log:        opts.Logger,
	}, nil
}

type createBody struct {
	Input createInput `json:"input"`
}

type createInput struct {
	Prompt       string   `json:"prompt"`
	ImageInput   []string `json:"image_input,omitempty"`
	AspectRatio  string   `json:"aspect_ratio,omitempty"`
	OutputFormat string   `json:"output_format,omitempty"`
}

// Create starts a prediction and returns as soon as the backend acknowledges it.
func (r *Replicate) Create(ctx context.Context, req CreateRequest) (Prediction, error) {
	body, err := json.Marshal(createBody{Input: createInput{
		Prompt:       req.Prompt,
		ImageInput:   req.Images,
		AspectRatio:  req.AspectRatio,
		OutputFormat: req.OutputFormat,
	}})
	if err != nil {
		return Prediction{}, fmt.Errorf("marshal create body: %w", err)
	}
	endpoint := fmt.Sprintf("%s/models/%s/predictions", r.baseURL, r.model)
	resp, err := r.do(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Prediction{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Prediction{}, providerError(resp)
	}
	pred, err := decodePrediction(resp)
	if err != nil {
		return Prediction{}, err
	}
	if pred.ID == "" {
		return Prediction{}, joberr.NewProvider(resp.StatusCode, "create response carried no prediction id")
	}
	return pred, nil
}

// Get fetches the current state of a prediction. Unknown ids yield ErrNotFound.
func (r *Replicate) Get(ctx context.Context, id string) (Prediction, error) {
	resp, err := r.do(ctx, http.MethodGet, r.predictionURL(id), nil)
	if err != nil {
		return Prediction{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		_, _ = io.Copy(io.Discard, resp.Body)
		return Prediction{}, ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Prediction{}, providerError(resp)
	}
	return decodePrediction(resp)
}

// Delete removes a prediction and its artifacts. An unknown id is not an error.
func (r *Replicate) Delete(ctx context.Context, id string) error {
	resp, err := r.do(ctx, http.MethodDelete, r.predictionURL(id), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))

	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return joberr.NewProvider(resp.StatusCode, "delete prediction failed")
	}
	return nil
}

func (r *Replicate) predictionURL(id string) string {
	return fmt.Sprintf("%s/predictions/%s", r.baseURL, url.PathEscape(id))
}

func (r *Replicate) do(ctx context.Context, method, endpoint string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+r.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	start := time.Now()
	resp, err := r.httpClient.Do(req)
	if err != nil {
		r.log.Debug().Err(err).Str("method", method).Dur("elapsed", time.Since(start)).Msg("provider request failed")
		return nil, joberr.NewTransient(err)
	}
	r.log.Debug().Str("method", method).Int("status", resp.StatusCode).Dur("elapsed", time.Since(start)).Msg("provider request")
	return resp, nil
}

func decodePrediction(resp *http.Response) (Prediction, error) {
	var pred Prediction
	if err := json.NewDecoder(resp.Body).Decode(&pred); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return Prediction{}, joberr.NewProvider(resp.StatusCode, "truncated prediction response")
		}
		return Prediction{}, joberr.NewProvider(resp.StatusCode, fmt.Sprintf("malformed prediction response: %v", err))
	}
	return pred, nil
}

func providerError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := strings.TrimSpace(string(raw))
	var parsed struct {
		Detail string `json:"detail"`
		Title  string `json:"title"`
		Error  string `json:"error"`
	}
	if json.Unmarshal(raw, &parsed) == nil {
		switch {
		case parsed.Detail != "":
			msg = parsed.Detail
		case parsed.Error != "":
			msg = parsed.Error
		case parsed.Title != "":
			msg = parsed.Title
		}
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return joberr.NewProvider(resp.StatusCode, msg)
}

var _ Provider = (*Replicate)(nil)
