// Package provider talks to the remote compute backend. Any backend with
// create / get / delete semantics over an opaque job id can sit behind
// Provider.
package provider

import (
	"context"
	"errors"
	"strings"
)

// ErrNotFound is returned by Get when the backend does not know the id.
var ErrNotFound = errors.New("prediction not found")

// CreateRequest is the model input for one generation.
type CreateRequest struct {
	Prompt       string
	Images       []string
	AspectRatio  string
	OutputFormat string
}

// Prediction is the backend's raw view of a job, before normalization.
type Prediction struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Output any    `json:"output"`
	Error  any    `json:"error"`
}

// OutputRef returns the first non-empty artifact reference in Output, which
// may be a single string or a list of strings.
func (p Prediction) OutputRef() string {
	switch v := p.Output.(type) {
	case string:
		return strings.TrimSpace(v)
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
	case []string:
		for _, s := range v {
			if strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
	}
	return ""
}

// ErrorDetail returns the backend's error message, if any.
func (p Prediction) ErrorDetail() string {
	switch v := p.Error.(type) {
	case string:
		return strings.TrimSpace(v)
	case map[string]any:
		if msg, ok := v["message"].(string); ok {
			return strings.TrimSpace(msg)
		}
		if msg, ok := v["detail"].(string); ok {
			return strings.TrimSpace(msg)
		}
	}
	return ""
}

// Provider is the contract the job packages depend on.
type Provider interface {
	Create(ctx context.Context, req CreateRequest) (Prediction, error)
	Get(ctx context.Context, id string) (Prediction, error)
	Delete(ctx context.Context, id string) error
}
