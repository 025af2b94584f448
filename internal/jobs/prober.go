package jobs

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"genjob-orchestrator/internal/joberr"
	"genjob-orchestrator/internal/models"
	"genjob-orchestrator/internal/provider"
	"genjob-orchestrator/internal/telemetry"
)

// Prober performs single, read-only status checks against the provider.
type Prober struct {
	provider provider.Provider
	timeout  time.Duration
	log      zerolog.Logger
}

func NewProber(p provider.Provider, timeout time.Duration, log zerolog.Logger) *Prober {
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &Prober{provider: p, timeout: timeout, log: log}
}

// Probe returns the normalized status of jobID. An id the provider does not
// know yields StateNotFound, not an error. No retries happen here.
func (p *Prober) Probe(ctx context.Context, jobID string) (models.Status, error) {
	if strings.TrimSpace(jobID) == "" {
		return models.Status{}, joberr.Validationf("job id is required")
	}
	if p.provider == nil {
		return models.Status{}, joberr.Configurationf("provider credential is not configured")
	}

	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	pred, err := p.provider.Get(callCtx, jobID)
	if errors.Is(err, provider.ErrNotFound) {
		telemetry.Probes.WithLabelValues(string(models.StateNotFound)).Inc()
		return models.Status{State: models.StateNotFound}, nil
	}
	if err != nil {
		telemetry.Probes.WithLabelValues(string(joberr.KindOf(err))).Inc()
		return models.Status{}, joberr.WithJob(err, jobID)
	}

	st := normalize(pred, p.log)
	telemetry.Probes.WithLabelValues(string(st.State)).Inc()
	return st, nil
}

func normalize(pred provider.Prediction, log zerolog.Logger) models.Status {
	st := models.Status{State: normalizeState(pred.Status, log)}
	switch st.State {
	case models.StateSucceeded:
		st.Result = pred.OutputRef()
	case models.StateFailed, models.StateCanceled:
		st.Error = pred.ErrorDetail()
	}
	return st
}

// normalizeState maps the provider vocabulary onto the five lifecycle states.
// Unknown values are treated as still running.
func normalizeState(raw string, log zerolog.Logger) models.State {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "starting", "queued", "pending", "":
		return models.StatePending
	case "processing", "running", "in_progress":
		return models.StateRunning
	case "succeeded", "successful", "completed":
		return models.StateSucceeded
	case "failed", "error":
		return models.StateFailed
	case "canceled", "cancelled", "aborted":
		return models.StateCanceled
	}
	log.Warn().Str("status", raw).Msg("unrecognized provider status, treating as running")
	return models.StateRunning
}
