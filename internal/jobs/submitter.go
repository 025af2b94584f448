package jobs

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"genjob-orchestrator/internal/joberr"
	"genjob-orchestrator/internal/models"
	"genjob-orchestrator/internal/prompt"
	"genjob-orchestrator/internal/provider"
	"genjob-orchestrator/internal/telemetry"
)

const maxGuidanceRunes = 500

// SubmitterOptions wires a Submitter. Provider may be nil when no credential
// is configured; Submit then fails with a configuration error.
type SubmitterOptions struct {
	Provider     provider.Provider
	Prompts      prompt.Builder
	Timeout      time.Duration
	Tracker      Tracker
	AbandonAfter time.Duration
	Logger       zerolog.Logger
}

// Submitter creates remote jobs. It never waits for them to finish.
type Submitter struct {
	provider     provider.Provider
	prompts      prompt.Builder
	timeout      time.Duration
	tracker      Tracker
	abandonAfter time.Duration
	log          zerolog.Logger
}

func NewSubmitter(opts SubmitterOptions) *Submitter {
	if opts.Prompts == nil {
		opts.Prompts = prompt.Portrait{}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 25 * time.Second
	}
	if opts.AbandonAfter <= 0 {
		opts.AbandonAfter = 3 * time.Minute
	}
	return &Submitter{
		provider:     opts.Provider,
		prompts:      opts.Prompts,
		timeout:      opts.Timeout,
		tracker:      opts.Tracker,
		abandonAfter: opts.AbandonAfter,
		log:          opts.Logger,
	}
}

// Submit validates params and creates one remote job. If the provider created
// the job but reported it as already failed, the id is returned alongside the
// error so the caller can clean it up.
func (s *Submitter) Submit(ctx context.Context, params models.GenerationParams) (string, error) {
	env, style, err := Validate(params)
	if err != nil {
		telemetry.Submissions.WithLabelValues(string(joberr.KindValidation)).Inc()
		return "", err
	}
	if s.provider == nil {
		telemetry.Submissions.WithLabelValues(string(joberr.KindConfiguration)).Inc()
		return "", joberr.Configurationf("provider credential is not configured")
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	pred, err := s.provider.Create(callCtx, provider.CreateRequest{
		Prompt:       s.prompts.Build(env, style, params.Guidance),
		Images:       []string{strings.TrimSpace(params.Image)},
		AspectRatio:  "1:1",
		OutputFormat: "jpg",
	})
	if err != nil {
		err = asSubmitError(err)
		telemetry.Submissions.WithLabelValues(string(joberr.KindOf(err))).Inc()
		s.log.Warn().Err(err).Str("environment", string(env)).Msg("submit failed")
		return "", err
	}

	s.track(ctx, pred.ID)

	switch normalizeState(pred.Status, s.log) {
	case models.StateFailed, models.StateCanceled:
		detail := pred.ErrorDetail()
		if detail == "" {
			detail = fallbackFailure
		}
		telemetry.Submissions.WithLabelValues(string(joberr.KindProvider)).Inc()
		return pred.ID, &joberr.Error{Kind: joberr.KindProvider, JobID: pred.ID, Message: detail}
	}

	telemetry.Submissions.WithLabelValues("accepted").Inc()
	s.log.Info().Str("job_id", pred.ID).Str("environment", string(env)).Str("style", string(style)).Msg("job submitted")
	return pred.ID, nil
}

func (s *Submitter) track(ctx context.Context, jobID string) {
	if s.tracker == nil {
		return
	}
	trackCtx, cancel := context.WithTimeout(detach(ctx), 2*time.Second)
	defer cancel()
	if err := s.tracker.Track(trackCtx, jobID, time.Now().Add(s.abandonAfter)); err != nil {
		s.log.Warn().Err(err).Str("job_id", jobID).Msg("track job for cleanup")
	}
}

// asSubmitError reports an unreachable provider as a provider error: during
// submission nothing is retried.
func asSubmitError(err error) error {
	e, ok := joberr.As(err)
	if !ok {
		return &joberr.Error{Kind: joberr.KindProvider, Message: err.Error(), Err: err}
	}
	if e.Kind == joberr.KindTransient {
		return &joberr.Error{Kind: joberr.KindProvider, Message: "provider unreachable", Err: e.Err}
	}
	return e
}

// Validate checks params without touching the network and returns the parsed
// selectors.
func Validate(p models.GenerationParams) (models.Environment, models.Style, error) {
	img := strings.TrimSpace(p.Image)
	if img == "" {
		return "", "", joberr.Validationf("image is required")
	}
	if !validImageRef(img) {
		return "", "", joberr.Validationf("image must be an http(s) URL or a data:image base64 URI")
	}
	if strings.TrimSpace(p.Environment) == "" {
		return "", "", joberr.Validationf("environment is required")
	}
	env, ok := models.ParseEnvironment(p.Environment)
	if !ok {
		return "", "", joberr.Validationf("unknown environment %q", p.Environment)
	}
	if strings.TrimSpace(p.Style) == "" {
		return "", "", joberr.Validationf("style is required")
	}
	style, ok := models.ParseStyle(p.Style)
	if !ok {
		return "", "", joberr.Validationf("unknown style %q", p.Style)
	}
	if utf8.RuneCountInString(p.Guidance) > maxGuidanceRunes {
		return "", "", joberr.Validationf("guidance exceeds %d characters", maxGuidanceRunes)
	}
	return env, style, nil
}

func validImageRef(ref string) bool {
	lower := strings.ToLower(ref)
	switch {
	case strings.HasPrefix(lower, "https://"), strings.HasPrefix(lower, "http://"):
		return len(ref) > len("https://")
	case strings.HasPrefix(lower, "data:image/"):
		i := strings.Index(lower, ";base64,")
		return i > 0 && i+len(";base64,") < len(ref)
	}
	return false
}
