package api

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"genjob-orchestrator/internal/joberr"
	"genjob-orchestrator/internal/jobs"
	"genjob-orchestrator/internal/models"
	"genjob-orchestrator/internal/ratelimit"
	"genjob-orchestrator/internal/store"
	"genjob-orchestrator/internal/telemetry"
)

// maxBodyBytes leaves room for an inline data:image URI.
const maxBodyBytes = 16 << 20

type Submitter interface {
	Submit(ctx context.Context, params models.GenerationParams) (string, error)
}

type Finalizer interface {
	Settle(ctx context.Context, jobID string, st models.Status) jobs.Outcome
	Abandon(ctx context.Context, jobID string, cause error)
}

type Runner interface {
	Run(ctx context.Context, params models.GenerationParams) (jobs.Outcome, error)
}

// Store is the subset of the Postgres journal the handlers read and write.
type Store interface {
	CreateGeneration(ctx context.Context, id string, env models.Environment, style models.Style, guidance string) error
	GetGeneration(ctx context.Context, id string) (models.Job, error)
	RecordProgress(ctx context.Context, id string, state models.State) error
}

type Limiter interface {
	Allow(ctx context.Context, clientKey string) (ratelimit.Decision, error)
}

// Options wires the server. Store, Limiter and Runner are optional.
type Options struct {
	Submitter    Submitter
	Prober       jobs.StatusProber
	Finalizer    Finalizer
	Runner       Runner
	Store        Store
	Limiter      Limiter
	SyncDeadline time.Duration
	Logger       zerolog.Logger
}

// Server wires HTTP handlers for the generation API.
type Server struct {
	submitter    Submitter
	prober       jobs.StatusProber
	finalizer    Finalizer
	runner       Runner
	store        Store
	limiter      Limiter
	syncDeadline time.Duration
	log          zerolog.Logger
}

// New constructs the API server.
func New(opts Options) *Server {
	if opts.SyncDeadline <= 0 {
		opts.SyncDeadline = 55 * time.Second
	}
	return &Server{
		submitter:    opts.Submitter,
		prober:       opts.Prober,
		finalizer:    opts.Finalizer,
		runner:       opts.Runner,
		store:        opts.Store,
		limiter:      opts.Limiter,
		syncDeadline: opts.SyncDeadline,
		log:          opts.Logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(requestLogger(s.log))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/v1/generations", s.handleSubmit)
	r.Post("/v1/generations:run", s.handleRun)
	r.Get("/v1/generations/{id}", s.handleStatus)
	return r
}

type submitResponse struct {
	JobID string `json:"jobId"`
}

type generationResponse struct {
	JobID    string `json:"jobId,omitempty"`
	Status   string `json:"status"`
	Result   string `json:"result,omitempty"`
	Error    string `json:"error,omitempty"`
	Category string `json:"category,omitempty"`
}

type errorResponse struct {
	Error    string `json:"error"`
	Category string `json:"category"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r) {
		return
	}
	params, ok := decodeParams(w, r)
	if !ok {
		return
	}

	jobID, err := s.submitter.Submit(r.Context(), params)
	if err != nil {
		if jobID != "" {
			s.finalizer.Abandon(r.Context(), jobID, err)
		}
		writeError(w, err)
		return
	}

	if s.store != nil {
		env, _ := models.ParseEnvironment(params.Environment)
		style, _ := models.ParseStyle(params.Style)
		if err := s.store.CreateGeneration(r.Context(), jobID, env, style, params.Guidance); err != nil {
			s.log.Warn().Err(err).Str("job_id", jobID).Msg("record submission")
		}
	}
	writeJSON(w, http.StatusAccepted, submitResponse{JobID: jobID})
}

// handleStatus answers one client poll. A terminal record is served from the
// store; otherwise the provider is probed once, and the first terminal
// observation is settled here.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	var record *models.Job
	if s.store != nil {
		job, err := s.store.GetGeneration(ctx, id)
		switch {
		case err == nil:
			if job.Status.Terminal() {
				writeJSON(w, http.StatusOK, recordResponse(job))
				return
			}
			record = &job
		case errors.Is(err, store.ErrNotFound):
		default:
			s.log.Warn().Err(err).Str("job_id", id).Msg("read generation record")
		}
	}

	st, err := s.prober.Probe(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}

	// An id the provider does not know and we never recorded is answered
	// without a cleanup call.
	if st.State == models.StateNotFound && record == nil {
		writeError(w, jobs.Resolve(id, st).Err)
		return
	}
	if st.State.Terminal() || st.State == models.StateNotFound {
		o := s.finalizer.Settle(ctx, id, st)
		if st.State == models.StateNotFound {
			writeError(w, o.Err)
			return
		}
		writeJSON(w, http.StatusOK, outcomeResponse(o))
		return
	}

	state := st.State
	if record != nil {
		if state.Regresses(record.Status) {
			state = record.Status
		} else if err := s.store.RecordProgress(ctx, id, state); err != nil {
			s.log.Warn().Err(err).Str("job_id", id).Msg("record progress")
		}
	}
	writeJSON(w, http.StatusOK, generationResponse{JobID: id, Status: string(state)})
}

// handleRun submits and waits within the sync deadline.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		writeError(w, joberr.Configurationf("synchronous generation is not enabled"))
		return
	}
	if !s.allow(w, r) {
		return
	}
	params, ok := decodeParams(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.syncDeadline)
	defer cancel()

	o, err := s.runner.Run(ctx, params)
	if err != nil {
		code := http.StatusBadGateway
		if e, ok := joberr.As(err); ok {
			code = e.HTTPStatus()
		}
		writeJSON(w, code, outcomeResponse(o))
		return
	}
	writeJSON(w, http.StatusOK, outcomeResponse(o))
}

func (s *Server) allow(w http.ResponseWriter, r *http.Request) bool {
	if s.limiter == nil {
		return true
	}
	d, err := s.limiter.Allow(r.Context(), clientKey(r))
	if err != nil {
		s.log.Error().Err(err).Msg("rate limiter")
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "rate limiter unavailable", Category: string(joberr.KindTransient)})
		return false
	}
	if !d.Allowed {
		telemetry.RateLimitRejects.Inc()
		if d.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
		}
		writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "too many submissions, slow down", Category: "rate_limited"})
		return false
	}
	return true
}

func decodeParams(w http.ResponseWriter, r *http.Request) (models.GenerationParams, bool) {
	var params models.GenerationParams
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&params); err != nil {
		writeError(w, joberr.Validationf("invalid json body"))
		return params, false
	}
	return params, true
}

func recordResponse(job models.Job) generationResponse {
	resp := generationResponse{JobID: job.ID, Status: string(job.Status)}
	switch job.Status {
	case models.StateSucceeded:
		resp.Result = job.Result
	case models.StateFailed, models.StateCanceled:
		resp.Status = string(models.StateFailed)
		resp.Error = job.ErrorDetail
		resp.Category = job.ErrorKind
		if resp.Category == "" {
			resp.Category = string(joberr.KindProvider)
		}
	}
	return resp
}

func outcomeResponse(o jobs.Outcome) generationResponse {
	resp := generationResponse{JobID: o.JobID, Status: string(o.State)}
	if o.Err != nil {
		resp.Status = string(models.StateFailed)
		resp.Error = message(o.Err)
		resp.Category = string(joberr.KindOf(o.Err))
		return resp
	}
	resp.Result = o.Result
	return resp
}

func message(err error) string {
	if e, ok := joberr.As(err); ok && e.Message != "" {
		return e.Message
	}
	return err.Error()
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusBadGateway
	if e, ok := joberr.As(err); ok {
		code = e.HTTPStatus()
	}
	writeJSON(w, code, errorResponse{Error: message(err), Category: string(joberr.KindOf(err))})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
