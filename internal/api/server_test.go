package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"genjob-orchestrator/internal/joberr"
	"genjob-orchestrator/internal/jobs"
	"genjob-orchestrator/internal/models"
	"genjob-orchestrator/internal/ratelimit"
	"genjob-orchestrator/internal/store"
)

type stubSubmitter struct {
	id  string
	err error
}

func (s stubSubmitter) Submit(context.Context, models.GenerationParams) (string, error) {
	return s.id, s.err
}

type stubProber struct {
	st  models.Status
	err error
}

func (p stubProber) Probe(context.Context, string) (models.Status, error) {
	return p.st, p.err
}

type recordingFinalizer struct {
	mu        sync.Mutex
	settled   []string
	abandoned []string
}

func (f *recordingFinalizer) Settle(_ context.Context, id string, st models.Status) jobs.Outcome {
	f.mu.Lock()
	f.settled = append(f.settled, id)
	f.mu.Unlock()
	return jobs.Resolve(id, st)
}

func (f *recordingFinalizer) Abandon(_ context.Context, id string, _ error) {
	f.mu.Lock()
	f.abandoned = append(f.abandoned, id)
	f.mu.Unlock()
}

type memStore struct {
	mu       sync.Mutex
	rows     map[string]models.Job
	progress []models.State
}

func newMemStore() *memStore { return &memStore{rows: map[string]models.Job{}} }

func (m *memStore) CreateGeneration(_ context.Context, id string, env models.Environment, style models.Style, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[id] = models.Job{ID: id, Status: models.StatePending, Environment: string(env), Style: string(style)}
	return nil
}

func (m *memStore) GetGeneration(_ context.Context, id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.rows[id]
	if !ok {
		return models.Job{}, store.ErrNotFound
	}
	return job, nil
}

func (m *memStore) RecordProgress(_ context.Context, id string, state models.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.progress = append(m.progress, state)
	return nil
}

type stubLimiter struct{ d ratelimit.Decision }

func (l stubLimiter) Allow(context.Context, string) (ratelimit.Decision, error) { return l.d, nil }

type stubRunner struct {
	o   jobs.Outcome
	err error
}

func (r stubRunner) Run(context.Context, models.GenerationParams) (jobs.Outcome, error) {
	return r.o, r.err
}

const validBody = `{"image":"https://example.com/in.jpg","environment":"icu","style":"realistic"}`

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	out := map[string]any{}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestSubmitReturnsJobID(t *testing.T) {
	st := newMemStore()
	srv := New(Options{Submitter: stubSubmitter{id: "abc123"}, Finalizer: &recordingFinalizer{}, Store: st, Logger: zerolog.Nop()})

	rec, body := do(t, srv.Router(), http.MethodPost, "/v1/generations", validBody)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "abc123", body["jobId"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	job, err := st.GetGeneration(context.Background(), "abc123")
	require.NoError(t, err)
	assert.Equal(t, "icu", job.Environment)
}

func TestSubmitErrorsCarryCategory(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		code     int
		category string
	}{
		{"validation", joberr.Validationf("image is required"), http.StatusBadRequest, "validation"},
		{"configuration", joberr.Configurationf("provider credential is not configured"), http.StatusInternalServerError, "configuration"},
		{"provider", joberr.NewProvider(422, "invalid image"), http.StatusBadGateway, "provider"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := New(Options{Submitter: stubSubmitter{err: tc.err}, Finalizer: &recordingFinalizer{}, Logger: zerolog.Nop()})
			rec, body := do(t, srv.Router(), http.MethodPost, "/v1/generations", validBody)
			assert.Equal(t, tc.code, rec.Code)
			assert.Equal(t, tc.category, body["category"])
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestSubmitInvalidJSON(t *testing.T) {
	srv := New(Options{Submitter: stubSubmitter{id: "x"}, Logger: zerolog.Nop()})
	rec, body := do(t, srv.Router(), http.MethodPost, "/v1/generations", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation", body["category"])
}

func TestSubmitRejectedAtCreationIsAbandoned(t *testing.T) {
	fin := &recordingFinalizer{}
	err := &joberr.Error{Kind: joberr.KindProvider, JobID: "dead1", Message: "model produced no image"}
	srv := New(Options{Submitter: stubSubmitter{id: "dead1", err: err}, Finalizer: fin, Logger: zerolog.Nop()})

	rec, _ := do(t, srv.Router(), http.MethodPost, "/v1/generations", validBody)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, []string{"dead1"}, fin.abandoned)
}

func TestSubmitRateLimited(t *testing.T) {
	srv := New(Options{
		Submitter: stubSubmitter{id: "x"},
		Limiter:   stubLimiter{d: ratelimit.Decision{Allowed: false, RetryAfter: 1500 * time.Millisecond}},
		Logger:    zerolog.Nop(),
	})
	rec, body := do(t, srv.Router(), http.MethodPost, "/v1/generations", validBody)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate_limited", body["category"])
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
}

func TestStatusRunning(t *testing.T) {
	st := newMemStore()
	_ = st.CreateGeneration(context.Background(), "abc123", models.EnvironmentICU, models.StyleRealistic, "")
	fin := &recordingFinalizer{}
	srv := New(Options{Prober: stubProber{st: models.Status{State: models.StateRunning}}, Finalizer: fin, Store: st, Logger: zerolog.Nop()})

	rec, body := do(t, srv.Router(), http.MethodGet, "/v1/generations/abc123", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "running", body["status"])
	assert.Empty(t, fin.settled)
	assert.Equal(t, []models.State{models.StateRunning}, st.progress)
}

func TestStatusIgnoresRegressionAgainstRecord(t *testing.T) {
	st := newMemStore()
	st.rows["abc123"] = models.Job{ID: "abc123", Status: models.StateRunning}
	srv := New(Options{Prober: stubProber{st: models.Status{State: models.StatePending}}, Finalizer: &recordingFinalizer{}, Store: st, Logger: zerolog.Nop()})

	_, body := do(t, srv.Router(), http.MethodGet, "/v1/generations/abc123", "")
	assert.Equal(t, "running", body["status"])
	assert.Empty(t, st.progress)
}

func TestStatusSettlesFirstTerminalObservation(t *testing.T) {
	fin := &recordingFinalizer{}
	srv := New(Options{
		Prober:    stubProber{st: models.Status{State: models.StateSucceeded, Result: "https://cdn/out.jpg"}},
		Finalizer: fin,
		Logger:    zerolog.Nop(),
	})
	rec, body := do(t, srv.Router(), http.MethodGet, "/v1/generations/abc123", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "succeeded", body["status"])
	assert.Equal(t, "https://cdn/out.jpg", body["result"])
	assert.Equal(t, []string{"abc123"}, fin.settled)
}

func TestStatusFailedCarriesCategory(t *testing.T) {
	srv := New(Options{
		Prober:    stubProber{st: models.Status{State: models.StateCanceled}},
		Finalizer: &recordingFinalizer{},
		Logger:    zerolog.Nop(),
	})
	_, body := do(t, srv.Router(), http.MethodGet, "/v1/generations/abc123", "")
	assert.Equal(t, "failed", body["status"])
	assert.Equal(t, "model produced no image", body["error"])
	assert.Equal(t, "provider", body["category"])
}

func TestStatusServedFromTerminalRecord(t *testing.T) {
	st := newMemStore()
	st.rows["abc123"] = models.Job{ID: "abc123", Status: models.StateFailed, ErrorDetail: "job succeeded but produced no output", ErrorKind: "empty_result"}
	prober := stubProber{err: errors.New("must not be called")}
	srv := New(Options{Prober: prober, Finalizer: &recordingFinalizer{}, Store: st, Logger: zerolog.Nop()})

	rec, body := do(t, srv.Router(), http.MethodGet, "/v1/generations/abc123", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "failed", body["status"])
	assert.Equal(t, "empty_result", body["category"])
}

func TestStatusNotFound(t *testing.T) {
	fin := &recordingFinalizer{}
	st := newMemStore()
	_ = st.CreateGeneration(context.Background(), "gone", models.EnvironmentICU, models.StyleRealistic, "")
	srv := New(Options{Prober: stubProber{st: models.Status{State: models.StateNotFound}}, Finalizer: fin, Store: st, Logger: zerolog.Nop()})

	rec, body := do(t, srv.Router(), http.MethodGet, "/v1/generations/gone", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", body["category"])
	assert.Equal(t, []string{"gone"}, fin.settled)
}

func TestStatusUnknownIDSkipsCleanup(t *testing.T) {
	fin := &recordingFinalizer{}
	srv := New(Options{Prober: stubProber{st: models.Status{State: models.StateNotFound}}, Finalizer: fin, Store: newMemStore(), Logger: zerolog.Nop()})

	rec, body := do(t, srv.Router(), http.MethodGet, "/v1/generations/never-submitted", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", body["category"])
	assert.Empty(t, fin.settled)
	assert.Empty(t, fin.abandoned)
}

func TestStatusTransientProbe(t *testing.T) {
	srv := New(Options{Prober: stubProber{err: joberr.NewTransient(errors.New("dial tcp: refused"))}, Finalizer: &recordingFinalizer{}, Logger: zerolog.Nop()})
	rec, body := do(t, srv.Router(), http.MethodGet, "/v1/generations/abc123", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "transient", body["category"])
}

func TestRunSync(t *testing.T) {
	ok := New(Options{Runner: stubRunner{o: jobs.Outcome{JobID: "j1", State: models.StateSucceeded, Result: "https://cdn/r.jpg"}}, Logger: zerolog.Nop()})
	rec, body := do(t, ok.Router(), http.MethodPost, "/v1/generations:run", validBody)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://cdn/r.jpg", body["result"])

	timeout := &joberr.Error{Kind: joberr.KindTimeout, JobID: "j2", Message: "job did not finish in time, please try again"}
	slow := New(Options{Runner: stubRunner{o: jobs.Outcome{JobID: "j2", State: models.StateRunning, Err: timeout}, err: timeout}, Logger: zerolog.Nop()})
	rec, body = do(t, slow.Router(), http.MethodPost, "/v1/generations:run", validBody)
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Equal(t, "failed", body["status"])
	assert.Equal(t, "timeout", body["category"])
}

type pollRunner struct{ p *jobs.Poller }

func (r pollRunner) Run(ctx context.Context, _ models.GenerationParams) (jobs.Outcome, error) {
	return r.p.Poll(ctx, "slow-job")
}

func TestRunSyncDeadlineIsTimeout(t *testing.T) {
	poller := jobs.NewPoller(stubProber{st: models.Status{State: models.StateRunning}}, nil,
		jobs.PollConfig{Interval: 5 * time.Millisecond, MaxAttempts: 1000, ProbeTimeout: time.Second}, zerolog.Nop())
	srv := New(Options{Runner: pollRunner{p: poller}, SyncDeadline: 30 * time.Millisecond, Logger: zerolog.Nop()})

	rec, body := do(t, srv.Router(), http.MethodPost, "/v1/generations:run", validBody)
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Equal(t, "failed", body["status"])
	assert.Equal(t, "timeout", body["category"])
	assert.Equal(t, "slow-job", body["jobId"])
}

func TestRunDisabled(t *testing.T) {
	srv := New(Options{Logger: zerolog.Nop()})
	rec, body := do(t, srv.Router(), http.MethodPost, "/v1/generations:run", validBody)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "configuration", body["category"])
}

func TestClientKeyPrefersForwardedFor(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/", nil)
	r.RemoteAddr = "10.0.0.1:5555"
	assert.Equal(t, "10.0.0.1", clientKey(r))
	r.Header.Set("X-Forwarded-For", "garbage, 203.0.113.9")
	assert.Equal(t, "203.0.113.9", clientKey(r))
}
