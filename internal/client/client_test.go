package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"genjob-orchestrator/internal/joberr"
	"genjob-orchestrator/internal/jobs"
	"genjob-orchestrator/internal/models"
)

func jsonHandler(code int, body any) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(body)
	}
}

func TestSubmit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/generations", r.URL.Path)
		assert.NotEmpty(t, r.Header.Get("X-Request-ID"))
		var p models.GenerationParams
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		assert.Equal(t, "icu", p.Environment)
		jsonHandler(http.StatusAccepted, map[string]string{"jobId": "abc123"})(w, r)
	}))
	defer srv.Close()

	id, err := New(srv.URL, nil).Submit(context.Background(), models.GenerationParams{Image: "https://x/y.jpg", Environment: "icu", Style: "realistic"})
	require.NoError(t, err)
	assert.Equal(t, "abc123", id)
}

func TestSubmitRebuildsCategory(t *testing.T) {
	srv := httptest.NewServer(jsonHandler(http.StatusBadRequest, map[string]string{"error": "unknown style \"oil\"", "category": "validation"}))
	defer srv.Close()

	_, err := New(srv.URL, nil).Submit(context.Background(), models.GenerationParams{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, joberr.Validation))
	e, _ := joberr.As(err)
	assert.Equal(t, "unknown style \"oil\"", e.Message)
}

func TestProbeStates(t *testing.T) {
	cases := []struct {
		name string
		code int
		body map[string]string
		want models.Status
	}{
		{"running", 200, map[string]string{"status": "running"}, models.Status{State: models.StateRunning}},
		{"succeeded", 200, map[string]string{"status": "succeeded", "result": "https://cdn/out.jpg"}, models.Status{State: models.StateSucceeded, Result: "https://cdn/out.jpg"}},
		{"failed", 200, map[string]string{"status": "failed", "error": "nsfw", "category": "provider"}, models.Status{State: models.StateFailed, Error: "nsfw"}},
		{"gone", 404, map[string]string{"error": "job no longer exists at provider", "category": "not_found"}, models.Status{State: models.StateNotFound}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(jsonHandler(tc.code, tc.body))
			defer srv.Close()
			st, err := New(srv.URL, nil).Probe(context.Background(), "abc123")
			require.NoError(t, err)
			assert.Equal(t, tc.want, st)
		})
	}
}

func TestProbeErrors(t *testing.T) {
	srv := httptest.NewServer(jsonHandler(http.StatusServiceUnavailable, map[string]string{"error": "provider unreachable", "category": "transient"}))
	defer srv.Close()
	_, err := New(srv.URL, nil).Probe(context.Background(), "abc123")
	assert.True(t, errors.Is(err, joberr.Transient))

	final := httptest.NewServer(jsonHandler(http.StatusBadGateway, map[string]string{"error": "unauthenticated", "category": "provider"}))
	defer final.Close()
	_, err = New(final.URL, nil).Probe(context.Background(), "abc123")
	e, ok := joberr.As(err)
	require.True(t, ok)
	assert.Equal(t, joberr.KindProvider, e.Kind)
	assert.False(t, e.Temporary)

	_, err = New("http://127.0.0.1:1", nil).Probe(context.Background(), "abc123")
	assert.True(t, errors.Is(err, joberr.Transient))
}

func TestClientDrivesPollLoop(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			jsonHandler(200, map[string]string{"status": "running"})(w, r)
			return
		}
		jsonHandler(200, map[string]string{"status": "succeeded", "result": "https://cdn/out.jpg"})(w, r)
	}))
	defer srv.Close()

	p := jobs.NewPoller(New(srv.URL, nil), nil, jobs.PollConfig{Interval: 5 * time.Millisecond, MaxAttempts: 10}, zerolog.Nop())
	o, err := p.Poll(context.Background(), "abc123")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn/out.jpg", o.Result)
	assert.Equal(t, 3, o.Attempts)
}
