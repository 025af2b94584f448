package jobs

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"genjob-orchestrator/internal/models"
	"genjob-orchestrator/internal/provider"
)

type getResult struct {
	pred provider.Prediction
	err  error
}

func (g getResult) status() models.Status {
	return normalize(g.pred, zerolog.Nop())
}

// fakeProvider scripts Get responses in order; the last one repeats.
type fakeProvider struct {
	mu sync.Mutex

	createPred  provider.Prediction
	createErr   error
	createCalls int
	lastCreate  provider.CreateRequest

	gets     []getResult
	getCalls int

	deleteErr error
	deleted   []string
	events    []string
}

func (f *fakeProvider) Create(_ context.Context, req provider.CreateRequest) (provider.Prediction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	f.lastCreate = req
	f.events = append(f.events, "create")
	return f.createPred, f.createErr
}

func (f *fakeProvider) Get(ctx context.Context, _ string) (provider.Prediction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, "get")
	if len(f.gets) == 0 {
		return provider.Prediction{Status: "processing"}, nil
	}
	i := f.getCalls
	if i >= len(f.gets) {
		i = len(f.gets) - 1
	}
	f.getCalls++
	if err := ctx.Err(); err != nil {
		return provider.Prediction{}, err
	}
	return f.gets[i].pred, f.gets[i].err
}

func (f *fakeProvider) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, "delete")
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeProvider) deletedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

func (f *fakeProvider) probeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getCalls
}

func (f *fakeProvider) eventLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

func running() getResult {
	return getResult{pred: provider.Prediction{Status: "processing"}}
}

func succeeded(ref any) getResult {
	return getResult{pred: provider.Prediction{Status: "succeeded", Output: ref}}
}

func failed(detail any) getResult {
	return getResult{pred: provider.Prediction{Status: "failed", Error: detail}}
}
