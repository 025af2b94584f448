// Package jobs implements the asynchronous generation protocol: submit a job,
// probe it on a fixed interval until it settles, and clean up its remote
// artifacts exactly once on every exit path.
package jobs

import (
	"context"
	"time"

	"genjob-orchestrator/internal/joberr"
	"genjob-orchestrator/internal/models"
)

// fallbackFailure is reported when the provider fails a job without saying why.
const fallbackFailure = "model produced no image"

// Outcome is how a job left a poll session.
type Outcome struct {
	JobID    string
	State    models.State
	Result   string
	Err      error
	Attempts int
	Elapsed  time.Duration
	// Observed lists the accepted states in probe order. It never goes backwards.
	Observed []models.State
}

// Succeeded reports whether the outcome carries a usable result.
func (o Outcome) Succeeded() bool {
	return o.Err == nil && o.State == models.StateSucceeded && o.Result != ""
}

// StatusProber performs one status check. The server-side Prober and the
// HTTP client both satisfy it.
type StatusProber interface {
	Probe(ctx context.Context, jobID string) (models.Status, error)
}

// Tracker is told about every job the submitter creates so abandoned jobs can
// be found and cleaned later.
type Tracker interface {
	Track(ctx context.Context, jobID string, abandonAt time.Time) error
}

// CleanupRecord remembers which jobs were already cleaned up.
type CleanupRecord interface {
	Cleaned(ctx context.Context, jobID string) (bool, error)
	MarkCleaned(ctx context.Context, jobID string) (bool, error)
}

// Journal persists the lifecycle of a job outside the provider.
type Journal interface {
	RecordOutcome(ctx context.Context, o Outcome) error
	RecordCleanup(ctx context.Context, jobID string) error
}

// ResultSink copies a result artifact somewhere durable before the provider
// copy is deleted, returning the new reference.
type ResultSink interface {
	Persist(ctx context.Context, jobID, ref string) (string, error)
}

// Resolve turns a terminal or not-found status into an outcome. A success
// without an artifact reference is a failure.
func Resolve(jobID string, st models.Status) Outcome {
	o := Outcome{JobID: jobID, State: st.State}
	switch st.State {
	case models.StateSucceeded:
		if st.Result == "" {
			o.State = models.StateFailed
			o.Err = &joberr.Error{Kind: joberr.KindEmptyResult, JobID: jobID, Message: "job succeeded but produced no output"}
			return o
		}
		o.Result = st.Result
	case models.StateFailed, models.StateCanceled:
		msg := st.Error
		if msg == "" {
			msg = fallbackFailure
		}
		o.Err = &joberr.Error{Kind: joberr.KindProvider, JobID: jobID, Message: msg}
	case models.StateNotFound:
		o.Err = &joberr.Error{Kind: joberr.KindNotFound, JobID: jobID, Message: "job no longer exists at provider"}
	}
	return o
}

// detach keeps values from ctx but drops its cancellation, so cleanup work can
// outlive a caller that has gone away. Callers must apply their own timeout.
func detach(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
