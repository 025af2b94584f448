package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"genjob-orchestrator/internal/joberr"
	"genjob-orchestrator/internal/models"
	"genjob-orchestrator/internal/telemetry"
)

// Finalizer is the single exit hook of a job: every path that knows a job id
// and stops watching it goes through Settle or Abandon, and both end in
// exactly one cleanup attempt. Any field may be nil.
type Finalizer struct {
	Cleaner *Cleaner
	Sink    ResultSink
	Journal Journal
	// SinkTimeout bounds mirroring a result before the provider copy goes away.
	SinkTimeout time.Duration
	Log         zerolog.Logger
}

// Settle resolves a terminal or not-found status, mirrors and records the
// outcome, then cleans the job up.
func (f *Finalizer) Settle(ctx context.Context, jobID string, st models.Status) Outcome {
	o := Resolve(jobID, st)
	if f == nil {
		return o
	}
	if o.Succeeded() && f.Sink != nil {
		o.Result = f.persist(ctx, jobID, o.Result)
	}
	if o.State != models.StateNotFound {
		f.record(ctx, o)
	}
	telemetry.Outcomes.WithLabelValues(outcomeLabel(o)).Inc()
	f.Cleaner.Cleanup(ctx, jobID)
	return o
}

// Abandon stops watching a job that has not settled, or that failed in a way
// unrelated to its own status. The cause is recorded as the job's outcome and
// the remote job is cleaned up even if it is still running.
func (f *Finalizer) Abandon(ctx context.Context, jobID string, cause error) {
	if f == nil {
		return
	}
	telemetry.Outcomes.WithLabelValues(string(joberr.KindOf(cause))).Inc()
	f.Log.Info().Err(cause).Str("job_id", jobID).Msg("abandoning job")
	f.record(ctx, Outcome{JobID: jobID, State: models.StateFailed, Err: cause})
	f.Cleaner.Cleanup(ctx, jobID)
}

func (f *Finalizer) record(ctx context.Context, o Outcome) {
	if f.Journal == nil {
		return
	}
	jctx, cancel := context.WithTimeout(detach(ctx), 5*time.Second)
	defer cancel()
	if err := f.Journal.RecordOutcome(jctx, o); err != nil {
		f.Log.Warn().Err(err).Str("job_id", o.JobID).Msg("record outcome")
	}
}

func (f *Finalizer) persist(ctx context.Context, jobID, ref string) string {
	timeout := f.SinkTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	sctx, cancel := context.WithTimeout(detach(ctx), timeout)
	defer cancel()
	mirrored, err := f.Sink.Persist(sctx, jobID, ref)
	if err != nil || mirrored == "" {
		f.Log.Warn().Err(err).Str("job_id", jobID).Msg("mirror result, keeping provider reference")
		return ref
	}
	return mirrored
}

func outcomeLabel(o Outcome) string {
	if o.Err != nil {
		return string(joberr.KindOf(o.Err))
	}
	return string(o.State)
}
