package jobs

import (
	"context"

	"genjob-orchestrator/internal/models"
)

// Orchestrator runs submit, poll and cleanup as one bounded call, for callers
// that can afford to wait for the whole poll budget.
type Orchestrator struct {
	submitter *Submitter
	poller    *Poller
	finalizer *Finalizer
}

func NewOrchestrator(s *Submitter, p *Poller, f *Finalizer) *Orchestrator {
	return &Orchestrator{submitter: s, poller: p, finalizer: f}
}

// Run submits params and waits for the outcome. A submission error that
// still produced a job id cleans that job up before returning.
func (o *Orchestrator) Run(ctx context.Context, params models.GenerationParams) (Outcome, error) {
	jobID, err := o.submitter.Submit(ctx, params)
	if err != nil {
		if jobID != "" {
			o.finalizer.Abandon(ctx, jobID, err)
		}
		return Outcome{JobID: jobID, State: models.StateFailed, Err: err}, err
	}
	return o.poller.Poll(ctx, jobID)
}
