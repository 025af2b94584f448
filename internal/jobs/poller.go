package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"genjob-orchestrator/internal/joberr"
	"genjob-orchestrator/internal/models"
	"genjob-orchestrator/internal/telemetry"
)

// PollConfig holds the fixed bounds of a poll session.
type PollConfig struct {
	Interval     time.Duration
	MaxAttempts  int
	ProbeTimeout time.Duration
}

// DefaultPollConfig gives a job two minutes: 48 probes, 2.5s apart.
func DefaultPollConfig() PollConfig {
	return PollConfig{
		Interval:     2500 * time.Millisecond,
		MaxAttempts:  48,
		ProbeTimeout: 8 * time.Second,
	}
}

// Poller drives one job to a terminal outcome by probing it on a fixed
// interval. It holds no per-job state, so one Poller can serve any number of
// concurrent sessions.
type Poller struct {
	prober    StatusProber
	finalizer *Finalizer
	cfg       PollConfig
	log       zerolog.Logger
}

func NewPoller(prober StatusProber, finalizer *Finalizer, cfg PollConfig, log zerolog.Logger) *Poller {
	def := DefaultPollConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	return &Poller{prober: prober, finalizer: finalizer, cfg: cfg, log: log}
}

// Poll probes jobID until it settles, the attempt budget runs out, or ctx is
// done. The first probe happens one interval after the call. Whatever the exit
// path, the finalizer cleans the job up once.
func (p *Poller) Poll(ctx context.Context, jobID string) (Outcome, error) {
	session := &models.PollSession{
		JobID:       jobID,
		MaxAttempts: p.cfg.MaxAttempts,
		Interval:    p.cfg.Interval,
		StartedAt:   time.Now(),
	}
	log := p.log.With().Str("job_id", jobID).Logger()

	ticker := time.NewTicker(session.Interval)
	defer ticker.Stop()

	for session.Attempt < session.MaxAttempts {
		select {
		case <-ctx.Done():
			return p.stop(ctx, session, p.canceled(ctx, jobID))
		case <-ticker.C:
		}

		session.Attempt++
		st, err := p.probe(ctx, jobID)
		if err != nil {
			if ctx.Err() != nil {
				return p.stop(ctx, session, p.canceled(ctx, jobID))
			}
			if retryable(err) {
				log.Warn().Err(err).Int("attempt", session.Attempt).Int("max_attempts", session.MaxAttempts).Msg("probe failed, will retry")
				continue
			}
			return p.stop(ctx, session, joberr.WithJob(err, jobID))
		}

		state, fresh := session.Observe(st.State)
		if !fresh {
			log.Warn().Str("reported", string(st.State)).Str("kept", string(state)).Msg("ignoring status regression")
			continue
		}
		log.Debug().Str("status", string(state)).Int("attempt", session.Attempt).Msg("probe")

		if state.Terminal() || state == models.StateNotFound {
			o := p.finalizer.Settle(ctx, jobID, st)
			o.Attempts = session.Attempt
			o.Observed = session.Observed
			o.Elapsed = time.Since(session.StartedAt)
			telemetry.PollAttempts.Observe(float64(session.Attempt))
			return o, o.Err
		}
	}

	return p.stop(ctx, session, &joberr.Error{
		Kind:    joberr.KindTimeout,
		JobID:   jobID,
		Message: "job did not finish in time, please try again",
	})
}

func (p *Poller) probe(ctx context.Context, jobID string) (models.Status, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
	defer cancel()
	return p.prober.Probe(callCtx, jobID)
}

// stop ends a session that did not settle and hands the job to Abandon.
func (p *Poller) stop(ctx context.Context, session *models.PollSession, err error) (Outcome, error) {
	p.finalizer.Abandon(ctx, session.JobID, err)
	telemetry.PollAttempts.Observe(float64(session.Attempt))
	return Outcome{
		JobID:    session.JobID,
		State:    session.Last,
		Err:      err,
		Attempts: session.Attempt,
		Elapsed:  time.Since(session.StartedAt),
		Observed: session.Observed,
	}, err
}

// canceled maps a done ctx to its error. An expired deadline is a timeout;
// only an explicit cancel is reported as canceled.
func (p *Poller) canceled(ctx context.Context, jobID string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &joberr.Error{
			Kind:    joberr.KindTimeout,
			JobID:   jobID,
			Message: "job did not finish in time, please try again",
			Err:     ctx.Err(),
		}
	}
	return &joberr.Error{Kind: joberr.KindCanceled, JobID: jobID, Message: "polling stopped", Err: ctx.Err()}
}

// retryable reports whether a probe error is a transient condition that only
// costs an attempt.
func retryable(err error) bool {
	e, ok := joberr.As(err)
	if !ok {
		return false
	}
	switch e.Kind {
	case joberr.KindTransient:
		return true
	case joberr.KindProvider:
		return e.Temporary
	}
	return false
}
