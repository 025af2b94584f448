package worker

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"genjob-orchestrator/internal/joberr"
	"genjob-orchestrator/internal/jobs"
	"genjob-orchestrator/internal/models"
	"genjob-orchestrator/internal/telemetry"
)

// Ledger is the outstanding-job bookkeeping the janitor sweeps.
type Ledger interface {
	ClaimAbandoned(ctx context.Context, now time.Time, limit int64) ([]string, error)
	Release(ctx context.Context, jobID string, retryAt time.Time) error
	RecordSweepFailure(ctx context.Context, jobID string) (int64, error)
	Forget(ctx context.Context, jobID string) error
	Cleaned(ctx context.Context, jobID string) (bool, error)
	Outstanding(ctx context.Context) (int64, error)
}

type Finalizer interface {
	Settle(ctx context.Context, jobID string, st models.Status) jobs.Outcome
	Abandon(ctx context.Context, jobID string, cause error)
}

// Options configures a Processor.
type Options struct {
	Ledger      Ledger
	Prober      jobs.StatusProber
	Finalizer   Finalizer
	Interval    time.Duration
	BatchSize   int
	BackoffMax  time.Duration
	MaxFailures int
	Logger      zerolog.Logger
}

// Processor is the janitor loop. It claims jobs whose abandon deadline has
// passed, settles the ones that finished and abandons the rest, so no remote
// job outlives its poll budget by more than the grace period.
type Processor struct {
	ledger      Ledger
	prober      jobs.StatusProber
	finalizer   Finalizer
	interval    time.Duration
	batch       int64
	backoffMax  time.Duration
	maxFailures int64
	log         zerolog.Logger
}

func NewProcessor(opts Options) *Processor {
	if opts.Interval <= 0 {
		opts.Interval = 15 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 10 * opts.Interval
	}
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = 8
	}
	return &Processor{
		ledger:      opts.Ledger,
		prober:      opts.Prober,
		finalizer:   opts.Finalizer,
		interval:    opts.Interval,
		batch:       int64(opts.BatchSize),
		backoffMax:  opts.BackoffMax,
		maxFailures: int64(opts.MaxFailures),
		log:         opts.Logger,
	}
}

// Run sweeps on every tick until ctx is canceled.
func (p *Processor) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if _, err := p.Sweep(ctx); err != nil && ctx.Err() == nil {
			p.log.Warn().Err(err).Msg("sweep failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sweep handles one batch of abandoned jobs and returns how many it claimed.
func (p *Processor) Sweep(ctx context.Context) (int, error) {
	ids, err := p.ledger.ClaimAbandoned(ctx, time.Now(), p.batch)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		p.reap(ctx, id)
	}
	if n, err := p.ledger.Outstanding(ctx); err == nil {
		telemetry.OutstandingGauge.Set(float64(n))
	}
	return len(ids), nil
}

func (p *Processor) reap(ctx context.Context, jobID string) {
	log := p.log.With().Str("job_id", jobID).Logger()

	st, err := p.prober.Probe(ctx, jobID)
	switch {
	case err != nil:
		log.Warn().Err(err).Msg("probe abandoned job")
		p.retry(ctx, jobID, log)
		return
	case st.State.Terminal() || st.State == models.StateNotFound:
		p.finalizer.Settle(ctx, jobID, st)
		telemetry.Sweeps.WithLabelValues("settled").Inc()
	default:
		p.finalizer.Abandon(ctx, jobID, &joberr.Error{
			Kind:    joberr.KindTimeout,
			JobID:   jobID,
			Message: "job was abandoned before it settled",
		})
		telemetry.Sweeps.WithLabelValues("abandoned").Inc()
	}

	if cleaned, err := p.ledger.Cleaned(ctx, jobID); err == nil && cleaned {
		return
	}
	p.retry(ctx, jobID, log)
}

// retry puts a job back with backoff, or gives up after maxFailures.
func (p *Processor) retry(ctx context.Context, jobID string, log zerolog.Logger) {
	failures, err := p.ledger.RecordSweepFailure(ctx, jobID)
	if err != nil {
		log.Warn().Err(err).Msg("count sweep failure")
		failures = 1
	}
	if failures >= p.maxFailures {
		if err := p.ledger.Forget(ctx, jobID); err != nil {
			log.Warn().Err(err).Msg("forget job")
		}
		telemetry.Sweeps.WithLabelValues("given_up").Inc()
		log.Error().Int64("failures", failures).Msg("giving up on remote cleanup")
		return
	}
	next := time.Now().Add(backoffWithJitter(p.interval, p.backoffMax, int(failures)))
	if err := p.ledger.Release(ctx, jobID, next); err != nil {
		log.Warn().Err(err).Msg("release job")
		return
	}
	telemetry.Sweeps.WithLabelValues("retried").Inc()
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}
