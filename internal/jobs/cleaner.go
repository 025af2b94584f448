package jobs

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"genjob-orchestrator/internal/provider"
	"genjob-orchestrator/internal/telemetry"
)

// CleanerOptions wires a Cleaner. Record and Journal are optional.
type CleanerOptions struct {
	Provider provider.Provider
	Record   CleanupRecord
	Journal  Journal
	Timeout  time.Duration
	Logger   zerolog.Logger
}

// Cleaner deletes a job's remote artifacts. It is idempotent and never fails
// its caller: errors are logged and swallowed.
type Cleaner struct {
	provider provider.Provider
	record   CleanupRecord
	journal  Journal
	timeout  time.Duration
	log      zerolog.Logger
}

func NewCleaner(opts CleanerOptions) *Cleaner {
	if opts.Timeout <= 0 {
		opts.Timeout = 8 * time.Second
	}
	return &Cleaner{
		provider: opts.Provider,
		record:   opts.Record,
		journal:  opts.Journal,
		timeout:  opts.Timeout,
		log:      opts.Logger,
	}
}

// Cleanup deletes jobID at the provider. It runs even if ctx is already
// canceled, bounded by the cleaner's own timeout. The return value reports
// whether the job is known to be gone.
func (c *Cleaner) Cleanup(ctx context.Context, jobID string) bool {
	if c == nil || strings.TrimSpace(jobID) == "" {
		return false
	}
	callCtx, cancel := context.WithTimeout(detach(ctx), c.timeout)
	defer cancel()
	log := c.log.With().Str("job_id", jobID).Logger()

	if c.record != nil {
		done, err := c.record.Cleaned(callCtx, jobID)
		if err != nil {
			log.Warn().Err(err).Msg("read cleanup record")
		} else if done {
			telemetry.Cleanups.WithLabelValues("already_clean").Inc()
			log.Debug().Msg("cleanup already recorded")
			return true
		}
	}

	if c.provider == nil {
		telemetry.Cleanups.WithLabelValues("skipped").Inc()
		log.Warn().Msg("cleanup skipped: provider not configured")
		return false
	}
	if err := c.provider.Delete(callCtx, jobID); err != nil {
		telemetry.Cleanups.WithLabelValues("failed").Inc()
		log.Warn().Err(err).Msg("cleanup failed")
		return false
	}
	telemetry.Cleanups.WithLabelValues("deleted").Inc()
	log.Info().Msg("remote job deleted")

	if c.record != nil {
		if _, err := c.record.MarkCleaned(callCtx, jobID); err != nil {
			log.Warn().Err(err).Msg("write cleanup record")
		}
	}
	if c.journal != nil {
		if err := c.journal.RecordCleanup(callCtx, jobID); err != nil {
			log.Warn().Err(err).Msg("journal cleanup")
		}
	}
	return true
}
