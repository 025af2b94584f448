package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"genjob-orchestrator/internal/joberr"
	"genjob-orchestrator/internal/jobs"
	"genjob-orchestrator/internal/models"
)

// ErrNotFound is returned when no generation row exists for an id.
var ErrNotFound = errors.New("generation not found")

// Store wraps pgxpool for Postgres persistence of generation jobs.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateGeneration inserts the row for a freshly submitted job.
func (s *Store) CreateGeneration(ctx context.Context, id string, env models.Environment, style models.Style, guidance string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO generations (id, environment, style, guidance, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		ON CONFLICT (id) DO NOTHING
	`, id, string(env), string(style), guidance, models.StatePending)
	if err != nil {
		return fmt.Errorf("insert generation: %w", err)
	}
	return s.AppendAudit(ctx, id, "submitted", fmt.Sprintf("environment=%s style=%s", env, style))
}

// GetGeneration fetches a generation by id.
func (s *Store) GetGeneration(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, environment, style, status, result, error_kind, error, created_at, updated_at, cleaned_at
		FROM generations WHERE id = $1
	`, id)

	var job models.Job
	var status string
	var environment, style, result, errKind, errText pgtype.Text
	var cleaned pgtype.Timestamptz
	if err := row.Scan(&job.ID, &environment, &style, &status, &result, &errKind, &errText, &job.CreatedAt, &job.UpdatedAt, &cleaned); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, ErrNotFound
		}
		return models.Job{}, fmt.Errorf("scan generation: %w", err)
	}
	job.Status = models.State(status)
	job.Environment = environment.String
	job.Style = style.String
	job.Result = result.String
	job.ErrorKind = errKind.String
	job.ErrorDetail = errText.String
	if cleaned.Valid {
		t := cleaned.Time
		job.CleanedAt = &t
	}
	return job, nil
}

// RecordProgress moves a job forward from pending to running. Terminal rows
// and backwards moves are left untouched.
func (s *Store) RecordProgress(ctx context.Context, id string, state models.State) error {
	if state != models.StateRunning {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE generations SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3
	`, id, models.StateRunning, models.StatePending)
	return err
}

// RecordOutcome stores a settled outcome. Once a row is terminal it never
// changes again.
func (s *Store) RecordOutcome(ctx context.Context, o jobs.Outcome) error {
	status := o.State
	var result, errKind, errText *string
	if o.Err != nil {
		if !status.Terminal() {
			status = models.StateFailed
		}
		kind := string(joberr.KindOf(o.Err))
		msg := o.Err.Error()
		if e, ok := joberr.As(o.Err); ok && e.Message != "" {
			msg = e.Message
		}
		errKind, errText = &kind, &msg
	} else if o.Result != "" {
		result = &o.Result
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO generations (id, status, result, error_kind, error, attempts, created_at, updated_at, settled_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW(), NOW())
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status, result = EXCLUDED.result, error_kind = EXCLUDED.error_kind,
		    error = EXCLUDED.error, attempts = GREATEST(generations.attempts, EXCLUDED.attempts),
		    updated_at = NOW(), settled_at = NOW()
		WHERE generations.status NOT IN ('succeeded', 'failed', 'canceled')
	`, o.JobID, string(status), result, errKind, errText, o.Attempts)
	if err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil
	}
	detail := string(status)
	if errText != nil {
		detail = fmt.Sprintf("%s: %s", status, *errText)
	}
	return s.AppendAudit(ctx, o.JobID, "settled", detail)
}

// RecordCleanup stamps cleaned_at the first time a job's remote copy is deleted.
func (s *Store) RecordCleanup(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE generations SET cleaned_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND cleaned_at IS NULL
	`, id)
	if err != nil {
		return fmt.Errorf("record cleanup: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil
	}
	return s.AppendAudit(ctx, id, "cleaned", "remote job deleted")
}

// AppendAudit adds an audit row.
func (s *Store) AppendAudit(ctx context.Context, jobID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (job_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, jobID, event, detail)
	return err
}

var _ jobs.Journal = (*Store)(nil)
