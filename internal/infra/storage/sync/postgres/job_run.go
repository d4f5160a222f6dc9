package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tunedex/tunedex/internal/domain/sync"
	"github.com/tunedex/tunedex/internal/infra/storage"
)

var _ sync.JobRunRepository = (*jobRunStore)(nil)

// jobRunStore provides a PostgreSQL implementation of sync.JobRunRepository.
type jobRunStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewJobRunStore creates a new PostgreSQL-backed job run store.
func NewJobRunStore(pool *pgxpool.Pool, tracer trace.Tracer) *jobRunStore {
	return &jobRunStore{pool: pool, tracer: tracer}
}

// Create stores a new run and assigns its ID.
func (s *jobRunStore) Create(ctx context.Context, run *sync.JobRun) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("job_name", run.Name()),
	)
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.create_job_run", dbAttrs, func(ctx context.Context) error {
		totalsBytes, err := json.Marshal(run.Totals())
		if err != nil {
			return fmt.Errorf("failed to marshal run totals: %w", err)
		}

		var id int64
		err = s.pool.QueryRow(ctx, `
			INSERT INTO job_runs (name, status, totals, started_at)
			VALUES ($1, $2, $3, $4)
			RETURNING id`,
			run.Name(), string(run.Status()), totalsBytes, run.StartedAt(),
		).Scan(&id)
		if err != nil {
			return fmt.Errorf("failed to create job run: %w", err)
		}

		run.SetID(id)
		return nil
	})
}

// Update persists status, totals, cursor, and finish time.
func (s *jobRunStore) Update(ctx context.Context, run *sync.JobRun) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("job_name", run.Name()),
		attribute.Int64("job_run_id", run.ID()),
	)
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.update_job_run", dbAttrs, func(ctx context.Context) error {
		totalsBytes, err := json.Marshal(run.Totals())
		if err != nil {
			return fmt.Errorf("failed to marshal run totals: %w", err)
		}

		var finishedAt *time.Time
		if t, ok := run.FinishedAt(); ok {
			finishedAt = &t
		}
		var cursor *string
		if c, ok := run.Cursor(); ok {
			cursor = &c
		}

		tag, err := s.pool.Exec(ctx, `
			UPDATE job_runs
			SET status = $2, totals = $3, cursor = $4, finished_at = $5
			WHERE id = $1`,
			run.ID(), string(run.Status()), totalsBytes, cursor, finishedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to update job run: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("job run %d does not exist", run.ID())
		}
		return nil
	})
}

// LatestByName returns the most recent run for the named command, or nil
// when none exists.
func (s *jobRunStore) LatestByName(ctx context.Context, name string) (*sync.JobRun, error) {
	var run *sync.JobRun
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("job_name", name),
	)
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.latest_job_run", dbAttrs, func(ctx context.Context) error {
		row := s.pool.QueryRow(ctx, `
			SELECT id, name, status, totals, cursor, started_at, finished_at
			FROM job_runs
			WHERE name = $1
			ORDER BY started_at DESC
			LIMIT 1`,
			name,
		)

		var (
			id          int64
			runName     string
			status      string
			totalsBytes []byte
			cursor      *string
			startedAt   time.Time
			finishedAt  *time.Time
		)
		if err := row.Scan(&id, &runName, &status, &totalsBytes, &cursor, &startedAt, &finishedAt); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("failed to load job run: %w", err)
		}

		var totals map[string]int64
		if len(totalsBytes) > 0 {
			if err := json.Unmarshal(totalsBytes, &totals); err != nil {
				return fmt.Errorf("failed to unmarshal run totals: %w", err)
			}
		}

		run = sync.ReconstructJobRun(id, runName, sync.RunStatus(status), startedAt, finishedAt, totals, cursor)
		return nil
	})
	return run, err
}
