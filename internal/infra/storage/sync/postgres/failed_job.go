package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tunedex/tunedex/internal/domain/jobs"
	"github.com/tunedex/tunedex/internal/infra/storage"
)

var _ jobs.FailedJobRepository = (*failedJobStore)(nil)

// failedJobStore provides a PostgreSQL implementation of
// jobs.FailedJobRepository, the pipeline's dead letter table.
type failedJobStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewFailedJobStore creates a new PostgreSQL-backed failed job store.
func NewFailedJobStore(pool *pgxpool.Pool, tracer trace.Tracer) *failedJobStore {
	return &failedJobStore{pool: pool, tracer: tracer}
}

// Record stores a failed job and returns its assigned ID.
func (s *failedJobStore) Record(ctx context.Context, fj *jobs.FailedJob) (int64, error) {
	var id int64
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("event_type", fj.EventType),
		attribute.String("queue", fj.Queue),
	)
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.record_failed_job", dbAttrs, func(ctx context.Context) error {
		err := s.pool.QueryRow(ctx, `
			INSERT INTO failed_jobs (event_type, queue, payload, exception, attempts, real_failures, failed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING id`,
			fj.EventType, fj.Queue, fj.Payload, fj.Exception, fj.Attempts, fj.RealFailures, fj.FailedAt,
		).Scan(&id)
		if err != nil {
			return fmt.Errorf("failed to record failed job: %w", err)
		}
		fj.ID = id
		return nil
	})
	return id, err
}

// List returns the most recent failures, newest first.
func (s *failedJobStore) List(ctx context.Context, limit int32) ([]*jobs.FailedJob, error) {
	var out []*jobs.FailedJob
	dbAttrs := append(
		defaultDBAttributes,
		attribute.Int("limit", int(limit)),
	)
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.list_failed_jobs", dbAttrs, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, `
			SELECT id, event_type, queue, payload, exception, attempts, real_failures, failed_at
			FROM failed_jobs
			ORDER BY failed_at DESC
			LIMIT $1`,
			limit,
		)
		if err != nil {
			return fmt.Errorf("failed to list failed jobs: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			fj := new(jobs.FailedJob)
			if err := rows.Scan(
				&fj.ID, &fj.EventType, &fj.Queue, &fj.Payload,
				&fj.Exception, &fj.Attempts, &fj.RealFailures, &fj.FailedAt,
			); err != nil {
				return fmt.Errorf("failed to scan failed job: %w", err)
			}
			out = append(out, fj)
		}
		return rows.Err()
	})
	return out, err
}
