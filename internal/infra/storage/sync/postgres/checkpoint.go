// Package postgres provides PostgreSQL-backed persistence for ingestion
// progress tracking: checkpoints, job runs, and the failed-job dead letter
// table.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tunedex/tunedex/internal/domain/sync"
	"github.com/tunedex/tunedex/internal/infra/storage"
)

var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "postgresql"),
}

var _ sync.CheckpointRepository = (*checkpointStore)(nil)

// checkpointStore provides a PostgreSQL implementation of
// sync.CheckpointRepository. Cursor columns are written with GREATEST so a
// stale in-memory checkpoint can never move a cursor backward, even under
// concurrent writers.
type checkpointStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewCheckpointStore creates a new PostgreSQL-backed checkpoint store using
// the provided connection pool.
func NewCheckpointStore(pool *pgxpool.Pool, tracer trace.Tracer) *checkpointStore {
	return &checkpointStore{pool: pool, tracer: tracer}
}

// ForKey returns the checkpoint for the given stream key, creating an empty
// row on first use. The insert is idempotent: a concurrent creator wins and
// both callers read the same row.
func (s *checkpointStore) ForKey(ctx context.Context, streamKey string) (*sync.Checkpoint, error) {
	var cp *sync.Checkpoint
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("stream_key", streamKey),
	)
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.checkpoint_for_key", dbAttrs, func(ctx context.Context) error {
		row := s.pool.QueryRow(ctx, `
			INSERT INTO sync_checkpoints (stream_key)
			VALUES ($1)
			ON CONFLICT (stream_key) DO UPDATE SET stream_key = EXCLUDED.stream_key
			RETURNING id, stream_key, last_seen_ordinal, last_changed_at, meta, updated_at`,
			streamKey,
		)

		var (
			id              int64
			key             string
			lastSeenOrdinal *int64
			lastChangedAt   *time.Time
			metaBytes       []byte
			updatedAt       time.Time
		)
		if err := row.Scan(&id, &key, &lastSeenOrdinal, &lastChangedAt, &metaBytes, &updatedAt); err != nil {
			return fmt.Errorf("failed to get or create checkpoint: %w", err)
		}

		var meta map[string]any
		if len(metaBytes) > 0 {
			if err := json.Unmarshal(metaBytes, &meta); err != nil {
				return fmt.Errorf("failed to unmarshal checkpoint meta: %w", err)
			}
		}

		cp = sync.ReconstructCheckpoint(id, key, lastSeenOrdinal, lastChangedAt, meta, updatedAt)
		return nil
	})
	return cp, err
}

// Save persists the checkpoint. Cursors use last-greater-wins so the stored
// value always equals the maximum ever observed, regardless of write order.
// The meta map is replaced wholesale.
func (s *checkpointStore) Save(ctx context.Context, cp *sync.Checkpoint) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("stream_key", cp.StreamKey()),
	)
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.save_checkpoint", dbAttrs, func(ctx context.Context) error {
		metaBytes, err := json.Marshal(cp.Meta())
		if err != nil {
			return fmt.Errorf("failed to marshal checkpoint meta: %w", err)
		}

		var ordinal *int64
		if v := cp.LastSeenOrdinal(); v > 0 {
			ordinal = &v
		}
		var changedAt *time.Time
		if t, ok := cp.LastChangedAt(); ok {
			changedAt = &t
		}

		var id int64
		err = s.pool.QueryRow(ctx, `
			INSERT INTO sync_checkpoints (stream_key, last_seen_ordinal, last_changed_at, meta, updated_at)
			VALUES ($1, $2, $3, $4, NOW())
			ON CONFLICT (stream_key) DO UPDATE SET
				last_seen_ordinal = GREATEST(sync_checkpoints.last_seen_ordinal, EXCLUDED.last_seen_ordinal),
				last_changed_at   = GREATEST(sync_checkpoints.last_changed_at, EXCLUDED.last_changed_at),
				meta              = EXCLUDED.meta,
				updated_at        = NOW()
			RETURNING id`,
			cp.StreamKey(), ordinal, changedAt, metaBytes,
		).Scan(&id)
		if err != nil {
			return fmt.Errorf("failed to save checkpoint: %w", err)
		}

		if cp.IsTemporary() {
			cp.SetID(id)
		}
		return nil
	})
}
