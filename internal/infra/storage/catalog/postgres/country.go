// Package postgres provides PostgreSQL-backed persistence for the catalog
// domain: countries, genres, artists, albums, and tracks. All entity writes
// are null-preserving upserts keyed on the external identifier, so re-running
// any ingestion job is idempotent and a sparse enrichment response never
// erases previously-written fields.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tunedex/tunedex/internal/domain/catalog"
	"github.com/tunedex/tunedex/internal/infra/storage"
)

// defaultDBAttributes defines standard OpenTelemetry attributes for PostgreSQL operations.
var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "postgresql"),
}

var _ catalog.CountryRepository = (*countryStore)(nil)

// countryStore implements catalog.CountryRepository using PostgreSQL.
type countryStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewCountryStore creates a PostgreSQL-backed country repository.
func NewCountryStore(pool *pgxpool.Pool, tracer trace.Tracer) *countryStore {
	return &countryStore{pool: pool, tracer: tracer}
}

// Upsert creates or refreshes a country by its external id and returns the
// local primary key.
func (s *countryStore) Upsert(ctx context.Context, qid, name string) (int64, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("method", "Upsert"),
		attribute.String("country_qid", qid),
	)

	var id int64
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.country.upsert", dbAttrs, func(ctx context.Context) error {
		err := s.pool.QueryRow(ctx, `
			INSERT INTO countries (qid, name)
			VALUES ($1, $2)
			ON CONFLICT (qid) DO UPDATE SET
				name = EXCLUDED.name,
				updated_at = NOW()
			RETURNING id`,
			qid, name,
		).Scan(&id)
		if err != nil {
			return fmt.Errorf("upsert error: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("countryStore.Upsert: %w", err)
	}
	return id, nil
}
