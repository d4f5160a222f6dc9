package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tunedex/tunedex/internal/domain/catalog"
	"github.com/tunedex/tunedex/internal/infra/storage"
)

var _ catalog.GenreRepository = (*genreStore)(nil)

// genreStore implements catalog.GenreRepository using PostgreSQL.
type genreStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewGenreStore creates a PostgreSQL-backed genre repository.
func NewGenreStore(pool *pgxpool.Pool, tracer trace.Tracer) *genreStore {
	return &genreStore{pool: pool, tracer: tracer}
}

const upsertGenreQuery = `
	INSERT INTO genres (qid, name, description, inception_year, country_id, parent_genre_id, parent_qid)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (qid) DO UPDATE SET
		name            = COALESCE(EXCLUDED.name, genres.name),
		description     = COALESCE(EXCLUDED.description, genres.description),
		inception_year  = COALESCE(EXCLUDED.inception_year, genres.inception_year),
		country_id      = COALESCE(EXCLUDED.country_id, genres.country_id),
		parent_genre_id = COALESCE(EXCLUDED.parent_genre_id, genres.parent_genre_id),
		parent_qid      = COALESCE(EXCLUDED.parent_qid, genres.parent_qid),
		updated_at      = NOW()`

// UpsertBatch writes the batch as one pipelined round trip. Each row merges
// non-destructively: only non-null incoming values overwrite stored ones.
func (s *genreStore) UpsertBatch(ctx context.Context, genres []*catalog.Genre) error {
	if len(genres) == 0 {
		return nil
	}

	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("method", "UpsertBatch"),
		attribute.Int("batch_size", len(genres)),
	)
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.genre.upsert_batch", dbAttrs, func(ctx context.Context) error {
		batch := new(pgx.Batch)
		for _, g := range genres {
			batch.Queue(upsertGenreQuery,
				g.QID, g.Name, g.Description, g.InceptionYear,
				g.CountryID, g.ParentGenreID, g.ParentQID,
			)
		}

		results := s.pool.SendBatch(ctx, batch)
		defer results.Close()

		for _, g := range genres {
			if _, err := results.Exec(); err != nil {
				return fmt.Errorf("failed to upsert genre %s: %w", g.QID, err)
			}
		}
		return nil
	})
}

// GetByQID retrieves a genre by its external id. Returns (nil, nil) if no
// matching record exists.
func (s *genreStore) GetByQID(ctx context.Context, qid string) (*catalog.Genre, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("method", "GetByQID"),
		attribute.String("genre_qid", qid),
	)

	var genre *catalog.Genre
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.genre.get_by_qid", dbAttrs, func(ctx context.Context) error {
		g := new(catalog.Genre)
		err := s.pool.QueryRow(ctx, `
			SELECT id, qid, name, description, inception_year, country_id,
			       parent_genre_id, parent_qid, created_at, updated_at
			FROM genres
			WHERE qid = $1`,
			qid,
		).Scan(
			&g.ID, &g.QID, &g.Name, &g.Description, &g.InceptionYear,
			&g.CountryID, &g.ParentGenreID, &g.ParentQID, &g.CreatedAt, &g.UpdatedAt,
		)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("select error: %w", err)
		}
		genre = g
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("genreStore.GetByQID: %w", err)
	}
	return genre, nil
}

// ResolveParentLinks links every genre whose parent external id is known but
// whose parent row arrived after it did. Safe to run repeatedly; already
// linked rows are untouched.
func (s *genreStore) ResolveParentLinks(ctx context.Context) (int64, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("method", "ResolveParentLinks"),
	)

	var resolved int64
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.genre.resolve_parent_links", dbAttrs, func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, `
			UPDATE genres g
			SET parent_genre_id = p.id, updated_at = NOW()
			FROM genres p
			WHERE g.parent_qid IS NOT NULL
			  AND g.parent_genre_id IS NULL
			  AND p.qid = g.parent_qid`,
		)
		if err != nil {
			return fmt.Errorf("update error: %w", err)
		}
		resolved = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("genreStore.ResolveParentLinks: %w", err)
	}
	return resolved, nil
}
