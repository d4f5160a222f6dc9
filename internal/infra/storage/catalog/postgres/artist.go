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

var _ catalog.ArtistRepository = (*artistStore)(nil)

// artistStore implements catalog.ArtistRepository using PostgreSQL.
type artistStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewArtistStore creates a PostgreSQL-backed artist repository.
func NewArtistStore(pool *pgxpool.Pool, tracer trace.Tracer) *artistStore {
	return &artistStore{pool: pool, tracer: tracer}
}

const upsertArtistQuery = `
	INSERT INTO artists (qid, name, sort_name, description, country_id, formed_year, disbanded_year)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (qid) DO UPDATE SET
		name           = COALESCE(EXCLUDED.name, artists.name),
		sort_name      = COALESCE(EXCLUDED.sort_name, artists.sort_name),
		description    = COALESCE(EXCLUDED.description, artists.description),
		country_id     = COALESCE(EXCLUDED.country_id, artists.country_id),
		formed_year    = COALESCE(EXCLUDED.formed_year, artists.formed_year),
		disbanded_year = COALESCE(EXCLUDED.disbanded_year, artists.disbanded_year),
		updated_at     = NOW()`

// UpsertBatch writes the batch as one pipelined round trip with
// null-preserving merges.
func (s *artistStore) UpsertBatch(ctx context.Context, artists []*catalog.Artist) error {
	if len(artists) == 0 {
		return nil
	}

	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("method", "UpsertBatch"),
		attribute.Int("batch_size", len(artists)),
	)
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.artist.upsert_batch", dbAttrs, func(ctx context.Context) error {
		batch := new(pgx.Batch)
		for _, a := range artists {
			batch.Queue(upsertArtistQuery,
				a.QID, a.Name, a.SortName, a.Description,
				a.CountryID, a.FormedYear, a.DisbandedYear,
			)
		}

		results := s.pool.SendBatch(ctx, batch)
		defer results.Close()

		for _, a := range artists {
			if _, err := results.Exec(); err != nil {
				return fmt.Errorf("failed to upsert artist %s: %w", a.QID, err)
			}
		}
		return nil
	})
}

// GetByQID retrieves an artist by its external id, links included. Returns
// (nil, nil) if no matching record exists.
func (s *artistStore) GetByQID(ctx context.Context, qid string) (*catalog.Artist, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("method", "GetByQID"),
		attribute.String("artist_qid", qid),
	)

	var artist *catalog.Artist
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.artist.get_by_qid", dbAttrs, func(ctx context.Context) error {
		a := new(catalog.Artist)
		err := s.pool.QueryRow(ctx, `
			SELECT id, qid, name, sort_name, description, country_id,
			       formed_year, disbanded_year, created_at, updated_at
			FROM artists
			WHERE qid = $1`,
			qid,
		).Scan(
			&a.ID, &a.QID, &a.Name, &a.SortName, &a.Description,
			&a.CountryID, &a.FormedYear, &a.DisbandedYear, &a.CreatedAt, &a.UpdatedAt,
		)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("select error: %w", err)
		}

		rows, err := s.pool.Query(ctx, `
			SELECT id, artist_id, kind, url
			FROM artist_links
			WHERE artist_id = $1
			ORDER BY kind, url`,
			a.ID,
		)
		if err != nil {
			return fmt.Errorf("failed to load artist links: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var link catalog.ArtistLink
			if err := rows.Scan(&link.ID, &link.ArtistID, &link.Kind, &link.URL); err != nil {
				return fmt.Errorf("failed to scan artist link: %w", err)
			}
			a.Links = append(a.Links, link)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		artist = a
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("artistStore.GetByQID: %w", err)
	}
	return artist, nil
}

// AttachGenres adds artist-genre associations additively. Genre external ids
// with no local row yet are skipped; a later enrichment pass will see them
// again.
func (s *artistStore) AttachGenres(ctx context.Context, artistID int64, genreQIDs []string) error {
	if len(genreQIDs) == 0 {
		return nil
	}

	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("method", "AttachGenres"),
		attribute.Int64("artist_id", artistID),
		attribute.Int("genre_count", len(genreQIDs)),
	)
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.artist.attach_genres", dbAttrs, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO artist_genres (artist_id, genre_id)
			SELECT $1, g.id
			FROM genres g
			WHERE g.qid = ANY($2)
			ON CONFLICT DO NOTHING`,
			artistID, genreQIDs,
		)
		if err != nil {
			return fmt.Errorf("failed to attach genres: %w", err)
		}
		return nil
	})
}

// AttachLinks adds derived link records additively, keyed by (kind, url).
func (s *artistStore) AttachLinks(ctx context.Context, artistID int64, links []catalog.ArtistLink) error {
	if len(links) == 0 {
		return nil
	}

	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("method", "AttachLinks"),
		attribute.Int64("artist_id", artistID),
		attribute.Int("link_count", len(links)),
	)
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.artist.attach_links", dbAttrs, func(ctx context.Context) error {
		batch := new(pgx.Batch)
		for _, link := range links {
			batch.Queue(`
				INSERT INTO artist_links (artist_id, kind, url)
				VALUES ($1, $2, $3)
				ON CONFLICT (artist_id, kind, url) DO NOTHING`,
				artistID, link.Kind, link.URL,
			)
		}

		results := s.pool.SendBatch(ctx, batch)
		defer results.Close()

		for range links {
			if _, err := results.Exec(); err != nil {
				return fmt.Errorf("failed to attach link: %w", err)
			}
		}
		return nil
	})
}
