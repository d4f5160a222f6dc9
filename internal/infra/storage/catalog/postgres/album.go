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

var _ catalog.AlbumRepository = (*albumStore)(nil)

// albumStore implements catalog.AlbumRepository using PostgreSQL.
type albumStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewAlbumStore creates a PostgreSQL-backed album repository.
func NewAlbumStore(pool *pgxpool.Pool, tracer trace.Tracer) *albumStore {
	return &albumStore{pool: pool, tracer: tracer}
}

// Albums arriving before their artist carry only the artist external id; the
// local FK is resolved opportunistically on the next upsert that knows it.
const upsertAlbumQuery = `
	INSERT INTO albums (qid, title, album_type, release_year, release_date,
	                    artist_id, artist_qid, release_group_mbid)
	VALUES ($1, $2, $3, $4, $5,
	        COALESCE($6, (SELECT a.id FROM artists a WHERE a.qid = $7)),
	        $7, $8)
	ON CONFLICT (qid) DO UPDATE SET
		title              = COALESCE(EXCLUDED.title, albums.title),
		album_type         = COALESCE(EXCLUDED.album_type, albums.album_type),
		release_year       = COALESCE(EXCLUDED.release_year, albums.release_year),
		release_date       = COALESCE(EXCLUDED.release_date, albums.release_date),
		artist_id          = COALESCE(EXCLUDED.artist_id, albums.artist_id),
		artist_qid         = COALESCE(EXCLUDED.artist_qid, albums.artist_qid),
		release_group_mbid = COALESCE(EXCLUDED.release_group_mbid, albums.release_group_mbid),
		updated_at         = NOW()`

// UpsertBatch writes the batch as one pipelined round trip with
// null-preserving merges. Tracklist bookkeeping columns are deliberately not
// written here; they change only through RecordTracklistFetch and
// IncTracklistAttempts.
func (s *albumStore) UpsertBatch(ctx context.Context, albums []*catalog.Album) error {
	if len(albums) == 0 {
		return nil
	}

	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("method", "UpsertBatch"),
		attribute.Int("batch_size", len(albums)),
	)
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.album.upsert_batch", dbAttrs, func(ctx context.Context) error {
		batch := new(pgx.Batch)
		for _, a := range albums {
			batch.Queue(upsertAlbumQuery,
				a.QID, a.Title, a.Type, a.ReleaseYear, a.ReleaseDate,
				a.ArtistID, a.ArtistQID, a.ReleaseGroupMBID,
			)
		}

		results := s.pool.SendBatch(ctx, batch)
		defer results.Close()

		for _, a := range albums {
			if _, err := results.Exec(); err != nil {
				return fmt.Errorf("failed to upsert album %s: %w", a.QID, err)
			}
		}
		return nil
	})
}

const selectAlbumColumns = `
	SELECT id, qid, title, album_type, release_year, release_date,
	       artist_id, artist_qid, release_group_mbid, chosen_release_mbid,
	       tracklist_fetched_at, tracklist_attempts, created_at, updated_at
	FROM albums`

func scanAlbum(row pgx.Row) (*catalog.Album, error) {
	a := new(catalog.Album)
	err := row.Scan(
		&a.ID, &a.QID, &a.Title, &a.Type, &a.ReleaseYear, &a.ReleaseDate,
		&a.ArtistID, &a.ArtistQID, &a.ReleaseGroupMBID, &a.ChosenReleaseMBID,
		&a.TracklistFetchedAt, &a.TracklistAttempts, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// GetByID retrieves an album by its primary key. Returns (nil, nil) if no
// matching record exists.
func (s *albumStore) GetByID(ctx context.Context, id int64) (*catalog.Album, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("method", "GetByID"),
		attribute.Int64("album_id", id),
	)

	var album *catalog.Album
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.album.get_by_id", dbAttrs, func(ctx context.Context) error {
		a, err := scanAlbum(s.pool.QueryRow(ctx, selectAlbumColumns+` WHERE id = $1`, id))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("select error: %w", err)
		}
		album = a
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("albumStore.GetByID: %w", err)
	}
	return album, nil
}

// GetByQID retrieves an album by its external id. Returns (nil, nil) if no
// matching record exists.
func (s *albumStore) GetByQID(ctx context.Context, qid string) (*catalog.Album, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("method", "GetByQID"),
		attribute.String("album_qid", qid),
	)

	var album *catalog.Album
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.album.get_by_qid", dbAttrs, func(ctx context.Context) error {
		a, err := scanAlbum(s.pool.QueryRow(ctx, selectAlbumColumns+` WHERE qid = $1`, qid))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("select error: %w", err)
		}
		album = a
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("albumStore.GetByQID: %w", err)
	}
	return album, nil
}

// ListMissingTracklists returns albums that have a release-group MBID but no
// fetched tracklist yet, oldest first.
func (s *albumStore) ListMissingTracklists(ctx context.Context, limit int32) ([]*catalog.Album, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("method", "ListMissingTracklists"),
		attribute.Int("limit", int(limit)),
	)

	var albums []*catalog.Album
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.album.list_missing_tracklists", dbAttrs, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, selectAlbumColumns+`
			WHERE release_group_mbid IS NOT NULL
			  AND tracklist_fetched_at IS NULL
			ORDER BY created_at ASC
			LIMIT $1`,
			limit,
		)
		if err != nil {
			return fmt.Errorf("select error: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			a, err := scanAlbum(rows)
			if err != nil {
				return fmt.Errorf("failed to scan album: %w", err)
			}
			albums = append(albums, a)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("albumStore.ListMissingTracklists: %w", err)
	}
	return albums, nil
}

// RecordTracklistFetch stamps the fetch time and the chosen release.
func (s *albumStore) RecordTracklistFetch(ctx context.Context, albumID int64, releaseMBID string) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("method", "RecordTracklistFetch"),
		attribute.Int64("album_id", albumID),
		attribute.String("release_mbid", releaseMBID),
	)
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.album.record_tracklist_fetch", dbAttrs, func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, `
			UPDATE albums
			SET chosen_release_mbid = $2, tracklist_fetched_at = NOW(), updated_at = NOW()
			WHERE id = $1`,
			albumID, releaseMBID,
		)
		if err != nil {
			return fmt.Errorf("update error: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("album %d does not exist", albumID)
		}
		return nil
	})
}

// IncTracklistAttempts bumps the attempt counter before a fetch.
func (s *albumStore) IncTracklistAttempts(ctx context.Context, albumID int64) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("method", "IncTracklistAttempts"),
		attribute.Int64("album_id", albumID),
	)
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.album.inc_tracklist_attempts", dbAttrs, func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, `
			UPDATE albums
			SET tracklist_attempts = tracklist_attempts + 1, updated_at = NOW()
			WHERE id = $1`,
			albumID,
		)
		if err != nil {
			return fmt.Errorf("update error: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("album %d does not exist", albumID)
		}
		return nil
	})
}
