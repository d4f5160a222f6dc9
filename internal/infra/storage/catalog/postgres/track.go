package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tunedex/tunedex/internal/domain/catalog"
	"github.com/tunedex/tunedex/internal/infra/storage"
)

var _ catalog.TrackRepository = (*trackStore)(nil)

// trackStore implements catalog.TrackRepository using PostgreSQL.
type trackStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewTrackStore creates a PostgreSQL-backed track repository.
func NewTrackStore(pool *pgxpool.Pool, tracer trace.Tracer) *trackStore {
	return &trackStore{pool: pool, tracer: tracer}
}

// ReplaceForAlbum deletes the album's existing track rows and bulk inserts
// the new set in one transaction, so readers never observe a half-replaced
// tracklist.
func (s *trackStore) ReplaceForAlbum(ctx context.Context, albumID int64, tracks []*catalog.Track) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("method", "ReplaceForAlbum"),
		attribute.Int64("album_id", albumID),
		attribute.Int("track_count", len(tracks)),
	)
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.track.replace_for_album", dbAttrs, func(ctx context.Context) error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback(ctx)

		if _, err := tx.Exec(ctx, `DELETE FROM tracks WHERE album_id = $1`, albumID); err != nil {
			return fmt.Errorf("failed to delete existing tracks: %w", err)
		}

		if len(tracks) > 0 {
			rows := make([][]any, 0, len(tracks))
			for _, t := range tracks {
				rows = append(rows, []any{
					albumID, t.RecordingMBID, t.ReleaseMBID, t.Title,
					t.DiscNumber, t.Position, t.LengthMS,
				})
			}

			_, err = tx.CopyFrom(ctx,
				pgx.Identifier{"tracks"},
				[]string{"album_id", "recording_mbid", "release_mbid", "title", "disc_number", "position", "length_ms"},
				pgx.CopyFromRows(rows),
			)
			if err != nil {
				return fmt.Errorf("failed to bulk insert tracks: %w", err)
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("failed to commit transaction: %w", err)
		}
		return nil
	})
}

// UpsertForAlbum merges tracks on (album, recording MBID) without deletion.
// The idempotent path for re-fetching the same chosen release.
func (s *trackStore) UpsertForAlbum(ctx context.Context, albumID int64, tracks []*catalog.Track) error {
	if len(tracks) == 0 {
		return nil
	}

	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("method", "UpsertForAlbum"),
		attribute.Int64("album_id", albumID),
		attribute.Int("track_count", len(tracks)),
	)
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.track.upsert_for_album", dbAttrs, func(ctx context.Context) error {
		batch := new(pgx.Batch)
		for _, t := range tracks {
			batch.Queue(`
				INSERT INTO tracks (album_id, recording_mbid, release_mbid, title, disc_number, position, length_ms)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
				ON CONFLICT (album_id, recording_mbid) DO UPDATE SET
					release_mbid = EXCLUDED.release_mbid,
					title        = EXCLUDED.title,
					disc_number  = EXCLUDED.disc_number,
					position     = EXCLUDED.position,
					length_ms    = COALESCE(EXCLUDED.length_ms, tracks.length_ms),
					updated_at   = NOW()`,
				albumID, t.RecordingMBID, t.ReleaseMBID, t.Title,
				t.DiscNumber, t.Position, t.LengthMS,
			)
		}

		results := s.pool.SendBatch(ctx, batch)
		defer results.Close()

		for _, t := range tracks {
			if _, err := results.Exec(); err != nil {
				return fmt.Errorf("failed to upsert track %s: %w", t.RecordingMBID, err)
			}
		}
		return nil
	})
}

// ListByAlbum returns the album's tracks ordered by disc then position.
func (s *trackStore) ListByAlbum(ctx context.Context, albumID int64) ([]*catalog.Track, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("method", "ListByAlbum"),
		attribute.Int64("album_id", albumID),
	)

	var tracks []*catalog.Track
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.track.list_by_album", dbAttrs, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, `
			SELECT id, album_id, recording_mbid, release_mbid, title,
			       disc_number, position, length_ms, created_at, updated_at
			FROM tracks
			WHERE album_id = $1
			ORDER BY disc_number, position`,
			albumID,
		)
		if err != nil {
			return fmt.Errorf("select error: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			t := new(catalog.Track)
			if err := rows.Scan(
				&t.ID, &t.AlbumID, &t.RecordingMBID, &t.ReleaseMBID, &t.Title,
				&t.DiscNumber, &t.Position, &t.LengthMS, &t.CreatedAt, &t.UpdatedAt,
			); err != nil {
				return fmt.Errorf("failed to scan track: %w", err)
			}
			tracks = append(tracks, t)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("trackStore.ListByAlbum: %w", err)
	}
	return tracks, nil
}
