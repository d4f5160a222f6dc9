package postgres

import (
	"context"
	"testing"

	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunedex/tunedex/internal/domain/catalog"
	"github.com/tunedex/tunedex/internal/infra/storage"
)

func seedAlbum(t *testing.T, ctx context.Context, db *pgxpool.Pool, qid string) int64 {
	t.Helper()

	store := NewAlbumStore(db, storage.NoOpTracer())
	require.NoError(t, store.UpsertBatch(ctx, []*catalog.Album{{QID: qid, Title: strPtr("test album")}}))
	album, err := store.GetByQID(ctx, qid)
	require.NoError(t, err)
	return album.ID
}

// TestPGTrackStore_ReplaceIdempotent verifies the core tracklist property:
// replacing with the same set twice yields the same rows, and replacing with
// a different release's set leaves no stale rows behind.
func TestPGTrackStore_ReplaceIdempotent(t *testing.T) {
	t.Parallel()

	ctx, db, cleanup := setupCatalogTest(t)
	defer cleanup()
	store := NewTrackStore(db, storage.NoOpTracer())
	albumID := seedAlbum(t, ctx, db, "Q208174")

	first := []*catalog.Track{
		{RecordingMBID: "rec-1", ReleaseMBID: "rel-1", Title: "Rainy Day Women", DiscNumber: 1, Position: 1, LengthMS: intPtr(276000)},
		{RecordingMBID: "rec-2", ReleaseMBID: "rel-1", Title: "Pledging My Time", DiscNumber: 1, Position: 2},
	}
	require.NoError(t, store.ReplaceForAlbum(ctx, albumID, first))
	require.NoError(t, store.ReplaceForAlbum(ctx, albumID, first))

	tracks, err := store.ListByAlbum(ctx, albumID)
	require.NoError(t, err)
	require.Len(t, tracks, 2)
	assert.Equal(t, "rec-1", tracks[0].RecordingMBID)
	assert.Equal(t, 276000, *tracks[0].LengthMS)

	// A different release layout fully supersedes the old rows.
	second := []*catalog.Track{
		{RecordingMBID: "rec-9", ReleaseMBID: "rel-2", Title: "Rainy Day Women (mono)", DiscNumber: 1, Position: 1},
	}
	require.NoError(t, store.ReplaceForAlbum(ctx, albumID, second))

	tracks, err = store.ListByAlbum(ctx, albumID)
	require.NoError(t, err)
	require.Len(t, tracks, 1)
	assert.Equal(t, "rec-9", tracks[0].RecordingMBID)
}

func TestPGTrackStore_UpsertForAlbum(t *testing.T) {
	t.Parallel()

	ctx, db, cleanup := setupCatalogTest(t)
	defer cleanup()
	store := NewTrackStore(db, storage.NoOpTracer())
	albumID := seedAlbum(t, ctx, db, "Q6452102")

	require.NoError(t, store.UpsertForAlbum(ctx, albumID, []*catalog.Track{
		{RecordingMBID: "rec-1", ReleaseMBID: "rel-1", Title: "Like a Rolling Stone", DiscNumber: 1, Position: 1, LengthMS: intPtr(369000)},
	}))

	// Re-fetch of the same recording updates in place, preserving length when
	// the refetch omits it.
	require.NoError(t, store.UpsertForAlbum(ctx, albumID, []*catalog.Track{
		{RecordingMBID: "rec-1", ReleaseMBID: "rel-1", Title: "Like a Rolling Stone", DiscNumber: 1, Position: 2},
	}))

	tracks, err := store.ListByAlbum(ctx, albumID)
	require.NoError(t, err)
	require.Len(t, tracks, 1)
	assert.Equal(t, 2, tracks[0].Position)
	require.NotNil(t, tracks[0].LengthMS)
	assert.Equal(t, 369000, *tracks[0].LengthMS)
}

func TestPGTrackStore_OrderedByDiscThenPosition(t *testing.T) {
	t.Parallel()

	ctx, db, cleanup := setupCatalogTest(t)
	defer cleanup()
	store := NewTrackStore(db, storage.NoOpTracer())
	albumID := seedAlbum(t, ctx, db, "Q208174")

	require.NoError(t, store.ReplaceForAlbum(ctx, albumID, []*catalog.Track{
		{RecordingMBID: "rec-d2-1", ReleaseMBID: "rel-1", Title: "Disc 2 Track 1", DiscNumber: 2, Position: 1},
		{RecordingMBID: "rec-d1-2", ReleaseMBID: "rel-1", Title: "Disc 1 Track 2", DiscNumber: 1, Position: 2},
		{RecordingMBID: "rec-d1-1", ReleaseMBID: "rel-1", Title: "Disc 1 Track 1", DiscNumber: 1, Position: 1},
	}))

	tracks, err := store.ListByAlbum(ctx, albumID)
	require.NoError(t, err)
	require.Len(t, tracks, 3)
	assert.Equal(t, "rec-d1-1", tracks[0].RecordingMBID)
	assert.Equal(t, "rec-d1-2", tracks[1].RecordingMBID)
	assert.Equal(t, "rec-d2-1", tracks[2].RecordingMBID)
}
