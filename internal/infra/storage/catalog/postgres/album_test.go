package postgres

import (
	"testing"

	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunedex/tunedex/internal/domain/catalog"
	"github.com/tunedex/tunedex/internal/infra/storage"
)

func albumTypePtr(t catalog.AlbumType) *catalog.AlbumType { return &t }

// TestPGAlbumStore_ArtistResolvedFromQID ingests an album before its artist
// exists, then verifies a later upsert resolves the foreign key from the
// stored artist external id.
func TestPGAlbumStore_ArtistResolvedFromQID(t *testing.T) {
	t.Parallel()

	ctx, db, cleanup := setupCatalogTest(t)
	defer cleanup()
	albums := NewAlbumStore(db, storage.NoOpTracer())
	artists := NewArtistStore(db, storage.NoOpTracer())

	album := &catalog.Album{
		QID:       "Q6452102",
		Title:     strPtr("Highway 61 Revisited"),
		Type:      albumTypePtr(catalog.AlbumTypeAlbum),
		ArtistQID: strPtr("Q392"),
	}
	require.NoError(t, albums.UpsertBatch(ctx, []*catalog.Album{album}))

	loaded, err := albums.GetByQID(ctx, "Q6452102")
	require.NoError(t, err)
	assert.Nil(t, loaded.ArtistID, "artist not ingested yet")

	require.NoError(t, artists.UpsertBatch(ctx, []*catalog.Artist{{QID: "Q392", Name: strPtr("Bob Dylan")}}))
	artist, err := artists.GetByQID(ctx, "Q392")
	require.NoError(t, err)

	// The next upsert of the same album picks up the now-present artist row.
	require.NoError(t, albums.UpsertBatch(ctx, []*catalog.Album{album}))

	reloaded, err := albums.GetByQID(ctx, "Q6452102")
	require.NoError(t, err)
	require.NotNil(t, reloaded.ArtistID)
	assert.Equal(t, artist.ID, *reloaded.ArtistID)
}

func TestPGAlbumStore_TracklistBookkeeping(t *testing.T) {
	t.Parallel()

	ctx, db, cleanup := setupCatalogTest(t)
	defer cleanup()
	store := NewAlbumStore(db, storage.NoOpTracer())

	withMBID := &catalog.Album{
		QID:              "Q208174",
		Title:            strPtr("Blonde on Blonde"),
		ReleaseGroupMBID: strPtr("a8fa98a1-0bd8-3a5f-88cb-c3cbd32d6bb7"),
	}
	withoutMBID := &catalog.Album{
		QID:   "Q6452102",
		Title: strPtr("Highway 61 Revisited"),
	}
	require.NoError(t, store.UpsertBatch(ctx, []*catalog.Album{withMBID, withoutMBID}))

	missing, err := store.ListMissingTracklists(ctx, 10)
	require.NoError(t, err)
	require.Len(t, missing, 1, "only albums with a release-group MBID qualify")
	assert.Equal(t, "Q208174", missing[0].QID)
	assert.Zero(t, missing[0].TracklistAttempts)

	require.NoError(t, store.IncTracklistAttempts(ctx, missing[0].ID))
	require.NoError(t, store.RecordTracklistFetch(ctx, missing[0].ID, "release-mbid-1"))

	fetched, err := store.GetByID(ctx, missing[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 1, fetched.TracklistAttempts)
	require.NotNil(t, fetched.ChosenReleaseMBID)
	assert.Equal(t, "release-mbid-1", *fetched.ChosenReleaseMBID)
	assert.NotNil(t, fetched.TracklistFetchedAt)

	missing, err = store.ListMissingTracklists(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, missing, "fetched albums drop out of the missing list")
}
