package postgres

import (
	"testing"

	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunedex/tunedex/internal/domain/catalog"
	"github.com/tunedex/tunedex/internal/infra/storage"
)

func TestPGArtistStore_UpsertAndMerge(t *testing.T) {
	t.Parallel()

	ctx, db, cleanup := setupCatalogTest(t)
	defer cleanup()
	store := NewArtistStore(db, storage.NoOpTracer())

	artist := &catalog.Artist{
		QID:        "Q392",
		Name:       strPtr("Bob Dylan"),
		FormedYear: intPtr(1961),
	}
	require.NoError(t, store.UpsertBatch(ctx, []*catalog.Artist{artist}))

	sparse := &catalog.Artist{
		QID:      "Q392",
		SortName: strPtr("Dylan, Bob"),
	}
	require.NoError(t, store.UpsertBatch(ctx, []*catalog.Artist{sparse}))

	loaded, err := store.GetByQID(ctx, "Q392")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "Bob Dylan", *loaded.Name)
	assert.Equal(t, "Dylan, Bob", *loaded.SortName)
	assert.Equal(t, 1961, *loaded.FormedYear)
}

// TestPGArtistStore_AttachGenresAdditive verifies genre associations are
// only ever added: a later call with a disjoint set must not remove earlier
// associations.
func TestPGArtistStore_AttachGenresAdditive(t *testing.T) {
	t.Parallel()

	ctx, db, cleanup := setupCatalogTest(t)
	defer cleanup()
	artists := NewArtistStore(db, storage.NoOpTracer())
	genres := NewGenreStore(db, storage.NoOpTracer())

	require.NoError(t, genres.UpsertBatch(ctx, []*catalog.Genre{
		{QID: "Q9759", Name: strPtr("blues")},
		{QID: "Q11399", Name: strPtr("rock music")},
	}))
	require.NoError(t, artists.UpsertBatch(ctx, []*catalog.Artist{{QID: "Q392", Name: strPtr("Bob Dylan")}}))

	artist, err := artists.GetByQID(ctx, "Q392")
	require.NoError(t, err)

	require.NoError(t, artists.AttachGenres(ctx, artist.ID, []string{"Q9759"}))
	require.NoError(t, artists.AttachGenres(ctx, artist.ID, []string{"Q11399"}))
	// Repeat attachment is a no-op.
	require.NoError(t, artists.AttachGenres(ctx, artist.ID, []string{"Q9759", "Q11399"}))
	// Unknown genre ids are skipped, not errors.
	require.NoError(t, artists.AttachGenres(ctx, artist.ID, []string{"Q999999"}))

	var count int
	require.NoError(t, db.QueryRow(ctx,
		`SELECT COUNT(*) FROM artist_genres WHERE artist_id = $1`, artist.ID).Scan(&count))
	assert.Equal(t, 2, count)
}

func TestPGArtistStore_AttachLinks(t *testing.T) {
	t.Parallel()

	ctx, db, cleanup := setupCatalogTest(t)
	defer cleanup()
	store := NewArtistStore(db, storage.NoOpTracer())

	require.NoError(t, store.UpsertBatch(ctx, []*catalog.Artist{{QID: "Q392", Name: strPtr("Bob Dylan")}}))
	artist, err := store.GetByQID(ctx, "Q392")
	require.NoError(t, err)

	links := []catalog.ArtistLink{
		{Kind: "official_site", URL: "https://www.bobdylan.com"},
		{Kind: "musicbrainz", URL: "https://musicbrainz.org/artist/72c536dc-7137-4477-a521-567eeb840fa8"},
	}
	require.NoError(t, store.AttachLinks(ctx, artist.ID, links))
	require.NoError(t, store.AttachLinks(ctx, artist.ID, links), "repeat attachment must be a no-op")

	reloaded, err := store.GetByQID(ctx, "Q392")
	require.NoError(t, err)
	require.Len(t, reloaded.Links, 2)
	assert.Equal(t, "musicbrainz", reloaded.Links[0].Kind)
	assert.Equal(t, "official_site", reloaded.Links[1].Kind)
}
