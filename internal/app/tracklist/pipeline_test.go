package tracklist

import (
	"context"
	"fmt"
	"testing"
	"time"

	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunedex/tunedex/internal/domain/catalog"
	"github.com/tunedex/tunedex/internal/domain/jobs"
	"github.com/tunedex/tunedex/internal/infra/index"
	"github.com/tunedex/tunedex/internal/infra/sources/musicbrainz"
	"github.com/tunedex/tunedex/internal/infra/storage"
	catalogpg "github.com/tunedex/tunedex/internal/infra/storage/catalog/postgres"
	"github.com/tunedex/tunedex/pkg/common/logger"
)

func intPtr(n int) *int { return &n }

type stubCatalog struct {
	releases    []musicbrainz.Release
	full        map[string]*musicbrainz.Release
	err         error
	browseCalls int
	lookupCalls int
}

func (s *stubCatalog) ReleasesByReleaseGroup(context.Context, string) ([]musicbrainz.Release, error) {
	s.browseCalls++
	if s.err != nil {
		return nil, s.err
	}
	return s.releases, nil
}

func (s *stubCatalog) ReleaseWithRecordings(_ context.Context, releaseMBID string) (*musicbrainz.Release, error) {
	s.lookupCalls++
	if s.err != nil {
		return nil, s.err
	}
	return s.full[releaseMBID], nil
}

type pipelineFixture struct {
	albums  catalog.AlbumRepository
	tracks  catalog.TrackRepository
	source  *stubCatalog
	indexer *index.Memory
	deps    Deps
}

func setupPipelineTest(t *testing.T) (context.Context, *pipelineFixture) {
	t.Helper()

	db, cleanup := storage.SetupTestContainer(t)
	t.Cleanup(cleanup)
	tracer := storage.NoOpTracer()

	f := &pipelineFixture{
		albums:  catalogpg.NewAlbumStore(db, tracer),
		tracks:  catalogpg.NewTrackStore(db, tracer),
		source:  new(stubCatalog),
		indexer: index.NewMemory(),
	}
	f.deps = Deps{
		Source:  f.source,
		Albums:  f.albums,
		Tracks:  f.tracks,
		Indexer: f.indexer,
		Logger:  logger.Noop(),
		Tracer:  tracer,
		Now:     func() time.Time { return time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC) },
	}
	return context.Background(), f
}

func seedAlbum(t *testing.T, ctx context.Context, f *pipelineFixture, rgMBID string) *catalog.Album {
	t.Helper()

	title := "Blonde on Blonde"
	require.NoError(t, f.albums.UpsertBatch(ctx, []*catalog.Album{
		{QID: "Q208174", Title: &title, ReleaseGroupMBID: &rgMBID},
	}))
	album, err := f.albums.GetByQID(ctx, "Q208174")
	require.NoError(t, err)
	return album
}

func fullRelease() *musicbrainz.Release {
	return &musicbrainz.Release{
		ID: "rel-canonical", Status: "Official",
		Media: []musicbrainz.Media{
			{Format: "CD", Position: 1, TrackCount: 2, Tracks: []musicbrainz.ReleaseTrack{
				{Title: "Rainy Day Women #12 & 35", Position: 1, Length: intPtr(276000),
					Recording: musicbrainz.Recording{ID: "rec-1", Title: "Rainy Day Women #12 & 35"}},
				{Position: 2,
					Recording: musicbrainz.Recording{ID: "rec-2", Title: "Pledging My Time", Length: intPtr(231000)}},
			}},
		},
	}
}

func TestPipelineImportsTracklist(t *testing.T) {
	t.Parallel()

	ctx, f := setupPipelineTest(t)
	album := seedAlbum(t, ctx, f, "rg-1")

	f.source.releases = []musicbrainz.Release{
		{ID: "rel-promo", Status: "Promotion", Country: "JP", Date: "2020",
			Media: []musicbrainz.Media{{Format: "Digital Media", TrackCount: 2}}},
		{ID: "rel-canonical", Status: "Official", Country: "US", Date: "1966-06-20",
			Barcode: strPtr("07464008412"),
			Media:   []musicbrainz.Media{{Format: "CD", TrackCount: 2}}},
	}
	f.source.full = map[string]*musicbrainz.Release{"rel-canonical": fullRelease()}

	job := FetchJob(f.deps)
	payload := []byte(fmt.Sprintf(`{"album_id":%d}`, album.ID))
	require.NoError(t, job.Handle(ctx, payload))

	tracks, err := f.tracks.ListByAlbum(ctx, album.ID)
	require.NoError(t, err)
	require.Len(t, tracks, 2)
	assert.Equal(t, "rec-1", tracks[0].RecordingMBID)
	assert.Equal(t, "rel-canonical", tracks[0].ReleaseMBID)
	assert.Equal(t, "Pledging My Time", tracks[1].Title, "title falls back to the recording")
	require.NotNil(t, tracks[1].LengthMS)
	assert.Equal(t, 231000, *tracks[1].LengthMS, "length falls back to the recording")

	reloaded, err := f.albums.GetByID(ctx, album.ID)
	require.NoError(t, err)
	require.NotNil(t, reloaded.ChosenReleaseMBID)
	assert.Equal(t, "rel-canonical", *reloaded.ChosenReleaseMBID)
	assert.NotNil(t, reloaded.TracklistFetchedAt)
	assert.Equal(t, 1, reloaded.TracklistAttempts)

	docs := f.indexer.Documents()
	require.NotEmpty(t, docs)
	assert.Equal(t, "album", docs[0].Kind)

	// A second run against the same chosen release takes the merge path and
	// yields the identical track set.
	require.NoError(t, job.Handle(ctx, payload))

	tracks, err = f.tracks.ListByAlbum(ctx, album.ID)
	require.NoError(t, err)
	require.Len(t, tracks, 2)

	reloaded, err = f.albums.GetByID(ctx, album.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, reloaded.TracklistAttempts)
}

// TestPipelineEmptyCandidates: an empty browse result terminates the job
// successfully without a write, leaving the album eligible for a later try.
func TestPipelineEmptyCandidates(t *testing.T) {
	t.Parallel()

	ctx, f := setupPipelineTest(t)
	album := seedAlbum(t, ctx, f, "rg-empty")

	job := FetchJob(f.deps)
	require.NoError(t, job.Handle(ctx, []byte(fmt.Sprintf(`{"album_id":%d}`, album.ID))))

	reloaded, err := f.albums.GetByID(ctx, album.ID)
	require.NoError(t, err)
	assert.Nil(t, reloaded.TracklistFetchedAt)
	assert.Nil(t, reloaded.ChosenReleaseMBID)
	assert.Equal(t, 1, reloaded.TracklistAttempts)

	tracks, err := f.tracks.ListByAlbum(ctx, album.ID)
	require.NoError(t, err)
	assert.Empty(t, tracks)
}

// TestPipelineRateLimitShortCircuits: the sentinel from any step aborts the
// whole pipeline without writes and reaches the runner intact.
func TestPipelineRateLimitShortCircuits(t *testing.T) {
	t.Parallel()

	ctx, f := setupPipelineTest(t)
	album := seedAlbum(t, ctx, f, "rg-1")
	f.source.err = fmt.Errorf("catalog api throttled: %w", jobs.ErrRateLimited)

	job := FetchJob(f.deps)
	err := job.Handle(ctx, []byte(fmt.Sprintf(`{"album_id":%d}`, album.ID)))
	require.Error(t, err)
	assert.ErrorIs(t, err, jobs.ErrRateLimited)

	reloaded, err := f.albums.GetByID(ctx, album.ID)
	require.NoError(t, err)
	assert.Nil(t, reloaded.TracklistFetchedAt)
	assert.Equal(t, 1, f.source.browseCalls)
	assert.Zero(t, f.source.lookupCalls, "rate limit short-circuits later steps")
}

func TestPipelineSkipsUnknownAlbum(t *testing.T) {
	t.Parallel()

	ctx, f := setupPipelineTest(t)
	job := FetchJob(f.deps)

	require.NoError(t, job.Handle(ctx, []byte(`{"album_id":999999}`)))
	assert.Zero(t, f.source.browseCalls)
}

func TestFetchJobUniquenessKey(t *testing.T) {
	t.Parallel()

	job := FetchJob(Deps{}).(interface {
		UniquenessKey(payload []byte) (string, bool)
	})

	key, ok := job.UniquenessKey([]byte(`{"album_id":42}`))
	require.True(t, ok)
	assert.Equal(t, "tracklist:42", key)

	_, ok = job.UniquenessKey([]byte(`{}`))
	assert.False(t, ok)

	_, ok = job.UniquenessKey([]byte(`not json`))
	assert.False(t, ok)
}
