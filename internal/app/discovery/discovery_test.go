package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunedex/tunedex/internal/domain/events"
	"github.com/tunedex/tunedex/internal/domain/jobs"
	"github.com/tunedex/tunedex/internal/domain/sync"
	"github.com/tunedex/tunedex/internal/infra/sources/wikidata"
	"github.com/tunedex/tunedex/internal/infra/storage"
	"github.com/tunedex/tunedex/pkg/common/logger"
)

// stubSource serves pre-canned discovery pages and records the cursors it
// was asked for.
type stubSource struct {
	newPages     [][]wikidata.DiscoveredEntity
	changedPages [][]wikidata.DiscoveredEntity
	newCalls     []int64
	changedCalls []time.Time
}

func (s *stubSource) nextNew(after int64) []wikidata.DiscoveredEntity {
	s.newCalls = append(s.newCalls, after)
	if len(s.newPages) == 0 {
		return nil
	}
	page := s.newPages[0]
	s.newPages = s.newPages[1:]
	return page
}

func (s *stubSource) nextChanged(since time.Time) []wikidata.DiscoveredEntity {
	s.changedCalls = append(s.changedCalls, since)
	if len(s.changedPages) == 0 {
		return nil
	}
	page := s.changedPages[0]
	s.changedPages = s.changedPages[1:]
	return page
}

func (s *stubSource) DiscoverNewGenres(_ context.Context, after int64, _ int) ([]wikidata.DiscoveredEntity, error) {
	return s.nextNew(after), nil
}

func (s *stubSource) DiscoverNewArtists(_ context.Context, after int64, _ int) ([]wikidata.DiscoveredEntity, error) {
	return s.nextNew(after), nil
}

func (s *stubSource) DiscoverChangedGenres(_ context.Context, since time.Time, _ int) ([]wikidata.DiscoveredEntity, error) {
	return s.nextChanged(since), nil
}

func (s *stubSource) DiscoverChangedArtists(_ context.Context, since time.Time, _ int) ([]wikidata.DiscoveredEntity, error) {
	return s.nextChanged(since), nil
}

type dispatchedJob struct {
	eventType events.EventType
	payload   any
}

type captureDispatcher struct{ calls []dispatchedJob }

func (d *captureDispatcher) Dispatch(_ context.Context, t events.EventType, payload any, _ ...events.PublishOption) error {
	d.calls = append(d.calls, dispatchedJob{eventType: t, payload: payload})
	return nil
}

func (d *captureDispatcher) ofType(t events.EventType) []dispatchedJob {
	var out []dispatchedJob
	for _, c := range d.calls {
		if c.eventType == t {
			out = append(out, c)
		}
	}
	return out
}

type memCheckpoints struct {
	byKey  map[string]*sync.Checkpoint
	nextID int64
}

func newMemCheckpoints() *memCheckpoints {
	return &memCheckpoints{byKey: make(map[string]*sync.Checkpoint)}
}

func (m *memCheckpoints) ForKey(_ context.Context, streamKey string) (*sync.Checkpoint, error) {
	if cp, ok := m.byKey[streamKey]; ok {
		return cp, nil
	}
	cp := sync.NewCheckpoint(streamKey)
	m.byKey[streamKey] = cp
	return cp, nil
}

func (m *memCheckpoints) Save(_ context.Context, cp *sync.Checkpoint) error {
	if cp.IsTemporary() {
		m.nextID++
		cp.SetID(m.nextID)
	}
	m.byKey[cp.StreamKey()] = cp
	return nil
}

type fixture struct {
	source      *stubSource
	dispatcher  *captureDispatcher
	checkpoints *memCheckpoints
	deps        Deps
}

func newFixture(pageSize, enrichChunk int) *fixture {
	f := &fixture{
		source:      new(stubSource),
		dispatcher:  new(captureDispatcher),
		checkpoints: newMemCheckpoints(),
	}
	f.deps = Deps{
		Source:      f.source,
		Checkpoints: f.checkpoints,
		Dispatcher:  f.dispatcher,
		Logger:      logger.Noop(),
		Tracer:      storage.NoOpTracer(),
		PageSize:    pageSize,
		EnrichChunk: enrichChunk,
	}
	return f
}

func entity(qid string, ordinal int64) wikidata.DiscoveredEntity {
	return wikidata.DiscoveredEntity{QID: qid, Ordinal: ordinal}
}

func changedEntity(qid string, modified time.Time) wikidata.DiscoveredEntity {
	ord, _ := wikidata.Ordinal(qid)
	return wikidata.DiscoveredEntity{QID: qid, Ordinal: ord, ModifiedAt: modified}
}

// TestNewGenresFullPage verifies the core page contract: enrichment chunked,
// checkpoint bumped to the page max, continuation dispatched with the
// advanced cursor.
func TestNewGenresFullPage(t *testing.T) {
	t.Parallel()

	f := newFixture(3, 2)
	f.source.newPages = [][]wikidata.DiscoveredEntity{
		{entity("Q5", 5), entity("Q7", 7), entity("Q9", 9)},
	}

	job := NewGenresJob(f.deps)
	require.NoError(t, job.Handle(context.Background(), []byte(`{}`)))

	enrich := f.dispatcher.ofType(jobs.EventTypeEnrichGenres)
	require.Len(t, enrich, 2)
	assert.Equal(t, jobs.EnrichPayload{QIDs: []string{"Q5", "Q7"}}, enrich[0].payload)
	assert.Equal(t, jobs.EnrichPayload{QIDs: []string{"Q9"}}, enrich[1].payload)

	cp := f.checkpoints.byKey[sync.StreamNewGenres]
	require.NotNil(t, cp)
	assert.Equal(t, int64(9), cp.LastSeenOrdinal())

	cont := f.dispatcher.ofType(jobs.EventTypeDiscoverNewGenres)
	require.Len(t, cont, 1)
	assert.Equal(t, jobs.DiscoverNewPayload{AfterOrdinal: 9}, cont[0].payload)
}

func TestNewGenresShortPageEndsChain(t *testing.T) {
	t.Parallel()

	f := newFixture(3, 50)
	f.source.newPages = [][]wikidata.DiscoveredEntity{
		{entity("Q5", 5), entity("Q7", 7)},
	}

	job := NewGenresJob(f.deps)
	require.NoError(t, job.Handle(context.Background(), []byte(`{}`)))

	assert.Empty(t, f.dispatcher.ofType(jobs.EventTypeDiscoverNewGenres), "short page must not continue")
	assert.Equal(t, int64(7), f.checkpoints.byKey[sync.StreamNewGenres].LastSeenOrdinal())
}

func TestNewArtistsResumesFromCheckpoint(t *testing.T) {
	t.Parallel()

	f := newFixture(200, 50)
	cp, err := f.checkpoints.ForKey(context.Background(), sync.StreamNewArtists)
	require.NoError(t, err)
	cp.BumpOrdinal(100)

	job := NewArtistsJob(f.deps)
	require.NoError(t, job.Handle(context.Background(), []byte(`{}`)))

	require.Len(t, f.source.newCalls, 1)
	assert.Equal(t, int64(100), f.source.newCalls[0], "zero payload cursor resumes from checkpoint")

	// An explicit payload cursor overrides the checkpoint.
	require.NoError(t, job.Handle(context.Background(), []byte(`{"after_ordinal":500}`)))
	require.Len(t, f.source.newCalls, 2)
	assert.Equal(t, int64(500), f.source.newCalls[1])
}

func TestNewGenresEmptyPageDispatchesNothing(t *testing.T) {
	t.Parallel()

	f := newFixture(200, 50)
	job := NewGenresJob(f.deps)
	require.NoError(t, job.Handle(context.Background(), []byte(`{}`)))
	assert.Empty(t, f.dispatcher.calls)
}

// TestChangedArtistsAccumulatesPendingRefresh verifies the hand-off to the
// album refresh job: discovered identifiers land deduplicated in checkpoint
// metadata, and the watermark advances to the max modification time seen.
func TestChangedArtistsAccumulatesPendingRefresh(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	f := newFixture(3, 50)
	f.source.changedPages = [][]wikidata.DiscoveredEntity{
		{
			changedEntity("Q392", base.Add(1*time.Hour)),
			changedEntity("Q1299", base.Add(3*time.Hour)),
			changedEntity("Q392", base.Add(2*time.Hour)),
		},
	}

	job := ChangedArtistsJob(f.deps)
	require.NoError(t, job.Handle(context.Background(), []byte(`{}`)))

	cp := f.checkpoints.byKey[sync.StreamChangedArtists]
	require.NotNil(t, cp)
	assert.Equal(t, []string{"Q392", "Q1299"}, cp.MetaStrings(sync.MetaPendingAlbumRefresh))

	watermark, ok := cp.LastChangedAt()
	require.True(t, ok)
	assert.Equal(t, base.Add(3*time.Hour), watermark)

	// Full page: the continuation carries the max-seen timestamp so the next
	// page never re-scans this slice within the run.
	cont := f.dispatcher.ofType(jobs.EventTypeDiscoverChangedArtists)
	require.Len(t, cont, 1)
	assert.Equal(t, jobs.DiscoverChangedPayload{AfterModified: base.Add(3 * time.Hour)}, cont[0].payload)
}

func TestChangedGenresUsesOverlapBuffer(t *testing.T) {
	t.Parallel()

	watermark := time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC)
	f := newFixture(200, 50)
	cp, err := f.checkpoints.ForKey(context.Background(), sync.StreamChangedGenres)
	require.NoError(t, err)
	cp.BumpChangedAt(watermark)

	job := ChangedGenresJob(f.deps)
	require.NoError(t, job.Handle(context.Background(), []byte(`{}`)))

	require.Len(t, f.source.changedCalls, 1)
	assert.Equal(t, watermark.Add(-sync.DefaultOverlapBuffer), f.source.changedCalls[0])

	// The in-run cursor, when present, takes precedence over the buffered
	// watermark.
	cursor := time.Date(2026, 8, 30, 6, 0, 0, 0, time.UTC)
	require.NoError(t, job.Handle(context.Background(),
		[]byte(`{"after_modified":"2026-08-30T06:00:00Z"}`)))
	require.Len(t, f.source.changedCalls, 2)
	assert.Equal(t, cursor, f.source.changedCalls[1])
}

func TestChangedGenresDoesNotTrackPendingRefresh(t *testing.T) {
	t.Parallel()

	f := newFixture(200, 50)
	f.source.changedPages = [][]wikidata.DiscoveredEntity{
		{changedEntity("Q9759", time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC))},
	}

	job := ChangedGenresJob(f.deps)
	require.NoError(t, job.Handle(context.Background(), []byte(`{}`)))

	cp := f.checkpoints.byKey[sync.StreamChangedGenres]
	assert.Empty(t, cp.MetaStrings(sync.MetaPendingAlbumRefresh))
}
