package enrichment

import (
	"context"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tunedex/tunedex/internal/domain/catalog"
	"github.com/tunedex/tunedex/internal/domain/events"
	"github.com/tunedex/tunedex/internal/domain/jobs"
	"github.com/tunedex/tunedex/internal/domain/sync"
)

// albumsJob enriches a batch of album identifiers. The release-group MBID,
// when the source exposes one, is what later feeds the tracklist pipeline.
type albumsJob struct{ deps Deps }

// AlbumsJob returns the album enrichment handler.
func AlbumsJob(deps Deps) jobs.Handler {
	return &albumsJob{deps: deps.withDefaults()}
}

func (j *albumsJob) Type() events.EventType { return jobs.EventTypeEnrichAlbums }

func (j *albumsJob) Policy() jobs.Policy {
	return jobs.DefaultPolicy(jobs.QueueWikidata, jobs.SourceWikidata)
}

func (j *albumsJob) Handle(ctx context.Context, payload []byte) error {
	var p jobs.EnrichPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	if len(p.QIDs) == 0 {
		return nil
	}

	ctx, span := j.deps.Tracer.Start(ctx, "enrichment.albums",
		trace.WithAttributes(attribute.Int("batch_size", len(p.QIDs))))
	defer span.End()

	rows, err := j.deps.Source.EnrichAlbums(ctx, p.QIDs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "source query failed")
		return fmt.Errorf("failed to enrich albums: %w", err)
	}

	upserted, err := upsertAlbumRecords(ctx, j.deps, accumulateAlbums(rows))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "album upsert failed")
		return err
	}

	j.deps.Logger.Info(ctx, "Enriched albums", "batch_size", len(p.QIDs), "upserted", upserted)
	span.SetAttributes(attribute.Int("upserted", upserted))
	span.SetStatus(codes.Ok, "batch enriched")
	return nil
}

// refreshJob re-queries albums for artists flagged as changed. The pending
// identifier list is read from checkpoint metadata and cleared immediately
// after reading: a crash between clearing and processing drops the batch
// until the next changed-artist sweep naturally re-populates it, which is an
// accepted eventual-consistency gap.
type refreshJob struct{ deps Deps }

// RefreshAlbumsJob returns the changed-artist album refresh handler.
func RefreshAlbumsJob(deps Deps) jobs.Handler {
	return &refreshJob{deps: deps.withDefaults()}
}

func (j *refreshJob) Type() events.EventType { return jobs.EventTypeRefreshArtistAlbums }

func (j *refreshJob) Policy() jobs.Policy {
	return jobs.DefaultPolicy(jobs.QueueWikidata, jobs.SourceWikidata)
}

func (j *refreshJob) Handle(ctx context.Context, payload []byte) error {
	var p jobs.RefreshAlbumsPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	ctx, span := j.deps.Tracer.Start(ctx, "enrichment.refresh_albums")
	defer span.End()

	artistQIDs := p.ArtistQIDs
	if len(artistQIDs) == 0 {
		var err error
		artistQIDs, err = j.consumePending(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to consume pending list")
			return err
		}
	}
	if len(artistQIDs) == 0 {
		j.deps.Logger.Info(ctx, "No pending artists for album refresh")
		span.SetStatus(codes.Ok, "nothing pending")
		return nil
	}
	span.SetAttributes(attribute.Int("artist_count", len(artistQIDs)))

	// First chunk inline; the rest become their own jobs so no single run
	// issues an unbounded source query.
	chunks := chunk(artistQIDs, j.deps.RefreshChunk)
	for _, rest := range chunks[1:] {
		if err := j.deps.Dispatcher.Dispatch(ctx, jobs.EventTypeRefreshArtistAlbums,
			jobs.RefreshAlbumsPayload{ArtistQIDs: rest}); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to dispatch refresh chunk")
			return fmt.Errorf("failed to dispatch album refresh chunk: %w", err)
		}
	}

	rows, err := j.deps.Source.AlbumsForArtists(ctx, chunks[0])
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "source query failed")
		return fmt.Errorf("failed to query albums for artists: %w", err)
	}

	upserted, err := upsertAlbumRecords(ctx, j.deps, accumulateAlbums(rows))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "album upsert failed")
		return err
	}

	j.deps.Logger.Info(ctx, "Refreshed artist albums",
		"artist_count", len(chunks[0]),
		"chunks_dispatched", len(chunks)-1,
		"upserted", upserted,
	)
	span.SetAttributes(attribute.Int("upserted", upserted))
	span.SetStatus(codes.Ok, "chunk processed")
	return nil
}

// consumePending reads and clears the pending identifier list from the
// changed-artists checkpoint.
func (j *refreshJob) consumePending(ctx context.Context) ([]string, error) {
	cp, err := j.deps.Checkpoints.ForKey(ctx, sync.StreamChangedArtists)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	pending := cp.MetaStrings(sync.MetaPendingAlbumRefresh)
	if len(pending) == 0 {
		return nil, nil
	}
	cp.ClearMeta(sync.MetaPendingAlbumRefresh)
	if err := j.deps.Checkpoints.Save(ctx, cp); err != nil {
		return nil, fmt.Errorf("failed to clear pending list: %w", err)
	}
	return pending, nil
}

// upsertAlbumRecords writes accumulated album records with the
// null-preserving merge and pushes the result to the search index.
func upsertAlbumRecords(ctx context.Context, deps Deps, records []*albumRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	albums := make([]*catalog.Album, 0, len(records))
	for _, rec := range records {
		albums = append(albums, &catalog.Album{
			QID:              rec.qid,
			Title:            rec.title,
			Type:             rec.albumType(),
			ReleaseYear:      rec.releaseYear,
			ReleaseDate:      rec.releaseDate,
			ArtistQID:        rec.artistQID,
			ReleaseGroupMBID: rec.releaseGroupMBID,
		})
	}
	if err := deps.Albums.UpsertBatch(ctx, albums); err != nil {
		return 0, fmt.Errorf("failed to upsert albums: %w", err)
	}

	docs := make([]catalog.Document, 0, len(albums))
	for _, a := range albums {
		stored, err := deps.Albums.GetByQID(ctx, a.QID)
		if err != nil || stored == nil {
			continue
		}
		fields := map[string]any{"qid": stored.QID}
		if stored.Title != nil {
			fields["title"] = *stored.Title
		}
		if stored.ReleaseYear != nil {
			fields["release_year"] = *stored.ReleaseYear
		}
		docs = append(docs, catalog.Document{Kind: "album", ID: stored.ID, Fields: fields})
	}
	deps.Indexer.Push(ctx, docs)

	return len(albums), nil
}
