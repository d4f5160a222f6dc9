package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tunedex/tunedex/internal/domain/events"
	"github.com/tunedex/tunedex/internal/domain/jobs"
	"github.com/tunedex/tunedex/internal/domain/sync"
	"github.com/tunedex/tunedex/internal/infra/sources/wikidata"
)

// changedEntityJob pages one entity class by modification timestamp. The
// first page of a run starts at the checkpoint watermark minus the overlap
// buffer; continuations pass the max-seen timestamp forward so one run never
// re-scans its own slice, while the checkpoint only advances at page
// granularity.
type changedEntityJob struct {
	deps       Deps
	eventType  events.EventType
	enrichType events.EventType
	streamKey  string
	fetch      func(ctx context.Context, since time.Time, limit int) ([]wikidata.DiscoveredEntity, error)

	// trackPending, when set, appends discovered identifiers to the
	// checkpoint's pending-album-refresh list for the album refresh job.
	trackPending bool
}

// ChangedGenresJob returns the handler discovering recently modified genre
// entities.
func ChangedGenresJob(deps Deps) jobs.Handler {
	deps = deps.withDefaults()
	return &changedEntityJob{
		deps:       deps,
		eventType:  jobs.EventTypeDiscoverChangedGenres,
		enrichType: jobs.EventTypeEnrichGenres,
		streamKey:  sync.StreamChangedGenres,
		fetch:      deps.Source.DiscoverChangedGenres,
	}
}

// ChangedArtistsJob returns the handler discovering recently modified artist
// entities. Beyond enrichment it accumulates the identifiers for the album
// refresh job via checkpoint metadata.
func ChangedArtistsJob(deps Deps) jobs.Handler {
	deps = deps.withDefaults()
	return &changedEntityJob{
		deps:         deps,
		eventType:    jobs.EventTypeDiscoverChangedArtists,
		enrichType:   jobs.EventTypeEnrichArtists,
		streamKey:    sync.StreamChangedArtists,
		fetch:        deps.Source.DiscoverChangedArtists,
		trackPending: true,
	}
}

func (j *changedEntityJob) Type() events.EventType { return j.eventType }

func (j *changedEntityJob) Policy() jobs.Policy {
	return jobs.DefaultPolicy(jobs.QueueWikidata, jobs.SourceWikidata)
}

func (j *changedEntityJob) Handle(ctx context.Context, payload []byte) error {
	var p jobs.DiscoverChangedPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	ctx, span := j.deps.Tracer.Start(ctx, "discovery.changed_entities",
		trace.WithAttributes(attribute.String("stream_key", j.streamKey)))
	defer span.End()

	cp, err := j.deps.Checkpoints.ForKey(ctx, j.streamKey)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to load checkpoint")
		return fmt.Errorf("failed to load checkpoint %s: %w", j.streamKey, err)
	}

	since := p.AfterModified
	if since.IsZero() {
		since = cp.ChangedAtWithBuffer(sync.DefaultOverlapBuffer)
	}
	span.SetAttributes(attribute.String("since", since.UTC().Format(time.RFC3339)))

	page, err := j.fetch(ctx, since, j.deps.PageSize)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "discovery page failed")
		return fmt.Errorf("failed to fetch changed page for %s: %w", j.streamKey, err)
	}
	span.SetAttributes(attribute.Int("page_size", len(page)))

	if len(page) == 0 {
		j.deps.Logger.Info(ctx, "Changed discovery chain complete", "stream_key", j.streamKey)
		span.SetStatus(codes.Ok, "empty page")
		return nil
	}

	qids := make([]string, 0, len(page))
	maxModified := since
	for _, e := range page {
		qids = append(qids, e.QID)
		if e.ModifiedAt.After(maxModified) {
			maxModified = e.ModifiedAt
		}
	}

	for _, batch := range chunk(qids, j.deps.EnrichChunk) {
		if err := j.deps.Dispatcher.Dispatch(ctx, j.enrichType, jobs.EnrichPayload{QIDs: batch}); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to dispatch enrichment")
			return fmt.Errorf("failed to dispatch enrichment for %s: %w", j.streamKey, err)
		}
	}

	if j.trackPending {
		cp.AppendMetaStrings(sync.MetaPendingAlbumRefresh, qids...)
	}
	cp.BumpChangedAt(maxModified)
	if err := j.deps.Checkpoints.Save(ctx, cp); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to save checkpoint")
		return fmt.Errorf("failed to save checkpoint %s: %w", j.streamKey, err)
	}

	j.deps.Logger.Info(ctx, "Discovered changed entities",
		"stream_key", j.streamKey,
		"count", len(qids),
		"max_modified", maxModified.UTC().Format(time.RFC3339),
	)

	if len(page) == j.deps.PageSize {
		if err := j.deps.Dispatcher.Dispatch(ctx, j.eventType, jobs.DiscoverChangedPayload{AfterModified: maxModified}); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to dispatch continuation")
			return fmt.Errorf("failed to dispatch continuation for %s: %w", j.streamKey, err)
		}
		span.AddEvent("continuation_dispatched")
	}

	span.SetStatus(codes.Ok, "page processed")
	return nil
}
