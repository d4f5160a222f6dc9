package discovery

import (
	"context"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tunedex/tunedex/internal/domain/events"
	"github.com/tunedex/tunedex/internal/domain/jobs"
	"github.com/tunedex/tunedex/internal/domain/sync"
	"github.com/tunedex/tunedex/internal/infra/sources/wikidata"
)

// newEntityJob pages one entity class ordered by the numeric part of the
// entity id, strictly after the checkpoint cursor. A full page re-dispatches
// the same job with the page's max ordinal as the next lower bound; an empty
// or short page ends the chain.
type newEntityJob struct {
	deps       Deps
	eventType  events.EventType
	enrichType events.EventType
	streamKey  string
	fetch      func(ctx context.Context, afterOrdinal int64, limit int) ([]wikidata.DiscoveredEntity, error)
}

// NewGenresJob returns the handler discovering newly created genre entities.
func NewGenresJob(deps Deps) jobs.Handler {
	deps = deps.withDefaults()
	return &newEntityJob{
		deps:       deps,
		eventType:  jobs.EventTypeDiscoverNewGenres,
		enrichType: jobs.EventTypeEnrichGenres,
		streamKey:  sync.StreamNewGenres,
		fetch:      deps.Source.DiscoverNewGenres,
	}
}

// NewArtistsJob returns the handler discovering newly created artist
// entities.
func NewArtistsJob(deps Deps) jobs.Handler {
	deps = deps.withDefaults()
	return &newEntityJob{
		deps:       deps,
		eventType:  jobs.EventTypeDiscoverNewArtists,
		enrichType: jobs.EventTypeEnrichArtists,
		streamKey:  sync.StreamNewArtists,
		fetch:      deps.Source.DiscoverNewArtists,
	}
}

func (j *newEntityJob) Type() events.EventType { return j.eventType }

func (j *newEntityJob) Policy() jobs.Policy {
	return jobs.DefaultPolicy(jobs.QueueWikidata, jobs.SourceWikidata)
}

func (j *newEntityJob) Handle(ctx context.Context, payload []byte) error {
	var p jobs.DiscoverNewPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	ctx, span := j.deps.Tracer.Start(ctx, "discovery.new_entities",
		trace.WithAttributes(
			attribute.String("stream_key", j.streamKey),
			attribute.Int64("after_ordinal", p.AfterOrdinal),
		))
	defer span.End()

	cp, err := j.deps.Checkpoints.ForKey(ctx, j.streamKey)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to load checkpoint")
		return fmt.Errorf("failed to load checkpoint %s: %w", j.streamKey, err)
	}

	after := p.AfterOrdinal
	if after == 0 {
		after = cp.LastSeenOrdinal()
	}

	page, err := j.fetch(ctx, after, j.deps.PageSize)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "discovery page failed")
		return fmt.Errorf("failed to fetch discovery page for %s: %w", j.streamKey, err)
	}
	span.SetAttributes(attribute.Int("page_size", len(page)))

	if len(page) == 0 {
		j.deps.Logger.Info(ctx, "Discovery chain complete",
			"stream_key", j.streamKey, "after_ordinal", after)
		span.SetStatus(codes.Ok, "empty page")
		return nil
	}

	qids := make([]string, 0, len(page))
	maxOrdinal := after
	for _, e := range page {
		qids = append(qids, e.QID)
		if e.Ordinal > maxOrdinal {
			maxOrdinal = e.Ordinal
		}
	}

	for _, batch := range chunk(qids, j.deps.EnrichChunk) {
		if err := j.deps.Dispatcher.Dispatch(ctx, j.enrichType, jobs.EnrichPayload{QIDs: batch}); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to dispatch enrichment")
			return fmt.Errorf("failed to dispatch enrichment for %s: %w", j.streamKey, err)
		}
	}

	cp.BumpOrdinal(maxOrdinal)
	if err := j.deps.Checkpoints.Save(ctx, cp); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to save checkpoint")
		return fmt.Errorf("failed to save checkpoint %s: %w", j.streamKey, err)
	}

	j.deps.Logger.Info(ctx, "Discovered new entities",
		"stream_key", j.streamKey,
		"count", len(qids),
		"max_ordinal", maxOrdinal,
	)

	if len(page) == j.deps.PageSize {
		if err := j.deps.Dispatcher.Dispatch(ctx, j.eventType, jobs.DiscoverNewPayload{AfterOrdinal: maxOrdinal}); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to dispatch continuation")
			return fmt.Errorf("failed to dispatch continuation for %s: %w", j.streamKey, err)
		}
		span.AddEvent("continuation_dispatched")
	}

	span.SetStatus(codes.Ok, "page processed")
	return nil
}
