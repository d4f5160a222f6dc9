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
)

// artistsJob enriches a batch of artist identifiers: one batched query,
// inline country upserts, null-preserving artist merge, additive genre and
// link associations.
type artistsJob struct{ deps Deps }

// ArtistsJob returns the artist enrichment handler.
func ArtistsJob(deps Deps) jobs.Handler {
	return &artistsJob{deps: deps.withDefaults()}
}

func (j *artistsJob) Type() events.EventType { return jobs.EventTypeEnrichArtists }

func (j *artistsJob) Policy() jobs.Policy {
	return jobs.DefaultPolicy(jobs.QueueWikidata, jobs.SourceWikidata)
}

func (j *artistsJob) Handle(ctx context.Context, payload []byte) error {
	var p jobs.EnrichPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	if len(p.QIDs) == 0 {
		return nil
	}

	ctx, span := j.deps.Tracer.Start(ctx, "enrichment.artists",
		trace.WithAttributes(attribute.Int("batch_size", len(p.QIDs))))
	defer span.End()

	rows, err := j.deps.Source.EnrichArtists(ctx, p.QIDs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "source query failed")
		return fmt.Errorf("failed to enrich artists: %w", err)
	}

	records := accumulateArtists(rows)
	if len(records) == 0 {
		j.deps.Logger.Info(ctx, "Artist batch yielded no usable rows", "batch_size", len(p.QIDs))
		span.SetStatus(codes.Ok, "empty batch")
		return nil
	}

	countryRefs := make(map[string]string)
	for _, rec := range records {
		if rec.countryQID != nil && rec.countryLabel != nil {
			countryRefs[*rec.countryQID] = *rec.countryLabel
		}
	}
	countryIDs, err := upsertCountries(ctx, j.deps.Countries, countryRefs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "country upsert failed")
		return fmt.Errorf("failed to upsert countries: %w", err)
	}

	artists := make([]*catalog.Artist, 0, len(records))
	for _, rec := range records {
		a := &catalog.Artist{
			QID:           rec.qid,
			Name:          rec.name,
			Description:   rec.description,
			FormedYear:    rec.formedYear,
			DisbandedYear: rec.disbandedYear,
		}
		if rec.countryQID != nil {
			if id, ok := countryIDs[*rec.countryQID]; ok {
				a.CountryID = &id
			}
		}
		artists = append(artists, a)
	}
	if err := j.deps.Artists.UpsertBatch(ctx, artists); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "artist upsert failed")
		return fmt.Errorf("failed to upsert artists: %w", err)
	}

	var docs []catalog.Document
	for _, rec := range records {
		stored, err := j.deps.Artists.GetByQID(ctx, rec.qid)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "artist lookup failed")
			return fmt.Errorf("failed to load artist %s: %w", rec.qid, err)
		}
		if stored == nil {
			continue
		}

		if len(rec.genreQIDs) > 0 {
			if err := j.deps.Artists.AttachGenres(ctx, stored.ID, rec.genreQIDs); err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "genre attach failed")
				return fmt.Errorf("failed to attach genres to artist %s: %w", rec.qid, err)
			}
		}
		if len(rec.links) > 0 {
			if err := j.deps.Artists.AttachLinks(ctx, stored.ID, rec.links); err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "link attach failed")
				return fmt.Errorf("failed to attach links to artist %s: %w", rec.qid, err)
			}
		}

		fields := map[string]any{"qid": stored.QID}
		if stored.Name != nil {
			fields["name"] = *stored.Name
		}
		if stored.Description != nil {
			fields["description"] = *stored.Description
		}
		docs = append(docs, catalog.Document{Kind: "artist", ID: stored.ID, Fields: fields})
	}
	j.deps.Indexer.Push(ctx, docs)

	j.deps.Logger.Info(ctx, "Enriched artists",
		"batch_size", len(p.QIDs),
		"upserted", len(artists),
	)
	span.SetAttributes(attribute.Int("upserted", len(artists)))
	span.SetStatus(codes.Ok, "batch enriched")
	return nil
}
