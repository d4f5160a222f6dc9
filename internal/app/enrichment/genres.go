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

// genresJob enriches a batch of genre identifiers: one batched query, inline
// country and parent-stub upserts, null-preserving genre merge, then a
// parent resolution pass so children whose parents arrived earlier (or in
// this very batch) get linked.
type genresJob struct{ deps Deps }

// GenresJob returns the genre enrichment handler.
func GenresJob(deps Deps) jobs.Handler {
	return &genresJob{deps: deps.withDefaults()}
}

func (j *genresJob) Type() events.EventType { return jobs.EventTypeEnrichGenres }

func (j *genresJob) Policy() jobs.Policy {
	return jobs.DefaultPolicy(jobs.QueueWikidata, jobs.SourceWikidata)
}

func (j *genresJob) Handle(ctx context.Context, payload []byte) error {
	var p jobs.EnrichPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	if len(p.QIDs) == 0 {
		return nil
	}

	ctx, span := j.deps.Tracer.Start(ctx, "enrichment.genres",
		trace.WithAttributes(attribute.Int("batch_size", len(p.QIDs))))
	defer span.End()

	rows, err := j.deps.Source.EnrichGenres(ctx, p.QIDs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "source query failed")
		return fmt.Errorf("failed to enrich genres: %w", err)
	}

	records := accumulateGenres(rows)
	if len(records) == 0 {
		j.deps.Logger.Info(ctx, "Genre batch yielded no usable rows", "batch_size", len(p.QIDs))
		span.SetStatus(codes.Ok, "empty batch")
		return nil
	}

	countryRefs := make(map[string]string)
	inBatch := make(map[string]struct{}, len(records))
	for _, rec := range records {
		inBatch[rec.qid] = struct{}{}
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

	// Parent genres referenced from outside the batch get a stub row so the
	// resolution pass can link them as soon as their own enrichment lands.
	var parentStubs []*catalog.Genre
	seenParents := make(map[string]struct{})
	for _, rec := range records {
		if rec.parentQID == nil {
			continue
		}
		if _, ok := inBatch[*rec.parentQID]; ok {
			continue
		}
		if _, ok := seenParents[*rec.parentQID]; ok {
			continue
		}
		seenParents[*rec.parentQID] = struct{}{}
		parentStubs = append(parentStubs, &catalog.Genre{QID: *rec.parentQID})
	}
	if len(parentStubs) > 0 {
		if err := j.deps.Genres.UpsertBatch(ctx, parentStubs); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "parent stub upsert failed")
			return fmt.Errorf("failed to upsert parent genre stubs: %w", err)
		}
	}

	genres := make([]*catalog.Genre, 0, len(records))
	for _, rec := range records {
		g := &catalog.Genre{
			QID:           rec.qid,
			Name:          rec.name,
			Description:   rec.description,
			InceptionYear: rec.inceptionYear,
			ParentQID:     rec.parentQID,
		}
		if rec.countryQID != nil {
			if id, ok := countryIDs[*rec.countryQID]; ok {
				g.CountryID = &id
			}
		}
		genres = append(genres, g)
	}
	if err := j.deps.Genres.UpsertBatch(ctx, genres); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "genre upsert failed")
		return fmt.Errorf("failed to upsert genres: %w", err)
	}

	resolved, err := j.deps.Genres.ResolveParentLinks(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "parent resolution failed")
		return fmt.Errorf("failed to resolve parent genres: %w", err)
	}

	j.pushIndex(ctx, genres)

	j.deps.Logger.Info(ctx, "Enriched genres",
		"batch_size", len(p.QIDs),
		"upserted", len(genres),
		"parents_resolved", resolved,
	)
	span.SetAttributes(
		attribute.Int("upserted", len(genres)),
		attribute.Int64("parents_resolved", resolved),
	)
	span.SetStatus(codes.Ok, "batch enriched")
	return nil
}

// pushIndex sends the enriched genres to the search index. Failures are the
// indexer's to log; lookups that fail here just skip the document.
func (j *genresJob) pushIndex(ctx context.Context, genres []*catalog.Genre) {
	docs := make([]catalog.Document, 0, len(genres))
	for _, g := range genres {
		stored, err := j.deps.Genres.GetByQID(ctx, g.QID)
		if err != nil || stored == nil {
			continue
		}
		fields := map[string]any{"qid": stored.QID}
		if stored.Name != nil {
			fields["name"] = *stored.Name
		}
		if stored.Description != nil {
			fields["description"] = *stored.Description
		}
		docs = append(docs, catalog.Document{Kind: "genre", ID: stored.ID, Fields: fields})
	}
	j.deps.Indexer.Push(ctx, docs)
}
