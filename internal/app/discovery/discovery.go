// Package discovery implements the paging jobs that find new and changed
// entities in the source graph. Each job processes one page, dispatches
// enrichment for the identifiers it saw, advances the stream checkpoint, and
// re-dispatches itself for the next page. Progress lives in the checkpoint
// row, never in a loop variable, so a crashed run resumes from the exact
// page boundary it last committed.
package discovery

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/tunedex/tunedex/internal/domain/jobs"
	"github.com/tunedex/tunedex/internal/domain/sync"
	"github.com/tunedex/tunedex/internal/infra/sources/wikidata"
	"github.com/tunedex/tunedex/pkg/common/logger"
)

const (
	// defaultPageSize is how many identifiers one discovery job pulls from
	// the source per page.
	defaultPageSize = 200

	// defaultEnrichChunk bounds the identifier batch handed to one
	// enrichment job, keeping each downstream query cheap.
	defaultEnrichChunk = 50
)

// GraphSource is the slice of the SPARQL client the discovery jobs consume.
type GraphSource interface {
	DiscoverNewGenres(ctx context.Context, afterOrdinal int64, limit int) ([]wikidata.DiscoveredEntity, error)
	DiscoverChangedGenres(ctx context.Context, since time.Time, limit int) ([]wikidata.DiscoveredEntity, error)
	DiscoverNewArtists(ctx context.Context, afterOrdinal int64, limit int) ([]wikidata.DiscoveredEntity, error)
	DiscoverChangedArtists(ctx context.Context, since time.Time, limit int) ([]wikidata.DiscoveredEntity, error)
}

// Deps carries the collaborators shared by all four discovery handlers.
type Deps struct {
	Source      GraphSource
	Checkpoints sync.CheckpointRepository
	Dispatcher  jobs.Dispatcher
	Logger      *logger.Logger
	Tracer      trace.Tracer

	// PageSize and EnrichChunk default when zero.
	PageSize    int
	EnrichChunk int
}

func (d Deps) withDefaults() Deps {
	if d.PageSize == 0 {
		d.PageSize = defaultPageSize
	}
	if d.EnrichChunk == 0 {
		d.EnrichChunk = defaultEnrichChunk
	}
	return d
}

// chunk splits identifiers into batches of at most size.
func chunk(ids []string, size int) [][]string {
	var out [][]string
	for len(ids) > size {
		out = append(out, ids[:size])
		ids = ids[size:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}
	return out
}
