// Package enrichment implements the batched attribute-fetch jobs. Each job
// takes a batch of external identifiers, issues one batched source query,
// coalesces the row-oriented response into per-entity records, and upserts
// them with null-preserving merges. Inline foreign references (countries,
// parent genres) are upserted first by their own identifier; associations
// are only ever added. After the writes, changed entities are pushed to the
// search index fire-and-forget.
package enrichment

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"github.com/tunedex/tunedex/internal/domain/catalog"
	"github.com/tunedex/tunedex/internal/domain/jobs"
	"github.com/tunedex/tunedex/internal/domain/sync"
	"github.com/tunedex/tunedex/internal/infra/sources/wikidata"
	"github.com/tunedex/tunedex/pkg/common/logger"
)

// defaultRefreshChunk bounds how many artist identifiers one album refresh
// job queries inline; the rest are re-dispatched.
const defaultRefreshChunk = 25

// GraphSource is the slice of the SPARQL client the enrichment jobs consume.
type GraphSource interface {
	EnrichGenres(ctx context.Context, qids []string) ([]wikidata.GenreRow, error)
	EnrichArtists(ctx context.Context, qids []string) ([]wikidata.ArtistRow, error)
	EnrichAlbums(ctx context.Context, qids []string) ([]wikidata.AlbumRow, error)
	AlbumsForArtists(ctx context.Context, artistQIDs []string) ([]wikidata.AlbumRow, error)
}

// Deps carries the collaborators shared by the enrichment handlers.
type Deps struct {
	Source      GraphSource
	Countries   catalog.CountryRepository
	Genres      catalog.GenreRepository
	Artists     catalog.ArtistRepository
	Albums      catalog.AlbumRepository
	Indexer     catalog.SearchIndexer
	Checkpoints sync.CheckpointRepository
	Dispatcher  jobs.Dispatcher
	Logger      *logger.Logger
	Tracer      trace.Tracer

	// RefreshChunk defaults when zero.
	RefreshChunk int
}

func (d Deps) withDefaults() Deps {
	if d.RefreshChunk == 0 {
		d.RefreshChunk = defaultRefreshChunk
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

// albumTypeFromLabel maps a source type label onto the local enum. Unmapped
// labels become "other" rather than failing the row.
func albumTypeFromLabel(label string) catalog.AlbumType {
	switch l := strings.ToLower(label); {
	case strings.Contains(l, "single"):
		return catalog.AlbumTypeSingle
	case strings.Contains(l, "extended play") || l == "ep":
		return catalog.AlbumTypeEP
	case strings.Contains(l, "live"):
		return catalog.AlbumTypeLive
	case strings.Contains(l, "compilation") || strings.Contains(l, "greatest hits"):
		return catalog.AlbumTypeCompilation
	case strings.Contains(l, "album"):
		return catalog.AlbumTypeAlbum
	default:
		return catalog.AlbumTypeOther
	}
}

// upsertCountries resolves the distinct inline country references of a batch
// and returns QID -> local id for the ones that could be created.
func upsertCountries(ctx context.Context, repo catalog.CountryRepository, refs map[string]string) (map[string]int64, error) {
	ids := make(map[string]int64, len(refs))
	for qid, name := range refs {
		id, err := repo.Upsert(ctx, qid, name)
		if err != nil {
			return nil, err
		}
		ids[qid] = id
	}
	return ids, nil
}
