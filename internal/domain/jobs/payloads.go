package jobs

import (
	"time"

	"github.com/tunedex/tunedex/internal/domain/events"
)

// Event types for every job the pipeline dispatches.
const (
	EventTypeDiscoverNewGenres      events.EventType = "DiscoverNewGenres"
	EventTypeDiscoverChangedGenres  events.EventType = "DiscoverChangedGenres"
	EventTypeDiscoverNewArtists     events.EventType = "DiscoverNewArtists"
	EventTypeDiscoverChangedArtists events.EventType = "DiscoverChangedArtists"
	EventTypeEnrichGenres           events.EventType = "EnrichGenres"
	EventTypeEnrichArtists          events.EventType = "EnrichArtists"
	EventTypeEnrichAlbums           events.EventType = "EnrichAlbums"
	EventTypeRefreshArtistAlbums    events.EventType = "RefreshArtistAlbums"
	EventTypeFetchTracklist         events.EventType = "FetchTracklist"
)

// DiscoverNewPayload pages an external source ordered by a stable numeric
// ordinal. A zero AfterOrdinal means "resume from the checkpoint".
type DiscoverNewPayload struct {
	AfterOrdinal int64 `json:"after_ordinal,omitempty"`
}

// DiscoverChangedPayload pages an external source by modification timestamp.
// AfterModified bounds paging within a single run; the zero value means
// "start from the checkpoint watermark minus the overlap buffer".
type DiscoverChangedPayload struct {
	AfterModified time.Time `json:"after_modified,omitempty"`
}

// EnrichPayload carries a batch of external identifiers to enrich with one
// batched source query.
type EnrichPayload struct {
	QIDs []string `json:"qids"`
}

// RefreshAlbumsPayload carries artist identifiers whose albums should be
// re-queried. An empty list means "consume the pending list from checkpoint
// metadata".
type RefreshAlbumsPayload struct {
	ArtistQIDs []string `json:"artist_qids,omitempty"`
}

// FetchTracklistPayload identifies the local album whose tracklist should be
// acquired from the catalog API.
type FetchTracklistPayload struct {
	AlbumID int64 `json:"album_id"`
}
