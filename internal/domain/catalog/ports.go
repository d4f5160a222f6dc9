package catalog

import "context"

// CountryRepository resolves inline country references during enrichment.
type CountryRepository interface {
	// Upsert creates or refreshes a country by its external id and returns
	// the local primary key.
	Upsert(ctx context.Context, qid, name string) (int64, error)
}

// GenreRepository persists genres with null-preserving merge semantics.
type GenreRepository interface {
	// UpsertBatch writes the batch using find-by-external-id-else-create
	// followed by a non-destructive field merge.
	UpsertBatch(ctx context.Context, genres []*Genre) error

	// GetByQID returns the genre with the given external id, or nil when
	// absent.
	GetByQID(ctx context.Context, qid string) (*Genre, error)

	// ResolveParentLinks re-attempts deferred parent-genre references:
	// every genre whose parent QID is known but whose parent FK is null
	// gets linked if the parent now exists. Returns the number of links
	// established.
	ResolveParentLinks(ctx context.Context) (int64, error)
}

// ArtistRepository persists artists, their derived links, and their genre
// associations.
type ArtistRepository interface {
	UpsertBatch(ctx context.Context, artists []*Artist) error

	// GetByQID returns the artist with the given external id, or nil when
	// absent.
	GetByQID(ctx context.Context, qid string) (*Artist, error)

	// AttachGenres adds artist-genre associations additively: existing
	// associations are preserved, new ones added, none removed. A sparse
	// enrichment response is not proof of absence.
	AttachGenres(ctx context.Context, artistID int64, genreQIDs []string) error

	// AttachLinks adds derived link records additively, keyed by (kind, url).
	AttachLinks(ctx context.Context, artistID int64, links []ArtistLink) error
}

// AlbumRepository persists albums and their tracklist bookkeeping.
type AlbumRepository interface {
	UpsertBatch(ctx context.Context, albums []*Album) error

	// GetByID returns the album with the given primary key, or nil when
	// absent.
	GetByID(ctx context.Context, id int64) (*Album, error)

	// GetByQID returns the album with the given external id, or nil when
	// absent.
	GetByQID(ctx context.Context, qid string) (*Album, error)

	// ListMissingTracklists returns albums that have a release-group MBID
	// but no fetched tracklist yet, oldest first.
	ListMissingTracklists(ctx context.Context, limit int32) ([]*Album, error)

	// RecordTracklistFetch stamps the fetch time and the chosen release.
	RecordTracklistFetch(ctx context.Context, albumID int64, releaseMBID string) error

	// IncTracklistAttempts bumps the attempt counter before a fetch so
	// repeatedly failing albums can be spotted and skipped.
	IncTracklistAttempts(ctx context.Context, albumID int64) error
}

// TrackRepository persists album tracklists.
type TrackRepository interface {
	// ReplaceForAlbum deletes the album's existing track rows and bulk
	// inserts the new set in one transaction. A full replace, not a merge:
	// disc/position layout can change between releases and a partial merge
	// would leave stale rows.
	ReplaceForAlbum(ctx context.Context, albumID int64, tracks []*Track) error

	// UpsertForAlbum is the idempotent alternative for repeat invocations
	// against the same release: rows are matched on (album, recording MBID)
	// and merged without deletion.
	UpsertForAlbum(ctx context.Context, albumID int64, tracks []*Track) error

	// ListByAlbum returns the album's tracks ordered by disc then position.
	ListByAlbum(ctx context.Context, albumID int64) ([]*Track, error)
}

// Document is a denormalized search-index payload for one entity.
type Document struct {
	Kind   string
	ID     int64
	Fields map[string]any
}

// SearchIndexer pushes changed entities to the full-text search service.
// The push is fire-and-forget: implementations log failures and never
// propagate them into the write path.
type SearchIndexer interface {
	Push(ctx context.Context, docs []Document)
}
