// Package catalog holds the relational domain model the ingestion pipeline
// writes into: countries, genres, artists, albums, and tracks.
//
// Every entity carries the opaque external identifier it was discovered
// under (a Q-prefixed graph entity id, or a catalog MBID), which serves as
// the natural idempotency key for all writes. Enrichment merges are
// null-preserving: only non-null incoming values overwrite existing ones, so
// a sparse response never erases previously-enriched fields.
package catalog

import "time"

// Country is a minimal reference entity resolved inline during enrichment.
type Country struct {
	ID        int64
	QID       string
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Genre is a music genre with an optional self-referencing parent. The
// parent QID is stored alongside the resolved foreign key so a parent that
// has not been ingested yet can be linked on a later resolution pass without
// blocking the child's other fields.
type Genre struct {
	ID            int64
	QID           string
	Name          *string
	Description   *string
	InceptionYear *int
	CountryID     *int64
	ParentGenreID *int64
	ParentQID     *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Artist is a performing act or person.
type Artist struct {
	ID            int64
	QID           string
	Name          *string
	SortName      *string
	Description   *string
	CountryID     *int64
	FormedYear    *int
	DisbandedYear *int
	Links         []ArtistLink
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ArtistLink is a derived external link record (official site, streaming
// profile, social handle) attached to an artist.
type ArtistLink struct {
	ID       int64
	ArtistID int64
	Kind     string
	URL      string
}

// AlbumType classifies a release group.
type AlbumType string

const (
	AlbumTypeAlbum       AlbumType = "album"
	AlbumTypeSingle      AlbumType = "single"
	AlbumTypeEP          AlbumType = "ep"
	AlbumTypeLive        AlbumType = "live"
	AlbumTypeCompilation AlbumType = "compilation"
	AlbumTypeOther       AlbumType = "other"
)

// Album is a release group belonging to an artist. Tracklist bookkeeping
// fields record when the catalog API was last consulted and which release
// was chosen as canonical.
type Album struct {
	ID                 int64
	QID                string
	Title              *string
	Type               *AlbumType
	ReleaseYear        *int
	ReleaseDate        *time.Time
	ArtistID           *int64
	ArtistQID          *string
	ReleaseGroupMBID   *string
	ChosenReleaseMBID  *string
	TracklistFetchedAt *time.Time
	TracklistAttempts  int
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Track is one recording on an album's chosen release. Uniqueness is
// (album, recording MBID), not (album, disc, position): position and number
// can legitimately repeat across re-fetches of the same performance.
type Track struct {
	ID            int64
	AlbumID       int64
	RecordingMBID string
	ReleaseMBID   string
	Title         string
	DiscNumber    int
	Position      int
	LengthMS      *int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
