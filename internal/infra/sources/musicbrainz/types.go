package musicbrainz

import "strconv"

// browseReleasesResponse is the envelope of a release browse request.
type browseReleasesResponse struct {
	Releases     []Release `json:"releases"`
	ReleaseCount int       `json:"release-count"`
}

// Release is one concrete release of a release group. Browse responses
// carry media format and track counts only; a lookup with recordings
// included populates the per-media track listings too.
type Release struct {
	ID        string  `json:"id"`
	Title     string  `json:"title"`
	Status    string  `json:"status"`
	Country   string  `json:"country"`
	Date      string  `json:"date"`
	Barcode   *string `json:"barcode"`
	Packaging *string `json:"packaging"`
	Media     []Media `json:"media"`
}

// Media is one physical or digital medium of a release (disc, cassette
// side, digital bundle).
type Media struct {
	Format     string         `json:"format"`
	Position   int            `json:"position"`
	TrackCount int            `json:"track-count"`
	Tracks     []ReleaseTrack `json:"tracks"`
}

// ReleaseTrack is one track slot on a medium.
type ReleaseTrack struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Position  int       `json:"position"`
	Length    *int      `json:"length"`
	Recording Recording `json:"recording"`
}

// Recording is the underlying performance a track slot points at.
type Recording struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Length *int   `json:"length"`
}

// Year parses the release year from the date field, which can be a full
// date, a year-month, or a bare year. False when no date is present or the
// prefix is not numeric.
func (r Release) Year() (int, bool) {
	if len(r.Date) < 4 {
		return 0, false
	}
	y, err := strconv.Atoi(r.Date[:4])
	if err != nil {
		return 0, false
	}
	return y, true
}

// TotalTracks sums track counts across all media.
func (r Release) TotalTracks() int {
	total := 0
	for _, m := range r.Media {
		total += m.TrackCount
	}
	return total
}

// HasBarcode reports whether the release carries a non-empty barcode.
func (r Release) HasBarcode() bool {
	return r.Barcode != nil && *r.Barcode != ""
}
