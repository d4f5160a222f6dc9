package tracklist

import (
	"strings"
	"time"

	"github.com/tunedex/tunedex/internal/infra/sources/musicbrainz"
)

// The catalog often lists dozens of regional and reissue variants per
// release group; scoring picks the one canonical release to import a
// tracklist from. Older official physical pressings from English-speaking
// markets with full track counts and a barcode win.

// physicalFormats are the media formats worth +50.
var physicalFormats = map[string]struct{}{
	"CD":        {},
	"Vinyl":     {},
	`12" Vinyl`: {},
	`7" Vinyl`:  {},
	"Cassette":  {},
	"SACD":      {},
	"DVD":       {},
}

// preferredCountries are the release countries worth +30. XW and XE are the
// catalog's worldwide/Europe pseudo-countries.
var preferredCountries = map[string]struct{}{
	"US": {}, "GB": {}, "UK": {}, "AU": {}, "CA": {},
	"IE": {}, "NZ": {}, "XW": {}, "XE": {},
}

func scoreRelease(r musicbrainz.Release, now time.Time) int {
	score := 0

	if strings.EqualFold(r.Status, "Official") {
		score += 100
	}

	for _, m := range r.Media {
		if _, ok := physicalFormats[m.Format]; ok {
			score += 50
			break
		}
	}

	if _, ok := preferredCountries[r.Country]; ok {
		score += 30
	}

	if tracks := r.TotalTracks(); tracks < 20 {
		score += tracks
	} else {
		score += 20
	}

	if year, ok := r.Year(); ok {
		if age := now.Year() - year; age > 0 {
			if age > 30 {
				age = 30
			}
			score += age
		}
	}

	if r.HasBarcode() {
		score += 10
	}

	return score
}

// chooseRelease returns the highest-scoring release. Ties keep the earliest
// candidate, so selection is stable in input order. False when the slice is
// empty.
func chooseRelease(releases []musicbrainz.Release, now time.Time) (musicbrainz.Release, bool) {
	if len(releases) == 0 {
		return musicbrainz.Release{}, false
	}

	best := releases[0]
	bestScore := scoreRelease(best, now)
	for _, r := range releases[1:] {
		if s := scoreRelease(r, now); s > bestScore {
			best = r
			bestScore = s
		}
	}
	return best, true
}
