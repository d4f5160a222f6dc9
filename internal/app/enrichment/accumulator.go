package enrichment

import (
	"time"

	"github.com/tunedex/tunedex/internal/domain/catalog"
	"github.com/tunedex/tunedex/internal/infra/sources/wikidata"
)

// The source returns one row per (entity, multi-valued property) combination,
// so a single entity usually spans several rows. The accumulators below fold
// those rows into one record per identifier with first-non-null-wins field
// coalescing, preserving first-seen order for stable downstream writes.

func coalesceStr(dst **string, src *string) {
	if *dst == nil && src != nil {
		*dst = src
	}
}

func coalesceInt(dst **int, src *int) {
	if *dst == nil && src != nil {
		*dst = src
	}
}

func coalesceTime(dst **time.Time, src *time.Time) {
	if *dst == nil && src != nil {
		*dst = src
	}
}

type genreRecord struct {
	qid           string
	name          *string
	description   *string
	inceptionYear *int
	countryQID    *string
	countryLabel  *string
	parentQID     *string
}

func accumulateGenres(rows []wikidata.GenreRow) []*genreRecord {
	byQID := make(map[string]*genreRecord, len(rows))
	var order []*genreRecord
	for _, row := range rows {
		rec, ok := byQID[row.QID]
		if !ok {
			rec = &genreRecord{qid: row.QID}
			byQID[row.QID] = rec
			order = append(order, rec)
		}
		coalesceStr(&rec.name, row.Label)
		coalesceStr(&rec.description, row.Description)
		coalesceInt(&rec.inceptionYear, row.InceptionYear)
		coalesceStr(&rec.countryQID, row.CountryQID)
		coalesceStr(&rec.countryLabel, row.CountryLabel)
		coalesceStr(&rec.parentQID, row.ParentQID)
	}
	return order
}

type artistRecord struct {
	qid           string
	name          *string
	description   *string
	countryQID    *string
	countryLabel  *string
	formedYear    *int
	disbandedYear *int
	genreQIDs     []string
	links         []catalog.ArtistLink
}

func (r *artistRecord) addGenre(qid *string) {
	if qid == nil {
		return
	}
	for _, g := range r.genreQIDs {
		if g == *qid {
			return
		}
	}
	r.genreQIDs = append(r.genreQIDs, *qid)
}

func (r *artistRecord) addLink(kind string, url *string) {
	if url == nil || *url == "" {
		return
	}
	for _, l := range r.links {
		if l.Kind == kind && l.URL == *url {
			return
		}
	}
	r.links = append(r.links, catalog.ArtistLink{Kind: kind, URL: *url})
}

// Link kinds derived from source properties.
const (
	linkKindOfficialSite = "official_site"
	linkKindMusicBrainz  = "musicbrainz"
	linkKindSpotify      = "spotify"
)

func accumulateArtists(rows []wikidata.ArtistRow) []*artistRecord {
	byQID := make(map[string]*artistRecord, len(rows))
	var order []*artistRecord
	for _, row := range rows {
		rec, ok := byQID[row.QID]
		if !ok {
			rec = &artistRecord{qid: row.QID}
			byQID[row.QID] = rec
			order = append(order, rec)
		}
		coalesceStr(&rec.name, row.Label)
		coalesceStr(&rec.description, row.Description)
		coalesceStr(&rec.countryQID, row.CountryQID)
		coalesceStr(&rec.countryLabel, row.CountryLabel)
		coalesceInt(&rec.formedYear, row.FormedYear)
		coalesceInt(&rec.disbandedYear, row.DisbandedYear)
		rec.addGenre(row.GenreQID)
		rec.addLink(linkKindOfficialSite, row.WebsiteURL)
		if row.MusicBrainzID != nil {
			url := "https://musicbrainz.org/artist/" + *row.MusicBrainzID
			rec.addLink(linkKindMusicBrainz, &url)
		}
		if row.SpotifyID != nil {
			url := "https://open.spotify.com/artist/" + *row.SpotifyID
			rec.addLink(linkKindSpotify, &url)
		}
	}
	return order
}

type albumRecord struct {
	qid              string
	title            *string
	typeLabel        *string
	releaseDate      *time.Time
	releaseYear      *int
	artistQID        *string
	releaseGroupMBID *string
}

func (r *albumRecord) albumType() *catalog.AlbumType {
	if r.typeLabel == nil {
		return nil
	}
	t := albumTypeFromLabel(*r.typeLabel)
	return &t
}

func accumulateAlbums(rows []wikidata.AlbumRow) []*albumRecord {
	byQID := make(map[string]*albumRecord, len(rows))
	var order []*albumRecord
	for _, row := range rows {
		rec, ok := byQID[row.QID]
		if !ok {
			rec = &albumRecord{qid: row.QID}
			byQID[row.QID] = rec
			order = append(order, rec)
		}
		coalesceStr(&rec.title, row.Title)
		coalesceStr(&rec.typeLabel, row.TypeLabel)
		coalesceTime(&rec.releaseDate, row.ReleaseDate)
		coalesceInt(&rec.releaseYear, row.ReleaseYear)
		coalesceStr(&rec.artistQID, row.ArtistQID)
		coalesceStr(&rec.releaseGroupMBID, row.ReleaseGroupMBID)
	}
	return order
}
