package wikidata

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunedex/tunedex/internal/domain/jobs"
	"github.com/tunedex/tunedex/internal/infra/storage"
)

func sparqlRows(rows ...string) string {
	return fmt.Sprintf(`{"results":{"bindings":[%s]}}`, strings.Join(rows, ","))
}

func entityRow(uri string) string {
	return fmt.Sprintf(`{"entity":{"type":"uri","value":"%s"}}`, uri)
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.Client(), srv.URL, nil, storage.NoOpTracer())
}

func TestClientSendsIdentifyingHeaders(t *testing.T) {
	t.Parallel()

	var gotUA, gotAccept, gotQuery string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotAccept = r.Header.Get("Accept")
		require.NoError(t, r.ParseForm())
		gotQuery = r.PostForm.Get("query")
		fmt.Fprint(w, sparqlRows())
	})

	_, err := client.DiscoverNewGenres(context.Background(), 0, 200)
	require.NoError(t, err)

	assert.Contains(t, gotUA, "tunedex-ingest")
	assert.Equal(t, "application/sparql-results+json", gotAccept)
	assert.Contains(t, gotQuery, "ORDER BY ?ord")
	assert.Contains(t, gotQuery, "LIMIT 200")
}

// TestClientThrottleSurfacesSentinel verifies a 429 is not retried locally:
// it must reach the job runner as the rate-limit sentinel so the whole job
// gets released back to its queue.
func TestClientThrottleSurfacesSentinel(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := client.DiscoverNewArtists(context.Background(), 0, 200)
	require.Error(t, err)
	assert.ErrorIs(t, err, jobs.ErrRateLimited)
	assert.Equal(t, int32(1), hits.Load(), "throttle responses must not be retried")
}

func TestClientRetriesServerErrors(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, sparqlRows(entityRow("http://www.wikidata.org/entity/Q11399")))
	})

	entities, err := client.DiscoverNewGenres(context.Background(), 0, 200)
	require.NoError(t, err)
	require.Len(t, entities, 1)
	assert.Equal(t, int32(3), hits.Load())
}

func TestClientBadRequestIsPermanent(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	})

	_, err := client.DiscoverNewGenres(context.Background(), 0, 200)
	require.Error(t, err)
	assert.False(t, errors.Is(err, jobs.ErrRateLimited))
	assert.Equal(t, int32(1), hits.Load(), "malformed queries are not worth retrying")
}

// TestDiscoverNewGenresSkipsMalformedIDs verifies row-level validation: a
// page containing junk entity URIs yields the valid rows and silently drops
// the rest.
func TestDiscoverNewGenresSkipsMalformedIDs(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, sparqlRows(
			entityRow("http://www.wikidata.org/entity/Q9759"),
			entityRow("http://www.wikidata.org/entity/L301993"),
			entityRow("http://www.wikidata.org/entity/Q11399"),
		))
	})

	entities, err := client.DiscoverNewGenres(context.Background(), 0, 200)
	require.NoError(t, err)
	require.Len(t, entities, 2)
	assert.Equal(t, "Q9759", entities[0].QID)
	assert.Equal(t, int64(9759), entities[0].Ordinal)
	assert.Equal(t, "Q11399", entities[1].QID)
	assert.Equal(t, int64(11399), entities[1].Ordinal)
}

func TestDiscoverChangedArtists(t *testing.T) {
	t.Parallel()

	since := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	var gotQuery string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotQuery = r.PostForm.Get("query")
		fmt.Fprint(w, sparqlRows(
			`{"entity":{"type":"uri","value":"http://www.wikidata.org/entity/Q392"},"modified":{"type":"literal","value":"2026-08-02T10:30:00Z"}}`,
		))
	})

	entities, err := client.DiscoverChangedArtists(context.Background(), since, 200)
	require.NoError(t, err)
	require.Len(t, entities, 1)
	assert.Equal(t, "Q392", entities[0].QID)
	assert.Equal(t, time.Date(2026, 8, 2, 10, 30, 0, 0, time.UTC), entities[0].ModifiedAt)
	assert.Contains(t, gotQuery, `"2026-08-01T00:00:00Z"^^xsd:dateTime`)
	assert.Contains(t, gotQuery, "schema:dateModified")
}

func TestEnrichGenres(t *testing.T) {
	t.Parallel()

	var gotQuery string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotQuery = r.PostForm.Get("query")
		fmt.Fprint(w, sparqlRows(
			`{"entity":{"type":"uri","value":"http://www.wikidata.org/entity/Q185652"},
			  "entityLabel":{"type":"literal","value":"delta blues"},
			  "entityDescription":{"type":"literal","value":"early blues style"},
			  "inception":{"type":"literal","value":"1900-01-01T00:00:00Z"},
			  "country":{"type":"uri","value":"http://www.wikidata.org/entity/Q30"},
			  "countryLabel":{"type":"literal","value":"United States"},
			  "parent":{"type":"uri","value":"http://www.wikidata.org/entity/Q9759"}}`,
			`{"entity":{"type":"uri","value":"http://www.wikidata.org/entity/Q4115189"},
			  "entityLabel":{"type":"literal","value":"Q4115189"}}`,
		))
	})

	rows, err := client.EnrichGenres(context.Background(), []string{"Q185652", "Q4115189"})
	require.NoError(t, err)
	require.Len(t, rows, 2)

	full := rows[0]
	assert.Equal(t, "Q185652", full.QID)
	assert.Equal(t, "delta blues", *full.Label)
	assert.Equal(t, "early blues style", *full.Description)
	assert.Equal(t, 1900, *full.InceptionYear)
	assert.Equal(t, "Q30", *full.CountryQID)
	assert.Equal(t, "United States", *full.CountryLabel)
	assert.Equal(t, "Q9759", *full.ParentQID)

	// Label-service fallback echoed the id; the row survives with no label.
	sparse := rows[1]
	assert.Equal(t, "Q4115189", sparse.QID)
	assert.Nil(t, sparse.Label)

	assert.Contains(t, gotQuery, "VALUES ?entity { wd:Q185652 wd:Q4115189 }")
}

func TestEnrichArtists(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, sparqlRows(
			`{"entity":{"type":"uri","value":"http://www.wikidata.org/entity/Q392"},
			  "entityLabel":{"type":"literal","value":"Bob Dylan"},
			  "country":{"type":"uri","value":"http://www.wikidata.org/entity/Q30"},
			  "countryLabel":{"type":"literal","value":"United States"},
			  "formed":{"type":"literal","value":"1961-01-01T00:00:00Z"},
			  "genre":{"type":"uri","value":"http://www.wikidata.org/entity/Q9759"},
			  "website":{"type":"uri","value":"https://www.bobdylan.com"},
			  "mbid":{"type":"literal","value":"72c536dc-7137-4477-a521-567eeb840fa8"}}`,
		))
	})

	rows, err := client.EnrichArtists(context.Background(), []string{"Q392"})
	require.NoError(t, err)
	require.Len(t, rows, 1)

	row := rows[0]
	assert.Equal(t, "Q392", row.QID)
	assert.Equal(t, "Bob Dylan", *row.Label)
	assert.Equal(t, 1961, *row.FormedYear)
	assert.Nil(t, row.DisbandedYear)
	assert.Equal(t, "Q9759", *row.GenreQID)
	assert.Equal(t, "https://www.bobdylan.com", *row.WebsiteURL)
	assert.Equal(t, "72c536dc-7137-4477-a521-567eeb840fa8", *row.MusicBrainzID)
	assert.Nil(t, row.SpotifyID)
}

func TestAlbumsForArtists(t *testing.T) {
	t.Parallel()

	var gotQuery string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotQuery = r.PostForm.Get("query")
		fmt.Fprint(w, sparqlRows(
			`{"entity":{"type":"uri","value":"http://www.wikidata.org/entity/Q6452102"},
			  "entityLabel":{"type":"literal","value":"Highway 61 Revisited"},
			  "artist":{"type":"uri","value":"http://www.wikidata.org/entity/Q392"},
			  "type":{"type":"uri","value":"http://www.wikidata.org/entity/Q482994"},
			  "typeLabel":{"type":"literal","value":"album"},
			  "published":{"type":"literal","value":"1965-08-30T00:00:00Z"},
			  "rgmbid":{"type":"literal","value":"a8fa98a1-0bd8-3a5f-88cb-c3cbd32d6bb7"}}`,
		))
	})

	rows, err := client.AlbumsForArtists(context.Background(), []string{"Q392"})
	require.NoError(t, err)
	require.Len(t, rows, 1)

	row := rows[0]
	assert.Equal(t, "Q6452102", row.QID)
	assert.Equal(t, "Highway 61 Revisited", *row.Title)
	assert.Equal(t, "Q392", *row.ArtistQID)
	assert.Equal(t, "album", *row.TypeLabel)
	assert.Equal(t, 1965, *row.ReleaseYear)
	assert.Equal(t, "a8fa98a1-0bd8-3a5f-88cb-c3cbd32d6bb7", *row.ReleaseGroupMBID)

	assert.Contains(t, gotQuery, "VALUES ?artist { wd:Q392 }")
	assert.Contains(t, gotQuery, "wdt:P175")
}
