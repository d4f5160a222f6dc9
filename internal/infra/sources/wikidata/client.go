// Package wikidata implements the SPARQL source client the discovery and
// enrichment jobs read from. Every request flows through the shared
// per-source rate-limiter bucket, transient failures are retried with
// exponential backoff, and a 429 surfaces as the rate-limit sentinel so the
// job runner releases the job instead of burning its failure budget.
package wikidata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tunedex/tunedex/internal/domain/jobs"
	"github.com/tunedex/tunedex/pkg/common"
)

// DefaultEndpoint is the public query service.
const DefaultEndpoint = "https://query.wikidata.org/sparql"

// userAgent identifies the pipeline to the query service per its usage
// policy. Anonymous user agents get throttled aggressively.
const userAgent = "tunedex-ingest/1.0 (https://github.com/tunedex/tunedex)"

const maxRetries = 3

// Client queries the graph's SPARQL endpoint with rate limiting and tracing.
type Client struct {
	httpClient  *http.Client
	endpoint    string
	rateLimiter *common.RateLimiter
	tracer      trace.Tracer
}

// NewClient creates a SPARQL client. The rate limiter should be the shared
// bucket registered for this source so discovery and enrichment jobs
// contend for the same quota.
func NewClient(httpClient *http.Client, endpoint string, rateLimiter *common.RateLimiter, tracer trace.Tracer) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	return &Client{
		httpClient:  httpClient,
		endpoint:    endpoint,
		rateLimiter: rateLimiter,
		tracer:      tracer,
	}
}

// DiscoveredEntity is one row of a discovery page.
type DiscoveredEntity struct {
	QID        string
	Ordinal    int64
	ModifiedAt time.Time
}

// GenreRow is one result row of a genre enrichment batch. Optional columns
// are nil when the graph has no value; a batch can yield several rows per
// entity and callers coalesce them.
type GenreRow struct {
	QID           string
	Label         *string
	Description   *string
	InceptionYear *int
	CountryQID    *string
	CountryLabel  *string
	ParentQID     *string
}

// ArtistRow is one result row of an artist enrichment batch.
type ArtistRow struct {
	QID           string
	Label         *string
	Description   *string
	CountryQID    *string
	CountryLabel  *string
	FormedYear    *int
	DisbandedYear *int
	GenreQID      *string
	WebsiteURL    *string
	MusicBrainzID *string
	SpotifyID     *string
}

// AlbumRow is one result row of an album enrichment or artist-albums query.
type AlbumRow struct {
	QID              string
	Title            *string
	TypeQID          *string
	TypeLabel        *string
	ReleaseDate      *time.Time
	ReleaseYear      *int
	ArtistQID        *string
	ReleaseGroupMBID *string
}

// DiscoverNewGenres pages genre entities created after the given ordinal,
// ordered by ordinal.
func (c *Client) DiscoverNewGenres(ctx context.Context, afterOrdinal int64, limit int) ([]DiscoveredEntity, error) {
	return c.discoverNew(ctx, "wikidata.discover_new_genres", genreClassPattern, afterOrdinal, limit)
}

// DiscoverNewArtists pages artist entities created after the given ordinal.
func (c *Client) DiscoverNewArtists(ctx context.Context, afterOrdinal int64, limit int) ([]DiscoveredEntity, error) {
	return c.discoverNew(ctx, "wikidata.discover_new_artists", artistClassPattern, afterOrdinal, limit)
}

// DiscoverChangedGenres pages genre entities modified strictly after the
// watermark, ordered by modification time.
func (c *Client) DiscoverChangedGenres(ctx context.Context, since time.Time, limit int) ([]DiscoveredEntity, error) {
	return c.discoverChanged(ctx, "wikidata.discover_changed_genres", genreClassPattern, since, limit)
}

// DiscoverChangedArtists pages artist entities modified strictly after the
// watermark.
func (c *Client) DiscoverChangedArtists(ctx context.Context, since time.Time, limit int) ([]DiscoveredEntity, error) {
	return c.discoverChanged(ctx, "wikidata.discover_changed_artists", artistClassPattern, since, limit)
}

func (c *Client) discoverNew(ctx context.Context, spanName, classPattern string, afterOrdinal int64, limit int) ([]DiscoveredEntity, error) {
	ctx, span := c.tracer.Start(ctx, spanName,
		trace.WithAttributes(
			attribute.Int64("after_ordinal", afterOrdinal),
			attribute.Int("limit", limit),
		))
	defer span.End()

	resp, err := c.query(ctx, newEntitiesQuery(classPattern, afterOrdinal, limit))
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	var out []DiscoveredEntity
	for _, b := range resp.Results.Bindings {
		qid, ok := b.qid("entity")
		if !ok {
			continue
		}
		ord, ok := Ordinal(qid)
		if !ok {
			continue
		}
		out = append(out, DiscoveredEntity{QID: qid, Ordinal: ord})
	}
	span.SetAttributes(attribute.Int("row_count", len(out)))
	return out, nil
}

func (c *Client) discoverChanged(ctx context.Context, spanName, classPattern string, since time.Time, limit int) ([]DiscoveredEntity, error) {
	ctx, span := c.tracer.Start(ctx, spanName,
		trace.WithAttributes(
			attribute.String("since", since.UTC().Format(time.RFC3339)),
			attribute.Int("limit", limit),
		))
	defer span.End()

	resp, err := c.query(ctx, changedEntitiesQuery(classPattern, since, limit))
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	var out []DiscoveredEntity
	for _, b := range resp.Results.Bindings {
		qid, ok := b.qid("entity")
		if !ok {
			continue
		}
		ord, _ := Ordinal(qid)
		modified, ok := b.timestamp("modified")
		if !ok {
			continue
		}
		out = append(out, DiscoveredEntity{QID: qid, Ordinal: ord, ModifiedAt: modified})
	}
	span.SetAttributes(attribute.Int("row_count", len(out)))
	return out, nil
}

// EnrichGenres fetches attributes for a batch of genre ids in one query.
func (c *Client) EnrichGenres(ctx context.Context, qids []string) ([]GenreRow, error) {
	ctx, span := c.tracer.Start(ctx, "wikidata.enrich_genres",
		trace.WithAttributes(attribute.Int("batch_size", len(qids))))
	defer span.End()

	resp, err := c.query(ctx, enrichGenresQuery(qids))
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	var out []GenreRow
	for _, b := range resp.Results.Bindings {
		qid, ok := b.qid("entity")
		if !ok {
			continue
		}
		out = append(out, GenreRow{
			QID:           qid,
			Label:         b.label("entityLabel"),
			Description:   b.str("entityDescription"),
			InceptionYear: b.year("inception"),
			CountryQID:    b.qidPtr("country"),
			CountryLabel:  b.label("countryLabel"),
			ParentQID:     b.qidPtr("parent"),
		})
	}
	span.SetAttributes(attribute.Int("row_count", len(out)))
	return out, nil
}

// EnrichArtists fetches attributes for a batch of artist ids in one query.
func (c *Client) EnrichArtists(ctx context.Context, qids []string) ([]ArtistRow, error) {
	ctx, span := c.tracer.Start(ctx, "wikidata.enrich_artists",
		trace.WithAttributes(attribute.Int("batch_size", len(qids))))
	defer span.End()

	resp, err := c.query(ctx, enrichArtistsQuery(qids))
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	var out []ArtistRow
	for _, b := range resp.Results.Bindings {
		qid, ok := b.qid("entity")
		if !ok {
			continue
		}
		out = append(out, ArtistRow{
			QID:           qid,
			Label:         b.label("entityLabel"),
			Description:   b.str("entityDescription"),
			CountryQID:    b.qidPtr("country"),
			CountryLabel:  b.label("countryLabel"),
			FormedYear:    b.year("formed"),
			DisbandedYear: b.year("dissolved"),
			GenreQID:      b.qidPtr("genre"),
			WebsiteURL:    b.str("website"),
			MusicBrainzID: b.str("mbid"),
			SpotifyID:     b.str("spotify"),
		})
	}
	span.SetAttributes(attribute.Int("row_count", len(out)))
	return out, nil
}

// EnrichAlbums fetches attributes for a batch of album ids in one query.
func (c *Client) EnrichAlbums(ctx context.Context, qids []string) ([]AlbumRow, error) {
	ctx, span := c.tracer.Start(ctx, "wikidata.enrich_albums",
		trace.WithAttributes(attribute.Int("batch_size", len(qids))))
	defer span.End()

	resp, err := c.query(ctx, enrichAlbumsQuery(qids))
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	rows := c.albumRows(resp)
	span.SetAttributes(attribute.Int("row_count", len(rows)))
	return rows, nil
}

// AlbumsForArtists discovers every release group performed by any of the
// given artists.
func (c *Client) AlbumsForArtists(ctx context.Context, artistQIDs []string) ([]AlbumRow, error) {
	ctx, span := c.tracer.Start(ctx, "wikidata.albums_for_artists",
		trace.WithAttributes(attribute.Int("artist_count", len(artistQIDs))))
	defer span.End()

	resp, err := c.query(ctx, albumsForArtistsQuery(artistQIDs))
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	rows := c.albumRows(resp)
	span.SetAttributes(attribute.Int("row_count", len(rows)))
	return rows, nil
}

func (c *Client) albumRows(resp *sparqlResponse) []AlbumRow {
	var out []AlbumRow
	for _, b := range resp.Results.Bindings {
		qid, ok := b.qid("entity")
		if !ok {
			continue
		}
		out = append(out, AlbumRow{
			QID:              qid,
			Title:            b.label("entityLabel"),
			TypeQID:          b.qidPtr("type"),
			TypeLabel:        b.label("typeLabel"),
			ReleaseDate:      b.date("published"),
			ReleaseYear:      b.year("published"),
			ArtistQID:        b.qidPtr("artist"),
			ReleaseGroupMBID: b.str("rgmbid"),
		})
	}
	return out
}

// query executes one SPARQL query with rate limiting and bounded retries.
// Transient failures (network errors, 5xx) are retried; a throttle response
// is surfaced immediately as the rate-limit sentinel.
func (c *Client) query(ctx context.Context, sparql string) (*sparqlResponse, error) {
	if c.rateLimiter != nil {
		if err := c.rateLimiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait failed: %w", err)
		}
	}

	var result *sparqlResponse
	operation := func() error {
		resp, err := c.doQuery(ctx, sparql)
		if err != nil {
			return err
		}
		result = resp
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries), ctx)
	if err := backoff.Retry(operation, bo); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Client) doQuery(ctx context.Context, sparql string) (*sparqlResponse, error) {
	form := url.Values{"query": {sparql}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to create sparql request: %w", err))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/sparql-results+json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sparql request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		io.Copy(io.Discard, resp.Body)
		return nil, backoff.Permanent(fmt.Errorf("sparql endpoint throttled: %w", jobs.ErrRateLimited))
	case resp.StatusCode >= 500:
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("sparql endpoint returned %d: %s", resp.StatusCode, string(data))
	case resp.StatusCode != http.StatusOK:
		data, _ := io.ReadAll(resp.Body)
		return nil, backoff.Permanent(fmt.Errorf("sparql endpoint returned %d: %s", resp.StatusCode, string(data)))
	}

	var result sparqlResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode sparql response: %w", err)
	}
	return &result, nil
}
