// Package musicbrainz implements the catalog API client the tracklist
// pipeline reads from. The API signals backpressure with 503 (and
// occasionally 429); both surface as the rate-limit sentinel so the job
// runner releases the job back to its queue instead of consuming its
// failure budget.
package musicbrainz

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tunedex/tunedex/internal/domain/jobs"
	"github.com/tunedex/tunedex/pkg/common"
)

// DefaultBaseURL is the public API root.
const DefaultBaseURL = "https://musicbrainz.org/ws/2"

// userAgent identifies the pipeline per the API's usage policy.
const userAgent = "tunedex-ingest/1.0 (https://github.com/tunedex/tunedex)"

const maxRetries = 3

// browseLimit is the page size for release browsing. One release group
// rarely has more physical releases than this; anything beyond the first
// page is ignored rather than paged.
const browseLimit = 100

// Client queries the catalog API with rate limiting and tracing.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	rateLimiter *common.RateLimiter
	tracer      trace.Tracer
}

// NewClient creates a catalog API client. The rate limiter should be the
// shared bucket registered for this source.
func NewClient(httpClient *http.Client, baseURL string, rateLimiter *common.RateLimiter, tracer trace.Tracer) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		httpClient:  httpClient,
		baseURL:     baseURL,
		rateLimiter: rateLimiter,
		tracer:      tracer,
	}
}

// ReleasesByReleaseGroup browses every release in a release group, with
// enough detail (status, country, date, format, track counts, barcode) to
// score and choose a canonical one.
func (c *Client) ReleasesByReleaseGroup(ctx context.Context, releaseGroupMBID string) ([]Release, error) {
	ctx, span := c.tracer.Start(ctx, "musicbrainz.releases_by_release_group",
		trace.WithAttributes(attribute.String("release_group_mbid", releaseGroupMBID)))
	defer span.End()

	params := url.Values{
		"release-group": {releaseGroupMBID},
		"limit":         {fmt.Sprintf("%d", browseLimit)},
		"fmt":           {"json"},
	}

	var browse browseReleasesResponse
	if err := c.getJSON(ctx, "/release", params, &browse); err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("release_count", len(browse.Releases)))
	return browse.Releases, nil
}

// ReleaseWithRecordings looks up one release with its full media and track
// listing, recordings included.
func (c *Client) ReleaseWithRecordings(ctx context.Context, releaseMBID string) (*Release, error) {
	ctx, span := c.tracer.Start(ctx, "musicbrainz.release_with_recordings",
		trace.WithAttributes(attribute.String("release_mbid", releaseMBID)))
	defer span.End()

	params := url.Values{
		"inc": {"recordings"},
		"fmt": {"json"},
	}

	var release Release
	if err := c.getJSON(ctx, "/release/"+releaseMBID, params, &release); err != nil {
		span.RecordError(err)
		return nil, err
	}
	return &release, nil
}

// getJSON executes one GET with rate limiting and bounded retries.
// Transient failures are retried; backpressure responses surface
// immediately as the rate-limit sentinel.
func (c *Client) getJSON(ctx context.Context, path string, params url.Values, out any) error {
	if c.rateLimiter != nil {
		if err := c.rateLimiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter wait failed: %w", err)
		}
	}

	operation := func() error { return c.doGet(ctx, path, params, out) }
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries), ctx)
	return backoff.Retry(operation, bo)
}

func (c *Client) doGet(ctx context.Context, path string, params url.Values, out any) error {
	reqURL := c.baseURL + path + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("catalog request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusServiceUnavailable || resp.StatusCode == http.StatusTooManyRequests:
		io.Copy(io.Discard, resp.Body)
		return backoff.Permanent(fmt.Errorf("catalog api throttled: %w", jobs.ErrRateLimited))
	case resp.StatusCode >= 500:
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("catalog api returned %d: %s", resp.StatusCode, string(data))
	case resp.StatusCode != http.StatusOK:
		data, _ := io.ReadAll(resp.Body)
		return backoff.Permanent(fmt.Errorf("catalog api returned %d: %s", resp.StatusCode, string(data)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode catalog response: %w", err)
	}
	return nil
}
