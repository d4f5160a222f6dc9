// Package index pushes denormalized entity documents to the full-text
// search service. Pushes are fire-and-forget: a search node being down must
// never fail or slow a database write, so every error path here ends in a
// log line.
package index

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tunedex/tunedex/internal/domain/catalog"
	"github.com/tunedex/tunedex/pkg/common/logger"
)

var _ catalog.SearchIndexer = (*HTTPIndexer)(nil)

// HTTPIndexer posts document batches to the search service's bulk endpoint.
type HTTPIndexer struct {
	httpClient *http.Client
	endpoint   string
	logger     *logger.Logger
	tracer     trace.Tracer
}

// NewHTTPIndexer creates a search index pusher targeting the given bulk
// endpoint.
func NewHTTPIndexer(httpClient *http.Client, endpoint string, log *logger.Logger, tracer trace.Tracer) *HTTPIndexer {
	return &HTTPIndexer{
		httpClient: httpClient,
		endpoint:   endpoint,
		logger:     log.With("component", "search_indexer"),
		tracer:     tracer,
	}
}

type pushRequest struct {
	Documents []catalog.Document `json:"documents"`
}

// Push sends the batch and logs (never returns) failures.
func (i *HTTPIndexer) Push(ctx context.Context, docs []catalog.Document) {
	if len(docs) == 0 {
		return
	}

	ctx, span := i.tracer.Start(ctx, "index.push",
		trace.WithAttributes(attribute.Int("doc_count", len(docs))))
	defer span.End()

	body, err := json.Marshal(pushRequest{Documents: docs})
	if err != nil {
		span.RecordError(err)
		i.logger.Error(ctx, "failed to marshal index batch", "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.endpoint, bytes.NewReader(body))
	if err != nil {
		span.RecordError(err)
		i.logger.Error(ctx, "failed to create index request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := i.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		i.logger.Error(ctx, "index push failed", "error", err, "doc_count", len(docs))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		err := fmt.Errorf("index endpoint returned %d: %s", resp.StatusCode, string(data))
		span.RecordError(err)
		i.logger.Error(ctx, "index push rejected", "error", err, "doc_count", len(docs))
		return
	}

	i.logger.Debug(ctx, "index push succeeded", "doc_count", len(docs))
}
