package index

import (
	"context"
	"sync"

	"github.com/tunedex/tunedex/internal/domain/catalog"
)

var _ catalog.SearchIndexer = (*Memory)(nil)

// Memory is an in-process indexer for tests and local development.
type Memory struct {
	mu   sync.Mutex
	docs []catalog.Document
}

// NewMemory creates an empty in-process indexer.
func NewMemory() *Memory { return new(Memory) }

// Push records the batch.
func (m *Memory) Push(_ context.Context, docs []catalog.Document) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs = append(m.docs, docs...)
}

// Documents returns a copy of everything pushed so far.
func (m *Memory) Documents() []catalog.Document {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]catalog.Document, len(m.docs))
	copy(out, m.docs)
	return out
}

// Reset clears recorded documents.
func (m *Memory) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs = nil
}
