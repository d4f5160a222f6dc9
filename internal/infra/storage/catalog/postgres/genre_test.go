package postgres

import (
	"context"
	"testing"

	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunedex/tunedex/internal/domain/catalog"
	"github.com/tunedex/tunedex/internal/infra/storage"
)

func setupCatalogTest(t *testing.T) (context.Context, *pgxpool.Pool, func()) {
	t.Helper()

	db, cleanup := storage.SetupTestContainer(t)
	return context.Background(), db, cleanup
}

func strPtr(s string) *string { return &s }
func intPtr(n int) *int       { return &n }

func TestPGGenreStore_UpsertIdempotent(t *testing.T) {
	t.Parallel()

	ctx, db, cleanup := setupCatalogTest(t)
	defer cleanup()
	store := NewGenreStore(db, storage.NoOpTracer())

	genre := &catalog.Genre{
		QID:  "Q11399",
		Name: strPtr("rock music"),
	}
	require.NoError(t, store.UpsertBatch(ctx, []*catalog.Genre{genre}))
	require.NoError(t, store.UpsertBatch(ctx, []*catalog.Genre{genre}))

	var count int
	require.NoError(t, db.QueryRow(ctx, `SELECT COUNT(*) FROM genres WHERE qid = 'Q11399'`).Scan(&count))
	assert.Equal(t, 1, count, "repeat upserts must not duplicate rows")
}

// TestPGGenreStore_NonDestructiveMerge verifies the null-preserving merge: a
// sparse second write must not erase fields the first write populated.
func TestPGGenreStore_NonDestructiveMerge(t *testing.T) {
	t.Parallel()

	ctx, db, cleanup := setupCatalogTest(t)
	defer cleanup()
	store := NewGenreStore(db, storage.NoOpTracer())

	full := &catalog.Genre{
		QID:           "Q9759",
		Name:          strPtr("blues"),
		Description:   strPtr("musical form and genre"),
		InceptionYear: intPtr(1870),
	}
	require.NoError(t, store.UpsertBatch(ctx, []*catalog.Genre{full}))

	sparse := &catalog.Genre{
		QID:  "Q9759",
		Name: strPtr("the blues"),
	}
	require.NoError(t, store.UpsertBatch(ctx, []*catalog.Genre{sparse}))

	loaded, err := store.GetByQID(ctx, "Q9759")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "the blues", *loaded.Name, "non-null incoming value overwrites")
	require.NotNil(t, loaded.Description)
	assert.Equal(t, "musical form and genre", *loaded.Description, "null incoming value preserves stored one")
	require.NotNil(t, loaded.InceptionYear)
	assert.Equal(t, 1870, *loaded.InceptionYear)
}

func TestPGGenreStore_GetByQIDNonExistent(t *testing.T) {
	t.Parallel()

	ctx, db, cleanup := setupCatalogTest(t)
	defer cleanup()
	store := NewGenreStore(db, storage.NoOpTracer())

	loaded, err := store.GetByQID(ctx, "Q0")
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

// TestPGGenreStore_DeferredParentResolution ingests a child genre before its
// parent exists, then verifies the resolution pass links them once the
// parent arrives.
func TestPGGenreStore_DeferredParentResolution(t *testing.T) {
	t.Parallel()

	ctx, db, cleanup := setupCatalogTest(t)
	defer cleanup()
	store := NewGenreStore(db, storage.NoOpTracer())

	child := &catalog.Genre{
		QID:       "Q185652",
		Name:      strPtr("delta blues"),
		ParentQID: strPtr("Q9759"),
	}
	require.NoError(t, store.UpsertBatch(ctx, []*catalog.Genre{child}))

	resolved, err := store.ResolveParentLinks(ctx)
	require.NoError(t, err)
	assert.Zero(t, resolved, "nothing to resolve while the parent is missing")

	parent := &catalog.Genre{QID: "Q9759", Name: strPtr("blues")}
	require.NoError(t, store.UpsertBatch(ctx, []*catalog.Genre{parent}))

	resolved, err = store.ResolveParentLinks(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), resolved)

	loadedParent, err := store.GetByQID(ctx, "Q9759")
	require.NoError(t, err)
	loadedChild, err := store.GetByQID(ctx, "Q185652")
	require.NoError(t, err)
	require.NotNil(t, loadedChild.ParentGenreID)
	assert.Equal(t, loadedParent.ID, *loadedChild.ParentGenreID)

	// Re-running the pass finds nothing new.
	resolved, err = store.ResolveParentLinks(ctx)
	require.NoError(t, err)
	assert.Zero(t, resolved)
}
