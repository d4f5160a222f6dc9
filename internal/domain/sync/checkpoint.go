// Package sync holds the domain model for ingestion progress tracking: the
// per-stream checkpoint entity and the job-run record long batch commands
// report through.
package sync

import (
	"time"
)

// Stream keys for the discovery cursors. One checkpoint row exists per key.
const (
	StreamNewGenres      = "genres:new"
	StreamChangedGenres  = "genres:changed"
	StreamNewArtists     = "artists:new"
	StreamChangedArtists = "artists:changed"
)

// MetaPendingAlbumRefresh is the checkpoint metadata key under which changed
// artist discovery accumulates identifiers for the album refresh job.
const MetaPendingAlbumRefresh = "pending_album_refresh"

// DefaultOverlapBuffer is the safety window subtracted from the change
// watermark so entities modified near the previous run's boundary are
// re-swept rather than missed.
const DefaultOverlapBuffer = 48 * time.Hour

// Checkpoint is an entity object recording resumable progress for one
// ingestion stream. It carries two monotonic cursors (a numeric ordinal over
// external-ID order and a last-modified watermark) plus a small free-form
// metadata map used to pass state between jobs.
//
// Both cursors are monotonically non-decreasing: a bump only writes when the
// new value is strictly greater than the stored one.
type Checkpoint struct {
	// Identity.
	id        int64
	streamKey string

	// Cursors.
	lastSeenOrdinal *int64
	lastChangedAt   *time.Time

	// State/Metadata.
	meta      map[string]any
	updatedAt time.Time
}

// NewCheckpoint creates a Checkpoint without a persistent ID, for the
// get-or-create path before first persistence.
func NewCheckpoint(streamKey string) *Checkpoint {
	return &Checkpoint{
		streamKey: streamKey,
		meta:      make(map[string]any),
		updatedAt: time.Now(),
	}
}

// ReconstructCheckpoint rebuilds a Checkpoint from persistence.
func ReconstructCheckpoint(
	id int64,
	streamKey string,
	lastSeenOrdinal *int64,
	lastChangedAt *time.Time,
	meta map[string]any,
	updatedAt time.Time,
) *Checkpoint {
	if meta == nil {
		meta = make(map[string]any)
	}
	return &Checkpoint{
		id:              id,
		streamKey:       streamKey,
		lastSeenOrdinal: lastSeenOrdinal,
		lastChangedAt:   lastChangedAt,
		meta:            meta,
		updatedAt:       updatedAt,
	}
}

// Getters for Checkpoint.
func (c *Checkpoint) ID() int64            { return c.id }
func (c *Checkpoint) StreamKey() string    { return c.streamKey }
func (c *Checkpoint) UpdatedAt() time.Time { return c.updatedAt }

// LastSeenOrdinal returns the ordinal cursor, or 0 when none has been
// recorded yet.
func (c *Checkpoint) LastSeenOrdinal() int64 {
	if c.lastSeenOrdinal == nil {
		return 0
	}
	return *c.lastSeenOrdinal
}

// LastChangedAt returns the change watermark and whether one has been
// recorded.
func (c *Checkpoint) LastChangedAt() (time.Time, bool) {
	if c.lastChangedAt == nil {
		return time.Time{}, false
	}
	return *c.lastChangedAt, true
}

// IsTemporary returns true if the checkpoint has not been persisted yet.
func (c *Checkpoint) IsTemporary() bool { return c.id == 0 }

// SetID updates the checkpoint's ID after persistence. It will panic if
// called on an already-persisted checkpoint to prevent ID mutations.
func (c *Checkpoint) SetID(id int64) {
	if c.id != 0 {
		panic("attempting to modify ID of a persisted checkpoint")
	}
	c.id = id
}

// BumpOrdinal advances the ordinal cursor. It is a no-op unless the new
// value is strictly greater than the stored one, and reports whether the
// cursor moved.
func (c *Checkpoint) BumpOrdinal(v int64) bool {
	if c.lastSeenOrdinal != nil && v <= *c.lastSeenOrdinal {
		return false
	}
	c.lastSeenOrdinal = &v
	c.updatedAt = time.Now()
	return true
}

// BumpChangedAt advances the change watermark. It is a no-op unless the new
// value is strictly after the stored one, and reports whether the watermark
// moved.
func (c *Checkpoint) BumpChangedAt(t time.Time) bool {
	if t.IsZero() {
		return false
	}
	if c.lastChangedAt != nil && !t.After(*c.lastChangedAt) {
		return false
	}
	t = t.UTC()
	c.lastChangedAt = &t
	c.updatedAt = time.Now()
	return true
}

// ChangedAtWithBuffer returns the change watermark shifted backward by the
// given safety window, so entities modified concurrently with the previous
// run near its boundary are re-swept rather than missed. The zero time is
// returned when no watermark exists yet, meaning "sweep everything".
func (c *Checkpoint) ChangedAtWithBuffer(buffer time.Duration) time.Time {
	if c.lastChangedAt == nil {
		return time.Time{}
	}
	return c.lastChangedAt.Add(-buffer)
}

// Meta returns the raw metadata map. Mutations must go through SetMeta.
func (c *Checkpoint) Meta() map[string]any { return c.meta }

// GetMeta returns the value stored under key, or def when absent.
func (c *Checkpoint) GetMeta(key string, def any) any {
	if v, ok := c.meta[key]; ok {
		return v
	}
	return def
}

// SetMeta stores a small piece of auxiliary state under key.
func (c *Checkpoint) SetMeta(key string, value any) {
	c.meta[key] = value
	c.updatedAt = time.Now()
}

// ClearMeta removes the value stored under key.
func (c *Checkpoint) ClearMeta(key string) {
	delete(c.meta, key)
	c.updatedAt = time.Now()
}

// MetaStrings returns the string list stored under key. Lists round-tripped
// through JSON come back as []any, so both shapes are handled.
func (c *Checkpoint) MetaStrings(key string) []string {
	switch v := c.meta[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// AppendMetaStrings merges values into the string list under key,
// de-duplicating while preserving insertion order.
func (c *Checkpoint) AppendMetaStrings(key string, values ...string) {
	existing := c.MetaStrings(key)
	seen := make(map[string]struct{}, len(existing)+len(values))
	merged := make([]string, 0, len(existing)+len(values))
	for _, s := range existing {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		merged = append(merged, s)
	}
	for _, s := range values {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		merged = append(merged, s)
	}
	c.SetMeta(key, merged)
}
