// Package tracklist implements the multi-step acquisition pipeline that
// gives a local album its canonical track listing: browse the catalog for
// candidate releases under the album's release group, score and select one,
// fetch its full media listing, and replace the album's track set
// idempotently. A uniqueness key on the album id keeps two concurrent fetch
// attempts for the same album from racing.
package tracklist

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tunedex/tunedex/internal/domain/catalog"
	"github.com/tunedex/tunedex/internal/domain/events"
	"github.com/tunedex/tunedex/internal/domain/jobs"
	"github.com/tunedex/tunedex/internal/infra/sources/musicbrainz"
	"github.com/tunedex/tunedex/pkg/common/logger"
)

// CatalogSource is the slice of the catalog API client the pipeline
// consumes.
type CatalogSource interface {
	ReleasesByReleaseGroup(ctx context.Context, releaseGroupMBID string) ([]musicbrainz.Release, error)
	ReleaseWithRecordings(ctx context.Context, releaseMBID string) (*musicbrainz.Release, error)
}

// Deps carries the pipeline's collaborators.
type Deps struct {
	Source  CatalogSource
	Albums  catalog.AlbumRepository
	Tracks  catalog.TrackRepository
	Indexer catalog.SearchIndexer
	Logger  *logger.Logger
	Tracer  trace.Tracer

	// Now is pinned by tests; the real clock when nil.
	Now func() time.Time
}

type fetchJob struct{ deps Deps }

// FetchJob returns the tracklist acquisition handler.
func FetchJob(deps Deps) jobs.Handler {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &fetchJob{deps: deps}
}

func (j *fetchJob) Type() events.EventType { return jobs.EventTypeFetchTracklist }

func (j *fetchJob) Policy() jobs.Policy {
	return jobs.DefaultPolicy(jobs.QueueMusicBrainz, jobs.SourceMusicBrainz)
}

// UniquenessKey suppresses concurrent duplicate fetches for the same album.
func (j *fetchJob) UniquenessKey(payload []byte) (string, bool) {
	var p jobs.FetchTracklistPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.AlbumID == 0 {
		return "", false
	}
	return fmt.Sprintf("tracklist:%d", p.AlbumID), true
}

func (j *fetchJob) Handle(ctx context.Context, payload []byte) error {
	var p jobs.FetchTracklistPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	ctx, span := j.deps.Tracer.Start(ctx, "tracklist.fetch",
		trace.WithAttributes(attribute.Int64("album_id", p.AlbumID)))
	defer span.End()

	album, err := j.deps.Albums.GetByID(ctx, p.AlbumID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "album lookup failed")
		return fmt.Errorf("failed to load album %d: %w", p.AlbumID, err)
	}
	if album == nil || album.ReleaseGroupMBID == nil {
		j.deps.Logger.Info(ctx, "Album missing or has no release group, skipping",
			"album_id", p.AlbumID)
		span.SetStatus(codes.Ok, "nothing to fetch")
		return nil
	}

	if err := j.deps.Albums.IncTracklistAttempts(ctx, album.ID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "attempt bump failed")
		return fmt.Errorf("failed to bump tracklist attempts for album %d: %w", album.ID, err)
	}

	releases, err := j.deps.Source.ReleasesByReleaseGroup(ctx, *album.ReleaseGroupMBID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "release browse failed")
		return fmt.Errorf("failed to browse releases for album %d: %w", album.ID, err)
	}

	chosen, ok := chooseRelease(releases, j.deps.Now())
	if !ok {
		j.deps.Logger.Info(ctx, "No candidate releases for album",
			"album_id", album.ID, "release_group_mbid", *album.ReleaseGroupMBID)
		span.SetStatus(codes.Ok, "no candidates")
		return nil
	}
	span.SetAttributes(attribute.String("chosen_release_mbid", chosen.ID))

	full, err := j.deps.Source.ReleaseWithRecordings(ctx, chosen.ID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "release lookup failed")
		return fmt.Errorf("failed to fetch release %s: %w", chosen.ID, err)
	}

	tracks := buildTracks(full)
	if len(tracks) == 0 {
		j.deps.Logger.Info(ctx, "Chosen release has no tracks",
			"album_id", album.ID, "release_mbid", chosen.ID)
		span.SetStatus(codes.Ok, "empty tracklist")
		return nil
	}

	// Re-fetching the release already chosen for this album merges in place;
	// a different release fully replaces the old layout.
	if album.ChosenReleaseMBID != nil && *album.ChosenReleaseMBID == chosen.ID {
		err = j.deps.Tracks.UpsertForAlbum(ctx, album.ID, tracks)
	} else {
		err = j.deps.Tracks.ReplaceForAlbum(ctx, album.ID, tracks)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "track write failed")
		return fmt.Errorf("failed to write tracks for album %d: %w", album.ID, err)
	}

	if err := j.deps.Albums.RecordTracklistFetch(ctx, album.ID, chosen.ID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch stamp failed")
		return fmt.Errorf("failed to record tracklist fetch for album %d: %w", album.ID, err)
	}

	j.pushIndex(ctx, album, len(tracks))

	j.deps.Logger.Info(ctx, "Imported tracklist",
		"album_id", album.ID,
		"release_mbid", chosen.ID,
		"track_count", len(tracks),
	)
	span.SetAttributes(attribute.Int("track_count", len(tracks)))
	span.SetStatus(codes.Ok, "tracklist imported")
	return nil
}

// buildTracks flattens the release's media into track rows. Track length
// falls back to the recording's canonical length; the recording id is the
// idempotency key downstream.
func buildTracks(release *musicbrainz.Release) []*catalog.Track {
	var tracks []*catalog.Track
	for _, m := range release.Media {
		disc := m.Position
		if disc == 0 {
			disc = 1
		}
		for _, rt := range m.Tracks {
			if rt.Recording.ID == "" {
				continue
			}
			title := rt.Title
			if title == "" {
				title = rt.Recording.Title
			}
			length := rt.Length
			if length == nil {
				length = rt.Recording.Length
			}
			tracks = append(tracks, &catalog.Track{
				RecordingMBID: rt.Recording.ID,
				ReleaseMBID:   release.ID,
				Title:         title,
				DiscNumber:    disc,
				Position:      rt.Position,
				LengthMS:      length,
			})
		}
	}
	return tracks
}

func (j *fetchJob) pushIndex(ctx context.Context, album *catalog.Album, trackCount int) {
	fields := map[string]any{"qid": album.QID, "track_count": trackCount}
	if album.Title != nil {
		fields["title"] = *album.Title
	}
	j.deps.Indexer.Push(ctx, []catalog.Document{{Kind: "album", ID: album.ID, Fields: fields}})
}
