// Package orchestration sequences a full sync run: discovery jobs are
// dispatched in dependency order (genres, then artists, then album refresh,
// then tracklist acquisition), and the optional sequential mode blocks
// between stages until the work queues drain. The run itself is recorded
// through the job-run store for operator visibility.
package orchestration

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tunedex/tunedex/internal/domain/catalog"
	"github.com/tunedex/tunedex/internal/domain/events"
	"github.com/tunedex/tunedex/internal/domain/jobs"
	"github.com/tunedex/tunedex/internal/domain/sync"
	"github.com/tunedex/tunedex/pkg/common/logger"
)

// RunName identifies full sync runs in the job-run store.
const RunName = "full_sync"

const (
	defaultDrainInterval  = 5 * time.Second
	defaultDrainChecks    = 3
	defaultTracklistBatch = 100
)

// AlbumLister is the slice of the album repository the orchestrator needs to
// queue tracklist work.
type AlbumLister interface {
	ListMissingTracklists(ctx context.Context, limit int32) ([]*catalog.Album, error)
}

// Deps carries the orchestrator's collaborators.
type Deps struct {
	Dispatcher jobs.Dispatcher
	Runs       sync.JobRunRepository
	Albums     AlbumLister
	Logger     *logger.Logger
	Tracer     trace.Tracer
	Metrics    RunMetrics

	// Depth reporters polled in sequential mode; the combined count covers
	// every broker carrying pipeline work.
	Depth []events.DepthReporter

	// Sequential blocks between dependency stages until the queues drain.
	// Used for cold-start backfills; steady-state syncs let the stages
	// overlap and rely on deferred reference resolution instead.
	Sequential bool

	DrainInterval  time.Duration
	DrainChecks    int
	TracklistBatch int32
}

// Orchestrator runs one dependency-ordered sync cycle.
type Orchestrator struct {
	deps   Deps
	logger *logger.Logger
}

// New creates an orchestrator. Zero-valued tunables take defaults.
func New(deps Deps) *Orchestrator {
	if deps.DrainInterval == 0 {
		deps.DrainInterval = defaultDrainInterval
	}
	if deps.DrainChecks == 0 {
		deps.DrainChecks = defaultDrainChecks
	}
	if deps.TracklistBatch == 0 {
		deps.TracklistBatch = defaultTracklistBatch
	}
	if deps.Metrics == nil {
		deps.Metrics = noopRunMetrics{}
	}
	return &Orchestrator{deps: deps, logger: deps.Logger.With("component", "orchestrator")}
}

type stage struct {
	name string
	fn   func(context.Context, *sync.JobRun) error
}

// Run dispatches one full sync cycle and records it. The dependency order
// exists because artists reference genres and albums reference artists;
// within a stage, new and changed discovery are independent.
func (o *Orchestrator) Run(ctx context.Context) error {
	ctx, span := o.deps.Tracer.Start(ctx, "orchestrator.run",
		trace.WithAttributes(attribute.Bool("sequential", o.deps.Sequential)))
	defer span.End()

	run := sync.NewJobRun(RunName)
	if err := o.deps.Runs.Create(ctx, run); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create run record")
		return fmt.Errorf("failed to create run record: %w", err)
	}
	o.deps.Metrics.IncSyncRunStarted(ctx)

	stages := []stage{
		{"genres", o.dispatchGenres},
		{"artists", o.dispatchArtists},
		{"album_refresh", o.dispatchAlbumRefresh},
		{"tracklists", o.dispatchTracklists},
	}

	for _, st := range stages {
		o.logger.Info(ctx, "Starting sync stage", "stage", st.name)
		if err := st.fn(ctx, run); err != nil {
			o.finish(ctx, run, sync.RunStatusFailed)
			span.RecordError(err)
			span.SetStatus(codes.Error, "stage failed")
			return fmt.Errorf("sync stage %s failed: %w", st.name, err)
		}
		run.SetCursor(st.name)
		if err := o.deps.Runs.Update(ctx, run); err != nil {
			o.logger.Error(ctx, "Failed to update run record", "error", err)
		}

		if o.deps.Sequential {
			if err := o.awaitDrain(ctx); err != nil {
				o.finish(ctx, run, sync.RunStatusFailed)
				span.RecordError(err)
				span.SetStatus(codes.Error, "drain interrupted")
				return fmt.Errorf("drain after stage %s: %w", st.name, err)
			}
		}
	}

	o.finish(ctx, run, sync.RunStatusSuccess)
	o.logger.Info(ctx, "Sync run complete", "totals", run.Totals())
	span.SetStatus(codes.Ok, "run complete")
	return nil
}

func (o *Orchestrator) finish(ctx context.Context, run *sync.JobRun, status sync.RunStatus) {
	run.Finish(status)
	if err := o.deps.Runs.Update(ctx, run); err != nil {
		o.logger.Error(ctx, "Failed to finish run record", "error", err)
	}
	o.deps.Metrics.IncSyncRunFinished(ctx, string(status))
}

func (o *Orchestrator) dispatchGenres(ctx context.Context, run *sync.JobRun) error {
	if err := o.deps.Dispatcher.Dispatch(ctx, jobs.EventTypeDiscoverNewGenres, jobs.DiscoverNewPayload{}); err != nil {
		return err
	}
	if err := o.deps.Dispatcher.Dispatch(ctx, jobs.EventTypeDiscoverChangedGenres, jobs.DiscoverChangedPayload{}); err != nil {
		return err
	}
	run.AddTotal("discovery_jobs", 2)
	return nil
}

func (o *Orchestrator) dispatchArtists(ctx context.Context, run *sync.JobRun) error {
	if err := o.deps.Dispatcher.Dispatch(ctx, jobs.EventTypeDiscoverNewArtists, jobs.DiscoverNewPayload{}); err != nil {
		return err
	}
	if err := o.deps.Dispatcher.Dispatch(ctx, jobs.EventTypeDiscoverChangedArtists, jobs.DiscoverChangedPayload{}); err != nil {
		return err
	}
	run.AddTotal("discovery_jobs", 2)
	return nil
}

func (o *Orchestrator) dispatchAlbumRefresh(ctx context.Context, run *sync.JobRun) error {
	if err := o.deps.Dispatcher.Dispatch(ctx, jobs.EventTypeRefreshArtistAlbums, jobs.RefreshAlbumsPayload{}); err != nil {
		return err
	}
	run.AddTotal("refresh_jobs", 1)
	return nil
}

// dispatchTracklists queues acquisition for albums that have a release group
// but no tracklist yet, oldest first.
func (o *Orchestrator) dispatchTracklists(ctx context.Context, run *sync.JobRun) error {
	albums, err := o.deps.Albums.ListMissingTracklists(ctx, o.deps.TracklistBatch)
	if err != nil {
		return fmt.Errorf("failed to list albums missing tracklists: %w", err)
	}
	for _, album := range albums {
		if err := o.deps.Dispatcher.Dispatch(ctx, jobs.EventTypeFetchTracklist,
			jobs.FetchTracklistPayload{AlbumID: album.ID}); err != nil {
			return err
		}
	}
	run.AddTotal("tracklist_jobs", int64(len(albums)))
	return nil
}

// awaitDrain polls the combined queue depth until it stays at zero for the
// configured number of consecutive checks. Depth readings lag reality a
// little: offset commits are batched on the consumer side, so a single zero
// reading is not trustworthy.
func (o *Orchestrator) awaitDrain(ctx context.Context) error {
	ticker := time.NewTicker(o.deps.DrainInterval)
	defer ticker.Stop()

	zeroes := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		depth, err := o.combinedDepth(ctx)
		if err != nil {
			o.logger.Warn(ctx, "Queue depth poll failed", "error", err)
			zeroes = 0
			continue
		}

		if depth > 0 {
			zeroes = 0
			o.logger.Debug(ctx, "Waiting for queues to drain", "depth", depth)
			continue
		}
		zeroes++
		if zeroes >= o.deps.DrainChecks {
			return nil
		}
	}
}

func (o *Orchestrator) combinedDepth(ctx context.Context) (int64, error) {
	var total int64
	for _, r := range o.deps.Depth {
		d, err := r.Depth(ctx)
		if err != nil {
			return 0, err
		}
		total += d
	}
	return total, nil
}
