package sync

import "context"

// CheckpointRepository persists per-stream ingestion checkpoints.
type CheckpointRepository interface {
	// ForKey returns the checkpoint for the given stream key, creating an
	// empty one on first use. The operation is idempotent.
	ForKey(ctx context.Context, streamKey string) (*Checkpoint, error)

	// Save persists the checkpoint. Cursor columns are written with
	// last-greater-wins semantics so concurrent bumps stay monotonic.
	Save(ctx context.Context, cp *Checkpoint) error
}

// JobRunRepository persists job-run observability records.
type JobRunRepository interface {
	// Create stores a new run and assigns its ID.
	Create(ctx context.Context, run *JobRun) error

	// Update persists status, totals, cursor, and finish time.
	Update(ctx context.Context, run *JobRun) error

	// LatestByName returns the most recent run for the named command, or
	// nil when none exists.
	LatestByName(ctx context.Context, name string) (*JobRun, error)
}
