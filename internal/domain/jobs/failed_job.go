package jobs

import (
	"context"
	"time"
)

// FailedJob is the durable record written when a job exhausts its budgets.
// It preserves the full exception context for operator inspection and manual
// retry; nothing in the pipeline surfaces failures synchronously.
type FailedJob struct {
	ID           int64
	EventType    string
	Queue        string
	Payload      []byte
	Exception    string
	Attempts     int
	RealFailures int
	FailedAt     time.Time
}

// FailedJobRepository persists exhausted jobs.
type FailedJobRepository interface {
	// Record stores a failed job and returns its assigned ID.
	Record(ctx context.Context, fj *FailedJob) (int64, error)

	// List returns the most recent failures, newest first.
	List(ctx context.Context, limit int32) ([]*FailedJob, error)
}
