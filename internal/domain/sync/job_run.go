package sync

import "time"

// RunStatus identifies the lifecycle state of a job run.
type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusFailed  RunStatus = "failed"
)

// JobRun is a lightweight observability record for long-running batch
// commands: start/finish timestamps, a free-form totals counter map, and an
// optional resumable cursor string.
type JobRun struct {
	id         int64
	name       string
	status     RunStatus
	startedAt  time.Time
	finishedAt *time.Time
	totals     map[string]int64
	cursor     *string
}

// NewJobRun creates a running JobRun for the named command.
func NewJobRun(name string) *JobRun {
	return &JobRun{
		name:      name,
		status:    RunStatusRunning,
		startedAt: time.Now(),
		totals:    make(map[string]int64),
	}
}

// ReconstructJobRun rebuilds a JobRun from persistence.
func ReconstructJobRun(
	id int64,
	name string,
	status RunStatus,
	startedAt time.Time,
	finishedAt *time.Time,
	totals map[string]int64,
	cursor *string,
) *JobRun {
	if totals == nil {
		totals = make(map[string]int64)
	}
	return &JobRun{
		id:         id,
		name:       name,
		status:     status,
		startedAt:  startedAt,
		finishedAt: finishedAt,
		totals:     totals,
		cursor:     cursor,
	}
}

// Getters for JobRun.
func (r *JobRun) ID() int64             { return r.id }
func (r *JobRun) Name() string          { return r.name }
func (r *JobRun) Status() RunStatus     { return r.status }
func (r *JobRun) StartedAt() time.Time  { return r.startedAt }
func (r *JobRun) Totals() map[string]int64 { return r.totals }

// FinishedAt returns the completion time and whether the run has finished.
func (r *JobRun) FinishedAt() (time.Time, bool) {
	if r.finishedAt == nil {
		return time.Time{}, false
	}
	return *r.finishedAt, true
}

// Cursor returns the resumable cursor string and whether one is set.
func (r *JobRun) Cursor() (string, bool) {
	if r.cursor == nil {
		return "", false
	}
	return *r.cursor, true
}

// IsTemporary returns true if the run has not been persisted yet.
func (r *JobRun) IsTemporary() bool { return r.id == 0 }

// SetID assigns the persistence ID. It panics when the run already has one.
func (r *JobRun) SetID(id int64) {
	if r.id != 0 {
		panic("attempting to modify ID of a persisted job run")
	}
	r.id = id
}

// AddTotal increments the named counter by n.
func (r *JobRun) AddTotal(key string, n int64) { r.totals[key] += n }

// SetCursor records a resumable position within the run.
func (r *JobRun) SetCursor(cursor string) { r.cursor = &cursor }

// Finish marks the run complete with the given terminal status.
func (r *JobRun) Finish(status RunStatus) {
	now := time.Now()
	r.status = status
	r.finishedAt = &now
}
