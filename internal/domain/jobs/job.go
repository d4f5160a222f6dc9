// Package jobs defines the execution contract every external-API job in the
// ingestion pipeline implements: a fixed target queue, separate budgets for
// real failures versus total attempts, an exponential backoff schedule, and a
// per-source rate-limiter bucket consulted before the job body runs.
//
// The two failure budgets exist because rate-limit backpressure and genuine
// failures are different things. A noisy source can release a job back to its
// queue many times without ever counting against the real-failure budget;
// only exceptions thrown by the job body consume it.
package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/tunedex/tunedex/internal/domain/events"
)

// Queue names. Each external source gets a dedicated queue so one source's
// backpressure never starves another's jobs.
const (
	QueueWikidata    = "wikidata"
	QueueMusicBrainz = "musicbrainz"
	QueueDefault     = "default"
)

// Rate-limiter bucket names, shared by every job hitting the same source.
const (
	SourceWikidata    = "wikidata"
	SourceMusicBrainz = "musicbrainz"
)

// ErrRateLimited signals that the external source asked us to slow down.
// The runner releases the job back to its queue without consuming the
// real-failure budget.
var ErrRateLimited = errors.New("rate limited by external source")

// Header keys the runner uses to carry attempt bookkeeping across
// redeliveries.
const (
	HeaderAttempts     = "job_attempts"
	HeaderRealFailures = "job_real_failures"
)

// defaultBackoff is the delay schedule between attempts, indexed by the
// number of real failures so far and clamped at the last entry.
var defaultBackoff = []time.Duration{
	5 * time.Second,
	15 * time.Second,
	45 * time.Second,
	120 * time.Second,
	300 * time.Second,
}

// Policy declares how the runner executes a job type.
type Policy struct {
	// Queue is the named queue this job type is dispatched to.
	Queue string

	// Source names the shared rate-limiter bucket consulted before
	// execution. Empty means unthrottled.
	Source string

	// MaxRealFailures bounds genuine exceptions from the job body.
	MaxRealFailures int

	// MaxAttempts bounds total deliveries, rate-limit releases included.
	// It is deliberately much larger than MaxRealFailures.
	MaxAttempts int

	// Backoff is the delay schedule between attempts.
	Backoff []time.Duration
}

// DefaultPolicy returns the standard policy for jobs on the given queue and
// rate-limiter source.
func DefaultPolicy(queue, source string) Policy {
	return Policy{
		Queue:           queue,
		Source:          source,
		MaxRealFailures: 3,
		MaxAttempts:     50,
		Backoff:         defaultBackoff,
	}
}

// BackoffFor returns the delay to apply after the given number of real
// failures. The schedule is clamped at its last entry.
func (p Policy) BackoffFor(realFailures int) time.Duration {
	sched := p.Backoff
	if len(sched) == 0 {
		sched = defaultBackoff
	}
	idx := realFailures - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sched) {
		idx = len(sched) - 1
	}
	return sched[idx]
}

// Handler is implemented by every job type. The payload is the JSON-encoded
// body the job was dispatched with.
type Handler interface {
	// Type identifies the event type this handler processes.
	Type() events.EventType

	// Policy declares queue, budgets, backoff, and rate-limiter source.
	Policy() Policy

	// Handle executes the job body. Returning ErrRateLimited (or wrapping it)
	// releases the job without consuming the real-failure budget.
	Handle(ctx context.Context, payload []byte) error
}

// UniquenessKeyer is optionally implemented by handlers whose concurrent
// duplicate runs for the same target must be suppressed. The runner enforces
// a short-lived exclusivity window per key at dispatch time.
type UniquenessKeyer interface {
	UniquenessKey(payload []byte) (string, bool)
}

// Dispatcher enqueues a job of the given type with a JSON-encodable payload.
type Dispatcher interface {
	Dispatch(ctx context.Context, t events.EventType, payload any, opts ...events.PublishOption) error
}
