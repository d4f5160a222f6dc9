package jobs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/tunedex/tunedex/internal/domain/events"
	"github.com/tunedex/tunedex/internal/domain/jobs"
	"github.com/tunedex/tunedex/pkg/common"
	"github.com/tunedex/tunedex/pkg/common/logger"
)

type publishRecord struct {
	evt    events.EventEnvelope
	params events.PublishParams
}

// captureBus records publishes instead of delivering them, so tests can
// assert on redelivery headers and delays.
type captureBus struct {
	mu        sync.Mutex
	published []publishRecord
}

func (b *captureBus) Publish(ctx context.Context, evt events.EventEnvelope, opts ...events.PublishOption) error {
	var params events.PublishParams
	for _, opt := range opts {
		opt(&params)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, publishRecord{evt: evt, params: params})
	return nil
}

func (b *captureBus) Subscribe(ctx context.Context, types []events.EventType, h events.HandlerFunc) error {
	return nil
}

func (b *captureBus) Close() error { return nil }

func (b *captureBus) records() []publishRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]publishRecord, len(b.published))
	copy(out, b.published)
	return out
}

type memFailedJobs struct {
	mu      sync.Mutex
	records []*jobs.FailedJob
}

func (m *memFailedJobs) Record(ctx context.Context, fj *jobs.FailedJob) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fj.ID = int64(len(m.records) + 1)
	m.records = append(m.records, fj)
	return fj.ID, nil
}

func (m *memFailedJobs) List(ctx context.Context, limit int32) ([]*jobs.FailedJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*jobs.FailedJob, len(m.records))
	copy(out, m.records)
	return out, nil
}

const testEventType events.EventType = "TestJob"

type stubHandler struct {
	policy jobs.Policy
	calls  int
	fn     func(ctx context.Context, payload []byte) error
}

func (h *stubHandler) Type() events.EventType { return testEventType }
func (h *stubHandler) Policy() jobs.Policy    { return h.policy }
func (h *stubHandler) Handle(ctx context.Context, payload []byte) error {
	h.calls++
	if h.fn == nil {
		return nil
	}
	return h.fn(ctx, payload)
}

// keyedHandler adds a uniqueness key derived from the raw payload.
type keyedHandler struct{ stubHandler }

func (h *keyedHandler) UniquenessKey(payload []byte) (string, bool) {
	return "key:" + string(payload), true
}

type runnerFixture struct {
	runner   *Runner
	bus      *captureBus
	failed   *memFailedJobs
	limiters *common.SourceLimiters
	window   *KeyWindow
}

func newRunnerFixture(t *testing.T, h jobs.Handler) *runnerFixture {
	t.Helper()

	registry := NewRegistry()
	registry.Register(h)

	bus := new(captureBus)
	failed := new(memFailedJobs)
	limiters := common.NewSourceLimiters()
	window := NewKeyWindow(time.Minute)
	tracer := noop.NewTracerProvider().Tracer("test")

	return &runnerFixture{
		runner:   NewRunner(bus, registry, limiters, window, failed, logger.Noop(), tracer),
		bus:      bus,
		failed:   failed,
		limiters: limiters,
		window:   window,
	}
}

func deliver(t *testing.T, f *runnerFixture, headers map[string]string) {
	t.Helper()

	acked := false
	err := f.runner.handleEvent(context.Background(), events.EventEnvelope{
		ID:      "evt-1",
		Type:    testEventType,
		Headers: headers,
		Payload: []byte(`{"n":1}`),
	}, func(error) { acked = true })
	require.NoError(t, err)
	require.True(t, acked, "every delivery must be acknowledged")
}

func TestRunnerSuccess(t *testing.T) {
	h := &stubHandler{policy: jobs.DefaultPolicy(jobs.QueueWikidata, "")}
	f := newRunnerFixture(t, h)

	deliver(t, f, nil)

	require.Equal(t, 1, h.calls)
	require.Empty(t, f.bus.records(), "successful job must not be republished")
	require.Empty(t, f.failed.records)
}

func TestRunnerRealFailureBacksOff(t *testing.T) {
	h := &stubHandler{
		policy: jobs.DefaultPolicy(jobs.QueueWikidata, ""),
		fn: func(context.Context, []byte) error {
			return errors.New("upstream returned garbage")
		},
	}
	f := newRunnerFixture(t, h)

	deliver(t, f, nil)

	recs := f.bus.records()
	require.Len(t, recs, 1)
	require.Equal(t, "1", recs[0].params.Headers[jobs.HeaderAttempts])
	require.Equal(t, "1", recs[0].params.Headers[jobs.HeaderRealFailures])
	require.Equal(t, 5*time.Second, recs[0].params.Delay)
	require.Empty(t, f.failed.records)
}

func TestRunnerBackoffScheduleProgression(t *testing.T) {
	h := &stubHandler{
		policy: jobs.Policy{
			Queue:           jobs.QueueWikidata,
			MaxRealFailures: 10,
			MaxAttempts:     50,
		},
		fn: func(context.Context, []byte) error { return errors.New("boom") },
	}
	f := newRunnerFixture(t, h)

	wantDelays := []time.Duration{
		5 * time.Second, 15 * time.Second, 45 * time.Second,
		120 * time.Second, 300 * time.Second,
		300 * time.Second, // clamped at the last entry
	}

	headers := map[string]string(nil)
	for i, want := range wantDelays {
		deliver(t, f, headers)
		recs := f.bus.records()
		require.Len(t, recs, i+1)
		require.Equal(t, want, recs[i].params.Delay, "delay after %d real failures", i+1)
		headers = recs[i].params.Headers
	}
}

func TestRunnerRealFailureBudgetExhaustion(t *testing.T) {
	h := &stubHandler{
		policy: jobs.DefaultPolicy(jobs.QueueWikidata, ""),
		fn: func(context.Context, []byte) error {
			return errors.New("still broken")
		},
	}
	f := newRunnerFixture(t, h)

	deliver(t, f, map[string]string{
		jobs.HeaderAttempts:     "2",
		jobs.HeaderRealFailures: "2",
	})

	require.Empty(t, f.bus.records(), "exhausted job must not be republished")
	require.Len(t, f.failed.records, 1)
	require.Equal(t, string(testEventType), f.failed.records[0].EventType)
	require.Equal(t, 3, f.failed.records[0].RealFailures)
	require.Contains(t, f.failed.records[0].Exception, "still broken")
}

func TestRunnerAttemptBudgetExhaustion(t *testing.T) {
	h := &stubHandler{policy: jobs.DefaultPolicy(jobs.QueueWikidata, "")}
	f := newRunnerFixture(t, h)

	deliver(t, f, map[string]string{jobs.HeaderAttempts: "50"})

	require.Zero(t, h.calls, "exhausted job must not execute")
	require.Empty(t, f.bus.records())
	require.Len(t, f.failed.records, 1)
}

func TestRunnerAttemptBudgetExhaustionReleasesKey(t *testing.T) {
	h := &keyedHandler{stubHandler{policy: jobs.DefaultPolicy(jobs.QueueWikidata, "")}}
	f := newRunnerFixture(t, h)

	// The key has been held since dispatch, carried across redeliveries.
	require.True(t, f.window.Acquire(`key:{"n":1}`, "evt-1"))

	deliver(t, f, map[string]string{jobs.HeaderAttempts: "50"})

	require.Zero(t, h.calls)
	require.Len(t, f.failed.records, 1)
	require.True(t, f.window.Acquire(`key:{"n":1}`, "replacement-event"),
		"giving up on a job must free its key for a replacement immediately")
}

// TestRunnerRateLimitReleasePreservesBudget is the core budget property:
// any number of rate-limit releases advances only the attempt counter, never
// the real-failure counter.
func TestRunnerRateLimitReleasePreservesBudget(t *testing.T) {
	h := &stubHandler{
		policy: jobs.DefaultPolicy(jobs.QueueWikidata, ""),
		fn: func(context.Context, []byte) error {
			return fmt.Errorf("slow down: %w", jobs.ErrRateLimited)
		},
	}
	f := newRunnerFixture(t, h)

	headers := map[string]string{jobs.HeaderRealFailures: "1"}
	for i := 0; i < 30; i++ {
		deliver(t, f, headers)
		recs := f.bus.records()
		require.Len(t, recs, i+1)
		headers = recs[i].params.Headers
	}

	require.Equal(t, "30", headers[jobs.HeaderAttempts])
	require.Equal(t, "1", headers[jobs.HeaderRealFailures],
		"rate-limit releases must never consume the real-failure budget")
	require.Empty(t, f.failed.records)
}

func TestRunnerRateLimitReleaseStillBoundedByAttempts(t *testing.T) {
	h := &stubHandler{
		policy: jobs.DefaultPolicy(jobs.QueueWikidata, ""),
		fn: func(context.Context, []byte) error {
			return jobs.ErrRateLimited
		},
	}
	f := newRunnerFixture(t, h)

	deliver(t, f, map[string]string{jobs.HeaderAttempts: strconv.Itoa(h.policy.MaxAttempts)})

	require.Empty(t, f.bus.records())
	require.Len(t, f.failed.records, 1, "attempt budget bounds rate-limit releases too")
}

func TestRunnerDryBucketReleasesWithoutExecuting(t *testing.T) {
	h := &stubHandler{policy: jobs.DefaultPolicy(jobs.QueueWikidata, jobs.SourceWikidata)}
	f := newRunnerFixture(t, h)

	f.limiters.Register(jobs.SourceWikidata, 0.01, 1)
	require.True(t, f.limiters.Get(jobs.SourceWikidata).Allow(), "drain the single burst token")

	deliver(t, f, nil)

	require.Zero(t, h.calls, "job body must not run while the bucket is dry")
	recs := f.bus.records()
	require.Len(t, recs, 1)
	require.Equal(t, "1", recs[0].params.Headers[jobs.HeaderAttempts])
	require.Equal(t, "0", recs[0].params.Headers[jobs.HeaderRealFailures])
	require.Greater(t, recs[0].params.Delay, time.Duration(0))
}

func TestRunnerUniquenessWindow(t *testing.T) {
	h := &keyedHandler{stubHandler{policy: jobs.DefaultPolicy(jobs.QueueWikidata, "")}}
	f := newRunnerFixture(t, h)

	t.Run("concurrent holder suppresses the run", func(t *testing.T) {
		require.True(t, f.window.Acquire(`key:{"n":1}`, "other-event"))
		deliver(t, f, nil)
		require.Zero(t, h.calls)
		require.Empty(t, f.bus.records())
		require.Empty(t, f.failed.records)
		f.window.Release(`key:{"n":1}`, "other-event")
	})

	t.Run("own redelivery re-acquires its key", func(t *testing.T) {
		require.True(t, f.window.Acquire(`key:{"n":1}`, "evt-1"))
		deliver(t, f, nil)
		require.Equal(t, 1, h.calls)
		// Success released the key; a new owner can claim it.
		require.True(t, f.window.Acquire(`key:{"n":1}`, "someone-else"))
	})
}
