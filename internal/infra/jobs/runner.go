package jobs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tunedex/tunedex/internal/domain/events"
	"github.com/tunedex/tunedex/internal/domain/jobs"
	"github.com/tunedex/tunedex/pkg/common"
	"github.com/tunedex/tunedex/pkg/common/logger"
)

// Runner consumes job events from the bus and executes their handlers under
// the job contract: a per-source rate-limiter bucket consulted before the
// body runs, separate budgets for real failures and total attempts, and an
// exponential backoff schedule between real failures.
//
// Every delivery is acknowledged. Retries are republished with updated
// bookkeeping headers rather than left to broker redelivery, so the two
// counters survive across queue round trips.
type Runner struct {
	bus      events.EventBus
	registry *Registry
	limiters *common.SourceLimiters
	window   *KeyWindow
	failed   jobs.FailedJobRepository

	logger *logger.Logger
	tracer trace.Tracer
}

// NewRunner constructs a runner. The window must be the same instance the
// dispatcher uses so uniqueness keys held at dispatch get released here.
func NewRunner(
	bus events.EventBus,
	registry *Registry,
	limiters *common.SourceLimiters,
	window *KeyWindow,
	failed jobs.FailedJobRepository,
	logger *logger.Logger,
	tracer trace.Tracer,
) *Runner {
	return &Runner{
		bus:      bus,
		registry: registry,
		limiters: limiters,
		window:   window,
		failed:   failed,
		logger:   logger.With("component", "job_runner"),
		tracer:   tracer,
	}
}

// Start subscribes the runner to every registered event type. Execution
// continues until the context is canceled.
func (r *Runner) Start(ctx context.Context) error {
	types := r.registry.Types()
	if len(types) == 0 {
		return errors.New("no job handlers registered")
	}
	return r.bus.Subscribe(ctx, types, r.handleEvent)
}

// handleEvent is the per-delivery middleware chain.
func (r *Runner) handleEvent(ctx context.Context, evt events.EventEnvelope, ack events.AckFunc) error {
	ctx, span := r.tracer.Start(ctx, "job_runner.handle_event",
		trace.WithAttributes(
			attribute.String("event_type", string(evt.Type)),
			attribute.String("event_id", evt.ID),
		))
	defer span.End()

	handler, err := r.registry.Get(evt.Type)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "no handler for event type")
		ack(err)
		return err
	}
	policy := handler.Policy()

	attempts := headerInt(evt.Headers, jobs.HeaderAttempts) + 1
	realFailures := headerInt(evt.Headers, jobs.HeaderRealFailures)
	span.SetAttributes(
		attribute.Int("job.attempts", attempts),
		attribute.Int("job.real_failures", realFailures),
	)
	log := logger.NewLoggerContext(r.logger.With(
		"event_type", evt.Type,
		"event_id", evt.ID,
		"attempts", attempts,
		"real_failures", realFailures,
	))

	// The attempt budget bounds total deliveries, rate-limit releases
	// included, so a permanently saturated source cannot circulate a job
	// forever.
	if attempts > policy.MaxAttempts {
		// Earlier deliveries held the uniqueness key across redeliveries;
		// free it now so a replacement job for the same target does not have
		// to wait out the claim TTL.
		if key, keyed := r.uniquenessKey(handler, evt.Payload); keyed {
			r.window.Release(key, evt.ID)
		}
		r.recordFailure(ctx, evt, policy, attempts, realFailures,
			fmt.Sprintf("attempt budget exhausted after %d deliveries", attempts-1))
		span.AddEvent("attempt_budget_exhausted")
		ack(nil)
		return nil
	}

	// Consult the shared source bucket before doing any work. A dry bucket
	// releases the job back to its queue with only the attempt counter
	// advanced; waiting here would stall the whole consumer. The gate only
	// peeks: the token is consumed by the source client's own wait once the
	// body runs.
	if bucket := r.limiters.Get(policy.Source); bucket != nil {
		if delay := bucket.ReserveDelay(); delay > 0 {
			log.Debug(ctx, "Source bucket dry, releasing job", "delay", delay)
			span.AddEvent("rate_limit_release", trace.WithAttributes(
				attribute.Int64("delay_ms", delay.Milliseconds())))
			err := r.republish(ctx, evt, attempts, realFailures, delay)
			ack(err)
			return err
		}
	}

	key, keyed := r.uniquenessKey(handler, evt.Payload)
	if keyed {
		// Refresh the claim for this execution. A different holder means a
		// concurrent duplicate run against the same target; drop this
		// delivery.
		if !r.window.Acquire(key, evt.ID) {
			log.Debug(ctx, "Duplicate run suppressed", "uniqueness_key", key)
			span.AddEvent("duplicate_suppressed")
			ack(nil)
			return nil
		}
	}

	handleErr := handler.Handle(ctx, evt.Payload)

	if handleErr == nil {
		if keyed {
			r.window.Release(key, evt.ID)
		}
		span.SetStatus(codes.Ok, "job succeeded")
		ack(nil)
		return nil
	}

	// A rate-limit signal from the source body is backpressure, not failure:
	// release the job without touching the real-failure budget.
	if errors.Is(handleErr, jobs.ErrRateLimited) {
		log.Info(ctx, "Job rate limited by source, releasing", "error", handleErr)
		span.AddEvent("rate_limited_by_source")
		err := r.republish(ctx, evt, attempts, realFailures, policy.BackoffFor(0))
		ack(err)
		return err
	}

	realFailures++
	span.RecordError(handleErr)
	span.SetAttributes(attribute.Int("job.real_failures", realFailures))

	if realFailures >= policy.MaxRealFailures {
		log.Error(ctx, "Job exhausted real-failure budget", "error", handleErr)
		if keyed {
			r.window.Release(key, evt.ID)
		}
		r.recordFailure(ctx, evt, policy, attempts, realFailures, handleErr.Error())
		span.SetStatus(codes.Error, "real-failure budget exhausted")
		ack(nil)
		return nil
	}

	delay := policy.BackoffFor(realFailures)
	log.Warn(ctx, "Job failed, scheduling retry", "error", handleErr, "delay", delay)
	err = r.republish(ctx, evt, attempts, realFailures, delay)
	ack(err)
	return err
}

// republish sends the job back to its queue with updated bookkeeping headers
// and the given delivery delay.
func (r *Runner) republish(
	ctx context.Context,
	evt events.EventEnvelope,
	attempts, realFailures int,
	delay time.Duration,
) error {
	headers := make(map[string]string, len(evt.Headers)+2)
	for k, v := range evt.Headers {
		headers[k] = v
	}
	headers[jobs.HeaderAttempts] = strconv.Itoa(attempts)
	headers[jobs.HeaderRealFailures] = strconv.Itoa(realFailures)

	next := events.EventEnvelope{
		ID:      evt.ID,
		Type:    evt.Type,
		Key:     evt.Key,
		Payload: evt.Payload,
	}

	if err := r.bus.Publish(ctx, next, events.WithHeaders(headers), events.WithDelay(delay)); err != nil {
		return fmt.Errorf("failed to republish job %s: %w", evt.Type, err)
	}
	return nil
}

// recordFailure writes the durable failed-job record. Persistence errors are
// logged and swallowed: a broken failure store must not wedge the consumer.
func (r *Runner) recordFailure(
	ctx context.Context,
	evt events.EventEnvelope,
	policy jobs.Policy,
	attempts, realFailures int,
	exception string,
) {
	fj := &jobs.FailedJob{
		EventType:    string(evt.Type),
		Queue:        policy.Queue,
		Payload:      evt.Payload,
		Exception:    exception,
		Attempts:     attempts,
		RealFailures: realFailures,
		FailedAt:     time.Now(),
	}
	if _, err := r.failed.Record(ctx, fj); err != nil {
		r.logger.Error(ctx, "Failed to record failed job",
			"event_type", evt.Type, "error", err)
	}
}

func (r *Runner) uniquenessKey(h jobs.Handler, payload []byte) (string, bool) {
	keyer, ok := h.(jobs.UniquenessKeyer)
	if !ok {
		return "", false
	}
	return keyer.UniquenessKey(payload)
}

func headerInt(headers map[string]string, key string) int {
	v, ok := headers[key]
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}
