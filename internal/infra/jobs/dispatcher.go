package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tunedex/tunedex/internal/domain/events"
	"github.com/tunedex/tunedex/internal/domain/jobs"
	"github.com/tunedex/tunedex/pkg/common/logger"
)

var _ jobs.Dispatcher = (*Dispatcher)(nil)

// Dispatcher enqueues jobs onto the event bus. It JSON-encodes payloads,
// assigns event IDs, and suppresses dispatches whose uniqueness key is
// already held by an in-flight run.
type Dispatcher struct {
	bus      events.EventBus
	registry *Registry
	window   *KeyWindow

	logger *logger.Logger
	tracer trace.Tracer
}

// NewDispatcher constructs a dispatcher publishing to the given bus. The
// window is shared with the runner so dispatch-time suppression and
// execution-time exclusivity agree on key state.
func NewDispatcher(
	bus events.EventBus,
	registry *Registry,
	window *KeyWindow,
	logger *logger.Logger,
	tracer trace.Tracer,
) *Dispatcher {
	return &Dispatcher{
		bus:      bus,
		registry: registry,
		window:   window,
		logger:   logger.With("component", "job_dispatcher"),
		tracer:   tracer,
	}
}

// Dispatch enqueues a job of the given type. The payload must JSON-encode.
// A duplicate dispatch inside an active uniqueness window is dropped, not an
// error: the in-flight run covers the same target.
func (d *Dispatcher) Dispatch(
	ctx context.Context,
	t events.EventType,
	payload any,
	opts ...events.PublishOption,
) error {
	ctx, span := d.tracer.Start(ctx, "job_dispatcher.dispatch",
		trace.WithAttributes(attribute.String("event_type", string(t))))
	defer span.End()

	body, err := json.Marshal(payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to marshal payload")
		return fmt.Errorf("failed to marshal payload for job %s: %w", t, err)
	}

	handler, err := d.registry.Get(t)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "no handler for event type")
		return err
	}

	eventID := uuid.New().String()

	if keyer, ok := handler.(jobs.UniquenessKeyer); ok {
		if key, keyed := keyer.UniquenessKey(body); keyed {
			if !d.window.Acquire(key, eventID) {
				span.AddEvent("duplicate_suppressed", trace.WithAttributes(
					attribute.String("uniqueness_key", key)))
				d.logger.Debug(ctx, "Suppressed duplicate job dispatch",
					"event_type", t, "uniqueness_key", key)
				return nil
			}
			// The key stays held through enqueue and execution; the runner
			// releases it when the job reaches a terminal outcome.
		}
	}

	evt := events.EventEnvelope{
		ID:        eventID,
		Type:      t,
		Timestamp: time.Now(),
		Payload:   body,
	}

	if err := d.bus.Publish(ctx, evt, opts...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to publish job")
		return fmt.Errorf("failed to publish job %s: %w", t, err)
	}

	span.SetStatus(codes.Ok, "job dispatched")
	d.logger.Debug(ctx, "Dispatched job", "event_type", t, "event_id", evt.ID)

	return nil
}
