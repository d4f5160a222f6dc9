// Package events provides domain event handling capabilities for communicating
// state changes and work dispatch across system boundaries in a decoupled way.
package events

import "context"

// EventBus enables publishing and subscribing to domain events across system
// boundaries. It abstracts messaging infrastructure details (like Kafka or the
// in-memory broker) to keep domain logic focused on business concerns rather
// than transport mechanisms.
type EventBus interface {
	// Publish broadcasts a domain event to all interested subscribers.
	Publish(ctx context.Context, event EventEnvelope, opts ...PublishOption) error

	// Subscribe registers a handler function to process events of specified
	// types. The handler executes for each matching event received on this bus.
	Subscribe(ctx context.Context, eventTypes []EventType, handler HandlerFunc) error

	// Close gracefully shuts down the event bus and releases associated resources.
	Close() error
}

// DepthReporter exposes the number of events accepted but not yet fully
// processed. The orchestrator's sequential mode polls this to block until the
// queues drain between dependency stages.
type DepthReporter interface {
	Depth(ctx context.Context) (int64, error)
}
