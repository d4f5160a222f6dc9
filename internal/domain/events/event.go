package events

import "time"

// EventType represents a domain event category, enabling type-safe event routing
// and handling. Every job the pipeline runs is dispatched as one of these.
type EventType string

// HeaderNotBefore holds the earliest delivery time for a delayed event, in
// RFC 3339 format. Brokers produce delayed events immediately and stamp this
// header; consumers hold delivery until the mark passes. That keeps backoff
// redeliveries durable: once Publish returns, a process crash cannot lose
// the pending job.
const HeaderNotBefore = "not_before"

// EventMetadata carries broker-level position information for an event,
// populated on the consume side only.
type EventMetadata struct {
	Partition int32
	Offset    int64
}

// EventEnvelope is the transport-neutral wrapper for everything flowing
// through the system. Payloads are JSON-encoded so any broker implementation
// can carry them without a schema registry.
type EventEnvelope struct {
	// ID uniquely identifies this event instance.
	ID string

	// Type identifies the category of this event for routing and handling.
	Type EventType

	// Key enables consistent event routing, typically a business identifier
	// the broker can partition by.
	Key string

	// Headers contain metadata key-value pairs attached to the event.
	// The job runner uses these to carry attempt counters across redeliveries.
	Headers map[string]string

	// Timestamp records when this event was created.
	Timestamp time.Time

	// Payload contains the JSON-encoded event data. The concrete shape
	// depends on the EventType.
	Payload []byte

	// Metadata carries broker position details on consumed events.
	Metadata EventMetadata
}
