package events

import "context"

// AckFunc acknowledges processing of an event. Passing a non-nil error marks
// the event as failed without acknowledging it.
type AckFunc func(error)

// HandlerFunc processes a single event envelope. The ack callback must be
// invoked exactly once when processing concludes.
type HandlerFunc func(ctx context.Context, evt EventEnvelope, ack AckFunc) error
