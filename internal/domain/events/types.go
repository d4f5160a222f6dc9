package events

import "time"

// PublishOption is a function type that modifies PublishParams.
// It enables flexible configuration of event publishing behavior through
// functional options.
type PublishOption func(*PublishParams)

// PublishParams contains configuration options for publishing domain events.
type PublishParams struct {
	// Key is used as a partition key to control event routing and ordering.
	Key string
	// Headers contain metadata key-value pairs attached to the event.
	Headers map[string]string
	// Delay postpones delivery by the given duration. Durable brokers must
	// not delay the publish itself: they stamp HeaderNotBefore, produce
	// immediately, and the consumer side holds delivery until the mark.
	Delay time.Duration
}

// WithKey returns a PublishOption that sets the partition key for event routing.
func WithKey(key string) PublishOption {
	return func(p *PublishParams) { p.Key = key }
}

// WithHeaders returns a PublishOption that attaches metadata headers to an event.
func WithHeaders(headers map[string]string) PublishOption {
	return func(p *PublishParams) { p.Headers = headers }
}

// WithDelay returns a PublishOption that postpones delivery. Used for backoff
// redelivery and rate-limit releases.
func WithDelay(d time.Duration) PublishOption {
	return func(p *PublishParams) { p.Delay = d }
}
