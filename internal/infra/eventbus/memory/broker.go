// Package memory provides an in-memory implementation of the event bus.
// It offers a lightweight, non-persistent broker suitable for tests and for
// single-process cold-start backfills where durability is not required.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tunedex/tunedex/internal/domain/events"
)

// Broker is an in-memory events.EventBus. Delivery is asynchronous through a
// single dispatch goroutine so self-rescheduling jobs never recurse, and the
// pending counter gives the orchestrator a real drain signal.
type Broker struct {
	mu       sync.Mutex
	handlers map[events.EventType][]events.HandlerFunc
	queue    []events.EventEnvelope
	pending  int64
	wake     chan struct{}
	done     chan struct{}
	closed   bool
}

var _ events.EventBus = (*Broker)(nil)
var _ events.DepthReporter = (*Broker)(nil)

// NewBroker creates a broker and starts its dispatch loop.
func NewBroker() *Broker {
	b := &Broker{
		handlers: make(map[events.EventType][]events.HandlerFunc),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go b.dispatchLoop()
	return b
}

// Publish enqueues the event for asynchronous delivery to all subscribed
// handlers. Delayed publishes count toward the pending depth immediately so
// drain polling waits for backoff redeliveries too.
func (b *Broker) Publish(ctx context.Context, event events.EventEnvelope, opts ...events.PublishOption) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var params events.PublishParams
	for _, opt := range opts {
		opt(&params)
	}
	if params.Key != "" {
		event.Key = params.Key
	}
	if params.Headers != nil {
		event.Headers = params.Headers
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errors.New("broker is closed")
	}
	b.pending++
	b.mu.Unlock()

	enqueue := func() {
		b.mu.Lock()
		if b.closed {
			b.pending--
			b.mu.Unlock()
			return
		}
		b.queue = append(b.queue, event)
		b.mu.Unlock()
		select {
		case b.wake <- struct{}{}:
		default:
		}
	}

	if params.Delay > 0 {
		time.AfterFunc(params.Delay, enqueue)
		return nil
	}
	enqueue()
	return nil
}

// Subscribe registers a handler for the given event types.
func (b *Broker) Subscribe(ctx context.Context, eventTypes []events.EventType, handler events.HandlerFunc) error {
	if handler == nil {
		return errors.New("handler cannot be nil")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, et := range eventTypes {
		b.handlers[et] = append(b.handlers[et], handler)
	}
	return nil
}

// Depth returns the number of events accepted but not yet fully processed,
// including delayed redeliveries that have not fired yet.
func (b *Broker) Depth(ctx context.Context) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending, nil
}

// Close stops the dispatch loop. Events still queued are dropped.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	close(b.done)
	return nil
}

func (b *Broker) dispatchLoop() {
	for {
		select {
		case <-b.done:
			return
		case <-b.wake:
		}

		for {
			b.mu.Lock()
			if len(b.queue) == 0 {
				b.mu.Unlock()
				break
			}
			evt := b.queue[0]
			b.queue = b.queue[1:]
			handlers := make([]events.HandlerFunc, len(b.handlers[evt.Type]))
			copy(handlers, b.handlers[evt.Type])
			b.mu.Unlock()

			for _, handler := range handlers {
				// Handler errors are the handler's responsibility to report;
				// the broker only tracks completion.
				_ = handler(context.Background(), evt, func(error) {})
			}

			b.mu.Lock()
			b.pending--
			b.mu.Unlock()
		}
	}
}
