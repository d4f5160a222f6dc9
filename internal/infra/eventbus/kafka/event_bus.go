// Package kafka provides a Kafka-based implementation of the event bus for asynchronous messaging.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tunedex/tunedex/internal/domain/events"
	"github.com/tunedex/tunedex/internal/domain/jobs"
	"github.com/tunedex/tunedex/pkg/common/logger"
)

// EventBusMetrics defines metrics operations needed to monitor Kafka message handling.
// It enables tracking of successful and failed message publishing/consumption.
type EventBusMetrics interface {
	IncMessagePublished(ctx context.Context, topic string)
	IncMessageConsumed(ctx context.Context, topic string)
	IncPublishError(ctx context.Context, topic string)
	IncConsumeError(ctx context.Context, topic string)
}

// Config contains settings for connecting to and interacting with Kafka brokers.
// Each named job queue maps to its own topic so one source's backpressure
// never blocks another's consumers.
type Config struct {
	// Brokers is a list of Kafka broker addresses to connect to.
	Brokers []string

	// WikidataTopic carries discovery, enrichment, and album-refresh jobs.
	WikidataTopic string
	// MusicBrainzTopic carries tracklist-acquisition jobs.
	MusicBrainzTopic string
	// DefaultTopic carries internal jobs with no external source.
	DefaultTopic string

	// GroupID identifies the consumer group for this broker instance.
	GroupID string
	// ClientID uniquely identifies this client to the Kafka cluster.
	ClientID string
}

// wireEnvelope is the JSON message format on the wire. Payloads are themselves
// JSON, so the whole envelope stays schema-registry free.
type wireEnvelope struct {
	ID        string            `json:"id"`
	Type      events.EventType  `json:"type"`
	Headers   map[string]string `json:"headers,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Payload   json.RawMessage   `json:"payload"`
}

var _ events.EventBus = (*EventBus)(nil)
var _ events.DepthReporter = (*EventBus)(nil)

// EventBus implements the EventBus interface using Kafka as the underlying message broker.
// It handles publishing and subscribing to the pipeline's job events.
type EventBus struct {
	client        sarama.Client
	producer      sarama.SyncProducer
	consumerGroup sarama.ConsumerGroup
	groupID       string

	// Maps job event types to their Kafka topics
	topicMap map[events.EventType]string

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics EventBusMetrics
}

// NewEventBus creates a Kafka-based event bus from an established client.
func NewEventBus(
	client sarama.Client,
	cfg *Config,
	logger *logger.Logger,
	metrics EventBusMetrics,
	tracer trace.Tracer,
) (*EventBus, error) {
	if metrics == nil {
		return nil, fmt.Errorf("metrics are required for kafka event bus")
	}

	logger = logger.With(
		"component", "kafka_event_bus",
		"client_id", cfg.ClientID,
		"group_id", cfg.GroupID,
	)

	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	consumerGroup, err := sarama.NewConsumerGroupFromClient(cfg.GroupID, client)
	if err != nil {
		producer.Close()
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	topicMap := map[events.EventType]string{
		jobs.EventTypeDiscoverNewGenres:      cfg.WikidataTopic,
		jobs.EventTypeDiscoverChangedGenres:  cfg.WikidataTopic,
		jobs.EventTypeDiscoverNewArtists:     cfg.WikidataTopic,
		jobs.EventTypeDiscoverChangedArtists: cfg.WikidataTopic,
		jobs.EventTypeEnrichGenres:           cfg.WikidataTopic,
		jobs.EventTypeEnrichArtists:          cfg.WikidataTopic,
		jobs.EventTypeEnrichAlbums:           cfg.WikidataTopic,
		jobs.EventTypeRefreshArtistAlbums:    cfg.WikidataTopic,
		jobs.EventTypeFetchTracklist:         cfg.MusicBrainzTopic,
	}

	bus := &EventBus{
		client:        client,
		producer:      producer,
		consumerGroup: consumerGroup,
		groupID:       cfg.GroupID,
		topicMap:      topicMap,
		logger:        logger,
		metrics:       metrics,
		tracer:        tracer,
	}

	return bus, nil
}

// Publish sends a job event to the Kafka topic mapped to its type. Kafka has
// no native delayed delivery, so a delayed publish (backoff redelivery,
// rate-limit release) is produced immediately with a not-before header and
// the consumer holds it until the mark passes. The message is on the broker
// by the time Publish returns; a crash during the backoff window cannot lose
// the job.
func (b *EventBus) Publish(ctx context.Context, event events.EventEnvelope, opts ...events.PublishOption) error {
	topic, ok := b.topicMap[event.Type]
	if !ok {
		return fmt.Errorf("unknown event type '%s', no topic mapped", event.Type)
	}

	ctx, span := startPublishSpan(ctx, b.tracer, topic)
	defer span.End()

	var pParams events.PublishParams
	for _, opt := range opts {
		opt(&pParams)
	}

	if pParams.Key != "" {
		event.Key = pParams.Key
		span.SetAttributes(attribute.String("event.key", event.Key))
	}
	if pParams.Headers != nil {
		event.Headers = pParams.Headers
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if pParams.Delay > 0 {
		event.Headers = stampNotBefore(event.Headers, time.Now().Add(pParams.Delay))
		span.SetAttributes(attribute.Int64("event.delay_ms", pParams.Delay.Milliseconds()))
	}

	msgBytes, err := json.Marshal(wireEnvelope{
		ID:        event.ID,
		Type:      event.Type,
		Headers:   event.Headers,
		Timestamp: event.Timestamp,
		Payload:   event.Payload,
	})
	if err != nil {
		span.RecordError(err)
		b.metrics.IncPublishError(ctx, topic)
		return fmt.Errorf("failed to serialize envelope for event %s: %w", event.Type, err)
	}

	return b.publishToTopic(ctx, topic, event.Key, msgBytes)
}

// stampNotBefore returns a copy of headers with the earliest-delivery mark
// set. The copy keeps the caller's map untouched.
func stampNotBefore(headers map[string]string, at time.Time) map[string]string {
	out := make(map[string]string, len(headers)+1)
	for k, v := range headers {
		out[k] = v
	}
	out[events.HeaderNotBefore] = at.UTC().Format(time.RFC3339Nano)
	return out
}

// notBeforeWait reports how long delivery must still be held. An absent or
// malformed mark means no hold.
func notBeforeWait(headers map[string]string, now time.Time) time.Duration {
	raw, ok := headers[events.HeaderNotBefore]
	if !ok {
		return 0
	}
	at, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return 0
	}
	if wait := at.Sub(now); wait > 0 {
		return wait
	}
	return 0
}

// publishToTopic handles the actual publishing of a message to a single Kafka topic
func (b *EventBus) publishToTopic(ctx context.Context, topic, key string, msgBytes []byte) error {
	kafkaMsg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(msgBytes),
	}

	injectTraceContext(ctx, kafkaMsg)

	partition, offset, err := b.producer.SendMessage(kafkaMsg)
	if err != nil {
		b.metrics.IncPublishError(ctx, topic)
		return fmt.Errorf("failed to send message to kafka topic %s: %w", topic, err)
	}

	b.metrics.IncMessagePublished(ctx, topic)

	b.logger.Debug(ctx, "Published message to Kafka",
		"topic", topic,
		"partition", partition,
		"offset", offset,
		"key", key,
	)

	return nil
}

// Subscribe registers a handler function to process job events of the
// specified types. It manages consumer group membership and message
// processing in a separate goroutine.
func (b *EventBus) Subscribe(
	ctx context.Context,
	eventTypes []events.EventType,
	handler events.HandlerFunc,
) error {
	ctx, span := b.tracer.Start(ctx, "kafka_event_bus.subscribe",
		trace.WithAttributes(
			attribute.String("component", "kafka_event_bus"),
		))
	defer span.End()

	// Collect unique topics for the requested event types.
	var topics []string
	topicSet := make(map[string]struct{})
	for _, et := range eventTypes {
		topic, ok := b.topicMap[et]
		if !ok {
			span.RecordError(fmt.Errorf("subscribe: unknown event type %s", et))
			span.SetStatus(codes.Error, "unknown event type")
			return fmt.Errorf("subscribe: unknown event type %s", et)
		}
		if _, seen := topicSet[topic]; !seen {
			topicSet[topic] = struct{}{}
			topics = append(topics, topic)
		}
	}

	span.AddEvent("topics_collected", trace.WithAttributes(attribute.StringSlice("topics", topics)))

	go b.consumeLoop(ctx, topics, handler)
	b.logger.Info(ctx, "Subscribed to events", "event_types", eventTypes)

	return nil
}

// consumeLoop maintains a continuous consumer group session for processing messages.
func (b *EventBus) consumeLoop(
	ctx context.Context,
	topics []string,
	handler events.HandlerFunc,
) {
	cgHandler := &jobEventHandler{
		userHandler: handler,
		logger:      b.logger,
		tracer:      b.tracer,
		metrics:     b.metrics,
	}

	for {
		if err := b.consumerGroup.Consume(ctx, topics, cgHandler); err != nil {
			b.logger.Error(ctx, "Error from consumer group", "error", err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// jobEventHandler implements sarama.ConsumerGroupHandler to decode wire
// envelopes and invoke the user-provided handler.
type jobEventHandler struct {
	userHandler events.HandlerFunc

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics EventBusMetrics
}

func (h *jobEventHandler) Setup(sess sarama.ConsumerGroupSession) error {
	h.logger.Info(context.Background(),
		"Consumer group session setup",
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)
	return nil
}

func (h *jobEventHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	h.logger.Info(context.Background(),
		"Consumer group session cleanup",
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)
	return nil
}

// ConsumeClaim processes messages from an assigned partition, decoding them
// into event envelopes and invoking the user-provided handler.
func (h *jobEventHandler) ConsumeClaim(
	sess sarama.ConsumerGroupSession,
	claim sarama.ConsumerGroupClaim,
) error {
	consumeLogger := h.logger.With("operation", "consume_claim", "partition", claim.Partition())
	consumeLogger.Info(sess.Context(), "Starting to consume from partition", "member_id", sess.MemberID())

	lastCommit := time.Now()
	commitInterval := 1 * time.Second

	for msg := range claim.Messages() {
		stop := func() bool {
			msgCtx := extractTraceContext(sess.Context(), msg)
			msgCtx, span := startDeliverSpan(msgCtx, h.tracer, msg)
			defer span.End()

			var wire wireEnvelope
			if err := json.Unmarshal(msg.Value, &wire); err != nil {
				// A malformed message will never decode; marking it keeps the
				// partition moving.
				sess.MarkMessage(msg, "")
				span.RecordError(err)
				h.metrics.IncConsumeError(msgCtx, msg.Topic)
				return false
			}

			// Honor the earliest-delivery mark on delayed redeliveries. The
			// hold blocks only this partition, and each topic carries a single
			// source's jobs, so nothing unrelated queues behind it. Shutting
			// down mid-hold leaves the message unmarked for the next session.
			if wait := notBeforeWait(wire.Headers, time.Now()); wait > 0 {
				span.AddEvent("delivery_held", trace.WithAttributes(
					attribute.Int64("wait_ms", wait.Milliseconds())))
				timer := time.NewTimer(wait)
				defer timer.Stop()
				select {
				case <-sess.Context().Done():
					return true
				case <-timer.C:
				}
			}

			evt := events.EventEnvelope{
				ID:        wire.ID,
				Type:      wire.Type,
				Key:       string(msg.Key),
				Headers:   wire.Headers,
				Timestamp: wire.Timestamp,
				Payload:   wire.Payload,
				Metadata: events.EventMetadata{
					Partition: claim.Partition(),
					Offset:    msg.Offset,
				},
			}

			consumeLogger.Debug(msgCtx, "Received Kafka message",
				"topic", msg.Topic,
				"offset", msg.Offset,
				"event_type", evt.Type,
				"key", evt.Key,
			)

			ack := func(err error) {
				ackCtx, ackSpan := h.tracer.Start(msgCtx, "kafka_consumer.acknowledge",
					trace.WithLinks(trace.LinkFromContext(msgCtx)),
				)
				defer ackSpan.End()

				if err != nil {
					consumeLogger.Error(ackCtx, "Failed to acknowledge message", "error", err)
					h.metrics.IncConsumeError(ackCtx, msg.Topic)
					ackSpan.RecordError(err)
					ackSpan.SetStatus(codes.Error, "failed to acknowledge message")
					return
				}
				h.metrics.IncMessageConsumed(ackCtx, msg.Topic)

				sess.MarkMessage(msg, "")

				if time.Since(lastCommit) > commitInterval {
					sess.Commit()
					lastCommit = time.Now()
					consumeLogger.Debug(ackCtx, "Committed offsets",
						"topic", msg.Topic,
						"offset", msg.Offset,
					)
				}
			}

			if err := h.userHandler(msgCtx, evt, ack); err != nil {
				consumeLogger.Error(msgCtx, "Failed to handle message", "error", err)
				span.RecordError(err)
			}
			return false
		}()
		if stop {
			break
		}
	}

	sess.Commit()

	return nil
}

// Close gracefully shuts down the event bus by closing both producer and consumer connections.
func (b *EventBus) Close() error {
	logger := b.logger.With("operation", "close")
	ctx, span := b.tracer.Start(context.Background(), "kafka_event_bus.close")
	defer span.End()

	if err := b.producer.Close(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to close producer")
		logger.Error(ctx, "Failed to close producer", "error", err)
		return err
	}
	if err := b.consumerGroup.Close(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to close consumer group")
		logger.Error(ctx, "Failed to close consumer group", "error", err)
		return err
	}

	span.AddEvent("closed_event_bus")
	span.SetStatus(codes.Ok, "closed event bus")
	logger.Info(ctx, "Closed event bus")

	return nil
}
