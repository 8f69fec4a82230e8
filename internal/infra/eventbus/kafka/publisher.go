// Package kafka provides a Kafka-based publisher for scan-job lifecycle
// events.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/vulnscan-armada/internal/domain/events"
	"github.com/ahrav/vulnscan-armada/pkg/common/logger"
)

// Config contains settings for connecting to and publishing on Kafka.
type Config struct {
	// Brokers is a list of Kafka broker addresses to connect to.
	Brokers []string

	// JobLifecycleTopic carries every scan-job lifecycle event.
	JobLifecycleTopic string

	// ClientID uniquely identifies this client to the Kafka cluster.
	ClientID string
}

// Ensure DomainEventPublisher implements events.DomainEventPublisher at compile time.
var _ events.DomainEventPublisher = (*DomainEventPublisher)(nil)

// DomainEventPublisher publishes domain events to Kafka as JSON envelopes.
// It keeps the domain layer decoupled from the transport: callers hand it
// events and routing options and never see sarama.
type DomainEventPublisher struct {
	producer sarama.SyncProducer
	topic    string

	logger *logger.Logger
	tracer trace.Tracer
}

// NewDomainEventPublisher creates a publisher over an established sarama
// producer.
func NewDomainEventPublisher(
	producer sarama.SyncProducer,
	topic string,
	logger *logger.Logger,
	tracer trace.Tracer,
) *DomainEventPublisher {
	return &DomainEventPublisher{
		producer: producer,
		topic:    topic,
		logger:   logger.With("component", "kafka_event_publisher"),
		tracer:   tracer,
	}
}

// NewSyncProducer creates the sarama producer this publisher runs on.
func NewSyncProducer(cfg *Config) (sarama.SyncProducer, error) {
	config := sarama.NewConfig()
	config.ClientID = cfg.ClientID
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 3

	producer, err := sarama.NewSyncProducer(cfg.Brokers, config)
	if err != nil {
		return nil, fmt.Errorf("creating kafka producer: %w", err)
	}
	return producer, nil
}

// PublishDomainEvent serializes a domain event and sends it to the job
// lifecycle topic.
func (p *DomainEventPublisher) PublishDomainEvent(ctx context.Context, event events.DomainEvent, opts ...events.PublishOption) error {
	ctx, span := p.tracer.Start(ctx, "kafka.publish_domain_event",
		trace.WithAttributes(
			attribute.String("event_type", string(event.EventType())),
			attribute.String("topic", p.topic),
		),
	)
	defer span.End()

	params := events.PublishParams{}
	for _, opt := range opts {
		opt(&params)
	}

	envelope := events.EventEnvelope{
		Type:      event.EventType(),
		Key:       params.Key,
		Headers:   params.Headers,
		Timestamp: event.OccurredAt(),
		Payload:   event,
	}

	value, err := json.Marshal(envelope)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to marshal event envelope")
		return fmt.Errorf("marshalling event envelope: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Value: sarama.ByteEncoder(value),
	}
	if params.Key != "" {
		msg.Key = sarama.StringEncoder(params.Key)
	}
	for k, v := range params.Headers {
		msg.Headers = append(msg.Headers, sarama.RecordHeader{
			Key:   []byte(k),
			Value: []byte(v),
		})
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to publish event")
		return fmt.Errorf("publishing %s event: %w", event.EventType(), err)
	}

	span.SetAttributes(
		attribute.Int64("partition", int64(partition)),
		attribute.Int64("offset", offset),
	)
	p.logger.Debug(ctx, "Published domain event", "event_type", string(event.EventType()), "partition", partition, "offset", offset)
	return nil
}

// Close releases the underlying producer.
func (p *DomainEventPublisher) Close() error { return p.producer.Close() }
