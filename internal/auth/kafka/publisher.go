// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 authkeep Contributors

// Package kafka publishes authentication events to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
	"github.com/samber/oops"
	"go.opentelemetry.io/otel/trace"

	"github.com/authkeep/authkeep/internal/auth"
)

// DefaultTopic receives authentication events when no topic is configured.
const DefaultTopic = "authkeep.authentication"

const schemaVersion = "1"

// Config holds producer settings.
type Config struct {
	Brokers  []string `koanf:"brokers"`
	Topic    string   `koanf:"topic"`
	ClientID string   `koanf:"client_id"`
}

type envelope struct {
	EventID     string    `json:"event_id"`
	EventType   string    `json:"event_type"`
	AccountID   string    `json:"account_id,omitempty"`
	Outcome     string    `json:"outcome"`
	Fingerprint string    `json:"fingerprint"`
	OccurredAt  time.Time `json:"occurred_at"`
	Version     string    `json:"version"`
	TraceID     string    `json:"trace_id,omitempty"`
}

// EventPublisher is an auth.EventLog that writes each event to Kafka,
// keyed by account so one account's events stay ordered.
type EventPublisher struct {
	producer sarama.SyncProducer
	topic    string
	logger   *slog.Logger
}

// NewProducerConfig returns the sarama configuration used by NewEventPublisher.
func NewProducerConfig(clientID string) *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V3_5_0_0
	if clientID != "" {
		cfg.ClientID = clientID
	}
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	cfg.Producer.Compression = sarama.CompressionSnappy
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Metadata.Retry.Max = 3
	cfg.Metadata.Retry.Backoff = 250 * time.Millisecond
	return cfg
}

// NewEventPublisher connects a synchronous producer to cfg.Brokers.
func NewEventPublisher(cfg Config, logger *slog.Logger) (*EventPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, oops.Code("KAFKA_CONFIG_INVALID").Errorf("at least one broker is required")
	}
	producer, err := sarama.NewSyncProducer(cfg.Brokers, NewProducerConfig(cfg.ClientID))
	if err != nil {
		return nil, oops.Code("KAFKA_CONNECT_FAILED").
			With("brokers", cfg.Brokers).
			Wrapf(err, "create kafka producer")
	}
	return NewEventPublisherWithProducer(producer, cfg.Topic, logger), nil
}

// NewEventPublisherWithProducer wraps an existing producer.
func NewEventPublisherWithProducer(producer sarama.SyncProducer, topic string, logger *slog.Logger) *EventPublisher {
	if topic == "" {
		topic = DefaultTopic
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("kafka event publisher initialized", "topic", topic)
	return &EventPublisher{producer: producer, topic: topic, logger: logger}
}

// Append publishes event and waits for the broker acknowledgement.
func (p *EventPublisher) Append(ctx context.Context, event *auth.AuthenticationEvent) error {
	if event == nil {
		return oops.Code(auth.CodeInvalidInput).Errorf("event cannot be nil")
	}
	if err := ctx.Err(); err != nil {
		return oops.Code("KAFKA_PUBLISH_FAILED").Wrap(err)
	}

	env := envelope{
		EventID:     event.ID.String(),
		EventType:   "authentication." + event.Outcome.String(),
		Outcome:     event.Outcome.String(),
		Fingerprint: event.Fingerprint,
		OccurredAt:  event.OccurredAt.UTC(),
		Version:     schemaVersion,
	}
	key := event.ID.String()
	if event.AccountID != nil {
		env.AccountID = event.AccountID.String()
		key = env.AccountID
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		env.TraceID = sc.TraceID().String()
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return oops.Code("KAFKA_ENCODE_FAILED").With("event_id", env.EventID).Wrap(err)
	}

	partition, offset, err := p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(env.EventType)},
		},
	})
	if err != nil {
		return oops.Code("KAFKA_PUBLISH_FAILED").
			With("event_id", env.EventID).
			With("topic", p.topic).
			Wrap(err)
	}
	p.logger.DebugContext(ctx, "authentication event published",
		"event_id", env.EventID,
		"partition", partition,
		"offset", offset)
	return nil
}

// Close flushes and closes the producer.
func (p *EventPublisher) Close() error {
	if err := p.producer.Close(); err != nil {
		return oops.Code("KAFKA_CLOSE_FAILED").Wrap(err)
	}
	return nil
}

var _ auth.EventLog = (*EventPublisher)(nil)
