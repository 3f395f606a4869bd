package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

// ConnectionsDetectedEvent is published after a detect_connections or
// reprocess_connections job finishes, for out-of-process notification
// (e.g. a UI pushing a live update). This is a best-effort side channel,
// not a delivery mechanism for the job queue itself — Postgres remains
// authoritative for job state, and a publish failure never fails the job.
type ConnectionsDetectedEvent struct {
	UserID          string    `json:"user_id"`
	JobID           uuid.UUID `json:"job_id"`
	DocumentIDs     []string  `json:"document_ids"`
	ConnectionCount int       `json:"connection_count"`
	Timestamp       time.Time `json:"timestamp"`
}

// EventPublisher writes worker completion events to Kafka. A nil
// *EventPublisher is valid and every method becomes a no-op, so handlers
// can hold one unconditionally whether or not Kafka is configured.
type EventPublisher struct {
	writer *kafka.Writer
}

// NewEventPublisher builds a publisher against the given brokers/topic.
func NewEventPublisher(brokers []string, topic string) *EventPublisher {
	return &EventPublisher{writer: &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.LeastBytes{},
	}}
}

// PublishConnectionsDetected writes one event. Errors are logged, never
// returned, so a Kafka outage cannot fail the job it reports on.
func (p *EventPublisher) PublishConnectionsDetected(ctx context.Context, ev ConnectionsDetectedEvent) {
	if p == nil || p.writer == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Warn().Err(err).Msg("kafka_event_marshal_failed")
		return
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{Value: payload, Time: time.Now()}); err != nil {
		log.Warn().Err(err).Msg("kafka_event_publish_failed")
	}
}

// Close shuts down the writer. Safe to call on a nil *EventPublisher.
func (p *EventPublisher) Close() {
	if p == nil || p.writer == nil {
		return
	}
	if err := p.writer.Close(); err != nil {
		log.Warn().Err(err).Msg("kafka_writer_close_failed")
	}
}
