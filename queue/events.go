package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/streadway/amqp"

	"feedbackcore.org/common"
	"feedbackcore.org/config"
)

// Batch lifecycle event types.
const (
	EventBatchReceived = "batch.received"
	EventBatchComplete = "batch.complete"
	EventBatchFailed   = "batch.failed"
	EventJobDead       = "job.dead"
)

// Event is one batch lifecycle notification published to the durable
// events queue for downstream consumers.
type Event struct {
	Type       string    `json:"type"`
	BatchID    uuid.UUID `json:"batch_id"`
	Source     string    `json:"source,omitempty"`
	Count      int       `json:"count,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// EventPublisher publishes batch lifecycle events. Nil-safe: a nil
// publisher silently drops events, which is the behaviour when no
// broker is configured.
type EventPublisher struct {
	connection AMQPConnection
	channel    AMQPChannel
	queueName  string
}

// NewEventPublisher connects to the broker and declares the durable
// events queue. Returns nil with no error when cfg.URL is empty.
func NewEventPublisher(cfg config.EventsConfig) (*EventPublisher, error) {
	if cfg.URL == "" {
		return nil, nil
	}
	return NewEventPublisherWithDialer(cfg, &RealAMQPDialer{})
}

// NewEventPublisherWithDialer allows injecting a dialer for tests.
func NewEventPublisherWithDialer(cfg config.EventsConfig, dialer AMQPDialer) (*EventPublisher, error) {
	conn, err := dialer.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to event broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	// Durable so events survive broker restarts.
	if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare events queue: %w", err)
	}

	return &EventPublisher{connection: conn, channel: ch, queueName: cfg.Queue}, nil
}

// Publish serialises the event and sends it to the events queue.
// Publishing failures are logged and swallowed; lifecycle events are
// best-effort and never fail the pipeline.
func (p *EventPublisher) Publish(event Event) {
	if p == nil {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	body, err := json.Marshal(event)
	if err != nil {
		common.Logger.WithError(err).Error("failed to marshal event")
		return
	}

	err = p.channel.Publish("", p.queueName, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
	if err != nil {
		common.Logger.WithError(err).WithField("type", event.Type).Error("failed to publish event")
		return
	}
	common.Logger.WithFields(map[string]interface{}{
		"type":     event.Type,
		"batch_id": event.BatchID,
	}).Debug("published batch event")
}

// Close releases the channel and connection.
func (p *EventPublisher) Close() error {
	if p == nil {
		return nil
	}
	if p.channel != nil {
		p.channel.Close()
	}
	if p.connection != nil {
		p.connection.Close()
	}
	return nil
}
