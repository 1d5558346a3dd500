// Package lifecycle publishes and subscribes to engine completion events
// over Kafka: additive coordination plumbing that lets a downstream engine
// react to an upstream engine's run instead of only polling a cron
// schedule. It is never a required data path — every engine remains
// independently invocable without it.
package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"cortexmem/internal/observability"
)

// Event is one engine's completion record.
type Event struct {
	Engine    string         `json:"engine"`
	SessionID string         `json:"session_id"`
	Stats     map[string]any `json:"stats"`
	Timestamp time.Time      `json:"timestamp"`
}

// Producer publishes completion events to the lifecycle topic.
type Producer struct {
	writer *kafka.Writer
}

// NewProducer constructs a producer against the given brokers/topic.
func NewProducer(brokers []string, topic string) *Producer {
	return &Producer{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
	}}
}

// Publish writes one lifecycle event, keyed by session id so consumers can
// partition by session.
func (p *Producer) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("lifecycle: marshal event: %w", err)
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.SessionID),
		Value: payload,
		Time:  ev.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("lifecycle: publish event: %w", err)
	}
	return nil
}

// Close releases the underlying writer.
func (p *Producer) Close() error {
	return p.writer.Close()
}

// Trigger subscribes to the lifecycle topic and invokes handler for every
// event matching the given engine name, letting a downstream engine fire
// on upstream completion.
type Trigger struct {
	reader *kafka.Reader
}

// NewTrigger constructs a consumer-group reader against the given
// brokers/topic/group.
func NewTrigger(brokers []string, topic, groupID string) *Trigger {
	return &Trigger{reader: kafka.NewReader(kafka.ReaderConfig{
		Brokers: brokers,
		Topic:   topic,
		GroupID: groupID,
	})}
}

// Run blocks, dispatching each matching event to handler, until ctx is
// canceled or reading fails unrecoverably. A handler error is logged and
// does not stop the loop.
func (t *Trigger) Run(ctx context.Context, upstreamEngine string, handler func(context.Context, Event) error) error {
	log := observability.LoggerWithTrace(ctx)
	for {
		msg, err := t.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("lifecycle: read message: %w", err)
		}
		var ev Event
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			log.Warn().Err(err).Msg("lifecycle_trigger_invalid_event")
			continue
		}
		if ev.Engine != upstreamEngine {
			continue
		}
		if err := handler(ctx, ev); err != nil {
			log.Warn().Err(err).Str("engine", ev.Engine).Str("session_id", ev.SessionID).Msg("lifecycle_trigger_handler_failed")
		}
	}
}

// Close releases the underlying reader.
func (t *Trigger) Close() error {
	return t.reader.Close()
}
