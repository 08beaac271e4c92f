package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"dexledger/internal/event"
)

const eventStream = "DEX_EVENTS"

// PublishableEvent is an applied record ready for outbound publishing on
// dex.events.{record_type}.
type PublishableEvent struct {
	Sequence       uint64           `json:"sequence"`
	RecordType     event.RecordType `json:"-"`
	Type           string           `json:"record_type"`
	IdempotencyKey string           `json:"idempotency_key"`
	Payload        json.RawMessage  `json:"payload"`
	StateHash      []byte           `json:"state_hash"`
	Timestamp      time.Time        `json:"timestamp"`
}

// FromEnvelope builds a PublishableEvent from a log envelope.
func FromEnvelope(env *event.Envelope) PublishableEvent {
	hash := make([]byte, len(env.StateHash))
	copy(hash, env.StateHash[:])
	return PublishableEvent{
		Sequence:       env.Sequence,
		RecordType:     env.RecordType,
		Type:           env.RecordType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Payload:        json.RawMessage(env.Payload),
		StateHash:      hash,
		Timestamp:      env.Timestamp,
	}
}

// OutboundPublisher drains applied records and publishes them for
// downstream consumers. Publish failures are logged and skipped; the event
// log in Postgres is the durable source, so consumers that miss a message
// can always re-read it there.
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan PublishableEvent
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan PublishableEvent) *OutboundPublisher {
	return &OutboundPublisher{js: js, inputChan: inputChan}
}

// Run loops until ctx is cancelled or the input channel closes.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-op.inputChan:
			if !ok {
				return nil
			}
			data, err := json.Marshal(evt)
			if err != nil {
				log.Printf("WARN: marshal outbound event seq=%d: %v", evt.Sequence, err)
				continue
			}
			subject := "dex.events." + evt.RecordType.Subject()
			if _, err := op.js.Publish(ctx, subject, data); err != nil {
				log.Printf("WARN: outbound publish failed seq=%d: %v", evt.Sequence, err)
			}
		}
	}
}

// EnsureOutboundStream provisions the events stream. Same storage and
// retention settings as the command stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      eventStream,
		Subjects:  []string{"dex.events.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	log.Printf("INFO: ensured outbound stream %s", eventStream)
	return nil
}
