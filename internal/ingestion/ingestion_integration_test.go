package ingestion

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"dexledger/internal/core"
	"dexledger/internal/event"
	"dexledger/internal/testutil"
)

func connectTestNATS(t *testing.T) jetstream.JetStream {
	t.Helper()

	nc, js, err := ConnectNATS(testutil.TestNATSURL())
	if err != nil {
		t.Skipf("test nats not available: %v (start with: docker compose -f docker-compose.test.yml up -d)", err)
	}
	t.Cleanup(nc.Close)
	return js
}

func purgeStream(t *testing.T, ctx context.Context, js jetstream.JetStream, name string) {
	t.Helper()
	stream, err := js.Stream(ctx, name)
	if err != nil {
		t.Fatalf("stream %s: %v", name, err)
	}
	if err := stream.Purge(ctx); err != nil {
		t.Fatalf("purge %s: %v", name, err)
	}
}

func TestCommandRoundTripOverNATS(t *testing.T) {
	testutil.RequireIntegration(t)
	js := connectTestNATS(t)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := EnsureStreams(ctx, js); err != nil {
		t.Fatalf("ensure streams: %v", err)
	}
	purgeStream(t, ctx, js, "DEX_COMMANDS")

	commandChan := make(chan RawCommand, 1)
	sub := NewNATSSubscriber(js, commandChan)
	if err := sub.Subscribe(ctx, DefaultSubjects()); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Stop()

	body := `{
		"request_id": "11111111-2222-3333-4444-555555555555",
		"account":    "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee",
		"asset":      "OMG",
		"amount":     "250"
	}`
	if _, err := js.Publish(ctx, "dex.cmd.deposit", []byte(body)); err != nil {
		t.Fatalf("publish command: %v", err)
	}

	var raw RawCommand
	select {
	case raw = <-commandChan:
	case <-ctx.Done():
		t.Fatal("timed out waiting for command delivery")
	}

	if raw.Subject != "dex.cmd.deposit" {
		t.Fatalf("subject = %q, want dex.cmd.deposit", raw.Subject)
	}

	cmd, err := ParseRawCommand(raw, "Deposit")
	if err != nil {
		t.Fatalf("parse delivered command: %v", err)
	}
	dep, ok := cmd.(core.DepositCmd)
	if !ok {
		t.Fatalf("parsed command type = %T, want core.DepositCmd", cmd)
	}
	if dep.Asset != "OMG" || dep.Amount.Dec() != "250" {
		t.Fatalf("parsed deposit = %s %s, want OMG 250", dep.Asset, dep.Amount.Dec())
	}
	raw.AckFunc()
}

func TestOutboundPublishToEventStream(t *testing.T) {
	testutil.RequireIntegration(t)
	js := connectTestNATS(t)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := EnsureOutboundStream(ctx, js); err != nil {
		t.Fatalf("ensure outbound stream: %v", err)
	}
	purgeStream(t, ctx, js, "DEX_EVENTS")

	publishChan := make(chan PublishableEvent, 1)
	pub := NewOutboundPublisher(js, publishChan)

	runCtx, stopPub := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		pub.Run(runCtx)
		close(done)
	}()

	publishChan <- PublishableEvent{
		Sequence:       7,
		RecordType:     event.RecordTypeTrade,
		Type:           event.RecordTypeTrade.String(),
		IdempotencyKey: "deadbeef-0000-0000-0000-000000000007",
		Payload:        json.RawMessage(`{"order_id":3}`),
		StateHash:      []byte{1, 2, 3},
		Timestamp:      time.Now().UTC(),
	}

	consumer, err := js.CreateOrUpdateConsumer(ctx, "DEX_EVENTS", jetstream.ConsumerConfig{
		FilterSubject: "dex.events." + event.RecordTypeTrade.Subject(),
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		t.Fatalf("create consumer: %v", err)
	}

	msgs, err := consumer.Fetch(1, jetstream.FetchMaxWait(10*time.Second))
	if err != nil {
		t.Fatalf("fetch published event: %v", err)
	}

	var got PublishableEvent
	fetched := false
	for msg := range msgs.Messages() {
		if err := json.Unmarshal(msg.Data(), &got); err != nil {
			t.Fatalf("unmarshal published event: %v", err)
		}
		msg.Ack()
		fetched = true
	}
	if err := msgs.Error(); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !fetched {
		t.Fatal("no event arrived on dex.events.trade")
	}

	if got.Sequence != 7 || got.Type != event.RecordTypeTrade.String() {
		t.Fatalf("published event = seq %d type %q, want seq 7 type %q",
			got.Sequence, got.Type, event.RecordTypeTrade.String())
	}

	stopPub()
	<-done
}
