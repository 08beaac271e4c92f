package ingestion

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const commandStream = "DEX_COMMANDS"

// RawCommand is an undecoded command message handed to the shell, which
// parses it into a core command before dispatch.
type RawCommand struct {
	Subject   string
	Data      []byte
	Timestamp time.Time
	AckFunc   func() // acknowledge after the command reached a final outcome
	NakFunc   func() // negative-ack for redelivery
}

// SubjectConfig binds one command subject to its type and durable consumer.
type SubjectConfig struct {
	Subject      string
	CommandType  string
	ConsumerName string
	StreamName   string
}

// DefaultSubjects returns the standard command subject configuration.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "dex.cmd.deposit", CommandType: "Deposit", ConsumerName: "dex-deposit", StreamName: commandStream},
		{Subject: "dex.cmd.withdraw", CommandType: "Withdraw", ConsumerName: "dex-withdraw", StreamName: commandStream},
		{Subject: "dex.cmd.order.create", CommandType: "CreateOrder", ConsumerName: "dex-order-create", StreamName: commandStream},
		{Subject: "dex.cmd.order.cancel", CommandType: "CancelOrder", ConsumerName: "dex-order-cancel", StreamName: commandStream},
		{Subject: "dex.cmd.order.fill", CommandType: "FillOrder", ConsumerName: "dex-order-fill", StreamName: commandStream},
	}
}

// NATSSubscriber feeds command messages from JetStream into the shell's
// command channel. NATS is the high-throughput ingestion surface; the HTTP
// API covers the rest.
type NATSSubscriber struct {
	js          jetstream.JetStream
	commandChan chan<- RawCommand
	consumers   []jetstream.ConsumeContext
}

func NewNATSSubscriber(js jetstream.JetStream, commandChan chan<- RawCommand) *NATSSubscriber {
	return &NATSSubscriber{js: js, commandChan: commandChan}
}

// Subscribe creates a durable consumer per configured subject and starts
// consuming. Explicit ACK, max_deliver 5, ack_wait 30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		cc, err := ns.consumeSubject(ctx, cfg)
		if err != nil {
			return err
		}
		ns.consumers = append(ns.consumers, cc)
		log.Printf("INFO: subscribed to %s (consumer=%s)", cfg.Subject, cfg.ConsumerName)
	}
	return nil
}

func (ns *NATSSubscriber) consumeSubject(ctx context.Context, cfg SubjectConfig) (jetstream.ConsumeContext, error) {
	consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
		Durable:       cfg.ConsumerName,
		FilterSubject: cfg.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		raw := RawCommand{
			Subject:   msg.Subject(),
			Data:      msg.Data(),
			Timestamp: time.Now(),
			AckFunc:   func() { msg.Ack() },
			NakFunc:   func() { msg.Nak() },
		}
		select {
		case ns.commandChan <- raw:
		case <-ctx.Done():
			msg.Nak()
		}
	})
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
	}
	return cc, nil
}

// Stop stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	log.Println("INFO: NATS subscribers stopped")
}

// EnsureStreams provisions the command stream. File storage, limits
// retention, 72h max age.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      commandStream,
		Subjects:  []string{"dex.cmd.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", commandStream, err)
	}
	log.Printf("INFO: ensured stream %s", commandStream)
	return nil
}

// ConnectNATS dials the server and returns the connection plus a JetStream
// handle. Reconnects forever with a 2s wait.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Printf("WARN: NATS disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Println("INFO: NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}
