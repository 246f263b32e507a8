package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"everlong/internal/core"
	"everlong/internal/observability"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// Rebalancer is the slice of the engine the control subscriber drives.
type Rebalancer interface {
	Rebalance(ctx context.Context, key string) error
	CanRebalance() bool
}

// RebalanceCommand is the message body on the control subject. The key
// makes keeper retries idempotent; an empty key gets one generated.
type RebalanceCommand struct {
	Key string `json:"key"`
}

// ControlSubscriber consumes rebalance commands from NATS. External
// keepers publish to everlong.control.rebalance instead of (or in
// addition to) calling the HTTP endpoint.
type ControlSubscriber struct {
	js       jetstream.JetStream
	engine   Rebalancer
	consumer jetstream.ConsumeContext
	log      zerolog.Logger
}

func NewControlSubscriber(js jetstream.JetStream, engine Rebalancer) *ControlSubscriber {
	return &ControlSubscriber{
		js:     js,
		engine: engine,
		log:    observability.NewLogger("control"),
	}
}

// EnsureControlStream creates the control stream. WorkQueue retention:
// each command is consumed exactly once.
func EnsureControlStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "EVERLONG_CONTROL",
		Subjects:  []string{"everlong.control.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.WorkQueuePolicy,
		MaxAge:    time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create control stream: %w", err)
	}
	return nil
}

// Subscribe creates the durable consumer and starts handling commands.
func (cs *ControlSubscriber) Subscribe(ctx context.Context) error {
	consumer, err := cs.js.CreateOrUpdateConsumer(ctx, "EVERLONG_CONTROL", jetstream.ConsumerConfig{
		Durable:       "everlong-rebalance",
		FilterSubject: "everlong.control.rebalance",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create control consumer: %w", err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		cs.handle(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("consume control: %w", err)
	}

	cs.consumer = cc
	return nil
}

func (cs *ControlSubscriber) handle(ctx context.Context, msg jetstream.Msg) {
	var cmd RebalanceCommand
	if len(msg.Data()) > 0 {
		if err := json.Unmarshal(msg.Data(), &cmd); err != nil {
			cs.log.Warn().Err(err).Msg("malformed rebalance command")
			msg.Ack() // Poison message, never redeliver
			return
		}
	}

	if !cs.engine.CanRebalance() {
		msg.Ack()
		return
	}

	err := cs.engine.Rebalance(ctx, cmd.Key)
	switch {
	case err == nil:
		msg.Ack()
	case errors.Is(err, core.ErrDuplicateOperation):
		msg.Ack() // Already executed, retry delivered twice
	default:
		cs.log.Warn().Str("key", cmd.Key).Err(err).Msg("rebalance command failed")
		msg.Nak()
	}
}

// Stop gracefully stops the consumer.
func (cs *ControlSubscriber) Stop() {
	if cs.consumer != nil {
		cs.consumer.Stop()
	}
}
