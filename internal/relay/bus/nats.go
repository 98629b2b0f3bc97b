package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/nats-io/nats.go"
)

const (
	// ackWait is how long the broker waits for an ack before redelivering.
	ackWait = 30 * time.Second
	// retention is how long undelivered messages are retained.
	retention = 600 * time.Second
)

// NATSBus is a Bus over NATS JetStream. One stream per slot topic, durable
// pull-free push consumers with explicit ack.
type NATSBus struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

// ConnectNATS dials the bus server, retrying with exponential backoff
// between 1s and 30s until the context is cancelled or retries run out.
func ConnectNATS(ctx context.Context, url string) (*NATSBus, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Second
	b.MaxInterval = 30 * time.Second
	b.Multiplier = 2.0
	b.RandomizationFactor = 0.2

	nc, err := backoff.Retry(ctx, func() (*nats.Conn, error) {
		return nats.Connect(url,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(5))
	if err != nil {
		return nil, fmt.Errorf("connect bus: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}
	return &NATSBus{nc: nc, js: js}, nil
}

// streamName maps a topic to a stream name the broker accepts.
func streamName(topic string) string {
	return strings.ToUpper(strings.ReplaceAll(topic, "-", "_"))
}

// EnsureTopic creates the stream backing a topic. Idempotent on startup:
// an existing stream is success.
func (b *NATSBus) EnsureTopic(ctx context.Context, topic string) error {
	_, err := b.js.AddStream(&nats.StreamConfig{
		Name:      streamName(topic),
		Subjects:  []string{topic},
		Retention: nats.LimitsPolicy,
		MaxAge:    retention,
		Storage:   nats.MemoryStorage,
	}, nats.Context(ctx))
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return fmt.Errorf("ensure topic %s: %w", topic, err)
	}
	return nil
}

type natsSub struct {
	sub *nats.Subscription
}

func (s *natsSub) Unsubscribe() error {
	return s.sub.Unsubscribe()
}

// Subscribe attaches a durable explicit-ack consumer to a topic. The
// delivery callback runs on a broker-owned goroutine; it invokes the handler
// and acks on success, nacks on failure so the message is redelivered.
func (b *NATSBus) Subscribe(ctx context.Context, topic string, h Handler) (Subscription, error) {
	durable := streamName(topic) + "_SUB"
	sub, err := b.js.Subscribe(topic, func(msg *nats.Msg) {
		if err := h(msg.Data); err != nil {
			slog.Warn("bus: handler rejected message", "topic", topic, "error", err)
			_ = msg.Nak()
			return
		}
		_ = msg.Ack()
	},
		nats.Durable(durable),
		nats.ManualAck(),
		nats.AckWait(ackWait),
		nats.DeliverNew(),
	)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return &natsSub{sub: sub}, nil
}

// Publish sends data to a topic, bounded by ctx.
func (b *NATSBus) Publish(ctx context.Context, topic string, data []byte) error {
	if _, err := b.js.Publish(topic, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrPublish, topic, err)
	}
	return nil
}

// Close drains and closes the connection.
func (b *NATSBus) Close() error {
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
		return err
	}
	return nil
}
