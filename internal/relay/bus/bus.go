// Package bus provides the topic-per-slot publish/subscribe fabric used for
// cross-instance routing. Delivery is at-least-once with explicit ack: a
// handler returning nil acks the message, a handler returning an error (e.g.
// decode failure) nacks it for redelivery.
package bus

import (
	"context"
	"errors"
)

// ErrPublish wraps any failure to hand a message to the bus. Callers fail
// fast on it rather than waiting out their deadline.
var ErrPublish = errors.New("bus publish failed")

// Handler processes one delivered message. Return nil to ack, an error to
// nack. Handlers may be invoked from bus-owned goroutines; implementations
// must not assume any particular scheduling context.
type Handler func(data []byte) error

// Subscription is an active topic subscription.
type Subscription interface {
	// Unsubscribe stops delivery and releases the subscription.
	Unsubscribe() error
}

// Bus is a topic-oriented publish/subscribe transport.
type Bus interface {
	// EnsureTopic creates the topic if it does not exist. Idempotent:
	// "already exists" is success.
	EnsureTopic(ctx context.Context, topic string) error

	// Subscribe attaches a handler to a topic. The topic must have been
	// ensured first.
	Subscribe(ctx context.Context, topic string, h Handler) (Subscription, error)

	// Publish sends data to a topic. The context bounds the attempt.
	Publish(ctx context.Context, topic string, data []byte) error

	// Close releases the bus connection.
	Close() error
}
