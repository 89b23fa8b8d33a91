// Package broker consumes the human-handoff queue and feeds it into
// notification ingestion.
//
// A Supervisor owns one consumer session on a Transport (RabbitMQ or Kafka),
// processes deliveries strictly in order with manual acknowledgement, and
// reconnects with exponential backoff when the session breaks.
package broker

import (
	"context"
	"errors"
)

// ErrMalformed marks a message that can never be processed. It is rejected
// without requeue (AMQP) or committed past (Kafka).
var ErrMalformed = errors.New("malformed message")

// Handler processes one message body. A nil return acknowledges the message.
// ErrMalformed discards it. Any other error leaves it unacknowledged and ends
// the session so the broker redelivers it after reconnect.
type Handler func(ctx context.Context, body []byte) error

// Transport opens consumer sessions on a queue and publishes to queues.
type Transport interface {
	Name() string
	// Open connects and subscribes to queue, declaring it if needed.
	Open(ctx context.Context, queue string) (Session, error)
	Publish(ctx context.Context, queue string, body []byte) error
	Close() error
}

// Session is one live subscription.
type Session interface {
	// Serve delivers messages to h one at a time until the session breaks
	// (non-nil error) or ctx is done (nil).
	Serve(ctx context.Context, h Handler) error
	Close() error
}
