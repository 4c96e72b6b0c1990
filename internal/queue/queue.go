// Package queue carries job envelopes from the dispatcher to the consumer.
// Delivery is at-least-once: a pulled message that is not acknowledged
// before its deadline is delivered again.
package queue

import (
	"context"
	"time"

	"github.com/jkaninda/sandboxq/internal/protocol"
)

// PublishResult identifies an accepted message.
type PublishResult struct {
	MessageID string
}

// Publisher enqueues an encoded envelope.
type Publisher interface {
	Publish(ctx context.Context, env *protocol.Envelope) (PublishResult, error)
}

// Received is one delivery of a message. AckID is specific to this delivery.
type Received struct {
	AckID       string
	MessageID   string
	Data        string // base64 of the JSON envelope, as published.
	Attributes  map[string]string
	PublishTime time.Time
	// DeliveryAttempt counts deliveries of this message, starting at 1.
	// Zero when the queue does not track it.
	DeliveryAttempt int
}

// Subscriber pulls and acknowledges messages.
type Subscriber interface {
	// Pull returns at most max messages. An empty result is not an error.
	Pull(ctx context.Context, max int) ([]Received, error)
	Acknowledge(ctx context.Context, ackIDs []string) error
}
