package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/ksuid"
	"go.jetify.com/typeid"

	"github.com/jkaninda/sandboxq/internal/protocol"
)

// DefaultAckDeadline is how long a pulled message stays invisible.
const DefaultAckDeadline = 30 * time.Second

type memMessage struct {
	id          string
	data        string
	attributes  map[string]string
	published   time.Time
	ackID       string    // Current delivery; empty when not in flight.
	invisibleTo time.Time // Redelivered after this instant.
	deliveries  int
}

// MemoryQueue is an in-process at-least-once queue. It implements both
// Publisher and Subscriber and is used for local runs and tests.
type MemoryQueue struct {
	mu          sync.Mutex
	messages    []*memMessage
	ackDeadline time.Duration
	now         func() time.Time
}

// NewMemoryQueue creates an empty queue. A zero deadline uses DefaultAckDeadline.
func NewMemoryQueue(ackDeadline time.Duration) *MemoryQueue {
	if ackDeadline <= 0 {
		ackDeadline = DefaultAckDeadline
	}
	return &MemoryQueue{ackDeadline: ackDeadline, now: time.Now}
}

func (q *MemoryQueue) Publish(ctx context.Context, env *protocol.Envelope) (PublishResult, error) {
	data, err := protocol.Encode(env)
	if err != nil {
		return PublishResult{}, err
	}
	return q.PublishRaw(ctx, data, env.Attributes())
}

// PublishRaw enqueues an already-encoded body. Used to replay captured
// messages and to inject malformed ones.
func (q *MemoryQueue) PublishRaw(ctx context.Context, data string, attributes map[string]string) (PublishResult, error) {
	if err := ctx.Err(); err != nil {
		return PublishResult{}, err
	}
	id, err := typeid.WithPrefix("msg")
	if err != nil {
		return PublishResult{}, fmt.Errorf("generating message id: %w", err)
	}

	attrs := make(map[string]string, len(attributes))
	for k, v := range attributes {
		attrs[k] = v
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.messages = append(q.messages, &memMessage{
		id:         id.String(),
		data:       data,
		attributes: attrs,
		published:  q.now().UTC(),
	})
	return PublishResult{MessageID: id.String()}, nil
}

func (q *MemoryQueue) Pull(ctx context.Context, max int) ([]Received, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if max <= 0 {
		max = 1
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var out []Received
	for _, m := range q.messages {
		if len(out) == max {
			break
		}
		if m.ackID != "" && now.Before(m.invisibleTo) {
			continue
		}
		m.ackID = ksuid.New().String()
		m.invisibleTo = now.Add(q.ackDeadline)
		m.deliveries++

		attrs := make(map[string]string, len(m.attributes))
		for k, v := range m.attributes {
			attrs[k] = v
		}
		out = append(out, Received{
			AckID:       m.ackID,
			MessageID:   m.id,
			Data:        m.data,
			Attributes:  attrs,
			PublishTime: m.published,

			DeliveryAttempt: m.deliveries,
		})
	}
	return out, nil
}

// Acknowledge removes messages whose current delivery matches an ack id.
// Ack ids from superseded deliveries are ignored.
func (q *MemoryQueue) Acknowledge(ctx context.Context, ackIDs []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ack := make(map[string]struct{}, len(ackIDs))
	for _, id := range ackIDs {
		ack[id] = struct{}{}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.messages[:0]
	for _, m := range q.messages {
		if _, ok := ack[m.ackID]; ok && m.ackID != "" {
			continue
		}
		kept = append(kept, m)
	}
	for i := len(kept); i < len(q.messages); i++ {
		q.messages[i] = nil
	}
	q.messages = kept
	return nil
}

// Len returns the number of unacknowledged messages.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}
