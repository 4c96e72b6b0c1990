package queue

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jkaninda/sandboxq/internal/gcp"
	"github.com/jkaninda/sandboxq/internal/protocol"
	"github.com/jkaninda/sandboxq/internal/secrets"
)

// DefaultPubSubEndpoint is the public Pub/Sub REST root.
const DefaultPubSubEndpoint = "https://pubsub.googleapis.com"

// PubSubConfig names the topic and subscription. Topic and Subscription
// accept full resource paths or short names resolved against Project.
type PubSubConfig struct {
	Project      string
	Topic        string
	Subscription string
	Endpoint     string
}

// PubSub is a Publisher and Subscriber over the Pub/Sub REST API.
type PubSub struct {
	cfg    PubSubConfig
	client *gcp.Client
}

// NewPubSub creates a Pub/Sub binding. Configuration is checked lazily on
// each call so that a missing topic fails the dispatch that needs it.
func NewPubSub(cfg PubSubConfig, tokens secrets.TokenProvider, opts ...gcp.Option) *PubSub {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultPubSubEndpoint
	}
	return &PubSub{cfg: cfg, client: gcp.NewClient(endpoint, tokens, opts...)}
}

// TopicPath resolves the configured topic.
func (p *PubSub) TopicPath() (string, error) {
	if p.cfg.Topic == "" {
		return "", protocol.MissingConfig("SANDBOX_TOPIC")
	}
	return gcp.ResourceName(p.cfg.Project, "SANDBOX_PROJECT", "topics", p.cfg.Topic)
}

// CheckConfig reports a missing topic or project before anything is sent.
func (p *PubSub) CheckConfig() error {
	_, err := p.TopicPath()
	return err
}

// SubscriptionPath resolves the configured subscription.
func (p *PubSub) SubscriptionPath() (string, error) {
	if p.cfg.Subscription == "" {
		return "", protocol.MissingConfig("SANDBOX_SUBSCRIPTION")
	}
	return gcp.ResourceName(p.cfg.Project, "SANDBOX_PROJECT", "subscriptions", p.cfg.Subscription)
}

type pubsubMessage struct {
	Data        string            `json:"data"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	MessageID   string            `json:"messageId,omitempty"`
	PublishTime string            `json:"publishTime,omitempty"`
}

// Publish sends env as a single message with its filterable attributes.
func (p *PubSub) Publish(ctx context.Context, env *protocol.Envelope) (PublishResult, error) {
	topic, err := p.TopicPath()
	if err != nil {
		return PublishResult{}, err
	}
	data, err := protocol.Encode(env)
	if err != nil {
		return PublishResult{}, err
	}

	req := struct {
		Messages []pubsubMessage `json:"messages"`
	}{Messages: []pubsubMessage{{Data: data, Attributes: env.Attributes()}}}
	var resp struct {
		MessageIDs []string `json:"messageIds"`
	}
	if _, err := p.client.Do(ctx, "pubsub.publish", http.MethodPost, "/v1/"+topic+":publish", req, &resp); err != nil {
		return PublishResult{}, err
	}
	if len(resp.MessageIDs) == 0 || resp.MessageIDs[0] == "" {
		return PublishResult{}, fmt.Errorf("pubsub.publish: %w", protocol.ErrNoMessageID)
	}
	return PublishResult{MessageID: resp.MessageIDs[0]}, nil
}

// Pull fetches up to max messages without waiting for new ones.
func (p *PubSub) Pull(ctx context.Context, max int) ([]Received, error) {
	sub, err := p.SubscriptionPath()
	if err != nil {
		return nil, err
	}
	if max <= 0 {
		max = 1
	}

	req := struct {
		MaxMessages       int  `json:"maxMessages"`
		ReturnImmediately bool `json:"returnImmediately"`
	}{MaxMessages: max, ReturnImmediately: true}
	var resp struct {
		ReceivedMessages []struct {
			AckID           string        `json:"ackId"`
			Message         pubsubMessage `json:"message"`
			DeliveryAttempt int           `json:"deliveryAttempt"`
		} `json:"receivedMessages"`
	}
	if _, err := p.client.Do(ctx, "pubsub.pull", http.MethodPost, "/v1/"+sub+":pull", req, &resp); err != nil {
		return nil, err
	}

	out := make([]Received, 0, len(resp.ReceivedMessages))
	for _, rm := range resp.ReceivedMessages {
		r := Received{
			AckID:      rm.AckID,
			MessageID:  rm.Message.MessageID,
			Data:       rm.Message.Data,
			Attributes: rm.Message.Attributes,

			DeliveryAttempt: rm.DeliveryAttempt,
		}
		if rm.Message.PublishTime != "" {
			r.PublishTime, _ = time.Parse(time.RFC3339Nano, rm.Message.PublishTime)
		}
		out = append(out, r)
	}
	return out, nil
}

// Acknowledge removes the given deliveries from the subscription.
func (p *PubSub) Acknowledge(ctx context.Context, ackIDs []string) error {
	if len(ackIDs) == 0 {
		return nil
	}
	sub, err := p.SubscriptionPath()
	if err != nil {
		return err
	}
	req := struct {
		AckIDs []string `json:"ackIds"`
	}{AckIDs: ackIDs}
	_, err = p.client.Do(ctx, "pubsub.acknowledge", http.MethodPost, "/v1/"+sub+":acknowledge", req, nil)
	return err
}
