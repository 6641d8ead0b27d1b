// Package bus defines the topic-based publish/subscribe contract used to
// announce capability events across processes.
//
// A message is the pair [topic, json_body]. Subscribers name the exact
// topics they want; there is no wildcard matching. Delivery is at-least-once
// for every message published while a subscription is open, and unordered
// across topics; within one topic a subscription sees publish order. A slow
// subscriber never loses messages and never holds back other subscribers.
// Messages published before Subscribe returns are not delivered.
package bus

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/ggoodman/access-relay-go/internal/metrics"
)

// Topics published by this module.
const (
	TopicAuthenticationSessionCreated = "authentication-session-created"
	TopicAuthenticated                = "authenticated"
	TopicAccessCreated                = "access-created"
	TopicClientCreated                = "client-created"
	TopicClientUpdated                = "client-updated"
)

// Bus publishes messages and opens subscriptions.
type Bus interface {
	// Publish sends data to every current subscriber of topic. data must be
	// a UTF-8 JSON document.
	Publish(ctx context.Context, topic string, data []byte) error

	// Subscribe starts receiving messages for the given topics. The
	// subscription is live when Subscribe returns.
	Subscribe(ctx context.Context, topics ...string) (Subscription, error)
}

// Subscription provides ordered message consumption.
// Subscriptions are safe for use by a single consumer.
type Subscription interface {
	// Next blocks until the next message is available or ctx is cancelled.
	// Returns io.EOF once the subscription is closed.
	Next(ctx context.Context) (Message, error)

	// Close releases resources associated with this subscription.
	// After Close is called, Next returns io.EOF.
	Close() error
}

// Message is one delivered event.
type Message struct {
	Topic string `json:"topic"`
	// Data is the JSON-serialized event body.
	Data []byte `json:"data"`
}

// Decode unmarshals the message body into v.
func (m Message) Decode(v any) error { return json.Unmarshal(m.Data, v) }

// PublishJSON marshals v and publishes it on topic. Failures are logged
// and swallowed: notifications never fail the state change that caused
// them.
func PublishJSON(ctx context.Context, b Bus, log *slog.Logger, topic string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.ErrorContext(ctx, "bus.publish.marshal.fail", slog.String("topic", topic), slog.String("err", err.Error()))
		return
	}
	if err := b.Publish(ctx, topic, data); err != nil {
		log.ErrorContext(ctx, "bus.publish.fail", slog.String("topic", topic), slog.String("err", err.Error()))
		metrics.BusPublishFailures.WithLabelValues(topic).Inc()
		return
	}
	log.DebugContext(ctx, "bus.publish.ok", slog.String("topic", topic))
}
