package bus

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/go-event-driven/common/log"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/sirupsen/logrus"

	"ticketmarket/metrics"
)

// Binding declares a durable queue and the routing keys it receives on an exchange.
type Binding struct {
	Queue       string
	Exchange    string
	RoutingKeys []string
}

// Subscriber is a message.Subscriber whose queues are declared explicitly before consuming.
type Subscriber interface {
	message.Subscriber
	Bind(ctx context.Context, binding Binding) error
}

// Consume declares the subscription's queue and registers a router handler dispatching on event type.
// Undecodable messages are acked and dropped; handler errors nack the message for redelivery.
func Consume(
	ctx context.Context,
	router *message.Router,
	subscriber Subscriber,
	registry *Registry,
	subscription Subscription,
) error {
	if subscription.Queue == "" {
		return fmt.Errorf("subscription has no queue")
	}
	if len(subscription.Handlers) == 0 {
		return fmt.Errorf("subscription %s has no handlers", subscription.Queue)
	}

	handlers := make(map[string]Handler, len(subscription.Handlers))
	for _, h := range subscription.Handlers {
		if _, ok := handlers[h.EventType()]; ok {
			return fmt.Errorf("queue %s has two handlers for %s", subscription.Queue, h.EventType())
		}
		if err := registry.check(h.EventType(), h.payloadType()); err != nil {
			return fmt.Errorf("queue %s: %w", subscription.Queue, err)
		}
		handlers[h.EventType()] = h
	}

	err := subscriber.Bind(ctx, Binding{
		Queue:       subscription.Queue,
		Exchange:    subscription.Exchange,
		RoutingKeys: subscription.RoutingKeys(),
	})
	if err != nil {
		return fmt.Errorf("could not bind queue %s: %w", subscription.Queue, err)
	}

	d := dispatcher{
		queue:    subscription.Queue,
		registry: registry,
		handlers: handlers,
	}
	router.AddNoPublisherHandler(subscription.Queue, subscription.Queue, subscriber, d.handle)

	return nil
}

type dispatcher struct {
	queue    string
	registry *Registry
	handlers map[string]Handler
}

func (d dispatcher) handle(msg *message.Message) error {
	ctx := msg.Context()
	logger := log.FromContext(ctx).WithFields(logrus.Fields{
		"queue":      d.queue,
		"message_id": msg.UUID,
	})

	env, err := ParseEnvelope(msg.Payload)
	if err != nil {
		d.drop(logger, "malformed", err)
		return nil
	}
	logger = logger.WithField("event_type", env.Metadata.EventType)

	h, ok := d.handlers[env.Metadata.EventType]
	if !ok {
		d.drop(logger, "unknown_event_type", UnknownEventTypeError{EventType: env.Metadata.EventType})
		return nil
	}

	payload, err := d.registry.Decode(env.Metadata.EventType, env.Data)
	if err != nil {
		d.drop(logger, "invalid_payload", err)
		return nil
	}

	if env.Metadata.CorrelationID != "" && msg.Metadata.Get(MetadataCorrelationID) == "" {
		ctx = log.ContextWithCorrelationID(ctx, env.Metadata.CorrelationID)
	}

	return h.Handle(log.ToContext(ctx, logger), payload)
}

func (d dispatcher) drop(logger *logrus.Entry, reason string, err error) {
	metrics.MessagesDropped.WithLabelValues(d.queue, reason).Inc()
	logger.WithError(err).WithField("reason", reason).Warn("Dropping message")
}
