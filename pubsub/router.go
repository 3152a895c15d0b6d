package pubsub

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"ticketmarket/entity"
	"ticketmarket/pubsub/bus"
)

func NewWatermillRouter(watermillLogger watermill.LoggerAdapter) (*message.Router, error) {
	router, err := message.NewRouter(message.RouterConfig{}, watermillLogger)
	if err != nil {
		return nil, fmt.Errorf("could not create router: %w", err)
	}

	useMiddlewares(router, watermillLogger)

	return router, nil
}

// AddSubscriptions wires every subscription to the router through subscriber.
func AddSubscriptions(
	ctx context.Context,
	router *message.Router,
	subscriber bus.Subscriber,
	registry *bus.Registry,
	subscriptions ...bus.Subscription,
) error {
	for _, s := range subscriptions {
		if err := bus.Consume(ctx, router, subscriber, registry, s); err != nil {
			return err
		}
	}
	return nil
}

// NewRegistry returns the contracts of every event exchanged between services.
func NewRegistry() *bus.Registry {
	r := bus.NewRegistry()
	r.Register(entity.EventOrderCreated, entity.OrderCreated{})
	r.Register(entity.EventOrderStatusChanged, entity.OrderStatusChanged{})
	r.Register(entity.EventOrderExpired, entity.OrderExpired{})
	r.Register(entity.EventTicketCreated, entity.TicketCreated{})
	r.Register(entity.EventTicketUpdated, entity.TicketUpdated{})
	r.Register(entity.EventPaymentCreated, entity.PaymentCreated{})
	r.Register(entity.EventPaymentSucceeded, entity.PaymentSucceeded{})
	r.Register(entity.EventPaymentFailed, entity.PaymentFailed{})
	return r
}
