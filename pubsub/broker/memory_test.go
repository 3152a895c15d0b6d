package broker_test

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ticketmarket/entity"
	"ticketmarket/pubsub"
	"ticketmarket/pubsub/broker"
	"ticketmarket/pubsub/bus"
)

func TestMemoryExchange_routes_by_exchange_and_routing_key(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	exchange := broker.NewMemoryExchange(watermill.NopLogger{})
	defer exchange.Close()

	require.NoError(t, exchange.Bind(ctx, bus.Binding{
		Queue:       "inventory.order-events",
		Exchange:    bus.ExchangeEvents,
		RoutingKeys: []string{entity.EventOrderCreated},
	}))
	require.NoError(t, exchange.Bind(ctx, bus.Binding{
		Queue:       "orders.expiration",
		Exchange:    bus.ExchangeDelayed,
		RoutingKeys: []string{entity.EventOrderExpired},
	}))

	orderEvents, err := exchange.Subscribe(ctx, "inventory.order-events")
	require.NoError(t, err)
	expirations, err := exchange.Subscribe(ctx, "orders.expiration")
	require.NoError(t, err)

	publisher := bus.NewPublisher(exchange, pubsub.NewRegistry(), "orders")

	err = publisher.Publish(ctx, entity.EventOrderCreated, entity.OrderCreated{
		OrderID:    "order-1",
		UserID:     "user-1",
		Tickets:    []entity.OrderTicket{{TicketID: "ticket-1", Price: 100}},
		TotalPrice: 100,
		ExpiresAt:  time.Now().Add(time.Minute),
		Status:     entity.OrderStatusCreated,
	})
	require.NoError(t, err)

	msg := receive(t, orderEvents)
	env, err := bus.ParseEnvelope(msg.Payload)
	require.NoError(t, err)
	assert.Equal(t, entity.EventOrderCreated, env.Metadata.EventType)
	assert.Equal(t, "orders", env.Metadata.SourceService)
	assert.Equal(t, msg.UUID, env.Metadata.EventID)
	msg.Ack()

	// an undelayed order.expired must not reach a queue bound on the delayed exchange
	err = publisher.Publish(ctx, entity.EventOrderExpired, entity.OrderExpired{OrderID: "order-1"})
	require.NoError(t, err)
	assertNothingReceived(t, expirations, 100*time.Millisecond)
}

func TestMemoryExchange_delayed_delivery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	exchange := broker.NewMemoryExchange(watermill.NopLogger{})
	defer exchange.Close()

	require.NoError(t, exchange.Bind(ctx, bus.Binding{
		Queue:       "orders.expiration",
		Exchange:    bus.ExchangeDelayed,
		RoutingKeys: []string{entity.EventOrderExpired},
	}))

	expirations, err := exchange.Subscribe(ctx, "orders.expiration")
	require.NoError(t, err)

	publisher := bus.NewPublisher(exchange, pubsub.NewRegistry(), "orders")

	publishedAt := time.Now()
	err = publisher.Publish(ctx, entity.EventOrderExpired, entity.OrderExpired{OrderID: "order-1"}, bus.WithDelay(200*time.Millisecond))
	require.NoError(t, err)

	msg := receive(t, expirations)
	assert.GreaterOrEqual(t, time.Since(publishedAt), 200*time.Millisecond)
	msg.Ack()
}

func TestMemoryExchange_publish_after_close(t *testing.T) {
	exchange := broker.NewMemoryExchange(watermill.NopLogger{})
	require.NoError(t, exchange.Close())

	err := exchange.Publish("order.created", message.NewMessage(watermill.NewUUID(), []byte("{}")))
	assert.ErrorIs(t, err, broker.ErrNotConnected)
}

func receive(t *testing.T, messages <-chan *message.Message) *message.Message {
	t.Helper()

	select {
	case msg := <-messages:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("no message received")
		return nil
	}
}

func assertNothingReceived(t *testing.T, messages <-chan *message.Message, wait time.Duration) {
	t.Helper()

	select {
	case msg := <-messages:
		t.Fatalf("unexpected message %s", msg.UUID)
	case <-time.After(wait):
	}
}
