package inventory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ticketmarket/db/memory"
	"ticketmarket/entity"
	"ticketmarket/inventory"
	"ticketmarket/pubsub"
	"ticketmarket/pubsub/bus/bustest"
)

func newService(t *testing.T) (*inventory.Service, *bustest.Recorder) {
	t.Helper()

	recorder := bustest.NewRecorder(pubsub.NewRegistry())
	return inventory.NewService(memory.NewInventoryStore(recorder.Publisher("inventory"))), recorder
}

func orderCreated(orderID string, ticketIDs ...string) *entity.OrderCreated {
	event := &entity.OrderCreated{OrderID: orderID, UserID: "user-1", Status: entity.OrderStatusCreated}
	for _, id := range ticketIDs {
		event.Tickets = append(event.Tickets, entity.OrderTicket{TicketID: id, Price: 1000})
	}
	return event
}

func statusChanged(orderID string, status entity.OrderStatus, ticketIDs ...string) *entity.OrderStatusChanged {
	event := &entity.OrderStatusChanged{OrderID: orderID, UserID: "user-1", Status: status, Version: 1}
	for _, id := range ticketIDs {
		event.Tickets = append(event.Tickets, entity.OrderTicket{TicketID: id, Price: 1000})
	}
	return event
}

func TestCreateTicket(t *testing.T) {
	service, recorder := newService(t)
	ctx := context.Background()

	ticket, err := service.CreateTicket(ctx, "Concert", 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(0), ticket.Version)
	assert.False(t, ticket.IsReserved())

	events := recorder.Events(t)
	require.Len(t, events, 1)
	assert.Equal(t, entity.EventTicketCreated, events[0].Envelope.Metadata.EventType)
	assert.Equal(t, &entity.TicketCreated{
		TicketID: ticket.ID,
		Title:    "Concert",
		Price:    1000,
	}, events[0].Payload)

	_, err = service.CreateTicket(ctx, "Free", 0)
	assert.ErrorAs(t, err, &entity.ValidationError{})
	_, err = service.CreateTicket(ctx, " ", 100)
	assert.ErrorAs(t, err, &entity.ValidationError{})

	list, err := service.ListTickets(ctx)
	require.NoError(t, err)
	assert.Equal(t, []entity.Ticket{ticket}, list)
}

func TestOrderLifecycle_locks_and_releases_tickets(t *testing.T) {
	service, recorder := newService(t)
	ctx := context.Background()

	ticket, err := service.CreateTicket(ctx, "Concert", 1000)
	require.NoError(t, err)
	recorder.Reset()

	// redelivered order.created locks once
	for i := 0; i < 2; i++ {
		require.NoError(t, service.OnOrderCreated(ctx, orderCreated("order-1", ticket.ID)))
	}

	locked, err := service.GetTicket(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, "order-1", locked.ReservationOwner)
	assert.Equal(t, int64(1), locked.Version)

	// paid keeps the lock
	require.NoError(t, service.OnOrderStatusChanged(ctx, statusChanged("order-1", entity.OrderStatusPaid, ticket.ID)))
	require.NoError(t, service.OnOrderStatusChanged(ctx, statusChanged("order-1", entity.OrderStatusExpired, ticket.ID)))
	require.NoError(t, service.OnOrderStatusChanged(ctx, statusChanged("order-1", entity.OrderStatusExpired, ticket.ID)))

	released, err := service.GetTicket(ctx, ticket.ID)
	require.NoError(t, err)
	assert.False(t, released.IsReserved())
	assert.Equal(t, int64(2), released.Version)

	events := recorder.Events(t, entity.EventTicketUpdated)
	require.Len(t, events, 2)
	assert.Equal(t, "order-1", events[0].Payload.(*entity.TicketUpdated).ReservationOwner)
	assert.Equal(t, int64(1), events[0].Payload.(*entity.TicketUpdated).Version)
	assert.Empty(t, events[1].Payload.(*entity.TicketUpdated).ReservationOwner)
	assert.Equal(t, int64(2), events[1].Payload.(*entity.TicketUpdated).Version)
}

func TestOnOrderCreated_redelivered_for_released_order_keeps_new_owner(t *testing.T) {
	service, recorder := newService(t)
	ctx := context.Background()

	ticket, err := service.CreateTicket(ctx, "Concert", 1000)
	require.NoError(t, err)

	require.NoError(t, service.OnOrderCreated(ctx, orderCreated("order-A", ticket.ID)))
	require.NoError(t, service.OnOrderStatusChanged(ctx, statusChanged("order-A", entity.OrderStatusExpired, ticket.ID)))
	require.NoError(t, service.OnOrderCreated(ctx, orderCreated("order-B", ticket.ID)))
	recorder.Reset()

	// late copies of order-A's events
	require.NoError(t, service.OnOrderCreated(ctx, orderCreated("order-A", ticket.ID)))
	require.NoError(t, service.OnOrderStatusChanged(ctx, statusChanged("order-A", entity.OrderStatusExpired, ticket.ID)))

	stored, err := service.GetTicket(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, "order-B", stored.ReservationOwner)
	assert.Equal(t, int64(3), stored.Version)
	assert.Empty(t, recorder.Events(t))

	require.NoError(t, service.OnOrderStatusChanged(ctx, statusChanged("order-B", entity.OrderStatusCancelled, ticket.ID)))

	_, err = service.UpdateTicket(ctx, ticket.ID, inventory.TicketUpdate{Title: "Concert", Price: 1200})
	assert.NoError(t, err)
}

func TestOnOrderCreated_ticket_held_by_another_order_is_retried(t *testing.T) {
	service, recorder := newService(t)
	ctx := context.Background()

	free, err := service.CreateTicket(ctx, "Concert", 1000)
	require.NoError(t, err)
	held, err := service.CreateTicket(ctx, "Concert", 1000)
	require.NoError(t, err)

	require.NoError(t, service.OnOrderCreated(ctx, orderCreated("order-1", held.ID)))
	recorder.Reset()

	err = service.OnOrderCreated(ctx, orderCreated("order-2", free.ID, held.ID))
	var conflict entity.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, held.ID, conflict.ID)

	// the attempt is rolled back as a whole
	stored, err := service.GetTicket(ctx, free.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsReserved())
	assert.Empty(t, recorder.Events(t))

	require.NoError(t, service.OnOrderStatusChanged(ctx, statusChanged("order-1", entity.OrderStatusCancelled, held.ID)))
	require.NoError(t, service.OnOrderCreated(ctx, orderCreated("order-2", free.ID, held.ID)))

	for _, id := range []string{free.ID, held.ID} {
		stored, err := service.GetTicket(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "order-2", stored.ReservationOwner)
	}
}

func TestOnOrderCreated_after_release_locks_nothing(t *testing.T) {
	service, recorder := newService(t)
	ctx := context.Background()

	ticket, err := service.CreateTicket(ctx, "Concert", 1000)
	require.NoError(t, err)
	recorder.Reset()

	// the release overtook the creation
	require.NoError(t, service.OnOrderStatusChanged(ctx, statusChanged("order-1", entity.OrderStatusCancelled, ticket.ID)))
	require.NoError(t, service.OnOrderCreated(ctx, orderCreated("order-1", ticket.ID)))

	stored, err := service.GetTicket(ctx, ticket.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsReserved())
	assert.Equal(t, int64(0), stored.Version)
	assert.Empty(t, recorder.Events(t))
}

func TestOnOrderCreated_unknown_ticket_is_retried(t *testing.T) {
	service, recorder := newService(t)
	ctx := context.Background()

	ticket, err := service.CreateTicket(ctx, "Concert", 1000)
	require.NoError(t, err)
	recorder.Reset()

	err = service.OnOrderCreated(ctx, orderCreated("order-1", ticket.ID, "missing"))
	assert.ErrorAs(t, err, &entity.NotFoundError{})

	// nothing of the failed attempt is kept
	stored, err := service.GetTicket(ctx, ticket.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsReserved())
	assert.Empty(t, recorder.Events(t))
}

func TestUpdateTicket(t *testing.T) {
	service, recorder := newService(t)
	ctx := context.Background()

	ticket, err := service.CreateTicket(ctx, "Concert", 1000)
	require.NoError(t, err)
	recorder.Reset()

	stale := int64(5)
	_, err = service.UpdateTicket(ctx, ticket.ID, inventory.TicketUpdate{Title: "Concert", Price: 1200, ExpectedVersion: &stale})
	assert.ErrorAs(t, err, &entity.ConflictError{})

	updated, err := service.UpdateTicket(ctx, ticket.ID, inventory.TicketUpdate{Title: "Concert (late)", Price: 1200})
	require.NoError(t, err)
	assert.Equal(t, int64(1), updated.Version)
	assert.Equal(t, int64(1200), updated.Price)

	events := recorder.Events(t, entity.EventTicketUpdated)
	require.Len(t, events, 1)
	assert.Equal(t, int64(1), events[0].Payload.(*entity.TicketUpdated).Version)

	require.NoError(t, service.OnOrderCreated(ctx, orderCreated("order-1", ticket.ID)))

	_, err = service.UpdateTicket(ctx, ticket.ID, inventory.TicketUpdate{Title: "Concert", Price: 900})
	assert.ErrorAs(t, err, &entity.ValidationError{})

	_, err = service.UpdateTicket(ctx, "missing", inventory.TicketUpdate{Title: "Concert", Price: 900})
	assert.ErrorAs(t, err, &entity.NotFoundError{})
}
