package orders

import (
	"context"

	"ticketmarket/entity"
	"ticketmarket/pubsub/bus"
)

type Repository interface {
	// FindTickets returns the mirrored tickets among ticketIDs together with their owners' status.
	// Unknown ids are left out.
	FindTickets(ctx context.Context, ticketIDs []string) ([]entity.ReservableTicket, error)
	GetTicket(ctx context.Context, ticketID string) (entity.ReservableTicket, error)
	// AddTicket inserts a mirrored ticket and reports false when it already exists.
	AddTicket(ctx context.Context, ticket entity.Ticket) (bool, error)
	// UpdateTicket overwrites title, price and version if the stored version is expectedVersion.
	UpdateTicket(ctx context.Context, ticket entity.Ticket, expectedVersion int64) error
	// ClaimTicket sets the reservation owner if the ticket is free or held by a released order.
	// It reports whether the claim won.
	ClaimTicket(ctx context.Context, ticketID, orderID string) (bool, error)

	AddOrder(ctx context.Context, order entity.Order) error
	GetOrder(ctx context.Context, orderID string) (entity.Order, error)
	UpdateOrder(ctx context.Context, order entity.Order, expectedVersion int64) error
	ListOrders(ctx context.Context, userID string) ([]entity.Order, error)
}

type EventPublisher interface {
	Publish(ctx context.Context, eventType string, payload any, opts ...bus.PublishOption) error
}

// UnitOfWork runs fn atomically: repository changes and published events are kept together
// or dropped together.
type UnitOfWork interface {
	Do(ctx context.Context, fn func(ctx context.Context, repo Repository, events EventPublisher) error) error
}
