package inventory

import (
	"context"

	"ticketmarket/entity"
	"ticketmarket/pubsub/bus"
)

type Repository interface {
	AddTicket(ctx context.Context, ticket entity.Ticket) error
	GetTicket(ctx context.Context, ticketID string) (entity.Ticket, error)
	ListTickets(ctx context.Context) ([]entity.Ticket, error)
	// UpdateTicket stores ticket if the stored version is expectedVersion, otherwise ConflictError.
	UpdateTicket(ctx context.Context, ticket entity.Ticket, expectedVersion int64) error

	// MarkOrderReleased records that the order gave its tickets back for good.
	MarkOrderReleased(ctx context.Context, orderID string) error
	IsOrderReleased(ctx context.Context, orderID string) (bool, error)
}

type EventPublisher interface {
	Publish(ctx context.Context, eventType string, payload any, opts ...bus.PublishOption) error
}

type UnitOfWork interface {
	Do(ctx context.Context, fn func(ctx context.Context, repo Repository, events EventPublisher) error) error
}
