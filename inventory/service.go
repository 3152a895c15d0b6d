package inventory

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/go-event-driven/common/log"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"ticketmarket/entity"
	"ticketmarket/pubsub/bus"
)

const QueueOrderEvents = "inventory.order-events"

type Service struct {
	uow   UnitOfWork
	newID func() string
}

func NewService(uow UnitOfWork) *Service {
	if uow == nil {
		panic("missing unit of work")
	}

	return &Service{uow: uow, newID: uuid.NewString}
}

func (s *Service) Subscriptions() []bus.Subscription {
	return []bus.Subscription{
		{
			Queue:    QueueOrderEvents,
			Exchange: bus.ExchangeEvents,
			Handlers: []bus.Handler{
				bus.NewHandler(entity.EventOrderCreated, s.OnOrderCreated),
				bus.NewHandler(entity.EventOrderStatusChanged, s.OnOrderStatusChanged),
			},
		},
	}
}

func (s *Service) CreateTicket(ctx context.Context, title string, price int64) (entity.Ticket, error) {
	ticket, err := entity.NewTicket(s.newID(), title, price)
	if err != nil {
		return entity.Ticket{}, err
	}

	err = s.uow.Do(ctx, func(ctx context.Context, repo Repository, events EventPublisher) error {
		if err := repo.AddTicket(ctx, ticket); err != nil {
			return fmt.Errorf("could not add ticket: %w", err)
		}

		return events.Publish(ctx, entity.EventTicketCreated, entity.TicketCreated{
			TicketID: ticket.ID,
			Title:    ticket.Title,
			Price:    ticket.Price,
			Version:  ticket.Version,
		})
	})
	if err != nil {
		return entity.Ticket{}, err
	}

	log.FromContext(ctx).WithField("ticket_id", ticket.ID).Info("Ticket created")
	return ticket, nil
}

func (s *Service) GetTicket(ctx context.Context, ticketID string) (entity.Ticket, error) {
	var ticket entity.Ticket
	err := s.uow.Do(ctx, func(ctx context.Context, repo Repository, _ EventPublisher) error {
		var err error
		ticket, err = repo.GetTicket(ctx, ticketID)
		return err
	})
	return ticket, err
}

func (s *Service) ListTickets(ctx context.Context) ([]entity.Ticket, error) {
	var tickets []entity.Ticket
	err := s.uow.Do(ctx, func(ctx context.Context, repo Repository, _ EventPublisher) error {
		var err error
		tickets, err = repo.ListTickets(ctx)
		return err
	})
	return tickets, err
}

type TicketUpdate struct {
	Title string `json:"title"`
	Price int64  `json:"price"`
	// ExpectedVersion guards against lost updates when set.
	ExpectedVersion *int64 `json:"version,omitempty"`
}

// UpdateTicket changes title and price of a ticket that is not reserved.
func (s *Service) UpdateTicket(ctx context.Context, ticketID string, update TicketUpdate) (entity.Ticket, error) {
	var updated entity.Ticket
	err := s.uow.Do(ctx, func(ctx context.Context, repo Repository, events EventPublisher) error {
		current, err := repo.GetTicket(ctx, ticketID)
		if err != nil {
			return err
		}
		if update.ExpectedVersion != nil && *update.ExpectedVersion != current.Version {
			return entity.ConflictError{
				Entity:   "ticket",
				ID:       ticketID,
				Expected: *update.ExpectedVersion,
				Actual:   current.Version,
			}
		}
		if current.IsReserved() {
			return entity.NewValidationError("ticket %s is reserved by order %s", ticketID, current.ReservationOwner)
		}

		next, err := entity.NewTicket(current.ID, update.Title, update.Price)
		if err != nil {
			return err
		}
		next.Version = current.Version + 1

		if err := repo.UpdateTicket(ctx, next, current.Version); err != nil {
			return err
		}
		updated = next
		return publishUpdated(ctx, events, next)
	})
	return updated, err
}

// OnOrderCreated locks every ticket of the order to it. Orders that were already released
// lock nothing. A ticket still held by another order is a conflict: that order's release
// has not been applied yet.
func (s *Service) OnOrderCreated(ctx context.Context, event *entity.OrderCreated) error {
	return s.uow.Do(ctx, func(ctx context.Context, repo Repository, events EventPublisher) error {
		released, err := repo.IsOrderReleased(ctx, event.OrderID)
		if err != nil {
			return fmt.Errorf("could not check order %s: %w", event.OrderID, err)
		}
		if released {
			log.FromContext(ctx).WithField("order_id", event.OrderID).Info("Order already released, not locking its tickets")
			return nil
		}

		for _, ot := range event.Tickets {
			ticket, err := repo.GetTicket(ctx, ot.TicketID)
			if err != nil {
				return err
			}
			if ticket.ReservationOwner == event.OrderID {
				continue
			}
			if ticket.ReservationOwner != "" {
				log.FromContext(ctx).WithFields(logrus.Fields{
					"ticket_id": ticket.ID,
					"owner":     ticket.ReservationOwner,
					"order_id":  event.OrderID,
				}).Warn("Ticket still held by another order")

				return entity.ConflictError{
					Entity:   "ticket",
					ID:       ticket.ID,
					Expected: ticket.Version,
					Actual:   ticket.Version,
					Reason:   "held by order " + ticket.ReservationOwner,
				}
			}

			if err := s.setOwner(ctx, repo, events, ticket, event.OrderID); err != nil {
				return err
			}
		}
		return nil
	})
}

// OnOrderStatusChanged releases tickets still held by an order that ended without payment.
func (s *Service) OnOrderStatusChanged(ctx context.Context, event *entity.OrderStatusChanged) error {
	if !event.Status.ReleasesTickets() {
		return nil
	}

	return s.uow.Do(ctx, func(ctx context.Context, repo Repository, events EventPublisher) error {
		if err := repo.MarkOrderReleased(ctx, event.OrderID); err != nil {
			return fmt.Errorf("could not mark order %s released: %w", event.OrderID, err)
		}

		for _, ot := range event.Tickets {
			ticket, err := repo.GetTicket(ctx, ot.TicketID)
			if err != nil {
				return err
			}
			if ticket.ReservationOwner != event.OrderID {
				// already released, or taken by a newer order
				continue
			}

			if err := s.setOwner(ctx, repo, events, ticket, ""); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Service) setOwner(ctx context.Context, repo Repository, events EventPublisher, ticket entity.Ticket, owner string) error {
	next := ticket
	next.ReservationOwner = owner
	next.Version = ticket.Version + 1

	if err := repo.UpdateTicket(ctx, next, ticket.Version); err != nil {
		return fmt.Errorf("could not update ticket %s: %w", ticket.ID, err)
	}
	return publishUpdated(ctx, events, next)
}

func publishUpdated(ctx context.Context, events EventPublisher, t entity.Ticket) error {
	return events.Publish(ctx, entity.EventTicketUpdated, entity.TicketUpdated{
		TicketID:         t.ID,
		Title:            t.Title,
		Price:            t.Price,
		ReservationOwner: t.ReservationOwner,
		Version:          t.Version,
	})
}
