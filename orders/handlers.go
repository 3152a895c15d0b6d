package orders

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/go-event-driven/common/log"
	"github.com/sirupsen/logrus"

	"ticketmarket/entity"
	"ticketmarket/pubsub/bus"
)

const (
	QueueTicketEvents  = "orders.ticket-events"
	QueuePaymentEvents = "orders.payment-events"
	QueueExpiration    = "orders.expiration"
)

func (s *Service) Subscriptions() []bus.Subscription {
	return []bus.Subscription{
		{
			Queue:    QueueTicketEvents,
			Exchange: bus.ExchangeEvents,
			Handlers: []bus.Handler{
				bus.NewHandler(entity.EventTicketCreated, s.OnTicketCreated),
				bus.NewHandler(entity.EventTicketUpdated, s.OnTicketUpdated),
			},
		},
		{
			Queue:    QueuePaymentEvents,
			Exchange: bus.ExchangeEvents,
			Handlers: []bus.Handler{
				bus.NewHandler(entity.EventPaymentCreated, s.OnPaymentCreated),
				bus.NewHandler(entity.EventPaymentSucceeded, s.OnPaymentSucceeded),
				bus.NewHandler(entity.EventPaymentFailed, s.OnPaymentFailed),
			},
		},
		{
			Queue:    QueueExpiration,
			Exchange: bus.ExchangeDelayed,
			Handlers: []bus.Handler{
				bus.NewHandler(entity.EventOrderExpired, s.OnOrderExpired),
			},
		},
	}
}

func (s *Service) OnTicketCreated(ctx context.Context, event *entity.TicketCreated) error {
	return s.uow.Do(ctx, func(ctx context.Context, repo Repository, _ EventPublisher) error {
		added, err := repo.AddTicket(ctx, entity.Ticket{
			ID:      event.TicketID,
			Title:   event.Title,
			Price:   event.Price,
			Version: event.Version,
		})
		if err != nil {
			return fmt.Errorf("could not mirror ticket %s: %w", event.TicketID, err)
		}
		if !added {
			log.FromContext(ctx).WithField("ticket_id", event.TicketID).Debug("Ticket already mirrored")
		}
		return nil
	})
}

// OnTicketUpdated applies inventory changes of title and price. The reservation owner is not
// copied: claims are made here and inventory only follows them.
func (s *Service) OnTicketUpdated(ctx context.Context, event *entity.TicketUpdated) error {
	return s.uow.Do(ctx, func(ctx context.Context, repo Repository, _ EventPublisher) error {
		current, err := repo.GetTicket(ctx, event.TicketID)
		if err != nil {
			return err
		}

		apply, err := entity.NextVersion("ticket", event.TicketID, current.Version, event.Version)
		if err != nil || !apply {
			return err
		}

		updated := current.Ticket
		updated.Title = event.Title
		updated.Price = event.Price
		updated.Version = event.Version

		return repo.UpdateTicket(ctx, updated, current.Version)
	})
}

func (s *Service) OnPaymentCreated(ctx context.Context, event *entity.PaymentCreated) error {
	_, _, err := s.transition(ctx, event.OrderID, entity.OrderTriggerPaymentStarted, transitionOptions{})
	return err
}

func (s *Service) OnPaymentSucceeded(ctx context.Context, event *entity.PaymentSucceeded) error {
	order, changed, err := s.transition(ctx, event.OrderID, entity.OrderTriggerPaymentSucceeded, transitionOptions{})
	if err != nil {
		return err
	}

	if !changed && order.Status != entity.OrderStatusPaid {
		// the money was taken for an order that is already closed; needs a refund by hand
		log.FromContext(ctx).WithFields(logrus.Fields{
			"order_id":   order.ID,
			"status":     order.Status,
			"payment_id": event.PaymentID,
		}).Warn("Payment succeeded for a closed order")
	}
	return nil
}

func (s *Service) OnPaymentFailed(ctx context.Context, event *entity.PaymentFailed) error {
	_, _, err := s.transition(ctx, event.OrderID, entity.OrderTriggerPaymentFailed, transitionOptions{})
	return err
}

func (s *Service) OnOrderExpired(ctx context.Context, event *entity.OrderExpired) error {
	return s.Expire(ctx, event.OrderID)
}
