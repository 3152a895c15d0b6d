package orders

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ThreeDotsLabs/go-event-driven/common/log"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"ticketmarket/entity"
	"ticketmarket/metrics"
	"ticketmarket/pubsub/bus"
)

const DefaultOrderTTL = 15 * time.Minute

type Config struct {
	OrderTTL time.Duration
	Now      func() time.Time
	NewID    func() string
}

type Service struct {
	uow   UnitOfWork
	ttl   time.Duration
	now   func() time.Time
	newID func() string
}

func NewService(uow UnitOfWork, config Config) *Service {
	if uow == nil {
		panic("missing unit of work")
	}
	if config.OrderTTL <= 0 {
		config.OrderTTL = DefaultOrderTTL
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.NewID == nil {
		config.NewID = uuid.NewString
	}

	return &Service{
		uow:   uow,
		ttl:   config.OrderTTL,
		now:   config.Now,
		newID: config.NewID,
	}
}

type TicketRequest struct {
	TicketID string `json:"ticketId"`
	// Price is optional; when set it must match the current ticket price.
	Price int64 `json:"price,omitempty"`
}

type Reservation struct {
	Order              entity.Order         `json:"order"`
	ReservedTickets    []entity.OrderTicket `json:"reservedTickets"`
	UnavailableTickets []string             `json:"unavailableTickets"`
	NotFoundTickets    []string             `json:"notFoundTickets"`
}

func validateTicketRequests(userID string, requested []TicketRequest) error {
	if userID == "" {
		return entity.NewValidationError("user id must be set")
	}
	if len(requested) == 0 {
		return entity.NewValidationError("at least one ticket must be requested")
	}

	seen := make(map[string]struct{}, len(requested))
	for _, r := range requested {
		if r.TicketID == "" {
			return entity.NewValidationError("ticket id must be set")
		}
		if r.Price < 0 {
			return entity.NewValidationError("price of ticket %s must not be negative", r.TicketID)
		}
		if _, ok := seen[r.TicketID]; ok {
			return entity.NewValidationError("ticket %s requested twice", r.TicketID)
		}
		seen[r.TicketID] = struct{}{}
	}
	return nil
}

// Reserve opens an order for every requested ticket that can be claimed. Tickets held by a live
// order are reported as unavailable, unknown ids as not found. When nothing can be claimed it
// returns AllUnavailableError and stores nothing.
func (s *Service) Reserve(ctx context.Context, userID string, requested []TicketRequest) (Reservation, error) {
	if err := validateTicketRequests(userID, requested); err != nil {
		return Reservation{}, err
	}

	ids := lo.Map(requested, func(r TicketRequest, _ int) string { return r.TicketID })

	var reservation Reservation
	err := s.uow.Do(ctx, func(ctx context.Context, repo Repository, events EventPublisher) error {
		reservation = Reservation{
			ReservedTickets:    []entity.OrderTicket{},
			UnavailableTickets: []string{},
			NotFoundTickets:    []string{},
		}

		found, err := repo.FindTickets(ctx, ids)
		if err != nil {
			return fmt.Errorf("could not find tickets: %w", err)
		}
		byID := lo.KeyBy(found, func(t entity.ReservableTicket) string { return t.ID })

		var candidates []entity.ReservableTicket
		for _, r := range requested {
			t, ok := byID[r.TicketID]
			if !ok {
				reservation.NotFoundTickets = append(reservation.NotFoundTickets, r.TicketID)
				continue
			}
			if r.Price > 0 && r.Price != t.Price {
				return entity.NewValidationError("price of ticket %s is %d, not %d", t.ID, t.Price, r.Price)
			}
			if !t.Available() {
				reservation.UnavailableTickets = append(reservation.UnavailableTickets, r.TicketID)
				continue
			}
			candidates = append(candidates, t)
		}

		if len(candidates) == 0 {
			return entity.AllUnavailableError{
				Unavailable: reservation.UnavailableTickets,
				NotFound:    reservation.NotFoundTickets,
			}
		}

		orderID := s.newID()

		// claims go in ticket id order so concurrent reservations lock rows in the same order
		claimOrder := append([]entity.ReservableTicket(nil), candidates...)
		sort.Slice(claimOrder, func(i, j int) bool { return claimOrder[i].ID < claimOrder[j].ID })
		claimed := make(map[string]bool, len(claimOrder))
		for _, t := range claimOrder {
			ok, err := repo.ClaimTicket(ctx, t.ID, orderID)
			if err != nil {
				return fmt.Errorf("could not claim ticket %s: %w", t.ID, err)
			}
			claimed[t.ID] = ok
		}

		for _, t := range candidates {
			if !claimed[t.ID] {
				// lost the race to a concurrent reservation
				reservation.UnavailableTickets = append(reservation.UnavailableTickets, t.ID)
				continue
			}
			reservation.ReservedTickets = append(reservation.ReservedTickets, entity.OrderTicket{
				TicketID: t.ID,
				Price:    t.Price,
			})
		}

		if len(reservation.ReservedTickets) == 0 {
			return entity.AllUnavailableError{
				Unavailable: reservation.UnavailableTickets,
				NotFound:    reservation.NotFoundTickets,
			}
		}

		now := s.now()
		order, err := entity.NewOrder(orderID, userID, reservation.ReservedTickets, now, s.ttl)
		if err != nil {
			return err
		}
		if err := repo.AddOrder(ctx, order); err != nil {
			return fmt.Errorf("could not add order: %w", err)
		}

		err = events.Publish(ctx, entity.EventOrderCreated, entity.OrderCreated{
			OrderID:    order.ID,
			UserID:     order.UserID,
			Tickets:    order.Tickets,
			TotalPrice: order.TotalPrice,
			ExpiresAt:  *order.ExpiresAt,
			Status:     order.Status,
			Version:    order.Version,
		})
		if err != nil {
			return err
		}

		err = events.Publish(
			ctx,
			entity.EventOrderExpired,
			entity.OrderExpired{OrderID: order.ID},
			bus.WithDelay(order.ExpiresAt.Sub(now)),
		)
		if err != nil {
			return err
		}

		reservation.Order = order
		return nil
	})
	if err != nil {
		var allUnavailable entity.AllUnavailableError
		if errors.As(err, &allUnavailable) {
			metrics.OrdersReserved.WithLabelValues("all_unavailable").Inc()
		}
		return Reservation{}, err
	}

	outcome := "full"
	if len(reservation.UnavailableTickets)+len(reservation.NotFoundTickets) > 0 {
		outcome = "partial"
	}
	metrics.OrdersReserved.WithLabelValues(outcome).Inc()

	log.FromContext(ctx).WithFields(logrus.Fields{
		"order_id":    reservation.Order.ID,
		"reserved":    len(reservation.ReservedTickets),
		"unavailable": len(reservation.UnavailableTickets),
		"not_found":   len(reservation.NotFoundTickets),
	}).Info("Order reserved")

	return reservation, nil
}

func (s *Service) GetOrder(ctx context.Context, userID, orderID string) (entity.Order, error) {
	var order entity.Order
	err := s.uow.Do(ctx, func(ctx context.Context, repo Repository, _ EventPublisher) error {
		var err error
		order, err = repo.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		return authorizeOwner(userID)(order)
	})
	return order, err
}

func (s *Service) ListOrders(ctx context.Context, userID string) ([]entity.Order, error) {
	if userID == "" {
		return nil, entity.NewValidationError("user id must be set")
	}

	var list []entity.Order
	err := s.uow.Do(ctx, func(ctx context.Context, repo Repository, _ EventPublisher) error {
		var err error
		list, err = repo.ListOrders(ctx, userID)
		return err
	})
	return list, err
}

// Cancel closes a live order on behalf of its owner.
func (s *Service) Cancel(ctx context.Context, userID, orderID string) (entity.Order, error) {
	order, _, err := s.transition(ctx, orderID, entity.OrderTriggerCancel, transitionOptions{
		authorize: authorizeOwner(userID),
		strict:    true,
	})
	return order, err
}

// Expire closes the order if it is still live. Expiring a closed order changes nothing.
func (s *Service) Expire(ctx context.Context, orderID string) error {
	_, _, err := s.transition(ctx, orderID, entity.OrderTriggerExpire, transitionOptions{})
	return err
}

func authorizeOwner(userID string) func(entity.Order) error {
	return func(order entity.Order) error {
		if userID == "" || order.UserID != userID {
			return entity.UnauthorizedError{Message: fmt.Sprintf("order %s belongs to another user", order.ID)}
		}
		return nil
	}
}

type transitionOptions struct {
	authorize func(entity.Order) error
	// strict turns a rejected trigger into an error instead of a no-op.
	strict bool
}

// transition applies trigger to the order, bumps its version and announces the new status.
// It reports whether the order changed.
func (s *Service) transition(
	ctx context.Context,
	orderID string,
	trigger entity.OrderTrigger,
	opts transitionOptions,
) (entity.Order, bool, error) {
	var (
		result  entity.Order
		changed bool
	)

	err := s.uow.Do(ctx, func(ctx context.Context, repo Repository, events EventPublisher) error {
		changed = false

		order, err := repo.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if opts.authorize != nil {
			if err := opts.authorize(order); err != nil {
				return err
			}
		}

		next, err := order.Transition(trigger)
		if err != nil {
			if opts.strict {
				return err
			}
			log.FromContext(ctx).WithFields(logrus.Fields{
				"order_id": order.ID,
				"status":   order.Status,
				"trigger":  trigger,
			}).Info("Trigger ignored, order already moved on")
			result = order
			return nil
		}

		if err := repo.UpdateOrder(ctx, next, order.Version); err != nil {
			return fmt.Errorf("could not update order %s: %w", order.ID, err)
		}

		err = events.Publish(ctx, entity.EventOrderStatusChanged, entity.OrderStatusChanged{
			OrderID: next.ID,
			UserID:  next.UserID,
			Status:  next.Status,
			Tickets: next.Tickets,
			Version: next.Version,
		})
		if err != nil {
			return err
		}

		result = next
		changed = true
		return nil
	})
	if err != nil {
		return entity.Order{}, false, err
	}

	if changed {
		metrics.OrderTransitions.WithLabelValues(string(result.Status)).Inc()
		log.FromContext(ctx).WithFields(logrus.Fields{
			"order_id": result.ID,
			"status":   result.Status,
			"version":  result.Version,
		}).Info("Order status changed")
	}

	return result, changed, nil
}
