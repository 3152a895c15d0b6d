package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/samber/lo"

	"ticketmarket/entity"
	ordersService "ticketmarket/orders"
)

// OrdersStore keeps the order service state in memory. Events of a unit of work are
// published before its changes become visible; when publishing fails the changes are
// dropped, so a retry publishes again. Events sent before the failing one go out twice then.
type OrdersStore struct {
	mu        sync.Mutex
	publisher Publisher
	state     ordersState
}

type ordersState struct {
	orders  map[string]entity.Order
	tickets map[string]entity.Ticket
}

func (s ordersState) clone() ordersState {
	return ordersState{
		orders:  lo.Assign(s.orders),
		tickets: lo.Assign(s.tickets),
	}
}

func NewOrdersStore(publisher Publisher) *OrdersStore {
	if publisher == nil {
		panic("missing publisher")
	}

	return &OrdersStore{
		publisher: publisher,
		state: ordersState{
			orders:  map[string]entity.Order{},
			tickets: map[string]entity.Ticket{},
		},
	}
}

func (s *OrdersStore) Do(
	ctx context.Context,
	fn func(ctx context.Context, repo ordersService.Repository, events ordersService.EventPublisher) error,
) error {
	buffer := &eventBuffer{target: s.publisher}

	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.state.clone()
	err := fn(ctx, ordersRepo{state: &s.state}, buffer)
	if err == nil {
		err = buffer.flush()
	}
	if err != nil {
		s.state = snapshot
	}
	return err
}

type ordersRepo struct {
	state *ordersState
}

func (r ordersRepo) reservable(t entity.Ticket) entity.ReservableTicket {
	rt := entity.ReservableTicket{Ticket: t}
	if owner, ok := r.state.orders[t.ReservationOwner]; ok {
		rt.OwnerStatus = owner.Status
	}
	return rt
}

func (r ordersRepo) FindTickets(_ context.Context, ticketIDs []string) ([]entity.ReservableTicket, error) {
	var found []entity.ReservableTicket
	for _, id := range ticketIDs {
		if t, ok := r.state.tickets[id]; ok {
			found = append(found, r.reservable(t))
		}
	}
	return found, nil
}

func (r ordersRepo) GetTicket(_ context.Context, ticketID string) (entity.ReservableTicket, error) {
	t, ok := r.state.tickets[ticketID]
	if !ok {
		return entity.ReservableTicket{}, entity.NotFoundError{Entity: "ticket", ID: ticketID}
	}
	return r.reservable(t), nil
}

func (r ordersRepo) AddTicket(_ context.Context, ticket entity.Ticket) (bool, error) {
	if _, ok := r.state.tickets[ticket.ID]; ok {
		return false, nil
	}
	r.state.tickets[ticket.ID] = ticket
	return true, nil
}

func (r ordersRepo) UpdateTicket(_ context.Context, ticket entity.Ticket, expectedVersion int64) error {
	current, ok := r.state.tickets[ticket.ID]
	if !ok {
		return entity.NotFoundError{Entity: "ticket", ID: ticket.ID}
	}
	if current.Version != expectedVersion {
		return entity.ConflictError{Entity: "ticket", ID: ticket.ID, Expected: expectedVersion, Actual: current.Version}
	}

	current.Title = ticket.Title
	current.Price = ticket.Price
	current.Version = ticket.Version
	r.state.tickets[ticket.ID] = current
	return nil
}

func (r ordersRepo) ClaimTicket(_ context.Context, ticketID, orderID string) (bool, error) {
	t, ok := r.state.tickets[ticketID]
	if !ok {
		return false, nil
	}
	if !r.reservable(t).Available() {
		return false, nil
	}

	t.ReservationOwner = orderID
	r.state.tickets[ticketID] = t
	return true, nil
}

func (r ordersRepo) AddOrder(_ context.Context, order entity.Order) error {
	if _, ok := r.state.orders[order.ID]; ok {
		return entity.ConflictError{Entity: "order", ID: order.ID, Expected: order.Version}
	}
	r.state.orders[order.ID] = order
	return nil
}

func (r ordersRepo) GetOrder(_ context.Context, orderID string) (entity.Order, error) {
	o, ok := r.state.orders[orderID]
	if !ok {
		return entity.Order{}, entity.NotFoundError{Entity: "order", ID: orderID}
	}
	return o, nil
}

func (r ordersRepo) UpdateOrder(_ context.Context, order entity.Order, expectedVersion int64) error {
	current, ok := r.state.orders[order.ID]
	if !ok {
		return entity.NotFoundError{Entity: "order", ID: order.ID}
	}
	if current.Version != expectedVersion || order.Version != expectedVersion+1 {
		return entity.ConflictError{Entity: "order", ID: order.ID, Expected: expectedVersion, Actual: current.Version}
	}
	r.state.orders[order.ID] = order
	return nil
}

func (r ordersRepo) ListOrders(_ context.Context, userID string) ([]entity.Order, error) {
	list := lo.Filter(lo.Values(r.state.orders), func(o entity.Order, _ int) bool {
		return o.UserID == userID
	})
	sort.Slice(list, func(i, j int) bool {
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
	return list, nil
}
