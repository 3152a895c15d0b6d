package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/samber/lo"

	"ticketmarket/entity"
	inventoryService "ticketmarket/inventory"
)

// InventoryStore keeps the inventory service state in memory. A unit of work whose
// events cannot be published is rolled back, like OrdersStore.
type InventoryStore struct {
	mu        sync.Mutex
	publisher Publisher
	tickets   map[string]entity.Ticket
	released  map[string]struct{}
}

func NewInventoryStore(publisher Publisher) *InventoryStore {
	if publisher == nil {
		panic("missing publisher")
	}

	return &InventoryStore{
		publisher: publisher,
		tickets:   map[string]entity.Ticket{},
		released:  map[string]struct{}{},
	}
}

func (s *InventoryStore) Do(
	ctx context.Context,
	fn func(ctx context.Context, repo inventoryService.Repository, events inventoryService.EventPublisher) error,
) error {
	buffer := &eventBuffer{target: s.publisher}

	s.mu.Lock()
	defer s.mu.Unlock()

	tickets, released := lo.Assign(s.tickets), lo.Assign(s.released)
	err := fn(ctx, inventoryRepo{tickets: s.tickets, released: s.released}, buffer)
	if err == nil {
		err = buffer.flush()
	}
	if err != nil {
		s.tickets, s.released = tickets, released
	}
	return err
}

type inventoryRepo struct {
	tickets  map[string]entity.Ticket
	released map[string]struct{}
}

func (r inventoryRepo) AddTicket(_ context.Context, ticket entity.Ticket) error {
	if _, ok := r.tickets[ticket.ID]; ok {
		return entity.ConflictError{Entity: "ticket", ID: ticket.ID, Expected: ticket.Version}
	}
	r.tickets[ticket.ID] = ticket
	return nil
}

func (r inventoryRepo) GetTicket(_ context.Context, ticketID string) (entity.Ticket, error) {
	t, ok := r.tickets[ticketID]
	if !ok {
		return entity.Ticket{}, entity.NotFoundError{Entity: "ticket", ID: ticketID}
	}
	return t, nil
}

func (r inventoryRepo) ListTickets(_ context.Context) ([]entity.Ticket, error) {
	list := lo.Values(r.tickets)
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list, nil
}

func (r inventoryRepo) UpdateTicket(_ context.Context, ticket entity.Ticket, expectedVersion int64) error {
	current, ok := r.tickets[ticket.ID]
	if !ok {
		return entity.NotFoundError{Entity: "ticket", ID: ticket.ID}
	}
	if current.Version != expectedVersion {
		return entity.ConflictError{Entity: "ticket", ID: ticket.ID, Expected: expectedVersion, Actual: current.Version}
	}
	r.tickets[ticket.ID] = ticket
	return nil
}

func (r inventoryRepo) MarkOrderReleased(_ context.Context, orderID string) error {
	r.released[orderID] = struct{}{}
	return nil
}

func (r inventoryRepo) IsOrderReleased(_ context.Context, orderID string) (bool, error) {
	_, ok := r.released[orderID]
	return ok, nil
}
