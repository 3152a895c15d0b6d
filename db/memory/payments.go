package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/samber/lo"

	"ticketmarket/entity"
	paymentsService "ticketmarket/payments"
)

// PaymentsStore keeps the payment service state in memory. Failed publishing rolls the
// unit of work back, like OrdersStore.
type PaymentsStore struct {
	mu        sync.Mutex
	publisher Publisher
	state     paymentsState
}

type paymentsState struct {
	orders   map[string]entity.PaymentOrder
	payments map[string]entity.Payment
}

func (s paymentsState) clone() paymentsState {
	return paymentsState{
		orders:   lo.Assign(s.orders),
		payments: lo.Assign(s.payments),
	}
}

func NewPaymentsStore(publisher Publisher) *PaymentsStore {
	if publisher == nil {
		panic("missing publisher")
	}

	return &PaymentsStore{
		publisher: publisher,
		state: paymentsState{
			orders:   map[string]entity.PaymentOrder{},
			payments: map[string]entity.Payment{},
		},
	}
}

func (s *PaymentsStore) Do(
	ctx context.Context,
	fn func(ctx context.Context, repo paymentsService.Repository, events paymentsService.EventPublisher) error,
) error {
	buffer := &eventBuffer{target: s.publisher}

	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.state.clone()
	err := fn(ctx, paymentsRepo{state: &s.state}, buffer)
	if err == nil {
		err = buffer.flush()
	}
	if err != nil {
		s.state = snapshot
	}
	return err
}

type paymentsRepo struct {
	state *paymentsState
}

func (r paymentsRepo) GetOrder(_ context.Context, orderID string) (entity.PaymentOrder, error) {
	o, ok := r.state.orders[orderID]
	if !ok {
		return entity.PaymentOrder{}, entity.NotFoundError{Entity: "order", ID: orderID}
	}
	return o, nil
}

func (r paymentsRepo) AddOrder(_ context.Context, order entity.PaymentOrder) (bool, error) {
	if _, ok := r.state.orders[order.ID]; ok {
		return false, nil
	}
	r.state.orders[order.ID] = order
	return true, nil
}

func (r paymentsRepo) UpdateOrder(_ context.Context, order entity.PaymentOrder, expectedVersion int64) error {
	current, ok := r.state.orders[order.ID]
	if !ok {
		return entity.NotFoundError{Entity: "order", ID: order.ID}
	}
	if current.Version != expectedVersion {
		return entity.ConflictError{Entity: "order", ID: order.ID, Expected: expectedVersion, Actual: current.Version}
	}
	r.state.orders[order.ID] = order
	return nil
}

func (r paymentsRepo) AddPayment(_ context.Context, payment entity.Payment) error {
	if _, ok := r.state.payments[payment.ID]; ok {
		return entity.ConflictError{Entity: "payment", ID: payment.ID, Expected: payment.Version}
	}
	r.state.payments[payment.ID] = payment
	return nil
}

func (r paymentsRepo) FindPaymentsByOrder(_ context.Context, orderID string) ([]entity.Payment, error) {
	list := lo.Filter(lo.Values(r.state.payments), func(p entity.Payment, _ int) bool {
		return p.OrderID == orderID
	})
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	return list, nil
}

func (r paymentsRepo) GetPaymentByExternalID(_ context.Context, externalPaymentID string) (entity.Payment, error) {
	p, ok := lo.Find(lo.Values(r.state.payments), func(p entity.Payment) bool {
		return p.ExternalPaymentID == externalPaymentID
	})
	if !ok {
		return entity.Payment{}, entity.NotFoundError{Entity: "payment", ID: externalPaymentID}
	}
	return p, nil
}

func (r paymentsRepo) UpdatePaymentStatus(
	_ context.Context,
	paymentID string,
	status entity.PaymentStatus,
	from []entity.PaymentStatus,
) (bool, error) {
	p, ok := r.state.payments[paymentID]
	if !ok {
		return false, entity.NotFoundError{Entity: "payment", ID: paymentID}
	}
	if !lo.Contains(from, p.Status) {
		return false, nil
	}

	p.Status = status
	p.Version++
	r.state.payments[paymentID] = p
	return true, nil
}
