package entity

import (
	"time"
)

type OrderStatus string

const (
	OrderStatusCreated         OrderStatus = "created"
	OrderStatusAwaitingPayment OrderStatus = "awaiting_payment"
	OrderStatusPaid            OrderStatus = "paid"
	OrderStatusExpired         OrderStatus = "expired"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusFailed          OrderStatus = "failed"
	OrderStatusRefunded        OrderStatus = "refunded"
)

func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusCreated, OrderStatusAwaitingPayment, OrderStatusPaid, OrderStatusExpired,
		OrderStatusCancelled, OrderStatusFailed, OrderStatusRefunded:
		return true
	}
	return false
}

// IsTerminal reports whether the saga is over for the order.
// Paid is terminal for the saga even though a refund may still follow.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusPaid, OrderStatusExpired, OrderStatusCancelled, OrderStatusFailed, OrderStatusRefunded:
		return true
	}
	return false
}

// ReleasesTickets reports whether tickets held by an order in this status are free again.
func (s OrderStatus) ReleasesTickets() bool {
	return s.IsTerminal() && s != OrderStatusPaid
}

type OrderTrigger string

const (
	OrderTriggerPaymentStarted   OrderTrigger = "payment_started"
	OrderTriggerPaymentSucceeded OrderTrigger = "payment_succeeded"
	OrderTriggerPaymentFailed    OrderTrigger = "payment_failed"
	OrderTriggerExpire           OrderTrigger = "expire"
	OrderTriggerCancel           OrderTrigger = "cancel"
	OrderTriggerRefund           OrderTrigger = "refund"
)

var orderTransitions = map[OrderStatus]map[OrderTrigger]OrderStatus{
	OrderStatusCreated: {
		OrderTriggerPaymentStarted:   OrderStatusAwaitingPayment,
		OrderTriggerPaymentSucceeded: OrderStatusPaid,
		OrderTriggerPaymentFailed:    OrderStatusFailed,
		OrderTriggerExpire:           OrderStatusExpired,
		OrderTriggerCancel:           OrderStatusCancelled,
	},
	OrderStatusAwaitingPayment: {
		OrderTriggerPaymentSucceeded: OrderStatusPaid,
		OrderTriggerPaymentFailed:    OrderStatusFailed,
		OrderTriggerExpire:           OrderStatusExpired,
		OrderTriggerCancel:           OrderStatusCancelled,
	},
	OrderStatusPaid: {
		OrderTriggerRefund: OrderStatusRefunded,
	},
}

type OrderTicket struct {
	TicketID string `json:"ticketId"`
	Price    int64  `json:"price"`
}

type Order struct {
	ID         string        `json:"id"`
	UserID     string        `json:"userId"`
	Status     OrderStatus   `json:"status"`
	ExpiresAt  *time.Time    `json:"expiresAt"`
	Version    int64         `json:"version"`
	Tickets    []OrderTicket `json:"tickets"`
	TotalPrice int64         `json:"totalPrice"`
	CreatedAt  time.Time     `json:"createdAt"`
}

func NewOrder(id string, userID string, tickets []OrderTicket, now time.Time, ttl time.Duration) (Order, error) {
	if id == "" {
		return Order{}, NewValidationError("order id must be set")
	}
	if userID == "" {
		return Order{}, NewValidationError("user id must be set")
	}
	if len(tickets) == 0 {
		return Order{}, NewValidationError("order must reserve at least one ticket")
	}
	if ttl <= 0 {
		return Order{}, NewValidationError("order ttl must be positive")
	}

	expiresAt := now.Add(ttl).UTC()

	return Order{
		ID:         id,
		UserID:     userID,
		Status:     OrderStatusCreated,
		ExpiresAt:  &expiresAt,
		Version:    0,
		Tickets:    tickets,
		TotalPrice: TotalPrice(tickets),
		CreatedAt:  now.UTC(),
	}, nil
}

func TotalPrice(tickets []OrderTicket) int64 {
	var total int64
	for _, t := range tickets {
		total += t.Price
	}
	return total
}

func (o Order) TicketIDs() []string {
	ids := make([]string, 0, len(o.Tickets))
	for _, t := range o.Tickets {
		ids = append(ids, t.TicketID)
	}
	return ids
}

// CanTransition reports whether trigger is accepted in the current status.
func (o Order) CanTransition(trigger OrderTrigger) bool {
	_, ok := orderTransitions[o.Status][trigger]
	return ok
}

// Transition returns a copy of the order moved by trigger, with version bumped by one.
// The receiver is left untouched.
func (o Order) Transition(trigger OrderTrigger) (Order, error) {
	next, ok := orderTransitions[o.Status][trigger]
	if !ok {
		return Order{}, InvalidTransitionError{
			Entity:  "order",
			ID:      o.ID,
			From:    string(o.Status),
			Trigger: string(trigger),
		}
	}

	o.Status = next
	o.Version++
	if next.IsTerminal() {
		o.ExpiresAt = nil
	}

	return o, nil
}
