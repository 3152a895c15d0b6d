package entity

import (
	"time"
)

const (
	EventOrderCreated       = "order.created"
	EventOrderStatusChanged = "order.status.changed"
	EventOrderExpired       = "order.expired"
	EventTicketCreated      = "ticket.created"
	EventTicketUpdated      = "ticket.updated"
	EventPaymentCreated     = "payment.created"
	EventPaymentSucceeded   = "payment.succeeded"
	EventPaymentFailed      = "payment.failed"
)

type OrderCreated struct {
	OrderID    string        `json:"orderId"`
	UserID     string        `json:"userId"`
	Tickets    []OrderTicket `json:"tickets"`
	TotalPrice int64         `json:"totalPrice"`
	ExpiresAt  time.Time     `json:"expiresAt"`
	Status     OrderStatus   `json:"status"`
	Version    int64         `json:"version"`
}

func (e OrderCreated) Validate() error {
	if e.OrderID == "" {
		return NewValidationError("orderId is required")
	}
	if e.UserID == "" {
		return NewValidationError("userId is required")
	}
	if err := validateOrderTickets(e.Tickets); err != nil {
		return err
	}
	if e.ExpiresAt.IsZero() {
		return NewValidationError("expiresAt is required")
	}
	if !e.Status.Valid() {
		return NewValidationError("unknown order status %q", e.Status)
	}
	return nil
}

type OrderStatusChanged struct {
	OrderID string        `json:"orderId"`
	UserID  string        `json:"userId"`
	Status  OrderStatus   `json:"status"`
	Tickets []OrderTicket `json:"tickets"`
	Version int64         `json:"version"`
}

func (e OrderStatusChanged) Validate() error {
	if e.OrderID == "" {
		return NewValidationError("orderId is required")
	}
	if !e.Status.Valid() {
		return NewValidationError("unknown order status %q", e.Status)
	}
	if e.Version < 1 {
		return NewValidationError("version must be at least 1 after a status change")
	}
	return validateOrderTickets(e.Tickets)
}

type OrderExpired struct {
	OrderID string `json:"orderId"`
}

func (e OrderExpired) Validate() error {
	if e.OrderID == "" {
		return NewValidationError("orderId is required")
	}
	return nil
}

type TicketCreated struct {
	TicketID string `json:"ticketId"`
	Title    string `json:"title"`
	Price    int64  `json:"price"`
	Version  int64  `json:"version"`
}

func (e TicketCreated) Validate() error {
	if e.TicketID == "" {
		return NewValidationError("ticketId is required")
	}
	if e.Price <= 0 {
		return NewValidationError("price must be greater than 0")
	}
	return nil
}

type TicketUpdated struct {
	TicketID         string `json:"ticketId"`
	Title            string `json:"title"`
	Price            int64  `json:"price"`
	ReservationOwner string `json:"reservationOwner,omitempty"`
	Version          int64  `json:"version"`
}

func (e TicketUpdated) Validate() error {
	if e.TicketID == "" {
		return NewValidationError("ticketId is required")
	}
	if e.Price <= 0 {
		return NewValidationError("price must be greater than 0")
	}
	if e.Version < 1 {
		return NewValidationError("version must be at least 1 for an update")
	}
	return nil
}

type PaymentCreated struct {
	PaymentID         string        `json:"paymentId"`
	OrderID           string        `json:"orderId"`
	ExternalPaymentID string        `json:"externalPaymentId"`
	Status            PaymentStatus `json:"status"`
}

func (e PaymentCreated) Validate() error {
	return validatePaymentRef(e.PaymentID, e.OrderID)
}

type PaymentSucceeded struct {
	PaymentID         string `json:"paymentId"`
	OrderID           string `json:"orderId"`
	ExternalPaymentID string `json:"externalPaymentId"`
}

func (e PaymentSucceeded) Validate() error {
	return validatePaymentRef(e.PaymentID, e.OrderID)
}

type PaymentFailed struct {
	PaymentID         string `json:"paymentId"`
	OrderID           string `json:"orderId"`
	ExternalPaymentID string `json:"externalPaymentId"`
	Reason            string `json:"reason,omitempty"`
}

func (e PaymentFailed) Validate() error {
	return validatePaymentRef(e.PaymentID, e.OrderID)
}

func validatePaymentRef(paymentID, orderID string) error {
	if paymentID == "" {
		return NewValidationError("paymentId is required")
	}
	if orderID == "" {
		return NewValidationError("orderId is required")
	}
	return nil
}

func validateOrderTickets(tickets []OrderTicket) error {
	if len(tickets) == 0 {
		return NewValidationError("tickets must not be empty")
	}
	for _, t := range tickets {
		if t.TicketID == "" {
			return NewValidationError("ticketId is required for every ticket")
		}
	}
	return nil
}
