package entity

import "strings"

type Ticket struct {
	ID               string `json:"id" db:"ticket_id"`
	Title            string `json:"title" db:"title"`
	Price            int64  `json:"price" db:"price"`
	ReservationOwner string `json:"reservationOwner,omitempty" db:"reservation_owner"`
	Version          int64  `json:"version" db:"version"`
}

func NewTicket(id, title string, price int64) (Ticket, error) {
	if id == "" {
		return Ticket{}, NewValidationError("ticket id must be set")
	}
	if strings.TrimSpace(title) == "" {
		return Ticket{}, NewValidationError("ticket title must be set")
	}
	if price <= 0 {
		return Ticket{}, NewValidationError("ticket price must be greater than 0")
	}

	return Ticket{
		ID:    id,
		Title: title,
		Price: price,
	}, nil
}

func (t Ticket) IsReserved() bool {
	return t.ReservationOwner != ""
}

// ReservableTicket is a ticket together with the status of the order that holds it,
// as seen by the order service.
type ReservableTicket struct {
	Ticket
	// OwnerStatus is empty when there is no owner or the owning order is not visible.
	OwnerStatus OrderStatus `db:"owner_status"`
}

// Available implements the availability rule: no owner, or an owner whose order is in a
// terminal non-paid state. An owner in created/awaiting_payment/paid keeps the ticket, and so
// does an owner whose order is not visible yet.
func (t ReservableTicket) Available() bool {
	if t.ReservationOwner == "" {
		return true
	}
	return t.OwnerStatus.ReleasesTickets()
}
