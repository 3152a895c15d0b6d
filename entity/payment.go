package entity

import "time"

type PaymentStatus string

const (
	PaymentStatusPending               PaymentStatus = "pending"
	PaymentStatusSucceeded             PaymentStatus = "succeeded"
	PaymentStatusRequiresAction        PaymentStatus = "requires_action"
	PaymentStatusRequiresPaymentMethod PaymentStatus = "requires_payment_method"
)

// paymentTransitions lists, for each target status, the statuses it may be reached from.
// Succeeded and requires_payment_method are final.
var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentStatusSucceeded:             {PaymentStatusPending, PaymentStatusRequiresAction},
	PaymentStatusRequiresPaymentMethod: {PaymentStatusPending, PaymentStatusRequiresAction},
	PaymentStatusRequiresAction:        {PaymentStatusPending},
}

// PaymentSourceStatuses returns the statuses from which a payment may move to target.
func PaymentSourceStatuses(target PaymentStatus) []PaymentStatus {
	return paymentTransitions[target]
}

func (s PaymentStatus) CanMoveTo(target PaymentStatus) bool {
	for _, from := range paymentTransitions[target] {
		if from == s {
			return true
		}
	}
	return false
}

// InProgress reports whether a payment blocks another attempt for the same order.
func (s PaymentStatus) InProgress() bool {
	return s == PaymentStatusPending || s == PaymentStatusRequiresAction || s == PaymentStatusSucceeded
}

type Payment struct {
	ID                string        `json:"id" db:"payment_id"`
	OrderID           string        `json:"orderId" db:"order_id"`
	ExternalPaymentID string        `json:"externalPaymentId" db:"external_payment_id"`
	Status            PaymentStatus `json:"status" db:"status"`
	Version           int64         `json:"version" db:"version"`
	CreatedAt         time.Time     `json:"createdAt" db:"created_at"`
}

// PaymentOrder is the payment service's local copy of an order.
type PaymentOrder struct {
	ID         string      `json:"id" db:"order_id"`
	UserID     string      `json:"userId" db:"user_id"`
	Status     OrderStatus `json:"status" db:"status"`
	TotalPrice int64       `json:"totalPrice" db:"total_price"`
	Version    int64       `json:"version" db:"version"`
}

// AcceptsPayment reports whether a new payment attempt may start for the order.
func (o PaymentOrder) AcceptsPayment() bool {
	return o.Status == OrderStatusCreated
}
