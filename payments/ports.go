package payments

import (
	"context"

	"ticketmarket/entity"
	"ticketmarket/pubsub/bus"
)

type Repository interface {
	GetOrder(ctx context.Context, orderID string) (entity.PaymentOrder, error)
	// AddOrder inserts the mirrored order and reports false when it already exists.
	AddOrder(ctx context.Context, order entity.PaymentOrder) (bool, error)
	UpdateOrder(ctx context.Context, order entity.PaymentOrder, expectedVersion int64) error

	AddPayment(ctx context.Context, payment entity.Payment) error
	FindPaymentsByOrder(ctx context.Context, orderID string) ([]entity.Payment, error)
	GetPaymentByExternalID(ctx context.Context, externalPaymentID string) (entity.Payment, error)
	// UpdatePaymentStatus moves the payment to status only if its current status is one of from,
	// bumping the version. It reports whether a row changed.
	UpdatePaymentStatus(ctx context.Context, paymentID string, status entity.PaymentStatus, from []entity.PaymentStatus) (bool, error)
}

type EventPublisher interface {
	Publish(ctx context.Context, eventType string, payload any, opts ...bus.PublishOption) error
}

type UnitOfWork interface {
	Do(ctx context.Context, fn func(ctx context.Context, repo Repository, events EventPublisher) error) error
}

// Provider is the external payment capability.
type Provider interface {
	CreatePaymentIntent(ctx context.Context, request PaymentIntentRequest) (PaymentIntent, error)
	// ParseWebhook verifies the signature of payload and decodes it.
	ParseWebhook(payload []byte, signature string) (WebhookEvent, error)
}

type PaymentIntentRequest struct {
	OrderID           string
	UserID            string
	Amount            int64
	Currency          string
	ConfirmationToken string
	IdempotencyKey    string
}

// Provider side payment intent statuses the service acts on.
const (
	IntentStatusSucceeded             = "succeeded"
	IntentStatusProcessing            = "processing"
	IntentStatusRequiresAction        = "requires_action"
	IntentStatusRequiresPaymentMethod = "requires_payment_method"
)

type PaymentIntent struct {
	ID           string
	Status       string
	ClientSecret string
	// FailureReason is the provider's last payment error message, if any.
	FailureReason string
}

const (
	WebhookPaymentSucceeded = "payment_intent.succeeded"
	WebhookPaymentFailed    = "payment_intent.payment_failed"
)

type WebhookEvent struct {
	ID              string
	Type            string
	PaymentIntentID string
	OrderID         string
	FailureReason   string
}
