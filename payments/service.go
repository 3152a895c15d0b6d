package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/go-event-driven/common/log"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"ticketmarket/entity"
	"ticketmarket/metrics"
	"ticketmarket/pubsub/bus"
)

const QueueOrderEvents = "payments.order-events"

type Config struct {
	Currency string
	// WebhookRetry bounds the in-process retries of a webhook whose payment is not visible yet.
	WebhookRetry time.Duration
	Now          func() time.Time
}

type Service struct {
	uow          UnitOfWork
	provider     Provider
	currency     string
	webhookRetry time.Duration
	now          func() time.Time
	newID        func() string
}

func NewService(uow UnitOfWork, provider Provider, config Config) *Service {
	if uow == nil {
		panic("missing unit of work")
	}
	if provider == nil {
		panic("missing payment provider")
	}
	if config.Currency == "" {
		config.Currency = "usd"
	}
	if config.WebhookRetry <= 0 {
		config.WebhookRetry = 10 * time.Second
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &Service{
		uow:          uow,
		provider:     provider,
		currency:     config.Currency,
		webhookRetry: config.WebhookRetry,
		now:          config.Now,
		newID:        uuid.NewString,
	}
}

func (s *Service) Subscriptions() []bus.Subscription {
	return []bus.Subscription{
		{
			Queue:    QueueOrderEvents,
			Exchange: bus.ExchangeEvents,
			Handlers: []bus.Handler{
				bus.NewHandler(entity.EventOrderCreated, s.OnOrderCreated),
				bus.NewHandler(entity.EventOrderStatusChanged, s.OnOrderStatusChanged),
			},
		},
	}
}

func (s *Service) OnOrderCreated(ctx context.Context, event *entity.OrderCreated) error {
	return s.uow.Do(ctx, func(ctx context.Context, repo Repository, _ EventPublisher) error {
		_, err := repo.AddOrder(ctx, entity.PaymentOrder{
			ID:         event.OrderID,
			UserID:     event.UserID,
			Status:     event.Status,
			TotalPrice: event.TotalPrice,
			Version:    event.Version,
		})
		return err
	})
}

func (s *Service) OnOrderStatusChanged(ctx context.Context, event *entity.OrderStatusChanged) error {
	return s.uow.Do(ctx, func(ctx context.Context, repo Repository, _ EventPublisher) error {
		current, err := repo.GetOrder(ctx, event.OrderID)
		if err != nil {
			return err
		}

		apply, err := entity.NextVersion("order", event.OrderID, current.Version, event.Version)
		if err != nil || !apply {
			return err
		}

		next := current
		next.Status = event.Status
		next.Version = event.Version
		return repo.UpdateOrder(ctx, next, current.Version)
	})
}

type CreatePaymentRequest struct {
	UserID            string
	ConfirmationToken string
	OrderID           string
	Amount            int64
}

// Statuses reported to the payer.
const (
	ResultPending        = "pending"
	ResultRequiresAction = "requires_action"
	ResultFailed         = "failed"
)

type CreatePaymentResult struct {
	PaymentID    string `json:"paymentId"`
	Status       string `json:"status"`
	ClientSecret string `json:"clientSecret,omitempty"`
}

// CreatePayment charges the order through the provider. A confirmed charge stays pending until the
// provider's webhook confirms it.
func (s *Service) CreatePayment(ctx context.Context, req CreatePaymentRequest) (CreatePaymentResult, error) {
	if req.UserID == "" {
		return CreatePaymentResult{}, entity.NewValidationError("user id must be set")
	}
	if req.OrderID == "" {
		return CreatePaymentResult{}, entity.NewValidationError("order id must be set")
	}
	if req.ConfirmationToken == "" {
		return CreatePaymentResult{}, entity.NewValidationError("confirmation token must be set")
	}

	var order entity.PaymentOrder
	err := s.uow.Do(ctx, func(ctx context.Context, repo Repository, _ EventPublisher) error {
		var err error
		order, err = repo.GetOrder(ctx, req.OrderID)
		if err != nil {
			return err
		}

		if order.UserID != req.UserID {
			return entity.UnauthorizedError{Message: fmt.Sprintf("order %s belongs to another user", order.ID)}
		}
		if !order.AcceptsPayment() {
			return entity.NewValidationError("order %s is %s and cannot be paid", order.ID, order.Status)
		}
		if req.Amount != order.TotalPrice {
			return entity.NewValidationError("amount %d does not match order total %d", req.Amount, order.TotalPrice)
		}

		existing, err := repo.FindPaymentsByOrder(ctx, order.ID)
		if err != nil {
			return err
		}
		if p, ok := lo.Find(existing, func(p entity.Payment) bool { return p.Status.InProgress() }); ok {
			return entity.NewValidationError("order %s already has payment %s in status %s", order.ID, p.ID, p.Status)
		}
		return nil
	})
	if err != nil {
		return CreatePaymentResult{}, err
	}

	intent, err := s.provider.CreatePaymentIntent(ctx, PaymentIntentRequest{
		OrderID:           order.ID,
		UserID:            order.UserID,
		Amount:            order.TotalPrice,
		Currency:          s.currency,
		ConfirmationToken: req.ConfirmationToken,
		IdempotencyKey:    "order-" + order.ID,
	})
	if err != nil {
		return CreatePaymentResult{}, entity.ExternalServiceError{Service: "payment provider", Err: err}
	}

	payment := entity.Payment{
		ID:                s.newID(),
		OrderID:           order.ID,
		ExternalPaymentID: intent.ID,
		CreatedAt:         s.now().UTC(),
	}
	result := CreatePaymentResult{PaymentID: payment.ID}

	switch intent.Status {
	case IntentStatusSucceeded, IntentStatusProcessing:
		payment.Status = entity.PaymentStatusPending
		result.Status = ResultPending
	case IntentStatusRequiresAction:
		payment.Status = entity.PaymentStatusRequiresAction
		result.Status = ResultRequiresAction
		result.ClientSecret = intent.ClientSecret
	case IntentStatusRequiresPaymentMethod:
		payment.Status = entity.PaymentStatusRequiresPaymentMethod
		result.Status = ResultFailed
	default:
		return CreatePaymentResult{}, entity.ExternalServiceError{
			Service: "payment provider",
			Err:     fmt.Errorf("unexpected payment intent status %q", intent.Status),
		}
	}

	err = s.uow.Do(ctx, func(ctx context.Context, repo Repository, events EventPublisher) error {
		if err := repo.AddPayment(ctx, payment); err != nil {
			return fmt.Errorf("could not add payment: %w", err)
		}

		if payment.Status == entity.PaymentStatusRequiresPaymentMethod {
			return events.Publish(ctx, entity.EventPaymentFailed, entity.PaymentFailed{
				PaymentID:         payment.ID,
				OrderID:           payment.OrderID,
				ExternalPaymentID: payment.ExternalPaymentID,
				Reason:            intent.FailureReason,
			})
		}

		return events.Publish(ctx, entity.EventPaymentCreated, entity.PaymentCreated{
			PaymentID:         payment.ID,
			OrderID:           payment.OrderID,
			ExternalPaymentID: payment.ExternalPaymentID,
			Status:            payment.Status,
		})
	})
	if err != nil {
		return CreatePaymentResult{}, err
	}

	metrics.PaymentsCreated.WithLabelValues(string(payment.Status)).Inc()
	log.FromContext(ctx).WithFields(logrus.Fields{
		"payment_id":          payment.ID,
		"order_id":            payment.OrderID,
		"external_payment_id": payment.ExternalPaymentID,
		"status":              payment.Status,
	}).Info("Payment created")

	return result, nil
}

// HandleWebhook reconciles a payment with a provider notification. Only a bad signature is reported
// as ValidationError. Notifications that were already applied change nothing and publish nothing.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	event, err := s.provider.ParseWebhook(payload, signature)
	if err != nil {
		metrics.WebhooksReceived.WithLabelValues("unknown", "bad_signature").Inc()
		return entity.NewValidationError("invalid webhook: %s", err)
	}

	logger := log.FromContext(ctx).WithFields(logrus.Fields{
		"webhook_id":          event.ID,
		"webhook_type":        event.Type,
		"external_payment_id": event.PaymentIntentID,
		"order_id":            event.OrderID,
	})
	ctx = log.ToContext(ctx, logger)

	var (
		target  entity.PaymentStatus
		publish func(ctx context.Context, events EventPublisher, p entity.Payment) error
	)
	switch event.Type {
	case WebhookPaymentSucceeded:
		target = entity.PaymentStatusSucceeded
		publish = func(ctx context.Context, events EventPublisher, p entity.Payment) error {
			return events.Publish(ctx, entity.EventPaymentSucceeded, entity.PaymentSucceeded{
				PaymentID:         p.ID,
				OrderID:           p.OrderID,
				ExternalPaymentID: p.ExternalPaymentID,
			})
		}
	case WebhookPaymentFailed:
		target = entity.PaymentStatusRequiresPaymentMethod
		publish = func(ctx context.Context, events EventPublisher, p entity.Payment) error {
			return events.Publish(ctx, entity.EventPaymentFailed, entity.PaymentFailed{
				PaymentID:         p.ID,
				OrderID:           p.OrderID,
				ExternalPaymentID: p.ExternalPaymentID,
				Reason:            event.FailureReason,
			})
		}
	default:
		metrics.WebhooksReceived.WithLabelValues(event.Type, "ignored").Inc()
		logger.Debug("Ignoring webhook")
		return nil
	}

	var changed bool
	reconcile := func() error {
		changed = false
		err := s.uow.Do(ctx, func(ctx context.Context, repo Repository, events EventPublisher) error {
			payment, err := repo.GetPaymentByExternalID(ctx, event.PaymentIntentID)
			if err != nil {
				return err
			}

			ok, err := repo.UpdatePaymentStatus(ctx, payment.ID, target, entity.PaymentSourceStatuses(target))
			if err != nil || !ok {
				return err
			}
			changed = true
			return publish(ctx, events, payment)
		})
		if err != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxElapsedTime = s.webhookRetry

	err = backoff.RetryNotify(reconcile, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		logger.WithError(err).WithField("retry_in", next).Warn("Webhook reconciliation failed, retrying")
	})
	if err != nil {
		metrics.WebhooksReceived.WithLabelValues(event.Type, "failed").Inc()
		return err
	}

	outcome := "applied"
	if !changed {
		outcome = "duplicate"
	}
	metrics.WebhooksReceived.WithLabelValues(event.Type, outcome).Inc()
	logger.WithField("outcome", outcome).Info("Webhook handled")

	return nil
}

func retryable(err error) bool {
	var (
		notFound entity.NotFoundError
		conflict entity.ConflictError
	)
	return errors.As(err, &notFound) || errors.As(err, &conflict)
}
