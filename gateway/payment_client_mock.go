package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"ticketmarket/payments"
)

// PaymentMock is an in-memory payment provider. Webhooks are plain JSON-encoded
// payments.WebhookEvent values, accepted when the signature equals Secret.
type PaymentMock struct {
	mock sync.Mutex

	// Status returned for new intents; succeeded when empty.
	Status  string
	Err     error
	Secret  string
	Intents map[string]payments.PaymentIntentRequest
}

func (c *PaymentMock) CreatePaymentIntent(ctx context.Context, request payments.PaymentIntentRequest) (payments.PaymentIntent, error) {
	c.mock.Lock()
	defer c.mock.Unlock()

	if c.Err != nil {
		return payments.PaymentIntent{}, c.Err
	}
	if c.Intents == nil {
		c.Intents = make(map[string]payments.PaymentIntentRequest)
	}

	status := c.Status
	if status == "" {
		status = payments.IntentStatusSucceeded
	}

	id := "pi_" + uuid.NewString()
	c.Intents[id] = request

	intent := payments.PaymentIntent{ID: id, Status: status}
	switch status {
	case payments.IntentStatusRequiresAction:
		intent.ClientSecret = id + "_secret"
	case payments.IntentStatusRequiresPaymentMethod:
		intent.FailureReason = "card declined"
	}
	return intent, nil
}

// IntentForOrder returns the id of the intent created for orderID.
func (c *PaymentMock) IntentForOrder(orderID string) (string, bool) {
	c.mock.Lock()
	defer c.mock.Unlock()

	for id, req := range c.Intents {
		if req.OrderID == orderID {
			return id, true
		}
	}
	return "", false
}

func (c *PaymentMock) ParseWebhook(payload []byte, signature string) (payments.WebhookEvent, error) {
	c.mock.Lock()
	secret := c.Secret
	c.mock.Unlock()

	if signature == "" || signature != secret {
		return payments.WebhookEvent{}, errors.New("signature mismatch")
	}

	var event payments.WebhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return payments.WebhookEvent{}, fmt.Errorf("could not decode webhook: %w", err)
	}
	return event, nil
}
