package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/paymentintent"
	"github.com/stripe/stripe-go/v79/webhook"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"ticketmarket/payments"
)

type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	// APIURL overrides the Stripe API base URL, used against stubs.
	APIURL string
}

// PaymentClient creates Stripe payment intents and verifies Stripe webhooks.
type PaymentClient struct {
	intents       paymentintent.Client
	webhookSecret string
}

func NewPaymentClient(config StripeConfig) PaymentClient {
	if config.SecretKey == "" {
		panic("missing stripe secret key")
	}
	if config.WebhookSecret == "" {
		panic("missing stripe webhook secret")
	}

	backendConfig := &stripe.BackendConfig{
		HTTPClient: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		// retries are left to our callers
		MaxNetworkRetries: stripe.Int64(0),
	}
	if config.APIURL != "" {
		backendConfig.URL = stripe.String(config.APIURL)
	}

	return PaymentClient{
		intents: paymentintent.Client{
			B:   stripe.GetBackendWithConfig(stripe.APIBackend, backendConfig),
			Key: config.SecretKey,
		},
		webhookSecret: config.WebhookSecret,
	}
}

func (c PaymentClient) CreatePaymentIntent(ctx context.Context, request payments.PaymentIntentRequest) (payments.PaymentIntent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:            stripe.Int64(request.Amount),
		Currency:          stripe.String(request.Currency),
		ConfirmationToken: stripe.String(request.ConfirmationToken),
		Confirm:           stripe.Bool(true),
	}
	params.Context = ctx
	params.AddMetadata("orderId", request.OrderID)
	params.AddMetadata("userId", request.UserID)
	if request.IdempotencyKey != "" {
		params.SetIdempotencyKey(request.IdempotencyKey)
	}

	pi, err := c.intents.New(params)
	if err != nil {
		return payments.PaymentIntent{}, fmt.Errorf("could not create payment intent for order %s: %w", request.OrderID, err)
	}

	intent := payments.PaymentIntent{
		ID:           pi.ID,
		Status:       string(pi.Status),
		ClientSecret: pi.ClientSecret,
	}
	if pi.LastPaymentError != nil {
		intent.FailureReason = pi.LastPaymentError.Msg
	}
	return intent, nil
}

func (c PaymentClient) ParseWebhook(payload []byte, signature string) (payments.WebhookEvent, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, c.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return payments.WebhookEvent{}, err
	}

	parsed := payments.WebhookEvent{
		ID:   event.ID,
		Type: string(event.Type),
	}

	if event.Data == nil || len(event.Data.Raw) == 0 {
		return parsed, nil
	}

	switch parsed.Type {
	case payments.WebhookPaymentSucceeded, payments.WebhookPaymentFailed:
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return payments.WebhookEvent{}, fmt.Errorf("could not decode payment intent of event %s: %w", event.ID, err)
		}
		parsed.PaymentIntentID = pi.ID
		parsed.OrderID = pi.Metadata["orderId"]
		if pi.LastPaymentError != nil {
			parsed.FailureReason = pi.LastPaymentError.Msg
		}
	}

	return parsed, nil
}
