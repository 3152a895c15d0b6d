package service_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"ticketmarket/config"
	"ticketmarket/entity"
	"ticketmarket/gateway"
	"ticketmarket/orders"
	"ticketmarket/payments"
	"ticketmarket/service"
)

const webhookSecret = "whsec_component"

var httpClient = &http.Client{
	Timeout:   5 * time.Second,
	Transport: &http.Transport{DisableKeepAlives: true},
}

type app struct {
	baseURL  string
	provider *gateway.PaymentMock
}

// startApp runs every service in this process on the memory broker and memory stores.
func startApp(t *testing.T, orderTTL time.Duration) app {
	t.Helper()

	addr := freeAddr(t)
	provider := &gateway.PaymentMock{Secret: webhookSecret}

	svc, err := service.New(config.Config{
		Service: config.ServiceAll,
		Common: config.Common{
			HTTPAddr: addr,
			LogLevel: "info",
			Broker:   config.BrokerMemory,
		},
		Orders: config.Orders{OrderTTL: orderTTL},
		Payments: config.Payments{
			Currency:     "usd",
			ProviderMock: true,
			WebhookRetry: time.Second,
		},
	}, provider)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan error, 1)
	go func() {
		finished <- svc.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-finished:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("service did not stop")
		}
	})

	a := app{baseURL: "http://" + addr, provider: provider}
	a.waitForHTTPServer(t)
	return a
}

func freeAddr(t *testing.T) string {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func (a app) waitForHTTPServer(t *testing.T) {
	t.Helper()

	require.EventuallyWithT(
		t,
		func(collect *assert.CollectT) {
			resp, err := httpClient.Get(a.baseURL + "/health")
			if !assert.NoError(collect, err) {
				return
			}
			defer resp.Body.Close()

			assert.Equal(collect, http.StatusOK, resp.StatusCode)
		},
		time.Second*10,
		time.Millisecond*50,
	)
}

// call returns 0 when the request could not be made.
func (a app) call(t assert.TestingT, method, path, userID string, body, out any) int {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if !assert.NoError(t, err) {
			return 0
		}
	}

	req, err := http.NewRequest(method, a.baseURL+path, bytes.NewReader(payload))
	if !assert.NoError(t, err) {
		return 0
	}
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("X-User-Id", userID)
	}

	resp, err := httpClient.Do(req)
	if !assert.NoError(t, err) {
		return 0
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 {
		assert.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (a app) createTicket(t *testing.T, price int64) entity.Ticket {
	t.Helper()

	var ticket entity.Ticket
	status := a.call(t, http.MethodPost, "/api/tickets", "admin", map[string]any{"title": "Concert", "price": price}, &ticket)
	require.Equal(t, http.StatusCreated, status)
	return ticket
}

// reserve retries until the order service has mirrored all the tickets.
func (a app) reserve(t *testing.T, userID string, ticketIDs ...string) orders.Reservation {
	t.Helper()

	requests := make([]orders.TicketRequest, 0, len(ticketIDs))
	for _, id := range ticketIDs {
		requests = append(requests, orders.TicketRequest{TicketID: id})
	}

	var reservation orders.Reservation
	require.EventuallyWithT(t, func(collect *assert.CollectT) {
		reservation = orders.Reservation{}
		status := a.call(collect, http.MethodPost, "/api/orders", userID, map[string]any{"tickets": requests}, &reservation)
		if !assert.Equal(collect, http.StatusCreated, status) {
			return
		}
		if !assert.Len(collect, reservation.ReservedTickets, len(ticketIDs)) {
			// some tickets were not mirrored yet: give back the ones taken and try again
			a.call(collect, http.MethodDelete, "/api/orders/"+reservation.Order.ID, userID, nil, nil)
		}
	}, 10*time.Second, 50*time.Millisecond)

	return reservation
}

// pay retries until the payment service has mirrored the order.
func (a app) pay(t *testing.T, userID string, order entity.Order) payments.CreatePaymentResult {
	t.Helper()

	var result payments.CreatePaymentResult
	require.EventuallyWithT(t, func(collect *assert.CollectT) {
		status := a.call(collect, http.MethodPost, "/api/payments", userID, map[string]any{
			"orderId":           order.ID,
			"confirmationToken": "ctoken_test",
			"amount":            order.TotalPrice,
		}, &result)
		assert.Equal(collect, http.StatusCreated, status)
	}, 10*time.Second, 50*time.Millisecond)

	return result
}

func (a app) webhook(t *testing.T, eventType, orderID string) {
	t.Helper()

	intentID, ok := a.provider.IntentForOrder(orderID)
	require.True(t, ok)

	payload, err := json.Marshal(payments.WebhookEvent{
		ID:              "evt_" + intentID,
		Type:            eventType,
		PaymentIntentID: intentID,
		OrderID:         orderID,
	})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, a.baseURL+"/api/payments/webhook", bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Stripe-Signature", webhookSecret)

	resp, err := httpClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func (a app) assertOrderStatus(t *testing.T, userID, orderID string, expected entity.OrderStatus) {
	t.Helper()

	assert.EventuallyWithT(t, func(collect *assert.CollectT) {
		var order entity.Order
		status := a.call(collect, http.MethodGet, "/api/orders/"+orderID, userID, nil, &order)
		if assert.Equal(collect, http.StatusOK, status) {
			assert.Equal(collect, expected, order.Status)
		}
	}, 10*time.Second, 50*time.Millisecond)
}

func (a app) assertTicketOwner(t *testing.T, ticketID, expectedOwner string) {
	t.Helper()

	assert.EventuallyWithT(t, func(collect *assert.CollectT) {
		var ticket entity.Ticket
		status := a.call(collect, http.MethodGet, "/api/tickets/"+ticketID, "", nil, &ticket)
		if assert.Equal(collect, http.StatusOK, status) {
			assert.Equal(collect, expectedOwner, ticket.ReservationOwner)
		}
	}, 10*time.Second, 50*time.Millisecond)
}

func TestComponent_payment(t *testing.T) {
	ignoreCurrent := goleak.IgnoreCurrent()
	t.Cleanup(func() { goleak.VerifyNone(t, ignoreCurrent) })

	a := startApp(t, time.Hour)

	ticket := a.createTicket(t, 2000)
	other := a.createTicket(t, 3000)

	reservation := a.reserve(t, "user-1", ticket.ID, other.ID)
	order := reservation.Order
	assert.Equal(t, int64(5000), order.TotalPrice)

	a.assertTicketOwner(t, ticket.ID, order.ID)
	a.assertTicketOwner(t, other.ID, order.ID)

	result := a.pay(t, "user-1", order)
	assert.Equal(t, payments.ResultPending, result.Status)
	a.assertOrderStatus(t, "user-1", order.ID, entity.OrderStatusAwaitingPayment)

	// the provider may deliver a webhook more than once
	a.webhook(t, payments.WebhookPaymentSucceeded, order.ID)
	a.webhook(t, payments.WebhookPaymentSucceeded, order.ID)

	a.assertOrderStatus(t, "user-1", order.ID, entity.OrderStatusPaid)
	a.assertTicketOwner(t, ticket.ID, order.ID)

	var paid entity.Order
	require.Equal(t, http.StatusOK, a.call(t, http.MethodGet, "/api/orders/"+order.ID, "user-1", nil, &paid))
	assert.Equal(t, int64(2), paid.Version)

	status := a.call(t, http.MethodPost, "/api/orders", "user-2", map[string]any{
		"tickets": []orders.TicketRequest{{TicketID: ticket.ID}},
	}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
}

func TestComponent_cancel_and_failed_payment_release_tickets(t *testing.T) {
	ignoreCurrent := goleak.IgnoreCurrent()
	t.Cleanup(func() { goleak.VerifyNone(t, ignoreCurrent) })

	a := startApp(t, time.Hour)

	ticket := a.createTicket(t, 1500)

	first := a.reserve(t, "user-1", ticket.ID).Order
	a.assertTicketOwner(t, ticket.ID, first.ID)

	status := a.call(t, http.MethodDelete, "/api/orders/"+first.ID, "user-2", nil, nil)
	assert.Equal(t, http.StatusForbidden, status)

	status = a.call(t, http.MethodDelete, "/api/orders/"+first.ID, "user-1", nil, nil)
	require.Equal(t, http.StatusOK, status)
	a.assertTicketOwner(t, ticket.ID, "")

	second := a.reserve(t, "user-2", ticket.ID).Order
	a.assertTicketOwner(t, ticket.ID, second.ID)

	a.pay(t, "user-2", second)
	a.webhook(t, payments.WebhookPaymentFailed, second.ID)

	a.assertOrderStatus(t, "user-2", second.ID, entity.OrderStatusFailed)
	a.assertTicketOwner(t, ticket.ID, "")
}

func TestComponent_expiration(t *testing.T) {
	ignoreCurrent := goleak.IgnoreCurrent()
	t.Cleanup(func() { goleak.VerifyNone(t, ignoreCurrent) })

	a := startApp(t, time.Second)

	ticket := a.createTicket(t, 1000)
	other := a.createTicket(t, 1500)

	expiring := a.reserve(t, "user-1", ticket.ID, other.ID).Order
	assert.Len(t, expiring.Tickets, 2)
	a.assertOrderStatus(t, "user-1", expiring.ID, entity.OrderStatusExpired)
	a.assertTicketOwner(t, ticket.ID, "")
	a.assertTicketOwner(t, other.ID, "")

	var expired entity.Order
	require.Equal(t, http.StatusOK, a.call(t, http.MethodGet, "/api/orders/"+expiring.ID, "user-1", nil, &expired))
	assert.Equal(t, int64(1), expired.Version)

	cancelled := a.reserve(t, "user-2", ticket.ID).Order
	require.Equal(t, http.StatusOK, a.call(t, http.MethodDelete, "/api/orders/"+cancelled.ID, "user-2", nil, nil))

	// the delayed expiration of the cancelled order arrives and changes nothing
	time.Sleep(1500 * time.Millisecond)

	var order entity.Order
	require.Equal(t, http.StatusOK, a.call(t, http.MethodGet, "/api/orders/"+cancelled.ID, "user-2", nil, &order))
	assert.Equal(t, entity.OrderStatusCancelled, order.Status)
	assert.Equal(t, int64(1), order.Version)
}
