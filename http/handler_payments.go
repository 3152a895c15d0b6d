package http

import (
	"errors"
	"io"
	"net/http"

	"github.com/ThreeDotsLabs/go-event-driven/common/log"
	"github.com/labstack/echo/v4"

	"ticketmarket/entity"
	"ticketmarket/payments"
)

const HeaderStripeSignature = "Stripe-Signature"

type postPaymentsRequest struct {
	OrderID           string `json:"orderId"`
	ConfirmationToken string `json:"confirmationToken"`
	Amount            int64  `json:"amount"`
}

func (s Server) PostPayments(c echo.Context) error {
	user, err := userID(c)
	if err != nil {
		return err
	}

	var request postPaymentsRequest
	if err := c.Bind(&request); err != nil {
		return err
	}

	result, err := s.services.Payments.CreatePayment(c.Request().Context(), payments.CreatePaymentRequest{
		UserID:            user,
		ConfirmationToken: request.ConfirmationToken,
		OrderID:           request.OrderID,
		Amount:            request.Amount,
	})
	if err != nil {
		return err
	}

	return c.JSON(http.StatusCreated, result)
}

// PostPaymentsWebhook answers 200 to everything with a valid signature, so the provider stops
// redelivering; reconciliation failures are only logged.
func (s Server) PostPaymentsWebhook(c echo.Context) error {
	payload, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "could not read body").SetInternal(err)
	}

	ctx := c.Request().Context()
	err = s.services.Payments.HandleWebhook(ctx, payload, c.Request().Header.Get(HeaderStripeSignature))

	var validation entity.ValidationError
	if errors.As(err, &validation) {
		return err
	}
	if err != nil {
		log.FromContext(ctx).WithError(err).Error("Webhook not reconciled")
	}

	return c.NoContent(http.StatusOK)
}
