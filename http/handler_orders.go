package http

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"ticketmarket/orders"
)

type postOrdersRequest struct {
	Tickets []orders.TicketRequest `json:"tickets"`
}

func (s Server) PostOrders(c echo.Context) error {
	user, err := userID(c)
	if err != nil {
		return err
	}

	var request postOrdersRequest
	if err := c.Bind(&request); err != nil {
		return err
	}

	reservation, err := s.services.Orders.Reserve(c.Request().Context(), user, request.Tickets)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusCreated, reservation)
}

func (s Server) GetOrders(c echo.Context) error {
	user, err := userID(c)
	if err != nil {
		return err
	}

	list, err := s.services.Orders.ListOrders(c.Request().Context(), user)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, list)
}

func (s Server) GetOrder(c echo.Context) error {
	user, err := userID(c)
	if err != nil {
		return err
	}

	order, err := s.services.Orders.GetOrder(c.Request().Context(), user, c.Param("id"))
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, order)
}

func (s Server) DeleteOrder(c echo.Context) error {
	user, err := userID(c)
	if err != nil {
		return err
	}

	order, err := s.services.Orders.Cancel(c.Request().Context(), user, c.Param("id"))
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, order)
}
