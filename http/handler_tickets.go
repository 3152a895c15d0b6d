package http

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"ticketmarket/inventory"
)

type postTicketsRequest struct {
	Title string `json:"title"`
	Price int64  `json:"price"`
}

func (s Server) PostTickets(c echo.Context) error {
	if _, err := userID(c); err != nil {
		return err
	}

	var request postTicketsRequest
	if err := c.Bind(&request); err != nil {
		return err
	}

	ticket, err := s.services.Inventory.CreateTicket(c.Request().Context(), request.Title, request.Price)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusCreated, ticket)
}

func (s Server) GetTickets(c echo.Context) error {
	tickets, err := s.services.Inventory.ListTickets(c.Request().Context())
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, tickets)
}

func (s Server) GetTicket(c echo.Context) error {
	ticket, err := s.services.Inventory.GetTicket(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, ticket)
}

func (s Server) PutTicket(c echo.Context) error {
	if _, err := userID(c); err != nil {
		return err
	}

	var request inventory.TicketUpdate
	if err := c.Bind(&request); err != nil {
		return err
	}

	ticket, err := s.services.Inventory.UpdateTicket(c.Request().Context(), c.Param("id"), request)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, ticket)
}
