package http

import (
	"context"
	"errors"
	"net/http"

	echoHTTP "github.com/ThreeDotsLabs/go-event-driven/common/http"
	"github.com/ThreeDotsLabs/go-event-driven/common/log"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"ticketmarket/entity"
	"ticketmarket/inventory"
	"ticketmarket/orders"
	"ticketmarket/payments"
)

const HeaderUserID = "X-User-Id"

type OrdersService interface {
	Reserve(ctx context.Context, userID string, requested []orders.TicketRequest) (orders.Reservation, error)
	GetOrder(ctx context.Context, userID, orderID string) (entity.Order, error)
	ListOrders(ctx context.Context, userID string) ([]entity.Order, error)
	Cancel(ctx context.Context, userID, orderID string) (entity.Order, error)
}

type InventoryService interface {
	CreateTicket(ctx context.Context, title string, price int64) (entity.Ticket, error)
	GetTicket(ctx context.Context, ticketID string) (entity.Ticket, error)
	ListTickets(ctx context.Context) ([]entity.Ticket, error)
	UpdateTicket(ctx context.Context, ticketID string, update inventory.TicketUpdate) (entity.Ticket, error)
}

type PaymentsService interface {
	CreatePayment(ctx context.Context, req payments.CreatePaymentRequest) (payments.CreatePaymentResult, error)
	HandleWebhook(ctx context.Context, payload []byte, signature string) error
}

// Services served by one process. Routes of a nil service are not registered.
type Services struct {
	Orders    OrdersService
	Inventory InventoryService
	Payments  PaymentsService
}

type Server struct {
	addr     string
	e        *echo.Echo
	services Services
}

func NewServer(addr string, serviceName string, services Services) *Server {
	e := echoHTTP.NewEcho()
	e.Use(otelecho.Middleware(serviceName))

	defaultErrorHandler := e.HTTPErrorHandler
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		defaultErrorHandler(toHTTPError(err), c)
	}

	server := &Server{
		addr:     addr,
		e:        e,
		services: services,
	}

	e.GET("/health", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := e.Group("/api")

	if services.Orders != nil {
		api.POST("/orders", server.PostOrders)
		api.GET("/orders", server.GetOrders)
		api.GET("/orders/:id", server.GetOrder)
		api.DELETE("/orders/:id", server.DeleteOrder)
	}

	if services.Inventory != nil {
		api.POST("/tickets", server.PostTickets)
		api.GET("/tickets", server.GetTickets)
		api.GET("/tickets/:id", server.GetTicket)
		api.PUT("/tickets/:id", server.PutTicket)
	}

	if services.Payments != nil {
		api.POST("/payments", server.PostPayments)
		api.POST("/payments/webhook", server.PostPaymentsWebhook)
	}

	return server
}

// Handler exposes the routes without listening, for tests.
func (s *Server) Handler() http.Handler {
	return s.e
}

func (s *Server) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		// ctx is already cancelled here, shutdown gets a fresh one
		err := s.e.Shutdown(context.Background())
		if err != nil {
			log.FromContext(ctx).WithError(err).Error("failed to shutdown HTTP server")
		}
	}()

	log.FromContext(ctx).WithField("addr", s.addr).Info("[HTTP] server listening")
	if err := s.e.Start(s.addr); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func userID(c echo.Context) (string, error) {
	id := c.Request().Header.Get(HeaderUserID)
	if id == "" {
		return "", entity.UnauthorizedError{Message: HeaderUserID + " header is required"}
	}
	return id, nil
}
