package orders

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	dbLib "ticketmarket/db"
	"ticketmarket/entity"
)

type PostgresRepository struct {
	db sqlx.ExtContext
}

// NewPostgresRepository works on a *sqlx.DB as well as inside a *sqlx.Tx.
func NewPostgresRepository(db sqlx.ExtContext) *PostgresRepository {
	if db == nil {
		panic("db is nil")
	}

	return &PostgresRepository{db: db}
}

var releasingStatuses = pq.Array([]string{
	string(entity.OrderStatusExpired),
	string(entity.OrderStatusCancelled),
	string(entity.OrderStatusFailed),
	string(entity.OrderStatusRefunded),
})

const selectReservableTickets = `
	SELECT
		t.ticket_id,
		t.title,
		t.price,
		COALESCE(t.reservation_owner, '') AS reservation_owner,
		t.version,
		COALESCE(o.status, '') AS owner_status
	FROM orders_tickets t
	LEFT JOIN orders o ON o.order_id = t.reservation_owner
`

func (r *PostgresRepository) FindTickets(ctx context.Context, ticketIDs []string) ([]entity.ReservableTicket, error) {
	var tickets []entity.ReservableTicket
	err := sqlx.SelectContext(ctx, r.db, &tickets, selectReservableTickets+`WHERE t.ticket_id = ANY($1)`, pq.Array(ticketIDs))
	if err != nil {
		return nil, fmt.Errorf("could not select tickets: %w", err)
	}
	return tickets, nil
}

func (r *PostgresRepository) GetTicket(ctx context.Context, ticketID string) (entity.ReservableTicket, error) {
	var ticket entity.ReservableTicket
	err := sqlx.GetContext(ctx, r.db, &ticket, selectReservableTickets+`WHERE t.ticket_id = $1`, ticketID)
	if errors.Is(err, sql.ErrNoRows) {
		return entity.ReservableTicket{}, entity.NotFoundError{Entity: "ticket", ID: ticketID}
	}
	if err != nil {
		return entity.ReservableTicket{}, fmt.Errorf("could not get ticket %s: %w", ticketID, err)
	}
	return ticket, nil
}

func (r *PostgresRepository) AddTicket(ctx context.Context, ticket entity.Ticket) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO orders_tickets (ticket_id, title, price, version)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (ticket_id) DO NOTHING
	`, ticket.ID, ticket.Title, ticket.Price, ticket.Version)
	if err != nil {
		return false, fmt.Errorf("could not insert ticket %s: %w", ticket.ID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *PostgresRepository) UpdateTicket(ctx context.Context, ticket entity.Ticket, expectedVersion int64) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE orders_tickets
		SET title = $2, price = $3, version = $4
		WHERE ticket_id = $1 AND version = $5
	`, ticket.ID, ticket.Title, ticket.Price, ticket.Version, expectedVersion)
	if err != nil {
		return fmt.Errorf("could not update ticket %s: %w", ticket.ID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	current, err := r.GetTicket(ctx, ticket.ID)
	if err != nil {
		return err
	}
	return entity.ConflictError{Entity: "ticket", ID: ticket.ID, Expected: expectedVersion, Actual: current.Version}
}

// ClaimTicket is a single conditional update, so concurrent claims on one ticket cannot both win.
// An owner whose order row is not visible to this transaction keeps the ticket.
func (r *PostgresRepository) ClaimTicket(ctx context.Context, ticketID, orderID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE orders_tickets t
		SET reservation_owner = $2
		WHERE t.ticket_id = $1 AND (
			t.reservation_owner IS NULL
			OR EXISTS (
				SELECT 1 FROM orders o
				WHERE o.order_id = t.reservation_owner AND o.status = ANY($3)
			)
		)
	`, ticketID, orderID, releasingStatuses)
	if err != nil {
		return false, fmt.Errorf("could not claim ticket %s: %w", ticketID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

type orderRow struct {
	ID         string       `db:"order_id"`
	UserID     string       `db:"user_id"`
	Status     string       `db:"status"`
	ExpiresAt  sql.NullTime `db:"expires_at"`
	Version    int64        `db:"version"`
	Tickets    []byte       `db:"tickets"`
	TotalPrice int64        `db:"total_price"`
	CreatedAt  time.Time    `db:"created_at"`
}

func toOrderRow(order entity.Order) (orderRow, error) {
	tickets, err := json.Marshal(order.Tickets)
	if err != nil {
		return orderRow{}, fmt.Errorf("could not marshal tickets of order %s: %w", order.ID, err)
	}

	row := orderRow{
		ID:         order.ID,
		UserID:     order.UserID,
		Status:     string(order.Status),
		Version:    order.Version,
		Tickets:    tickets,
		TotalPrice: order.TotalPrice,
		CreatedAt:  order.CreatedAt,
	}
	if order.ExpiresAt != nil {
		row.ExpiresAt = sql.NullTime{Time: *order.ExpiresAt, Valid: true}
	}
	return row, nil
}

func (row orderRow) toEntity() (entity.Order, error) {
	order := entity.Order{
		ID:         row.ID,
		UserID:     row.UserID,
		Status:     entity.OrderStatus(row.Status),
		Version:    row.Version,
		TotalPrice: row.TotalPrice,
		CreatedAt:  row.CreatedAt.UTC(),
	}
	if row.ExpiresAt.Valid {
		expiresAt := row.ExpiresAt.Time.UTC()
		order.ExpiresAt = &expiresAt
	}
	if err := json.Unmarshal(row.Tickets, &order.Tickets); err != nil {
		return entity.Order{}, fmt.Errorf("could not unmarshal tickets of order %s: %w", row.ID, err)
	}
	return order, nil
}

func (r *PostgresRepository) AddOrder(ctx context.Context, order entity.Order) error {
	row, err := toOrderRow(order)
	if err != nil {
		return err
	}

	_, err = sqlx.NamedExecContext(ctx, r.db, `
		INSERT INTO orders (order_id, user_id, status, expires_at, version, tickets, total_price, created_at)
		VALUES (:order_id, :user_id, :status, :expires_at, :version, :tickets, :total_price, :created_at)
	`, row)
	if dbLib.IsUniqueViolation(err) {
		return entity.ConflictError{Entity: "order", ID: order.ID, Expected: order.Version}
	}
	if err != nil {
		return fmt.Errorf("could not insert order %s: %w", order.ID, err)
	}
	return nil
}

func (r *PostgresRepository) GetOrder(ctx context.Context, orderID string) (entity.Order, error) {
	var row orderRow
	err := sqlx.GetContext(ctx, r.db, &row, `SELECT * FROM orders WHERE order_id = $1`, orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return entity.Order{}, entity.NotFoundError{Entity: "order", ID: orderID}
	}
	if err != nil {
		return entity.Order{}, fmt.Errorf("could not get order %s: %w", orderID, err)
	}
	return row.toEntity()
}

func (r *PostgresRepository) UpdateOrder(ctx context.Context, order entity.Order, expectedVersion int64) error {
	if order.Version != expectedVersion+1 {
		return entity.ConflictError{Entity: "order", ID: order.ID, Expected: expectedVersion + 1, Actual: order.Version}
	}

	row, err := toOrderRow(order)
	if err != nil {
		return err
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE orders
		SET status = $2, expires_at = $3, version = $4, tickets = $5, total_price = $6
		WHERE order_id = $1 AND version = $7
	`, row.ID, row.Status, row.ExpiresAt, row.Version, row.Tickets, row.TotalPrice, expectedVersion)
	if err != nil {
		return fmt.Errorf("could not update order %s: %w", order.ID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	current, err := r.GetOrder(ctx, order.ID)
	if err != nil {
		return err
	}
	return entity.ConflictError{Entity: "order", ID: order.ID, Expected: expectedVersion, Actual: current.Version}
}

func (r *PostgresRepository) ListOrders(ctx context.Context, userID string) ([]entity.Order, error) {
	var rows []orderRow
	err := sqlx.SelectContext(ctx, r.db, &rows, `
		SELECT * FROM orders WHERE user_id = $1 ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("could not list orders: %w", err)
	}

	orders := make([]entity.Order, 0, len(rows))
	for _, row := range rows {
		o, err := row.toEntity()
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, nil
}
