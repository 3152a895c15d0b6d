package tickets

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	dbLib "ticketmarket/db"
	"ticketmarket/entity"
	"ticketmarket/inventory"
	"ticketmarket/pubsub/outbox"
)

// PostgresRepository stores the inventory service's tickets.
type PostgresRepository struct {
	db sqlx.ExtContext
}

func NewPostgresRepository(db sqlx.ExtContext) *PostgresRepository {
	if db == nil {
		panic("db is nil")
	}

	return &PostgresRepository{db: db}
}

const selectTickets = `
	SELECT ticket_id, title, price, COALESCE(reservation_owner, '') AS reservation_owner, version
	FROM inventory_tickets
`

func (r *PostgresRepository) AddTicket(ctx context.Context, ticket entity.Ticket) error {
	_, err := sqlx.NamedExecContext(ctx, r.db, `
		INSERT INTO inventory_tickets (ticket_id, title, price, reservation_owner, version)
		VALUES (:ticket_id, :title, :price, NULLIF(:reservation_owner, ''), :version)
	`, ticket)
	if dbLib.IsUniqueViolation(err) {
		return entity.ConflictError{Entity: "ticket", ID: ticket.ID, Expected: ticket.Version}
	}
	if err != nil {
		return fmt.Errorf("could not insert ticket %s: %w", ticket.ID, err)
	}
	return nil
}

func (r *PostgresRepository) GetTicket(ctx context.Context, ticketID string) (entity.Ticket, error) {
	var ticket entity.Ticket
	err := sqlx.GetContext(ctx, r.db, &ticket, selectTickets+`WHERE ticket_id = $1`, ticketID)
	if errors.Is(err, sql.ErrNoRows) {
		return entity.Ticket{}, entity.NotFoundError{Entity: "ticket", ID: ticketID}
	}
	if err != nil {
		return entity.Ticket{}, fmt.Errorf("could not get ticket %s: %w", ticketID, err)
	}
	return ticket, nil
}

func (r *PostgresRepository) ListTickets(ctx context.Context) ([]entity.Ticket, error) {
	var tickets []entity.Ticket
	err := sqlx.SelectContext(ctx, r.db, &tickets, selectTickets+`ORDER BY created_at, ticket_id`)
	if err != nil {
		return nil, fmt.Errorf("could not list tickets: %w", err)
	}
	return tickets, nil
}

func (r *PostgresRepository) UpdateTicket(ctx context.Context, ticket entity.Ticket, expectedVersion int64) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE inventory_tickets
		SET title = $2, price = $3, reservation_owner = NULLIF($4, ''), version = $5
		WHERE ticket_id = $1 AND version = $6
	`, ticket.ID, ticket.Title, ticket.Price, ticket.ReservationOwner, ticket.Version, expectedVersion)
	if err != nil {
		return fmt.Errorf("could not update ticket %s: %w", ticket.ID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 1 {
		return nil
	}

	current, err := r.GetTicket(ctx, ticket.ID)
	if err != nil {
		return err
	}
	return entity.ConflictError{Entity: "ticket", ID: ticket.ID, Expected: expectedVersion, Actual: current.Version}
}

func (r *PostgresRepository) MarkOrderReleased(ctx context.Context, orderID string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO inventory_released_orders (order_id)
		VALUES ($1)
		ON CONFLICT DO NOTHING
	`, orderID)
	if err != nil {
		return fmt.Errorf("could not mark order %s released: %w", orderID, err)
	}
	return nil
}

func (r *PostgresRepository) IsOrderReleased(ctx context.Context, orderID string) (bool, error) {
	var released bool
	err := sqlx.GetContext(ctx, r.db, &released, `
		SELECT EXISTS (SELECT 1 FROM inventory_released_orders WHERE order_id = $1)
	`, orderID)
	if err != nil {
		return false, fmt.Errorf("could not check order %s: %w", orderID, err)
	}
	return released, nil
}

type UnitOfWork struct {
	db         *sqlx.DB
	publishers outbox.Publishers
}

func NewUnitOfWork(db *sqlx.DB, publishers outbox.Publishers) UnitOfWork {
	if db == nil {
		panic("db is nil")
	}

	return UnitOfWork{db: db, publishers: publishers}
}

func (u UnitOfWork) Do(
	ctx context.Context,
	fn func(ctx context.Context, repo inventory.Repository, events inventory.EventPublisher) error,
) error {
	return dbLib.UpdateInTx(ctx, u.db, sql.LevelReadCommitted, func(ctx context.Context, tx *sqlx.Tx) error {
		publisher, err := u.publishers.ForTx(tx.Tx)
		if err != nil {
			return err
		}
		return fn(ctx, NewPostgresRepository(tx), publisher)
	})
}
