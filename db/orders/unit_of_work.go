package orders

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"

	dbLib "ticketmarket/db"
	ordersService "ticketmarket/orders"
	"ticketmarket/pubsub/outbox"
)

// UnitOfWork runs order service work in one Postgres transaction, events going through the outbox.
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
	fn func(ctx context.Context, repo ordersService.Repository, events ordersService.EventPublisher) error,
) error {
	return dbLib.UpdateInTx(ctx, u.db, sql.LevelReadCommitted, func(ctx context.Context, tx *sqlx.Tx) error {
		publisher, err := u.publishers.ForTx(tx.Tx)
		if err != nil {
			return err
		}
		return fn(ctx, NewPostgresRepository(tx), publisher)
	})
}
