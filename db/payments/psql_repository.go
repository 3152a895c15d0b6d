package payments

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/samber/lo"

	dbLib "ticketmarket/db"
	"ticketmarket/entity"
	paymentsService "ticketmarket/payments"
	"ticketmarket/pubsub/outbox"
)

type PostgresRepository struct {
	db sqlx.ExtContext
}

func NewPostgresRepository(db sqlx.ExtContext) *PostgresRepository {
	if db == nil {
		panic("db is nil")
	}

	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) GetOrder(ctx context.Context, orderID string) (entity.PaymentOrder, error) {
	var order entity.PaymentOrder
	err := sqlx.GetContext(ctx, r.db, &order, `
		SELECT order_id, user_id, status, total_price, version
		FROM payments_orders
		WHERE order_id = $1
	`, orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return entity.PaymentOrder{}, entity.NotFoundError{Entity: "order", ID: orderID}
	}
	if err != nil {
		return entity.PaymentOrder{}, fmt.Errorf("could not get order %s: %w", orderID, err)
	}
	return order, nil
}

func (r *PostgresRepository) AddOrder(ctx context.Context, order entity.PaymentOrder) (bool, error) {
	res, err := sqlx.NamedExecContext(ctx, r.db, `
		INSERT INTO payments_orders (order_id, user_id, status, total_price, version)
		VALUES (:order_id, :user_id, :status, :total_price, :version)
		ON CONFLICT (order_id) DO NOTHING
	`, order)
	if err != nil {
		return false, fmt.Errorf("could not insert order %s: %w", order.ID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rowsAffected == 1, nil
}

func (r *PostgresRepository) UpdateOrder(ctx context.Context, order entity.PaymentOrder, expectedVersion int64) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE payments_orders
		SET status = $2, total_price = $3, version = $4
		WHERE order_id = $1 AND version = $5
	`, order.ID, order.Status, order.TotalPrice, order.Version, expectedVersion)
	if err != nil {
		return fmt.Errorf("could not update order %s: %w", order.ID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 1 {
		return nil
	}

	current, err := r.GetOrder(ctx, order.ID)
	if err != nil {
		return err
	}
	return entity.ConflictError{Entity: "order", ID: order.ID, Expected: expectedVersion, Actual: current.Version}
}

func (r *PostgresRepository) AddPayment(ctx context.Context, payment entity.Payment) error {
	_, err := sqlx.NamedExecContext(ctx, r.db, `
		INSERT INTO payments (payment_id, order_id, external_payment_id, status, version, created_at)
		VALUES (:payment_id, :order_id, :external_payment_id, :status, :version, :created_at)
	`, payment)
	if dbLib.IsUniqueViolation(err) {
		return entity.ConflictError{Entity: "payment", ID: payment.ID, Expected: payment.Version}
	}
	if err != nil {
		return fmt.Errorf("could not insert payment %s: %w", payment.ID, err)
	}
	return nil
}

const selectPayments = `
	SELECT payment_id, order_id, external_payment_id, status, version, created_at
	FROM payments
`

func (r *PostgresRepository) FindPaymentsByOrder(ctx context.Context, orderID string) ([]entity.Payment, error) {
	var payments []entity.Payment
	err := sqlx.SelectContext(ctx, r.db, &payments, selectPayments+`WHERE order_id = $1 ORDER BY created_at`, orderID)
	if err != nil {
		return nil, fmt.Errorf("could not find payments of order %s: %w", orderID, err)
	}
	return payments, nil
}

func (r *PostgresRepository) GetPaymentByExternalID(ctx context.Context, externalPaymentID string) (entity.Payment, error) {
	var payment entity.Payment
	err := sqlx.GetContext(ctx, r.db, &payment, selectPayments+`WHERE external_payment_id = $1`, externalPaymentID)
	if errors.Is(err, sql.ErrNoRows) {
		return entity.Payment{}, entity.NotFoundError{Entity: "payment", ID: externalPaymentID}
	}
	if err != nil {
		return entity.Payment{}, fmt.Errorf("could not get payment %s: %w", externalPaymentID, err)
	}
	return payment, nil
}

func (r *PostgresRepository) UpdatePaymentStatus(
	ctx context.Context,
	paymentID string,
	status entity.PaymentStatus,
	from []entity.PaymentStatus,
) (bool, error) {
	fromStatuses := lo.Map(from, func(s entity.PaymentStatus, _ int) string { return string(s) })

	res, err := r.db.ExecContext(ctx, `
		UPDATE payments
		SET status = $2, version = version + 1
		WHERE payment_id = $1 AND status = ANY($3)
	`, paymentID, status, pq.Array(fromStatuses))
	if err != nil {
		return false, fmt.Errorf("could not update payment %s: %w", paymentID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rowsAffected == 1, nil
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
	fn func(ctx context.Context, repo paymentsService.Repository, events paymentsService.EventPublisher) error,
) error {
	return dbLib.UpdateInTx(ctx, u.db, sql.LevelReadCommitted, func(ctx context.Context, tx *sqlx.Tx) error {
		publisher, err := u.publishers.ForTx(tx.Tx)
		if err != nil {
			return err
		}
		return fn(ctx, NewPostgresRepository(tx), publisher)
	})
}
