package db

import (
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Each service owns its tables; in a shared database the prefixes keep them apart.
const schema = `
CREATE TABLE IF NOT EXISTS orders (
	order_id VARCHAR(36) PRIMARY KEY,
	user_id VARCHAR(255) NOT NULL,
	status VARCHAR(32) NOT NULL,
	expires_at TIMESTAMPTZ,
	version BIGINT NOT NULL,
	tickets JSONB NOT NULL,
	total_price BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS orders_user_id_idx ON orders (user_id);

CREATE TABLE IF NOT EXISTS orders_tickets (
	ticket_id VARCHAR(36) PRIMARY KEY,
	title VARCHAR(255) NOT NULL,
	price BIGINT NOT NULL,
	reservation_owner VARCHAR(36),
	version BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS inventory_tickets (
	ticket_id VARCHAR(36) PRIMARY KEY,
	title VARCHAR(255) NOT NULL,
	price BIGINT NOT NULL,
	reservation_owner VARCHAR(36),
	version BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS inventory_released_orders (
	order_id VARCHAR(36) PRIMARY KEY,
	released_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS payments_orders (
	order_id VARCHAR(36) PRIMARY KEY,
	user_id VARCHAR(255) NOT NULL,
	status VARCHAR(32) NOT NULL,
	total_price BIGINT NOT NULL,
	version BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS payments (
	payment_id VARCHAR(36) PRIMARY KEY,
	order_id VARCHAR(36) NOT NULL,
	external_payment_id VARCHAR(255) NOT NULL UNIQUE,
	status VARCHAR(32) NOT NULL,
	version BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS payments_order_id_idx ON payments (order_id);
`

func InitializeDatabaseSchema(db *sqlx.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("could not initialize database schema: %w", err)
	}
	return nil
}
