package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS products (
		id          TEXT PRIMARY KEY,
		sku         TEXT NOT NULL UNIQUE,
		name        TEXT NOT NULL,
		price       NUMERIC(12,2) NOT NULL CHECK (price >= 0),
		stock       INTEGER NOT NULL CHECK (stock >= 0),
		active      BOOLEAN NOT NULL DEFAULT true,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS orders (
		id               TEXT PRIMARY KEY,
		external_id      TEXT UNIQUE,
		customer_id      TEXT NOT NULL,
		delivery_address TEXT NOT NULL,
		contact_phone    TEXT NOT NULL,
		total            NUMERIC(12,2) NOT NULL CHECK (total >= 0),
		status           TEXT NOT NULL CHECK (status IN ('pending','verified','preparing','shipped','delivered','cancelled')),
		created_at       TIMESTAMPTZ NOT NULL,
		updated_at       TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_customer_id ON orders(customer_id)`,

	`CREATE TABLE IF NOT EXISTS order_items (
		id          TEXT PRIMARY KEY,
		order_id    TEXT NOT NULL REFERENCES orders(id),
		product_id  TEXT NOT NULL REFERENCES products(id),
		unit_price  NUMERIC(12,2) NOT NULL CHECK (unit_price >= 0),
		quantity    INTEGER NOT NULL CHECK (quantity > 0),
		subtotal    NUMERIC(12,2) NOT NULL,
		CHECK (subtotal = unit_price * quantity)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_order_items_order_id ON order_items(order_id)`,

	// seq breaks ties between rows written in the same transaction.
	`CREATE TABLE IF NOT EXISTS order_status_history (
		id          TEXT PRIMARY KEY,
		seq         BIGINT GENERATED ALWAYS AS IDENTITY,
		order_id    TEXT NOT NULL REFERENCES orders(id),
		from_status TEXT,
		to_status   TEXT NOT NULL,
		actor       TEXT NOT NULL,
		note        TEXT NOT NULL DEFAULT '',
		created_at  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_order_status_history_order_id ON order_status_history(order_id, created_at, seq)`,
}

// Migrate creates the schema if it does not exist yet.
func Migrate(ctx context.Context, db *pgxpool.Pool) error {
	for _, m := range migrations {
		if _, err := db.Exec(ctx, m); err != nil {
			return fmt.Errorf("run migration: %w", err)
		}
	}
	return nil
}
