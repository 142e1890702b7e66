package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/ariefcatur/go-order-engine/internal/orders"
)

// StockLedger mutates products.stock under SELECT ... FOR UPDATE. Reserve and
// Restore only run inside a transaction opened by TxManager.
type StockLedger struct{ DB *pgxpool.Pool }

var _ orders.StockLedger = (*StockLedger)(nil)

func (l *StockLedger) Reserve(ctx context.Context, productID string, qty int) (orders.Product, error) {
	if qty <= 0 {
		return orders.Product{}, fmt.Errorf("%w: quantity must be positive, got %d", orders.ErrInvalidItem, qty)
	}
	tx, ok := txFrom(ctx)
	if !ok {
		return orders.Product{}, orders.ErrNoTransaction
	}

	p, err := lockProduct(ctx, tx, productID)
	if err != nil {
		return orders.Product{}, err
	}
	if !p.Active {
		return orders.Product{}, fmt.Errorf("%w: product %s is inactive", orders.ErrInvalidItem, productID)
	}
	if p.Stock < qty {
		return orders.Product{}, &orders.InsufficientStockError{ProductID: productID, Requested: qty, Available: p.Stock}
	}

	err = tx.QueryRow(ctx, `
		UPDATE products SET stock = stock - $2, updated_at = now()
		WHERE id = $1
		RETURNING stock, updated_at`, productID, qty).Scan(&p.Stock, &p.UpdatedAt)
	if err != nil {
		return orders.Product{}, classify(fmt.Errorf("reserve %s: %w", productID, err))
	}
	return p, nil
}

// Restore has no upper bound; nominal capacity is not this ledger's concern.
func (l *StockLedger) Restore(ctx context.Context, productID string, qty int) (orders.Product, error) {
	if qty <= 0 {
		return orders.Product{}, fmt.Errorf("%w: quantity must be positive, got %d", orders.ErrInvalidItem, qty)
	}
	tx, ok := txFrom(ctx)
	if !ok {
		return orders.Product{}, orders.ErrNoTransaction
	}

	p, err := lockProduct(ctx, tx, productID)
	if err != nil {
		return orders.Product{}, err
	}
	err = tx.QueryRow(ctx, `
		UPDATE products SET stock = stock + $2, updated_at = now()
		WHERE id = $1
		RETURNING stock, updated_at`, productID, qty).Scan(&p.Stock, &p.UpdatedAt)
	if err != nil {
		return orders.Product{}, classify(fmt.Errorf("restore %s: %w", productID, err))
	}
	return p, nil
}

// Stock reads the current stock without locking, for display and checks.
func (l *StockLedger) Stock(ctx context.Context, productID string) (int, error) {
	var n int
	err := conn(ctx, l.DB).QueryRow(ctx, `SELECT stock FROM products WHERE id = $1`, productID).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("%w: product %s", orders.ErrNotFound, productID)
	}
	if err != nil {
		return 0, classify(err)
	}
	return n, nil
}

func lockProduct(ctx context.Context, tx pgx.Tx, productID string) (orders.Product, error) {
	var (
		p     orders.Product
		price string
	)
	err := tx.QueryRow(ctx, `
		SELECT id, sku, name, price::text, stock, active, created_at, updated_at
		FROM products WHERE id = $1
		FOR UPDATE`, productID).
		Scan(&p.ID, &p.SKU, &p.Name, &price, &p.Stock, &p.Active, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return orders.Product{}, fmt.Errorf("%w: product %s not found", orders.ErrInvalidItem, productID)
	}
	if err != nil {
		return orders.Product{}, classify(fmt.Errorf("lock product %s: %w", productID, err))
	}
	if p.Price, err = decimal.NewFromString(price); err != nil {
		return orders.Product{}, fmt.Errorf("decode price of %s: %w", productID, err)
	}
	return p, nil
}
