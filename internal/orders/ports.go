package orders

import (
	"context"
	"time"
)

// UnitOfWork runs fn inside one atomic transaction. The transaction travels
// in the ctx handed to fn; nested calls join the outer transaction.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// StockLedger is the only writer of product stock. Both calls lock the
// product row until the enclosing transaction ends and return the row as it
// is after the change.
type StockLedger interface {
	Reserve(ctx context.Context, productID string, qty int) (Product, error)
	Restore(ctx context.Context, productID string, qty int) (Product, error)
}

// Repository persists orders, items and history. It does not validate
// status transitions.
type Repository interface {
	CreateOrder(ctx context.Context, o Order) error
	InsertItems(ctx context.Context, items []OrderItem) error
	AppendHistory(ctx context.Context, h StatusHistory) error
	SetStatus(ctx context.Context, orderID string, status Status, at time.Time) error

	Get(ctx context.Context, orderID string) (Order, error)
	GetForUpdate(ctx context.Context, orderID string) (Order, error)
	LoadWithItems(ctx context.Context, orderID string) (Order, error)
	FindByExternalID(ctx context.Context, externalID string) (Order, error)
	History(ctx context.Context, orderID string) ([]StatusHistory, error)

	GetProducts(ctx context.Context, ids []string) (map[string]Product, error)
	ListProducts(ctx context.Context) ([]Product, error)
}

// EventPublisher announces committed changes. Calls happen after commit and
// failures never undo the change.
type EventPublisher interface {
	OrderCreated(ctx context.Context, o Order) error
	StatusChanged(ctx context.Context, o Order, from Status, actor, note string) error
}

// StatusCache is a read-through cache of order status for display paths.
// PutStatus carries the order's UpdatedAt; an older write never replaces a newer one.
type StatusCache interface {
	PutStatus(ctx context.Context, orderID string, status Status, updatedAt time.Time) error
	GetStatus(ctx context.Context, orderID string) (Status, bool, error)
}
