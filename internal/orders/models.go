package orders

import (
	"time"

	"github.com/shopspring/decimal"
)

// ActorSystem marks history rows written by the engine or by automated callbacks.
const ActorSystem = "system"

type Product struct {
	ID        string
	SKU       string
	Name      string
	Price     decimal.Decimal
	Stock     int
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Order struct {
	ID              string
	ExternalID      string // optional client idempotency key
	CustomerID      string
	DeliveryAddress string
	ContactPhone    string
	Total           decimal.Decimal
	Status          Status
	CreatedAt       time.Time
	UpdatedAt       time.Time
	Items           []OrderItem
}

// OrderItem is immutable once written; UnitPrice is the price read under the
// stock lock when the order was created.
type OrderItem struct {
	ID        string
	OrderID   string
	ProductID string
	UnitPrice decimal.Decimal
	Quantity  int
	Subtotal  decimal.Decimal
}

// StatusHistory is one append-only audit row. FromStatus is empty for the
// row written when the order is created.
type StatusHistory struct {
	ID         string
	OrderID    string
	FromStatus Status
	ToStatus   Status
	Actor      string
	Note       string
	CreatedAt  time.Time
}

// LineSubtotal returns price × qty.
func LineSubtotal(price decimal.Decimal, qty int) decimal.Decimal {
	return price.Mul(decimal.NewFromInt(int64(qty)))
}

// ItemsTotal sums the subtotals of items.
func ItemsTotal(items []OrderItem) decimal.Decimal {
	total := decimal.Zero
	for _, it := range items {
		total = total.Add(it.Subtotal)
	}
	return total
}
