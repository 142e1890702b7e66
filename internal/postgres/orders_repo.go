package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/ariefcatur/go-order-engine/internal/orders"
)

// OrderRepo is a plain persistence layer over orders, order_items and
// order_status_history. Writes use the transaction in ctx when present.
type OrderRepo struct{ DB *pgxpool.Pool }

var _ orders.Repository = (*OrderRepo)(nil)

const orderColumns = `id, COALESCE(external_id, ''), customer_id, delivery_address, contact_phone,
	total::text, status, created_at, updated_at`

func (r *OrderRepo) CreateOrder(ctx context.Context, o orders.Order) error {
	_, err := conn(ctx, r.DB).Exec(ctx, `
		INSERT INTO orders(id, external_id, customer_id, delivery_address, contact_phone, total, status, created_at, updated_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6::numeric, $7, $8, $9)`,
		o.ID, o.ExternalID, o.CustomerID, o.DeliveryAddress, o.ContactPhone,
		o.Total.StringFixed(2), string(o.Status), o.CreatedAt, o.UpdatedAt)
	if isUniqueViolation(err, "orders_external_id_key") {
		return fmt.Errorf("%w: %s", orders.ErrDuplicateOrder, o.ExternalID)
	}
	if err != nil {
		return classify(fmt.Errorf("insert order: %w", err))
	}
	return nil
}

// InsertItems writes all items in one batch round trip.
func (r *OrderRepo) InsertItems(ctx context.Context, items []orders.OrderItem) error {
	if len(items) == 0 {
		return nil
	}
	b := &pgx.Batch{}
	for _, it := range items {
		b.Queue(`
			INSERT INTO order_items(id, order_id, product_id, unit_price, quantity, subtotal)
			VALUES ($1, $2, $3, $4::numeric, $5, $6::numeric)`,
			it.ID, it.OrderID, it.ProductID, it.UnitPrice.StringFixed(2), it.Quantity, it.Subtotal.StringFixed(2))
	}
	if err := conn(ctx, r.DB).SendBatch(ctx, b).Close(); err != nil {
		return classify(fmt.Errorf("insert order items: %w", err))
	}
	return nil
}

func (r *OrderRepo) AppendHistory(ctx context.Context, h orders.StatusHistory) error {
	_, err := conn(ctx, r.DB).Exec(ctx, `
		INSERT INTO order_status_history(id, order_id, from_status, to_status, actor, note, created_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7)`,
		h.ID, h.OrderID, string(h.FromStatus), string(h.ToStatus), h.Actor, h.Note, h.CreatedAt)
	if err != nil {
		return classify(fmt.Errorf("append history: %w", err))
	}
	return nil
}

func (r *OrderRepo) SetStatus(ctx context.Context, orderID string, status orders.Status, at time.Time) error {
	ct, err := conn(ctx, r.DB).Exec(ctx,
		`UPDATE orders SET status = $2, updated_at = $3 WHERE id = $1`, orderID, string(status), at)
	if err != nil {
		return classify(fmt.Errorf("set status: %w", err))
	}
	if ct.RowsAffected() != 1 {
		return fmt.Errorf("%w: order %s", orders.ErrNotFound, orderID)
	}
	return nil
}

func (r *OrderRepo) Get(ctx context.Context, orderID string) (orders.Order, error) {
	row := conn(ctx, r.DB).QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, orderID)
	return scanOrder(row, orderID)
}

func (r *OrderRepo) GetForUpdate(ctx context.Context, orderID string) (orders.Order, error) {
	tx, ok := txFrom(ctx)
	if !ok {
		return orders.Order{}, orders.ErrNoTransaction
	}
	row := tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, orderID)
	return scanOrder(row, orderID)
}

func (r *OrderRepo) FindByExternalID(ctx context.Context, externalID string) (orders.Order, error) {
	row := conn(ctx, r.DB).QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE external_id = $1`, externalID)
	o, err := scanOrder(row, externalID)
	if err != nil {
		return orders.Order{}, err
	}
	return r.LoadWithItems(ctx, o.ID)
}

// LoadWithItems reads the header and all items with one joined query.
func (r *OrderRepo) LoadWithItems(ctx context.Context, orderID string) (orders.Order, error) {
	rows, err := conn(ctx, r.DB).Query(ctx, `
		SELECT o.id, COALESCE(o.external_id, ''), o.customer_id, o.delivery_address, o.contact_phone,
		       o.total::text, o.status, o.created_at, o.updated_at,
		       i.id, i.product_id, i.unit_price::text, i.quantity, i.subtotal::text
		FROM orders o
		LEFT JOIN order_items i ON i.order_id = o.id
		WHERE o.id = $1
		ORDER BY i.product_id`, orderID)
	if err != nil {
		return orders.Order{}, classify(fmt.Errorf("load order: %w", err))
	}
	defer rows.Close()

	var (
		o     orders.Order
		found bool
	)
	for rows.Next() {
		var (
			total, status       string
			itemID, productID   *string
			unitPrice, subtotal *string
			qty                 *int
		)
		if err := rows.Scan(&o.ID, &o.ExternalID, &o.CustomerID, &o.DeliveryAddress, &o.ContactPhone,
			&total, &status, &o.CreatedAt, &o.UpdatedAt,
			&itemID, &productID, &unitPrice, &qty, &subtotal); err != nil {
			return orders.Order{}, classify(err)
		}
		if !found {
			found = true
			o.Status = orders.Status(status)
			if o.Total, err = decimal.NewFromString(total); err != nil {
				return orders.Order{}, fmt.Errorf("decode total: %w", err)
			}
		}
		if itemID == nil {
			continue
		}
		it := orders.OrderItem{ID: *itemID, OrderID: o.ID, ProductID: *productID, Quantity: *qty}
		if it.UnitPrice, err = decimal.NewFromString(*unitPrice); err != nil {
			return orders.Order{}, fmt.Errorf("decode unit price: %w", err)
		}
		if it.Subtotal, err = decimal.NewFromString(*subtotal); err != nil {
			return orders.Order{}, fmt.Errorf("decode subtotal: %w", err)
		}
		o.Items = append(o.Items, it)
	}
	if err := rows.Err(); err != nil {
		return orders.Order{}, classify(err)
	}
	if !found {
		return orders.Order{}, fmt.Errorf("%w: order %s", orders.ErrNotFound, orderID)
	}
	return o, nil
}

func (r *OrderRepo) History(ctx context.Context, orderID string) ([]orders.StatusHistory, error) {
	rows, err := conn(ctx, r.DB).Query(ctx, `
		SELECT id, order_id, COALESCE(from_status, ''), to_status, actor, note, created_at
		FROM order_status_history
		WHERE order_id = $1
		ORDER BY created_at, seq`, orderID)
	if err != nil {
		return nil, classify(fmt.Errorf("list history: %w", err))
	}
	defer rows.Close()

	var out []orders.StatusHistory
	for rows.Next() {
		var (
			h        orders.StatusHistory
			from, to string
		)
		if err := rows.Scan(&h.ID, &h.OrderID, &from, &to, &h.Actor, &h.Note, &h.CreatedAt); err != nil {
			return nil, classify(err)
		}
		h.FromStatus, h.ToStatus = orders.Status(from), orders.Status(to)
		out = append(out, h)
	}
	return out, classify(rows.Err())
}

func (r *OrderRepo) GetProducts(ctx context.Context, ids []string) (map[string]orders.Product, error) {
	rows, err := conn(ctx, r.DB).Query(ctx, `
		SELECT id, sku, name, price::text, stock, active, created_at, updated_at
		FROM products WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, classify(fmt.Errorf("get products: %w", err))
	}
	out, err := scanProducts(rows)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]orders.Product, len(out))
	for _, p := range out {
		byID[p.ID] = p
	}
	return byID, nil
}

func (r *OrderRepo) ListProducts(ctx context.Context) ([]orders.Product, error) {
	rows, err := conn(ctx, r.DB).Query(ctx, `
		SELECT id, sku, name, price::text, stock, active, created_at, updated_at
		FROM products ORDER BY sku`)
	if err != nil {
		return nil, classify(fmt.Errorf("list products: %w", err))
	}
	return scanProducts(rows)
}

func scanOrder(row pgx.Row, key string) (orders.Order, error) {
	var (
		o             orders.Order
		total, status string
	)
	err := row.Scan(&o.ID, &o.ExternalID, &o.CustomerID, &o.DeliveryAddress, &o.ContactPhone,
		&total, &status, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return orders.Order{}, fmt.Errorf("%w: order %s", orders.ErrNotFound, key)
	}
	if err != nil {
		return orders.Order{}, classify(err)
	}
	o.Status = orders.Status(status)
	if o.Total, err = decimal.NewFromString(total); err != nil {
		return orders.Order{}, fmt.Errorf("decode total: %w", err)
	}
	return o, nil
}

func scanProducts(rows pgx.Rows) ([]orders.Product, error) {
	defer rows.Close()
	var out []orders.Product
	for rows.Next() {
		var (
			p     orders.Product
			price string
		)
		if err := rows.Scan(&p.ID, &p.SKU, &p.Name, &price, &p.Stock, &p.Active, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, classify(err)
		}
		var err error
		if p.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("decode price of %s: %w", p.ID, err)
		}
		out = append(out, p)
	}
	return out, classify(rows.Err())
}
