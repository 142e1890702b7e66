// Package memstore is an in-process implementation of the order engine ports.
// Rows are guarded by exclusive locks held until the enclosing transaction
// ends, and every write inside a transaction is journaled so a failed unit of
// work leaves no trace. It does not provide snapshot isolation: uncommitted
// order rows are visible to unlocked reads.
package memstore

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ariefcatur/go-order-engine/internal/orders"
)

const defaultLockWait = 2 * time.Second

var errLockTimeout = errors.New("memstore: lock wait timeout")

type Option func(*Store)

// WithLockWait bounds row lock waits when ctx carries no deadline.
func WithLockWait(d time.Duration) Option {
	return func(s *Store) { s.lockWait = d }
}

type Store struct {
	mu         sync.Mutex
	products   map[string]orders.Product
	orders     map[string]orders.Order
	items      map[string][]orders.OrderItem
	history    map[string][]orders.StatusHistory
	byExternal map[string]string
	rowLocks   map[string]chan struct{}
	lockWait   time.Duration
}

var (
	_ orders.UnitOfWork  = (*Store)(nil)
	_ orders.StockLedger = (*Store)(nil)
	_ orders.Repository  = (*Store)(nil)
)

func New(opts ...Option) *Store {
	s := &Store{
		products:   make(map[string]orders.Product),
		orders:     make(map[string]orders.Order),
		items:      make(map[string][]orders.OrderItem),
		history:    make(map[string][]orders.StatusHistory),
		byExternal: make(map[string]string),
		rowLocks:   make(map[string]chan struct{}),
		lockWait:   defaultLockWait,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type txKey struct{}

type tx struct {
	held map[string]bool
	undo []func()
}

func txFrom(ctx context.Context) *tx {
	t, _ := ctx.Value(txKey{}).(*tx)
	return t
}

// RunInTx commits when fn returns nil and ctx is still live; otherwise every
// journaled write is undone in reverse order. Row locks are released last.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if txFrom(ctx) != nil {
		return fn(ctx)
	}
	t := &tx{held: make(map[string]bool)}
	committed := false
	defer func() {
		if !committed {
			s.rollback(t)
		}
		s.release(t)
	}()

	err := fn(context.WithValue(ctx, txKey{}, t))
	if err == nil && ctx.Err() != nil {
		err = orders.Transient(fmt.Errorf("commit: %w", ctx.Err()))
	}
	if err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *Store) rollback(t *tx) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
}

func (s *Store) release(t *tx) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range t.held {
		<-s.rowLocks[key]
	}
}

// lockRow blocks until the row is free, ctx ends, or the lock wait elapses.
func (s *Store) lockRow(ctx context.Context, t *tx, key string) error {
	if t.held[key] {
		return nil
	}
	s.mu.Lock()
	ch, ok := s.rowLocks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		s.rowLocks[key] = ch
	}
	s.mu.Unlock()

	var timeout <-chan time.Time
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && s.lockWait > 0 {
		timer := time.NewTimer(s.lockWait)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case ch <- struct{}{}:
		t.held[key] = true
		return nil
	case <-ctx.Done():
		return orders.Transient(fmt.Errorf("lock %s: %w", key, ctx.Err()))
	case <-timeout:
		return orders.Transient(fmt.Errorf("lock %s: %w", key, errLockTimeout))
	}
}

// journal records an undo step when running inside a transaction. Callers
// hold s.mu.
func journal(t *tx, undo func()) {
	if t != nil {
		t.undo = append(t.undo, undo)
	}
}

func productKey(id string) string { return "product:" + id }
func orderKey(id string) string   { return "order:" + id }

// ---- catalog administration (outside the engine's write paths) ----

// PutProduct inserts or replaces a catalog row.
func (s *Store) PutProduct(p orders.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[p.ID] = p
}

// SetPrice changes a product's catalog price.
func (s *Store) SetPrice(productID string, price decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[productID]
	if !ok {
		return fmt.Errorf("%w: product %s", orders.ErrNotFound, productID)
	}
	p.Price = price
	s.products[productID] = p
	return nil
}

func (s *Store) Product(productID string) (orders.Product, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[productID]
	return p, ok
}

// OrderCount counts persisted order headers.
func (s *Store) OrderCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders)
}

// ---- StockLedger ----

func (s *Store) Reserve(ctx context.Context, productID string, qty int) (orders.Product, error) {
	return s.adjust(ctx, productID, qty, true)
}

func (s *Store) Restore(ctx context.Context, productID string, qty int) (orders.Product, error) {
	return s.adjust(ctx, productID, qty, false)
}

func (s *Store) adjust(ctx context.Context, productID string, qty int, reserve bool) (orders.Product, error) {
	if qty <= 0 {
		return orders.Product{}, fmt.Errorf("%w: quantity must be positive, got %d", orders.ErrInvalidItem, qty)
	}
	t := txFrom(ctx)
	if t == nil {
		return orders.Product{}, orders.ErrNoTransaction
	}
	if err := s.lockRow(ctx, t, productKey(productID)); err != nil {
		return orders.Product{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[productID]
	if !ok {
		return orders.Product{}, fmt.Errorf("%w: product %s not found", orders.ErrInvalidItem, productID)
	}
	delta := qty
	if reserve {
		if !p.Active {
			return orders.Product{}, fmt.Errorf("%w: product %s is inactive", orders.ErrInvalidItem, productID)
		}
		if p.Stock < qty {
			return orders.Product{}, &orders.InsufficientStockError{ProductID: productID, Requested: qty, Available: p.Stock}
		}
		delta = -qty
	}
	p.Stock += delta
	s.products[productID] = p
	journal(t, func() {
		cur := s.products[productID]
		cur.Stock -= delta
		s.products[productID] = cur
	})
	return p, nil
}

// ---- Repository ----

func (s *Store) CreateOrder(ctx context.Context, o orders.Order) error {
	t := txFrom(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[o.ID]; ok {
		return fmt.Errorf("memstore: order %s already exists", o.ID)
	}
	if o.ExternalID != "" {
		if _, ok := s.byExternal[o.ExternalID]; ok {
			return fmt.Errorf("%w: %s", orders.ErrDuplicateOrder, o.ExternalID)
		}
		s.byExternal[o.ExternalID] = o.ID
	}
	o.Items = nil
	s.orders[o.ID] = o
	journal(t, func() {
		delete(s.orders, o.ID)
		if o.ExternalID != "" {
			delete(s.byExternal, o.ExternalID)
		}
	})
	return nil
}

func (s *Store) InsertItems(ctx context.Context, items []orders.OrderItem) error {
	t := txFrom(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range items {
		if _, ok := s.orders[it.OrderID]; !ok {
			return fmt.Errorf("%w: order %s", orders.ErrNotFound, it.OrderID)
		}
	}
	for _, it := range items {
		prev := s.items[it.OrderID]
		s.items[it.OrderID] = append(slices.Clip(prev), it)
		orderID := it.OrderID
		journal(t, func() { s.items[orderID] = prev })
	}
	return nil
}

func (s *Store) AppendHistory(ctx context.Context, h orders.StatusHistory) error {
	t := txFrom(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[h.OrderID]; !ok {
		return fmt.Errorf("%w: order %s", orders.ErrNotFound, h.OrderID)
	}
	prev := s.history[h.OrderID]
	s.history[h.OrderID] = append(slices.Clip(prev), h)
	journal(t, func() { s.history[h.OrderID] = prev })
	return nil
}

func (s *Store) SetStatus(ctx context.Context, orderID string, status orders.Status, at time.Time) error {
	t := txFrom(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: order %s", orders.ErrNotFound, orderID)
	}
	prev := o
	o.Status, o.UpdatedAt = status, at
	s.orders[orderID] = o
	journal(t, func() { s.orders[orderID] = prev })
	return nil
}

func (s *Store) Get(_ context.Context, orderID string) (orders.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return orders.Order{}, fmt.Errorf("%w: order %s", orders.ErrNotFound, orderID)
	}
	return o, nil
}

func (s *Store) GetForUpdate(ctx context.Context, orderID string) (orders.Order, error) {
	t := txFrom(ctx)
	if t == nil {
		return orders.Order{}, orders.ErrNoTransaction
	}
	if _, err := s.Get(ctx, orderID); err != nil {
		return orders.Order{}, err
	}
	if err := s.lockRow(ctx, t, orderKey(orderID)); err != nil {
		return orders.Order{}, err
	}
	return s.Get(ctx, orderID)
}

func (s *Store) LoadWithItems(_ context.Context, orderID string) (orders.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(orderID)
}

func (s *Store) loadLocked(orderID string) (orders.Order, error) {
	o, ok := s.orders[orderID]
	if !ok {
		return orders.Order{}, fmt.Errorf("%w: order %s", orders.ErrNotFound, orderID)
	}
	o.Items = slices.Clone(s.items[orderID])
	slices.SortStableFunc(o.Items, func(a, b orders.OrderItem) int {
		return cmp.Compare(a.ProductID, b.ProductID)
	})
	return o, nil
}

func (s *Store) FindByExternalID(_ context.Context, externalID string) (orders.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byExternal[externalID]
	if !ok {
		return orders.Order{}, fmt.Errorf("%w: order %s", orders.ErrNotFound, externalID)
	}
	return s.loadLocked(id)
}

// History returns rows in append order, which is also timestamp order.
func (s *Store) History(_ context.Context, orderID string) ([]orders.StatusHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[orderID]; !ok {
		return nil, fmt.Errorf("%w: order %s", orders.ErrNotFound, orderID)
	}
	return slices.Clone(s.history[orderID]), nil
}

func (s *Store) GetProducts(_ context.Context, ids []string) (map[string]orders.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]orders.Product, len(ids))
	for _, id := range ids {
		if p, ok := s.products[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (s *Store) ListProducts(_ context.Context) ([]orders.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]orders.Product, 0, len(s.products))
	for _, p := range s.products {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b orders.Product) int {
		return cmp.Compare(a.SKU, b.SKU)
	})
	return out, nil
}
