package statemachine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/ariefcatur/go-order-engine/internal/memstore"
	"github.com/ariefcatur/go-order-engine/internal/orders"
)

var errRestore = errors.New("restore failed")

// flakyLedger fails the Restore call for one product.
type flakyLedger struct {
	orders.StockLedger
	failOn string
}

func (l *flakyLedger) Restore(ctx context.Context, productID string, qty int) (orders.Product, error) {
	if productID == l.failOn {
		return orders.Product{}, errRestore
	}
	return l.StockLedger.Restore(ctx, productID, qty)
}

func newMachine(t testing.TB, store *memstore.Store, ledger orders.StockLedger) *Machine {
	if ledger == nil {
		ledger = store
	}
	m, err := New(Deps{Orders: store, Ledger: ledger, UnitOfWork: store})
	require.NoError(t, err)
	return m
}

// placeOrder writes an order the way checkout does: stock reserved, header,
// items and creation history in one unit of work.
func placeOrder(t testing.TB, store *memstore.Store, id string, qty map[string]int) {
	ctx := context.Background()
	err := store.RunInTx(ctx, func(ctx context.Context) error {
		now := time.Now().UTC()
		if err := store.CreateOrder(ctx, orders.Order{ID: id, CustomerID: "c", Status: orders.StatusPending, CreatedAt: now, UpdatedAt: now}); err != nil {
			return err
		}
		var items []orders.OrderItem
		for pid, q := range qty {
			p, err := store.Reserve(ctx, pid, q)
			if err != nil {
				return err
			}
			items = append(items, orders.OrderItem{ID: id + pid, OrderID: id, ProductID: pid, UnitPrice: p.Price, Quantity: q, Subtotal: orders.LineSubtotal(p.Price, q)})
		}
		if err := store.InsertItems(ctx, items); err != nil {
			return err
		}
		return store.AppendHistory(ctx, orders.StatusHistory{ID: id + "-h0", OrderID: id, ToStatus: orders.StatusPending, Actor: "c", CreatedAt: now})
	})
	require.NoError(t, err)
}

func seedProducts(store *memstore.Store, stock map[string]int) {
	for id, n := range stock {
		store.PutProduct(orders.Product{ID: id, SKU: id, Price: decimal.NewFromInt(5), Stock: n, Active: true})
	}
}

func stockOf(t testing.TB, store *memstore.Store, id string) int {
	p, ok := store.Product(id)
	require.True(t, ok)
	return p.Stock
}

func TestFulfilmentWalk(t *testing.T) {
	store := memstore.New()
	seedProducts(store, map[string]int{"A": 5})
	placeOrder(t, store, "o1", map[string]int{"A": 1})
	m := newMachine(t, store, nil)

	for _, to := range []orders.Status{orders.StatusVerified, orders.StatusPreparing, orders.StatusShipped, orders.StatusDelivered} {
		o, err := m.Transition(context.Background(), Request{OrderID: "o1", To: to, Actor: "ops"})
		require.NoError(t, err)
		assert.Equal(t, to, o.Status)
	}

	hist, err := m.History(context.Background(), "o1")
	require.NoError(t, err)
	require.Len(t, hist, 5)
	assert.True(t, ValidWalk(hist))
	assert.Equal(t, orders.StatusShipped, hist[4].FromStatus)
	assert.Equal(t, "ops", hist[4].Actor)
	assert.Equal(t, 4, stockOf(t, store, "A"))
}

func TestIllegalTransitionLeavesOrderUntouched(t *testing.T) {
	store := memstore.New()
	seedProducts(store, map[string]int{"A": 5})
	placeOrder(t, store, "o1", map[string]int{"A": 1})
	m := newMachine(t, store, nil)

	_, err := m.Transition(context.Background(), Request{OrderID: "o1", To: orders.StatusShipped})
	var te *orders.InvalidTransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, orders.StatusPending, te.From)
	assert.Equal(t, orders.StatusShipped, te.To)

	o, err := store.Get(context.Background(), "o1")
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPending, o.Status)
	hist, _ := store.History(context.Background(), "o1")
	assert.Len(t, hist, 1)
}

func TestTerminalStatesRejectChanges(t *testing.T) {
	store := memstore.New()
	seedProducts(store, map[string]int{"A": 5})
	placeOrder(t, store, "o1", map[string]int{"A": 1})
	m := newMachine(t, store, nil)

	_, err := m.Transition(context.Background(), Request{OrderID: "o1", To: orders.StatusCancelled})
	require.NoError(t, err)
	_, err = m.Transition(context.Background(), Request{OrderID: "o1", To: orders.StatusVerified})
	assert.ErrorIs(t, err, orders.ErrInvalidTransition)
}

func TestCancelRestoresStock(t *testing.T) {
	store := memstore.New()
	seedProducts(store, map[string]int{"A": 10, "B": 10})
	placeOrder(t, store, "o1", map[string]int{"A": 3, "B": 2})
	m := newMachine(t, store, nil)
	ctx := context.Background()

	for _, to := range []orders.Status{orders.StatusVerified, orders.StatusPreparing} {
		_, err := m.Transition(ctx, Request{OrderID: "o1", To: to})
		require.NoError(t, err)
	}
	require.Equal(t, 7, stockOf(t, store, "A"))
	require.Equal(t, 8, stockOf(t, store, "B"))

	o, err := m.Transition(ctx, Request{OrderID: "o1", To: orders.StatusCancelled, Actor: "admin", Note: "customer request"})
	require.NoError(t, err)
	assert.Equal(t, orders.StatusCancelled, o.Status)
	assert.Equal(t, 10, stockOf(t, store, "A"))
	assert.Equal(t, 10, stockOf(t, store, "B"))

	hist, _ := store.History(ctx, "o1")
	last := hist[len(hist)-1]
	assert.Equal(t, orders.StatusPreparing, last.FromStatus)
	assert.Equal(t, orders.StatusCancelled, last.ToStatus)
	assert.Equal(t, "customer request", last.Note)
}

func TestCancelIsAtomicWhenRestoreFails(t *testing.T) {
	store := memstore.New()
	seedProducts(store, map[string]int{"A": 10, "B": 10})
	placeOrder(t, store, "o1", map[string]int{"A": 3, "B": 2})
	// A restores first, then B fails
	m := newMachine(t, store, &flakyLedger{StockLedger: store, failOn: "B"})

	_, err := m.Transition(context.Background(), Request{OrderID: "o1", To: orders.StatusCancelled})
	require.ErrorIs(t, err, errRestore)

	o, err := store.Get(context.Background(), "o1")
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPending, o.Status)
	assert.Equal(t, 7, stockOf(t, store, "A"))
	assert.Equal(t, 8, stockOf(t, store, "B"))
	hist, _ := store.History(context.Background(), "o1")
	assert.Len(t, hist, 1)
}

func TestRepeatedTransitionIsNoop(t *testing.T) {
	store := memstore.New()
	seedProducts(store, map[string]int{"A": 5})
	placeOrder(t, store, "o1", map[string]int{"A": 1})
	m := newMachine(t, store, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		o, err := m.Transition(ctx, Request{OrderID: "o1", To: orders.StatusVerified})
		require.NoError(t, err)
		assert.Equal(t, orders.StatusVerified, o.Status)
	}
	hist, _ := store.History(ctx, "o1")
	assert.Len(t, hist, 2)

	// cancelling twice restores stock once
	for i := 0; i < 2; i++ {
		_, err := m.Transition(ctx, Request{OrderID: "o1", To: orders.StatusCancelled})
		require.NoError(t, err)
	}
	assert.Equal(t, 5, stockOf(t, store, "A"))
}

func TestTransitionInputErrors(t *testing.T) {
	store := memstore.New()
	m := newMachine(t, store, nil)
	ctx := context.Background()

	_, err := m.Transition(ctx, Request{OrderID: "", To: orders.StatusVerified})
	assert.ErrorIs(t, err, orders.ErrInvalidInput)
	_, err = m.Transition(ctx, Request{OrderID: "o1", To: "teleported"})
	assert.ErrorIs(t, err, orders.ErrInvalidTransition)
	_, err = m.Transition(ctx, Request{OrderID: "missing", To: orders.StatusVerified})
	assert.ErrorIs(t, err, orders.ErrNotFound)
}

func TestBlankActorRecordedAsSystem(t *testing.T) {
	store := memstore.New()
	seedProducts(store, map[string]int{"A": 5})
	placeOrder(t, store, "o1", map[string]int{"A": 1})
	m := newMachine(t, store, nil)

	_, err := m.Transition(context.Background(), Request{OrderID: "o1", To: orders.StatusVerified, Actor: "  "})
	require.NoError(t, err)
	hist, _ := store.History(context.Background(), "o1")
	assert.Equal(t, orders.ActorSystem, hist[1].Actor)
}

var allStatuses = []orders.Status{
	orders.StatusPending, orders.StatusVerified, orders.StatusPreparing,
	orders.StatusShipped, orders.StatusDelivered, orders.StatusCancelled,
}

// Any sequence of requested transitions yields a history that is a legal walk,
// and stock is back to its initial value exactly when the order is cancelled.
func TestRandomWalkStaysLegal(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		store := memstore.New()
		seedProducts(store, map[string]int{"A": 10})
		placeOrder(t, store, "o1", map[string]int{"A": 4})
		m := newMachine(t, store, nil)

		steps := rapid.IntRange(1, 20).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			to := rapid.SampledFrom(allStatuses).Draw(rt, "to")
			before, _ := store.Get(context.Background(), "o1")
			o, err := m.Transition(context.Background(), Request{OrderID: "o1", To: to})
			legal := before.Status == to || orders.CanTransition(before.Status, to)
			if legal != (err == nil) {
				rt.Fatalf("%s -> %s: legal=%v err=%v", before.Status, to, legal, err)
			}
			if err == nil && o.Status != to {
				rt.Fatalf("status %s, want %s", o.Status, to)
			}
		}

		hist, _ := store.History(context.Background(), "o1")
		if !ValidWalk(hist) {
			rt.Fatalf("illegal history %+v", hist)
		}
		final, _ := store.Get(context.Background(), "o1")
		want := 6
		if final.Status == orders.StatusCancelled {
			want = 10
		}
		if got := stockOf(t, store, "A"); got != want {
			rt.Fatalf("stock %d, want %d (status %s)", got, want, final.Status)
		}
	})
}

func TestValidWalk(t *testing.T) {
	h := func(from, to orders.Status) orders.StatusHistory { return orders.StatusHistory{FromStatus: from, ToStatus: to} }
	assert.False(t, ValidWalk(nil))
	assert.True(t, ValidWalk([]orders.StatusHistory{h("", orders.StatusPending)}))
	assert.False(t, ValidWalk([]orders.StatusHistory{h("", orders.StatusPending), h(orders.StatusPending, orders.StatusShipped)}))
	assert.False(t, ValidWalk([]orders.StatusHistory{h("", orders.StatusPending), h(orders.StatusVerified, orders.StatusPreparing)}))
}

type versionedPut struct {
	status orders.Status
	at     time.Time
}

type recordingCache struct{ puts []versionedPut }

func (c *recordingCache) PutStatus(_ context.Context, _ string, s orders.Status, at time.Time) error {
	c.puts = append(c.puts, versionedPut{s, at})
	return nil
}

func (c *recordingCache) GetStatus(context.Context, string) (orders.Status, bool, error) {
	return "", false, nil
}

func TestCacheWritesCarryOrderVersion(t *testing.T) {
	store := memstore.New()
	seedProducts(store, map[string]int{"A": 5})
	placeOrder(t, store, "o1", map[string]int{"A": 1})

	base := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	tick := 0
	cache := &recordingCache{}
	m, err := New(Deps{
		Orders: store, Ledger: store, UnitOfWork: store, Cache: cache,
		Clock: func() time.Time { tick++; return base.Add(time.Duration(tick) * time.Second) },
	})
	require.NoError(t, err)

	for _, to := range []orders.Status{orders.StatusVerified, orders.StatusCancelled} {
		_, err := m.Transition(context.Background(), Request{OrderID: "o1", To: to})
		require.NoError(t, err)
	}

	require.Len(t, cache.puts, 2)
	o, err := store.Get(context.Background(), "o1")
	require.NoError(t, err)
	assert.Equal(t, orders.StatusCancelled, cache.puts[1].status)
	assert.Equal(t, o.UpdatedAt, cache.puts[1].at)
	assert.True(t, cache.puts[1].at.After(cache.puts[0].at))
}
