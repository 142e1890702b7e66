package checkout

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ariefcatur/go-order-engine/internal/memstore"
	"github.com/ariefcatur/go-order-engine/internal/orders"
)

var fixedNow = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

type recordingLedger struct {
	orders.StockLedger
	mu       sync.Mutex
	reserved []string
}

func (l *recordingLedger) Reserve(ctx context.Context, productID string, qty int) (orders.Product, error) {
	l.mu.Lock()
	l.reserved = append(l.reserved, productID)
	l.mu.Unlock()
	return l.StockLedger.Reserve(ctx, productID, qty)
}

type recordingEvents struct {
	mu      sync.Mutex
	created []orders.Order
	err     error
}

func (e *recordingEvents) OrderCreated(_ context.Context, o orders.Order) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.created = append(e.created, o)
	return e.err
}

func (e *recordingEvents) StatusChanged(context.Context, orders.Order, orders.Status, string, string) error {
	return nil
}

type fixture struct {
	store  *memstore.Store
	ledger *recordingLedger
	events *recordingEvents
	svc    *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memstore.New(memstore.WithLockWait(time.Second))
	f := &fixture{
		store:  store,
		ledger: &recordingLedger{StockLedger: store},
		events: &recordingEvents{},
	}
	svc, err := NewService(Deps{
		Orders:     store,
		Ledger:     f.ledger,
		UnitOfWork: store,
		Events:     f.events,
		Clock:      func() time.Time { return fixedNow },
	})
	require.NoError(t, err)
	f.svc = svc
	return f
}

func (f *fixture) product(id, price string, stock int) {
	f.store.PutProduct(orders.Product{ID: id, SKU: "SKU-" + id, Name: id, Price: decimal.RequireFromString(price), Stock: stock, Active: true})
}

func (f *fixture) stock(t *testing.T, id string) int {
	t.Helper()
	p, ok := f.store.Product(id)
	require.True(t, ok)
	return p.Stock
}

func TestNewServiceRequiresDeps(t *testing.T) {
	_, err := NewService(Deps{})
	assert.Error(t, err)
}

func TestCreateOrder(t *testing.T) {
	f := newFixture(t)
	f.product("A", "12.50", 10)
	f.product("B", "3.00", 4)

	res, err := f.svc.CreateOrder(context.Background(), Request{
		CustomerID:      "cust-1",
		DeliveryAddress: "1 Main St",
		Items:           []Item{{ProductID: "B", Quantity: 4}, {ProductID: "A", Quantity: 2}},
	})
	require.NoError(t, err)
	o := res.Order
	assert.False(t, res.Existed)
	assert.Equal(t, orders.StatusPending, o.Status)
	assert.Equal(t, "37.00", o.Total.StringFixed(2))
	assert.Equal(t, fixedNow, o.CreatedAt)
	require.Len(t, o.Items, 2)
	assert.Equal(t, "A", o.Items[0].ProductID)
	assert.Equal(t, "25.00", o.Items[0].Subtotal.StringFixed(2))

	assert.Equal(t, 8, f.stock(t, "A"))
	assert.Equal(t, 0, f.stock(t, "B"))

	hist, err := f.store.History(context.Background(), o.ID)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, orders.Status(""), hist[0].FromStatus)
	assert.Equal(t, orders.StatusPending, hist[0].ToStatus)
	assert.Equal(t, "cust-1", hist[0].Actor)
	assert.Equal(t, "order created", hist[0].Note)

	require.Len(t, f.events.created, 1)
	assert.Equal(t, o.ID, f.events.created[0].ID)
}

func TestCreateOrderAllOrNothing(t *testing.T) {
	f := newFixture(t)
	f.product("A", "1.00", 5)
	f.product("B", "1.00", 0)

	_, err := f.svc.CreateOrder(context.Background(), Request{
		CustomerID: "c",
		Items:      []Item{{ProductID: "A", Quantity: 2}, {ProductID: "B", Quantity: 1}},
	})
	var stock *orders.InsufficientStockError
	require.ErrorAs(t, err, &stock)
	assert.Equal(t, "B", stock.ProductID)
	assert.Equal(t, 1, stock.Requested)
	assert.Equal(t, 0, stock.Available)

	assert.Equal(t, 5, f.stock(t, "A"))
	assert.Equal(t, 0, f.stock(t, "B"))
	assert.Zero(t, f.store.OrderCount())
	assert.Empty(t, f.events.created)
}

func TestCreateOrderMergesDuplicateLines(t *testing.T) {
	f := newFixture(t)
	f.product("A", "2.00", 5)

	res, err := f.svc.CreateOrder(context.Background(), Request{
		CustomerID: "c",
		Items:      []Item{{ProductID: "A", Quantity: 2}, {ProductID: "A", Quantity: 3}},
	})
	require.NoError(t, err)
	require.Len(t, res.Order.Items, 1)
	assert.Equal(t, 5, res.Order.Items[0].Quantity)
	assert.Equal(t, 0, f.stock(t, "A"))

	_, err = f.svc.CreateOrder(context.Background(), Request{
		CustomerID: "c",
		Items:      []Item{{ProductID: "A", Quantity: 1}},
	})
	assert.ErrorIs(t, err, orders.ErrInsufficientStock)
}

func TestCreateOrderLocksInProductOrder(t *testing.T) {
	f := newFixture(t)
	for _, id := range []string{"c", "a", "b"} {
		f.product(id, "1.00", 3)
	}
	_, err := f.svc.CreateOrder(context.Background(), Request{
		CustomerID: "x",
		Items:      []Item{{ProductID: "c", Quantity: 1}, {ProductID: "a", Quantity: 1}, {ProductID: "b", Quantity: 1}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, f.ledger.reserved)
}

func TestCreateOrderValidation(t *testing.T) {
	f := newFixture(t)
	f.product("A", "1.00", 5)
	f.store.PutProduct(orders.Product{ID: "off", Price: decimal.NewFromInt(1), Stock: 5, Active: false})

	cases := []struct {
		name string
		req  Request
		want error
	}{
		{"no customer", Request{Items: []Item{{ProductID: "A", Quantity: 1}}}, orders.ErrInvalidInput},
		{"no items", Request{CustomerID: "c"}, orders.ErrInvalidItem},
		{"zero quantity", Request{CustomerID: "c", Items: []Item{{ProductID: "A", Quantity: 0}}}, orders.ErrInvalidItem},
		{"negative quantity", Request{CustomerID: "c", Items: []Item{{ProductID: "A", Quantity: -1}}}, orders.ErrInvalidItem},
		{"blank product", Request{CustomerID: "c", Items: []Item{{Quantity: 1}}}, orders.ErrInvalidItem},
		{"unknown product", Request{CustomerID: "c", Items: []Item{{ProductID: "A", Quantity: 1}, {ProductID: "zzz", Quantity: 1}}}, orders.ErrInvalidItem},
		{"inactive product", Request{CustomerID: "c", Items: []Item{{ProductID: "off", Quantity: 1}}}, orders.ErrInvalidItem},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.CreateOrder(context.Background(), tc.req)
			assert.ErrorIs(t, err, tc.want)
		})
	}
	assert.Empty(t, f.ledger.reserved)
	assert.Equal(t, 5, f.stock(t, "A"))
	assert.Zero(t, f.store.OrderCount())
}

func TestCreateOrderFreezesPrice(t *testing.T) {
	f := newFixture(t)
	f.product("A", "10.00", 5)

	res, err := f.svc.CreateOrder(context.Background(), Request{CustomerID: "c", Items: []Item{{ProductID: "A", Quantity: 2}}})
	require.NoError(t, err)
	require.NoError(t, f.store.SetPrice("A", decimal.RequireFromString("99.00")))

	o, err := f.store.LoadWithItems(context.Background(), res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, "10.00", o.Items[0].UnitPrice.StringFixed(2))
	assert.Equal(t, "20.00", o.Total.StringFixed(2))
}

func TestCreateOrderExternalIDReplay(t *testing.T) {
	f := newFixture(t)
	f.product("A", "1.00", 5)
	req := Request{ExternalID: "ext-1", CustomerID: "c", Items: []Item{{ProductID: "A", Quantity: 2}}}

	first, err := f.svc.CreateOrder(context.Background(), req)
	require.NoError(t, err)
	second, err := f.svc.CreateOrder(context.Background(), req)
	require.NoError(t, err)

	assert.True(t, second.Existed)
	assert.Equal(t, first.Order.ID, second.Order.ID)
	assert.Equal(t, 3, f.stock(t, "A"))
	assert.Equal(t, 1, f.store.OrderCount())
	assert.Len(t, f.events.created, 1)
}

func TestCreateOrderSurvivesPublishFailure(t *testing.T) {
	f := newFixture(t)
	f.product("A", "1.00", 5)
	f.events.err = errors.New("broker down")

	res, err := f.svc.CreateOrder(context.Background(), Request{CustomerID: "c", Items: []Item{{ProductID: "A", Quantity: 1}}})
	require.NoError(t, err)
	_, err = f.store.Get(context.Background(), res.Order.ID)
	assert.NoError(t, err)
}

func TestConcurrentCheckoutsNeverOversell(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t)
	const stock, buyers = 10, 40
	f.product("A", "1.00", stock)
	f.product("B", "1.00", 1000)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok, sold int
	)
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			qty := 1 + i%3
			items := []Item{{ProductID: "A", Quantity: qty}, {ProductID: "B", Quantity: 1}}
			if i%2 == 0 {
				items[0], items[1] = items[1], items[0]
			}
			_, err := f.svc.CreateOrder(context.Background(), Request{CustomerID: "c", Items: items})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
				sold += qty
			case errors.Is(err, orders.ErrInsufficientStock):
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, sold, stock)
	assert.Equal(t, stock-sold, f.stock(t, "A"))
	assert.Equal(t, 1000-ok, f.stock(t, "B"))
	assert.Equal(t, ok, f.store.OrderCount())
}
