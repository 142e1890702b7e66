// Package checkout turns a cart submission into a persisted order in one
// atomic unit of work: lock and decrement stock, write the order, its items
// and the first history row, then commit.
package checkout

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-order-engine/internal/observability"
	"github.com/ariefcatur/go-order-engine/internal/orders"
)

const createdNote = "order created"

type Item struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type Request struct {
	// ExternalID is an optional client idempotency key. A repeated key
	// returns the order created by the first request.
	ExternalID      string
	CustomerID      string
	DeliveryAddress string
	ContactPhone    string
	Items           []Item
}

type Result struct {
	Order   orders.Order
	Existed bool
}

// Deps bundles the collaborators of Service.
type Deps struct {
	Orders      orders.Repository
	Ledger      orders.StockLedger
	UnitOfWork  orders.UnitOfWork
	Events      orders.EventPublisher
	Cache       orders.StatusCache
	Metrics     *observability.Instruments
	Clock       func() time.Time
	IDGenerator func() string
	Logger      *zap.Logger
}

type Service struct {
	orders  orders.Repository
	ledger  orders.StockLedger
	uow     orders.UnitOfWork
	events  orders.EventPublisher
	cache   orders.StatusCache
	metrics *observability.Instruments
	clock   func() time.Time
	newID   func() string
	logger  *zap.Logger
}

func NewService(deps Deps) (*Service, error) {
	if deps.Orders == nil {
		return nil, errors.New("checkout: order repository is required")
	}
	if deps.Ledger == nil {
		return nil, errors.New("checkout: stock ledger is required")
	}
	if deps.UnitOfWork == nil {
		return nil, errors.New("checkout: unit of work is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	newID := deps.IDGenerator
	if newID == nil {
		newID = uuid.NewString
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		orders:  deps.Orders,
		ledger:  deps.Ledger,
		uow:     deps.UnitOfWork,
		events:  deps.Events,
		cache:   deps.Cache,
		metrics: deps.Metrics,
		clock:   func() time.Time { return clock().UTC() },
		newID:   newID,
		logger:  logger.Named("checkout"),
	}, nil
}

// CreateOrder reserves stock for every line and persists the order. Either
// everything commits or nothing does: a failed reservation leaves no order
// row and no stock change behind.
func (s *Service) CreateOrder(ctx context.Context, req Request) (res Result, err error) {
	ctx, span := observability.StartSpan(ctx, "checkout.CreateOrder",
		attribute.Int("items", len(req.Items)))
	defer func() { observability.EndSpan(span, err) }()

	lines, err := normalize(req)
	if err != nil {
		return Result{}, err
	}
	logger := observability.FromContext(ctx, s.logger).With(
		zap.String("customer_id", req.CustomerID),
		zap.String("external_id", req.ExternalID),
	)

	if req.ExternalID != "" {
		existing, err := s.orders.FindByExternalID(ctx, req.ExternalID)
		if err == nil {
			return Result{Order: existing, Existed: true}, nil
		}
		if !errors.Is(err, orders.ErrNotFound) {
			return Result{}, err
		}
	}

	if err := s.checkCatalog(ctx, lines); err != nil {
		logger.Info("checkout rejected", zap.Error(err))
		return Result{}, err
	}

	var created orders.Order
	err = s.uow.RunInTx(ctx, func(ctx context.Context) error {
		o, err := s.reserveAndPersist(ctx, req, lines)
		if err != nil {
			return err
		}
		created = o
		return nil
	})
	if errors.Is(err, orders.ErrDuplicateOrder) && req.ExternalID != "" {
		// A concurrent request with the same key committed first.
		existing, findErr := s.orders.FindByExternalID(ctx, req.ExternalID)
		if findErr != nil {
			return Result{}, findErr
		}
		return Result{Order: existing, Existed: true}, nil
	}
	if err != nil {
		switch {
		case errors.Is(err, orders.ErrInsufficientStock):
			s.metrics.StockRejected(ctx)
		case errors.Is(err, orders.ErrTransient):
			s.metrics.TransientFailure(ctx, "checkout")
		}
		observability.LogFailure(logger, "checkout failed", err)
		return Result{}, err
	}

	s.metrics.OrderCreated(ctx)
	logger.Info("order created",
		zap.String("order_id", created.ID),
		zap.String("total", created.Total.StringFixed(2)),
		zap.Int("items", len(created.Items)))
	s.announce(ctx, logger, created)
	return Result{Order: created}, nil
}

// reserveAndPersist runs inside the unit of work. Lines arrive sorted by
// product id so concurrent checkouts take row locks in the same order.
func (s *Service) reserveAndPersist(ctx context.Context, req Request, lines []Item) (orders.Order, error) {
	now := s.clock()
	order := orders.Order{
		ID:              s.newID(),
		ExternalID:      req.ExternalID,
		CustomerID:      req.CustomerID,
		DeliveryAddress: req.DeliveryAddress,
		ContactPhone:    req.ContactPhone,
		Status:          orders.StatusPending,
		Total:           decimal.Zero,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	items := make([]orders.OrderItem, 0, len(lines))
	for _, l := range lines {
		p, err := s.ledger.Reserve(ctx, l.ProductID, l.Quantity)
		if err != nil {
			return orders.Order{}, err
		}
		items = append(items, orders.OrderItem{
			ID:        s.newID(),
			OrderID:   order.ID,
			ProductID: l.ProductID,
			UnitPrice: p.Price,
			Quantity:  l.Quantity,
			Subtotal:  orders.LineSubtotal(p.Price, l.Quantity),
		})
	}
	order.Total = orders.ItemsTotal(items)

	if err := s.orders.CreateOrder(ctx, order); err != nil {
		return orders.Order{}, err
	}
	if err := s.orders.InsertItems(ctx, items); err != nil {
		return orders.Order{}, err
	}
	if err := s.orders.AppendHistory(ctx, orders.StatusHistory{
		ID:        s.newID(),
		OrderID:   order.ID,
		ToStatus:  orders.StatusPending,
		Actor:     req.CustomerID,
		Note:      createdNote,
		CreatedAt: now,
	}); err != nil {
		return orders.Order{}, err
	}
	order.Items = items
	return order, nil
}

// checkCatalog fails fast on unknown or inactive products before any lock is
// taken. Reserve re-checks under the row lock.
func (s *Service) checkCatalog(ctx context.Context, lines []Item) error {
	ids := make([]string, 0, len(lines))
	for _, l := range lines {
		ids = append(ids, l.ProductID)
	}
	products, err := s.orders.GetProducts(ctx, ids)
	if err != nil {
		return err
	}
	for _, id := range ids {
		p, ok := products[id]
		if !ok {
			return fmt.Errorf("%w: product %s not found", orders.ErrInvalidItem, id)
		}
		if !p.Active {
			return fmt.Errorf("%w: product %s is inactive", orders.ErrInvalidItem, id)
		}
	}
	return nil
}

func (s *Service) announce(ctx context.Context, logger *zap.Logger, o orders.Order) {
	// The order exists once committed; the caller may have gone away but the
	// announcements still belong to it.
	ctx = context.WithoutCancel(ctx)
	if s.cache != nil {
		if err := s.cache.PutStatus(ctx, o.ID, o.Status, o.UpdatedAt); err != nil {
			logger.Warn("cache order status", zap.String("order_id", o.ID), zap.Error(err))
		}
	}
	if s.events != nil {
		if err := s.events.OrderCreated(ctx, o); err != nil {
			logger.Warn("publish order created", zap.String("order_id", o.ID), zap.Error(err))
		}
	}
}

// normalize validates the request, sums quantities of repeated products and
// sorts lines by product id.
func normalize(req Request) ([]Item, error) {
	if strings.TrimSpace(req.CustomerID) == "" {
		return nil, fmt.Errorf("%w: customer id is required", orders.ErrInvalidInput)
	}
	if len(req.Items) == 0 {
		return nil, fmt.Errorf("%w: at least one item is required", orders.ErrInvalidItem)
	}
	merged := make(map[string]int, len(req.Items))
	for _, it := range req.Items {
		if strings.TrimSpace(it.ProductID) == "" {
			return nil, fmt.Errorf("%w: product id is required", orders.ErrInvalidItem)
		}
		if it.Quantity <= 0 {
			return nil, fmt.Errorf("%w: quantity for product %s must be positive, got %d",
				orders.ErrInvalidItem, it.ProductID, it.Quantity)
		}
		merged[it.ProductID] += it.Quantity
	}
	lines := make([]Item, 0, len(merged))
	for id, qty := range merged {
		lines = append(lines, Item{ProductID: id, Quantity: qty})
	}
	slices.SortFunc(lines, func(a, b Item) int { return cmp.Compare(a.ProductID, b.ProductID) })
	return lines, nil
}
