// Package statemachine applies order status transitions. Legality comes from
// the transition table in package orders; every applied transition writes
// exactly one history row in the same unit of work as the status change, and
// a cancellation restores the order's stock in that same unit.
package statemachine

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-order-engine/internal/observability"
	"github.com/ariefcatur/go-order-engine/internal/orders"
)

type Request struct {
	OrderID string
	To      orders.Status
	// Actor is a user id or orders.ActorSystem; blank means system.
	Actor string
	Note  string
}

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

type Machine struct {
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

func New(deps Deps) (*Machine, error) {
	if deps.Orders == nil {
		return nil, errors.New("statemachine: order repository is required")
	}
	if deps.Ledger == nil {
		return nil, errors.New("statemachine: stock ledger is required")
	}
	if deps.UnitOfWork == nil {
		return nil, errors.New("statemachine: unit of work is required")
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
	return &Machine{
		orders:  deps.Orders,
		ledger:  deps.Ledger,
		uow:     deps.UnitOfWork,
		events:  deps.Events,
		cache:   deps.Cache,
		metrics: deps.Metrics,
		clock:   func() time.Time { return clock().UTC() },
		newID:   newID,
		logger:  logger.Named("statemachine"),
	}, nil
}

// Transition moves an order to req.To. Requesting the status the order
// already has is a successful no-op and writes no history.
func (m *Machine) Transition(ctx context.Context, req Request) (o orders.Order, err error) {
	ctx, span := observability.StartSpan(ctx, "statemachine.Transition",
		attribute.String("order_id", req.OrderID),
		attribute.String("to", string(req.To)))
	defer func() { observability.EndSpan(span, err) }()

	if strings.TrimSpace(req.OrderID) == "" {
		return orders.Order{}, fmt.Errorf("%w: order id is required", orders.ErrInvalidInput)
	}
	if !req.To.Valid() {
		return orders.Order{}, fmt.Errorf("%w: unknown status %q", orders.ErrInvalidTransition, req.To)
	}
	actor := strings.TrimSpace(req.Actor)
	if actor == "" {
		actor = orders.ActorSystem
	}
	logger := observability.FromContext(ctx, m.logger).With(
		zap.String("order_id", req.OrderID),
		zap.String("to", string(req.To)),
		zap.String("actor", actor),
	)

	var (
		updated orders.Order
		from    orders.Status
		changed bool
	)
	err = m.uow.RunInTx(ctx, func(ctx context.Context) error {
		current, err := m.orders.GetForUpdate(ctx, req.OrderID)
		if err != nil {
			return err
		}
		from = current.Status
		loaded, err := m.orders.LoadWithItems(ctx, req.OrderID)
		if err != nil {
			return err
		}
		if from == req.To {
			updated = loaded
			return nil
		}
		if !orders.CanTransition(from, req.To) {
			return &orders.InvalidTransitionError{From: from, To: req.To}
		}
		if req.To == orders.StatusCancelled {
			if err := m.restoreStock(ctx, loaded.Items); err != nil {
				return err
			}
		}

		now := m.clock()
		if err := m.orders.SetStatus(ctx, req.OrderID, req.To, now); err != nil {
			return err
		}
		if err := m.orders.AppendHistory(ctx, orders.StatusHistory{
			ID:         m.newID(),
			OrderID:    req.OrderID,
			FromStatus: from,
			ToStatus:   req.To,
			Actor:      actor,
			Note:       req.Note,
			CreatedAt:  now,
		}); err != nil {
			return err
		}
		loaded.Status, loaded.UpdatedAt = req.To, now
		updated, changed = loaded, true
		return nil
	})
	if err != nil {
		if errors.Is(err, orders.ErrTransient) {
			m.metrics.TransientFailure(ctx, "transition")
		}
		observability.LogFailure(logger, "status transition failed", err)
		return orders.Order{}, err
	}
	if !changed {
		logger.Debug("status transition already applied")
		return updated, nil
	}

	m.metrics.Transition(ctx, string(from), string(req.To))
	logger.Info("status transition applied", zap.String("from", string(from)))
	m.announce(ctx, logger, updated, from, actor, req.Note)
	return updated, nil
}

// History returns the audit trail of an order in the order it was written.
func (m *Machine) History(ctx context.Context, orderID string) ([]orders.StatusHistory, error) {
	return m.orders.History(ctx, orderID)
}

// restoreStock returns every item's quantity, in product id order so that a
// cancellation and a checkout never lock the same rows in opposite order.
func (m *Machine) restoreStock(ctx context.Context, items []orders.OrderItem) error {
	items = slices.Clone(items)
	slices.SortFunc(items, func(a, b orders.OrderItem) int { return cmp.Compare(a.ProductID, b.ProductID) })
	for _, it := range items {
		if _, err := m.ledger.Restore(ctx, it.ProductID, it.Quantity); err != nil {
			return fmt.Errorf("restore stock for %s: %w", it.ProductID, err)
		}
	}
	return nil
}

func (m *Machine) announce(ctx context.Context, logger *zap.Logger, o orders.Order, from orders.Status, actor, note string) {
	ctx = context.WithoutCancel(ctx)
	if m.cache != nil {
		if err := m.cache.PutStatus(ctx, o.ID, o.Status, o.UpdatedAt); err != nil {
			logger.Warn("cache order status", zap.Error(err))
		}
	}
	if m.events != nil {
		if err := m.events.StatusChanged(ctx, o, from, actor, note); err != nil {
			logger.Warn("publish status changed", zap.Error(err))
		}
	}
}

// ValidWalk reports whether history is a legal path through the transition
// table starting at the creation row.
func ValidWalk(history []orders.StatusHistory) bool {
	if len(history) == 0 {
		return false
	}
	first := history[0]
	if first.FromStatus != "" || first.ToStatus != orders.StatusPending {
		return false
	}
	for i := 1; i < len(history); i++ {
		h := history[i]
		if h.FromStatus != history[i-1].ToStatus || !orders.CanTransition(h.FromStatus, h.ToStatus) {
			return false
		}
	}
	return true
}
