// Package payments maps external payment outcomes onto order status
// transitions. Only a confirmed payment moves an order; failures are handed
// back to the caller, which owns the cancellation policy.
package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-order-engine/internal/observability"
	"github.com/ariefcatur/go-order-engine/internal/orders"
	"github.com/ariefcatur/go-order-engine/internal/statemachine"
)

type Outcome string

const (
	OutcomeConfirmed Outcome = "confirmed"
	OutcomeFailed    Outcome = "failed"
	OutcomeExpired   Outcome = "expired"
)

func ParseOutcome(v string) (Outcome, error) {
	switch o := Outcome(strings.ToLower(strings.TrimSpace(v))); o {
	case OutcomeConfirmed, OutcomeFailed, OutcomeExpired:
		return o, nil
	}
	return "", fmt.Errorf("%w: unknown payment outcome %q", orders.ErrInvalidInput, v)
}

// Transitioner is the slice of the state machine the reconciler drives.
type Transitioner interface {
	Transition(ctx context.Context, req statemachine.Request) (orders.Order, error)
}

// OrderReader loads the current order without locking.
type OrderReader interface {
	LoadWithItems(ctx context.Context, orderID string) (orders.Order, error)
}

type Result struct {
	Order orders.Order
	// Applied is true when the confirmation was handed to the state machine
	// and the order is now verified.
	Applied bool
	// ActionRequired flags outcomes the caller must act on: a failed or
	// expired payment, or a confirmation for an order that was cancelled.
	ActionRequired bool
}

type Reconciler struct {
	machine Transitioner
	orders  OrderReader
	logger  *zap.Logger
}

func NewReconciler(machine Transitioner, reader OrderReader, logger *zap.Logger) (*Reconciler, error) {
	if machine == nil || reader == nil {
		return nil, errors.New("payments: state machine and order reader are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{machine: machine, orders: reader, logger: logger.Named("payments")}, nil
}

func (r *Reconciler) Reconcile(ctx context.Context, orderID string, outcome Outcome, reference string) (res Result, err error) {
	ctx, span := observability.StartSpan(ctx, "payments.Reconcile",
		attribute.String("order_id", orderID),
		attribute.String("outcome", string(outcome)))
	defer func() { observability.EndSpan(span, err) }()

	logger := observability.FromContext(ctx, r.logger).With(
		zap.String("order_id", orderID),
		zap.String("outcome", string(outcome)),
		zap.String("payment_ref", reference),
	)

	current, err := r.orders.LoadWithItems(ctx, orderID)
	if err != nil {
		return Result{}, err
	}

	switch outcome {
	case OutcomeConfirmed:
	case OutcomeFailed, OutcomeExpired:
		logger.Info("payment not completed; awaiting caller decision", zap.String("status", string(current.Status)))
		return Result{Order: current, ActionRequired: true}, nil
	default:
		return Result{}, fmt.Errorf("%w: unknown payment outcome %q", orders.ErrInvalidInput, outcome)
	}

	switch current.Status {
	case orders.StatusPending:
	case orders.StatusCancelled:
		logger.Warn("payment confirmed for cancelled order")
		return Result{Order: current, ActionRequired: true}, nil
	default:
		// Already verified or further along: a redelivered confirmation.
		return Result{Order: current}, nil
	}

	updated, err := r.machine.Transition(ctx, statemachine.Request{
		OrderID: orderID,
		To:      orders.StatusVerified,
		Actor:   orders.ActorSystem,
		Note:    reference,
	})
	if errors.Is(err, orders.ErrInvalidTransition) {
		// The order moved between our read and the transition's row lock.
		latest, loadErr := r.orders.LoadWithItems(ctx, orderID)
		if loadErr != nil {
			return Result{}, loadErr
		}
		return Result{Order: latest, ActionRequired: latest.Status == orders.StatusCancelled}, nil
	}
	if err != nil {
		return Result{}, err
	}
	logger.Info("payment confirmed")
	return Result{Order: updated, Applied: true}, nil
}
