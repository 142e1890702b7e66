package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const meterName = "github.com/ariefcatur/go-order-engine"

// Instruments groups the engine's counters. A zero value records nothing.
type Instruments struct {
	ordersCreated  metric.Int64Counter
	stockRejected  metric.Int64Counter
	transitions    metric.Int64Counter
	transientFails metric.Int64Counter
}

// NewInstruments registers counters on the global meter provider. Registration
// failures are logged and leave the affected counter disabled.
func NewInstruments(logger *zap.Logger) *Instruments {
	if logger == nil {
		logger = zap.NewNop()
	}
	meter := otel.GetMeterProvider().Meter(meterName)
	in := &Instruments{}
	var err error
	if in.ordersCreated, err = meter.Int64Counter("orders.created",
		metric.WithDescription("Orders committed by checkout")); err != nil {
		logger.Warn("metrics: unable to register orders.created", zap.Error(err))
	}
	if in.stockRejected, err = meter.Int64Counter("orders.stock_rejected",
		metric.WithDescription("Checkouts rejected for insufficient stock")); err != nil {
		logger.Warn("metrics: unable to register orders.stock_rejected", zap.Error(err))
	}
	if in.transitions, err = meter.Int64Counter("orders.transitions",
		metric.WithDescription("Applied order status transitions")); err != nil {
		logger.Warn("metrics: unable to register orders.transitions", zap.Error(err))
	}
	if in.transientFails, err = meter.Int64Counter("orders.transient_failures",
		metric.WithDescription("Operations aborted by lock timeouts or connectivity loss")); err != nil {
		logger.Warn("metrics: unable to register orders.transient_failures", zap.Error(err))
	}
	return in
}

func (in *Instruments) OrderCreated(ctx context.Context) {
	if in != nil && in.ordersCreated != nil {
		in.ordersCreated.Add(ctx, 1)
	}
}

func (in *Instruments) StockRejected(ctx context.Context) {
	if in != nil && in.stockRejected != nil {
		in.stockRejected.Add(ctx, 1)
	}
}

func (in *Instruments) Transition(ctx context.Context, from, to string) {
	if in != nil && in.transitions != nil {
		in.transitions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		))
	}
}

func (in *Instruments) TransientFailure(ctx context.Context, op string) {
	if in != nil && in.transientFails != nil {
		in.transientFails.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
	}
}
