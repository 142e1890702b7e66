package payments

import (
	"context"
	"errors"
	"fmt"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	kafkax "github.com/ariefcatur/go-order-engine/internal/kafka"
	"github.com/ariefcatur/go-order-engine/internal/observability"
	"github.com/ariefcatur/go-order-engine/internal/orders"
)

// ReasonExpired is the failure reason that marks an expired payment.
const ReasonExpired = "EXPIRED"

// Deduper remembers processed event ids.
type Deduper interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	Mark(ctx context.Context, eventID string) error
}

type reconciler interface {
	Reconcile(ctx context.Context, orderID string, outcome Outcome, reference string) (Result, error)
}

// Handler consumes payment events from kafka. It returns nil when the
// offset may be committed: on success, on duplicates and on domain
// rejections. Transient failures return an error; the consumer then retries
// the same event before anything later on its partition is committed.
type Handler struct {
	Reconciler reconciler
	Dedup      Deduper
	Logger     *zap.Logger
}

func (h *Handler) HandleMessage(ctx context.Context, m kafkago.Message) error {
	logger := h.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var env orders.Envelope
	if err := kafkax.UnmarshalEnvelope(m.Value, &env); err != nil {
		// A malformed message will never decode; skip it rather than block the partition.
		logger.Error("decode payment envelope", zap.String("topic", m.Topic), zap.Int64("offset", m.Offset), zap.Error(err))
		return nil
	}
	logger = logger.With(zap.String("event_id", env.EventID), zap.String("event_type", env.EventType))

	if h.Dedup != nil && env.EventID != "" {
		seen, err := h.Dedup.Seen(ctx, env.EventID)
		if err != nil {
			logger.Warn("dedup lookup failed; processing anyway", zap.Error(err))
		}
		if seen {
			return nil
		}
	}

	orderID, outcome, ref, err := decodePayment(env)
	if err != nil {
		logger.Error("decode payment payload", zap.Error(err))
		return nil
	}
	logger = logger.With(zap.String("order_id", orderID))

	res, err := h.Reconciler.Reconcile(observability.WithLogger(ctx, logger), orderID, outcome, ref)
	switch {
	case err == nil:
		if res.ActionRequired {
			logger.Warn("payment event needs manual follow-up", zap.String("status", string(res.Order.Status)))
		}
	case errors.Is(err, orders.ErrTransient):
		return err
	case orders.IsDomainRejection(err), errors.Is(err, orders.ErrNotFound):
		logger.Info("payment event rejected", zap.Error(err))
	default:
		return err
	}

	if h.Dedup != nil && env.EventID != "" {
		if err := h.Dedup.Mark(ctx, env.EventID); err != nil {
			logger.Warn("dedup mark failed", zap.Error(err))
		}
	}
	return nil
}

func decodePayment(env orders.Envelope) (orderID string, outcome Outcome, ref string, err error) {
	switch env.EventType {
	case orders.EventPaymentAuthorized:
		p, err := kafkax.UnwrapPayload[orders.PaymentAuthorizedPayload](env.Payload)
		if err != nil {
			return "", "", "", err
		}
		return p.OrderID, OutcomeConfirmed, p.PaymentRef, nil
	case orders.EventPaymentFailed:
		p, err := kafkax.UnwrapPayload[orders.PaymentFailedPayload](env.Payload)
		if err != nil {
			return "", "", "", err
		}
		outcome := OutcomeFailed
		if p.Reason == ReasonExpired {
			outcome = OutcomeExpired
		}
		return p.OrderID, outcome, p.PaymentRef, nil
	}
	return "", "", "", fmt.Errorf("unsupported event type %q", env.EventType)
}
