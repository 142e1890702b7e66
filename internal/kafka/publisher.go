package kafka

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/ariefcatur/go-order-engine/internal/orders"
)

// OrderEvents publishes committed order changes, one producer per topic.
type OrderEvents struct {
	Created *Producer
	Changed *Producer
	Service string
	Clock   func() time.Time
}

var _ orders.EventPublisher = (*OrderEvents)(nil)

func (e *OrderEvents) OrderCreated(ctx context.Context, o orders.Order) error {
	return e.publish(ctx, e.Created, orders.EventOrderCreated, o.ID, orders.OrderCreatedFrom(o))
}

func (e *OrderEvents) StatusChanged(ctx context.Context, o orders.Order, from orders.Status, actor, note string) error {
	return e.publish(ctx, e.Changed, orders.EventOrderStatusChanged, o.ID, orders.OrderStatusChangedPayload{
		OrderID: o.ID,
		From:    from,
		To:      o.Status,
		Actor:   actor,
		Note:    note,
	})
}

func (e *OrderEvents) publish(ctx context.Context, p *Producer, eventType, orderID string, payload any) error {
	if p == nil {
		return nil
	}
	now := time.Now
	if e.Clock != nil {
		now = e.Clock
	}
	env, err := orders.NewEnvelope(eventType, e.Service, orderID, now(), payload)
	if err != nil {
		return err
	}
	return p.Publish(ctx, orders.PartitionKey(orderID), MustMarshal(env),
		kafka.Header{Key: "x-event-type", Value: []byte(eventType)},
		kafka.Header{Key: "x-event-version", Value: []byte("1")},
	)
}
