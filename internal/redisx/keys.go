package redisx

import (
	"fmt"
	"time"
)

const (
	// Cache status order: order_status:{order_id} -> {"status": "...", "updated_at": "..."}
	keyOrderStatus = "order_status:%s"

	// Dedup event processing: dedup:{service}:{event_id}
	keyDedup = "dedup:%s:%s"
)

var (
	TTLStatusCache = 5 * time.Minute
	TTLDedup       = 48 * time.Hour
)

func KeyOrderStatus(orderID string) string { return fmt.Sprintf(keyOrderStatus, orderID) }

func KeyDedup(service, eventID string) string { return fmt.Sprintf(keyDedup, service, eventID) }
