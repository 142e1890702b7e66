package redisx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ariefcatur/go-order-engine/internal/orders"
)

// putIfNewer writes the entry unless the cached entry has a later
// updated_at. Timestamps are unix microseconds, exact in Lua numbers.
var putIfNewer = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'updated_at')
if cur and tonumber(cur) > tonumber(ARGV[2]) then
	return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[1], 'updated_at', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

// StatusCache keeps the last committed status of an order as a hash
// {status, updated_at}. The database stays the source of truth; entries
// expire after TTL and are only replaced by a newer version of the order.
type StatusCache struct {
	RDB redis.Cmdable
	TTL time.Duration
}

var _ orders.StatusCache = (*StatusCache)(nil)

// PutStatus stores status as of updatedAt, the order's own UpdatedAt. A
// write older than the cached entry is dropped.
func (c *StatusCache) PutStatus(ctx context.Context, orderID string, status orders.Status, updatedAt time.Time) error {
	ttl := c.TTL
	if ttl <= 0 {
		ttl = TTLStatusCache
	}
	err := putIfNewer.Run(ctx, c.RDB, []string{KeyOrderStatus(orderID)},
		string(status), updatedAt.UnixMicro(), ttl.Milliseconds()).Err()
	if err != nil {
		return fmt.Errorf("cache status %s: %w", orderID, err)
	}
	return nil
}

func (c *StatusCache) GetStatus(ctx context.Context, orderID string) (orders.Status, bool, error) {
	vals, err := c.RDB.HMGet(ctx, KeyOrderStatus(orderID), "status", "updated_at").Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read cached status %s: %w", orderID, err)
	}
	raw, _ := vals[0].(string)
	s := orders.Status(raw)
	if !s.Valid() {
		return "", false, nil
	}
	return s, true, nil
}
