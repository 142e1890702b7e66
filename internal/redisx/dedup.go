package redisx

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduper records processed event ids per consuming service.
type Deduper struct {
	RDB     redis.Cmdable
	Service string
	TTL     time.Duration
}

func (d *Deduper) Seen(ctx context.Context, eventID string) (bool, error) {
	return Exists(ctx, d.RDB, KeyDedup(d.Service, eventID))
}

func (d *Deduper) Mark(ctx context.Context, eventID string) error {
	ttl := d.TTL
	if ttl <= 0 {
		ttl = TTLDedup
	}
	return d.RDB.Set(ctx, KeyDedup(d.Service, eventID), 1, ttl).Err()
}
