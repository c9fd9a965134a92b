package storage

import (
	"context"
	"errors"
	"time"

	"PPSync/tools/errs"

	"github.com/redis/go-redis/v9"
)

// Presence counts live gateway connections per member. A key expires on its own when
// a gateway dies without reporting the disconnect.
type Presence struct {
	s   *Store
	ttl time.Duration
}

func (s *Store) Presence(ttl time.Duration) *Presence {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &Presence{s: s, ttl: ttl}
}

// Online increments the member's connection count and renews the TTL.
func (p *Presence) Online(ctx context.Context, member string) error {
	key := p.s.presenceKey(member)
	pipe := p.s.rdb.TxPipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, p.ttl)
	_, err := pipe.Exec(ctx)
	return errs.WrapMsg(err, "presence online", "member", member)
}

// Offline decrements the count, deleting the key at zero.
func (p *Presence) Offline(ctx context.Context, member string) error {
	key := p.s.presenceKey(member)
	n, err := p.s.rdb.Decr(ctx, key).Result()
	if err != nil {
		return errs.WrapMsg(err, "presence offline", "member", member)
	}
	if n <= 0 {
		return errs.WrapMsg(p.s.rdb.Del(ctx, key).Err(), "presence clear", "member", member)
	}
	return nil
}

// Lookup reports whether the member has at least one live connection.
func (p *Presence) Lookup(ctx context.Context, member string) (bool, error) {
	n, err := p.s.rdb.Get(ctx, p.s.presenceKey(member)).Int64()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, errs.WrapMsg(err, "presence lookup", "member", member)
	}
	return n > 0, nil
}
