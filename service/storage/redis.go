// Package storage keeps read receipts, conversation membership and connection
// presence in Redis.
package storage

import (
	"context"
	"time"

	"PPSync/tools/errs"

	"github.com/redis/go-redis/v9"
)

// Config 用于初始化 Redis
type Config struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"poolSize"`
	Prefix   string `json:"prefix"` // key prefix, default "ppsync"
}

// NewClient dials and pings Redis.
func NewClient(ctx context.Context, c Config) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     c.Addr,
		Password: c.Password,
		DB:       c.DB,
		PoolSize: c.PoolSize,
	})
	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errs.WrapMsg(err, "redis ping", "addr", c.Addr)
	}
	return rdb, nil
}

// Store groups the Redis-backed repositories over one client.
type Store struct {
	rdb    redis.UniversalClient
	prefix string
}

func NewStore(rdb redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = "ppsync"
	}
	return &Store{rdb: rdb, prefix: prefix}
}

func (s *Store) readsKey(conv, msg string) string { return s.prefix + ":reads:" + conv + ":" + msg }
func (s *Store) membersKey(conv string) string    { return s.prefix + ":members:" + conv }
func (s *Store) memberKey(id string) string       { return s.prefix + ":member:" + id }
func (s *Store) presenceKey(id string) string     { return s.prefix + ":presence:" + id }
