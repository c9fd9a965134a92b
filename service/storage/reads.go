package storage

import (
	"context"
	"sort"
	"strconv"
	"time"

	"PPSync/module/chat/model"
	"PPSync/tools/errs"

	"github.com/redis/go-redis/v9"
)

// ReadsTTL bounds how long receipts of a message are kept.
const ReadsTTL = 30 * 24 * time.Hour

// KEYS[1] = reads hash of one message
// ARGV[1] = reader id, ARGV[2] = read time (unix ms), ARGV[3] = ttl seconds
// 返回：1 首次已读；0 已存在
var luaMarkRead = redis.NewScript(`
local added = redis.call("HSETNX", KEYS[1], ARGV[1], ARGV[2])
if added == 1 then
  redis.call("EXPIRE", KEYS[1], tonumber(ARGV[3]))
end
return added
`)

// MarkRead records that reader read msg. It reports whether the receipt is new;
// repeated marks keep the first read time.
func (s *Store) MarkRead(ctx context.Context, conv, msg, reader string, at time.Time) (bool, error) {
	n, err := luaMarkRead.Run(ctx, s.rdb, []string{s.readsKey(conv, msg)},
		reader, at.UnixMilli(), int64(ReadsTTL/time.Second)).Int()
	if err != nil {
		return false, errs.WrapMsg(err, "mark read", "conversation", conv, "message", msg)
	}
	return n == 1, nil
}

// Reads lists the receipts of msg ordered by read time.
func (s *Store) Reads(ctx context.Context, conv, msg string) ([]model.ReadReceipt, error) {
	m, err := s.rdb.HGetAll(ctx, s.readsKey(conv, msg)).Result()
	if err != nil {
		return nil, errs.WrapMsg(err, "load reads", "conversation", conv, "message", msg)
	}
	out := make([]model.ReadReceipt, 0, len(m))
	for reader, v := range m {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, model.ReadReceipt{MessageID: msg, ReaderID: reader, ReadAt: time.UnixMilli(ms).UTC()})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ReadAt.Equal(out[j].ReadAt) {
			return out[i].ReaderID < out[j].ReaderID
		}
		return out[i].ReadAt.Before(out[j].ReadAt)
	})
	return out, nil
}
