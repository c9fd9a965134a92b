package storage

import (
	"context"
	"errors"
	"sort"

	"PPSync/module/chat/model"
	"PPSync/tools/errs"

	"github.com/redis/go-redis/v9"
)

// AddMember joins m to conv and records its display name.
func (s *Store) AddMember(ctx context.Context, conv string, m model.Member) error {
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, s.membersKey(conv), m.ID, m.DisplayName)
	pipe.Set(ctx, s.memberKey(m.ID), m.DisplayName, 0)
	_, err := pipe.Exec(ctx)
	return errs.WrapMsg(err, "add member", "conversation", conv, "member", m.ID)
}

// Members lists the participants of conv ordered by id.
func (s *Store) Members(ctx context.Context, conv string) ([]model.Member, error) {
	m, err := s.rdb.HGetAll(ctx, s.membersKey(conv)).Result()
	if err != nil {
		return nil, errs.WrapMsg(err, "load members", "conversation", conv)
	}
	out := make([]model.Member, 0, len(m))
	for id, name := range m {
		out = append(out, model.Member{ID: id, DisplayName: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) IsMember(ctx context.Context, conv, member string) (bool, error) {
	ok, err := s.rdb.HExists(ctx, s.membersKey(conv), member).Result()
	if err != nil {
		return false, errs.WrapMsg(err, "check member", "conversation", conv, "member", member)
	}
	return ok, nil
}

// Member resolves a display name.
func (s *Store) Member(ctx context.Context, id string) (model.Member, error) {
	name, err := s.rdb.Get(ctx, s.memberKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return model.Member{}, errs.ErrNotFound.WrapMsg("member", "id", id)
	}
	if err != nil {
		return model.Member{}, errs.WrapMsg(err, "load member", "id", id)
	}
	return model.Member{ID: id, DisplayName: name}, nil
}
