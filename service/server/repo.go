package server

import (
	"context"
	"sort"
	"sync"
	"time"

	"PPSync/module/chat/model"
	"PPSync/tools/errs"
)

// MessageRepo persists messages; mgo.Messages in production.
type MessageRepo interface {
	Save(ctx context.Context, m model.Message, clientID string) (model.Message, error)
	Recent(ctx context.Context, conversationID string, limit int64) ([]model.Message, error)
	Get(ctx context.Context, conversationID, id string) (model.Message, error)
}

// ReadRepo stores read receipts; storage.Store in production.
type ReadRepo interface {
	MarkRead(ctx context.Context, conv, msg, reader string, at time.Time) (bool, error)
	Reads(ctx context.Context, conv, msg string) ([]model.ReadReceipt, error)
}

// MemberRepo stores conversation membership; storage.Store in production.
type MemberRepo interface {
	AddMember(ctx context.Context, conv string, m model.Member) error
	Members(ctx context.Context, conv string) ([]model.Member, error)
	IsMember(ctx context.Context, conv, member string) (bool, error)
	Member(ctx context.Context, id string) (model.Member, error)
}

// Publisher fans envelopes out to push subscribers; natsx.Manager in production.
type Publisher interface {
	PublishEnvelope(ctx context.Context, e model.Envelope) error
}

// PresenceRepo reports whether a member holds a live gateway connection.
type PresenceRepo interface {
	Lookup(ctx context.Context, member string) (bool, error)
}

// MemStore implements every repository in memory, for tests and the single-node dev mode.
type MemStore struct {
	mu      sync.RWMutex
	msgs    map[string][]model.Message      // conv -> messages in insert order
	byCID   map[string]model.Message        // conv|sender|cid -> msg
	reads   map[string]map[string]time.Time // conv|msg -> reader -> at
	members map[string]map[string]string    // conv -> id -> name
	names   map[string]string
}

func NewMemStore() *MemStore {
	return &MemStore{
		msgs:    make(map[string][]model.Message),
		byCID:   make(map[string]model.Message),
		reads:   make(map[string]map[string]time.Time),
		members: make(map[string]map[string]string),
		names:   make(map[string]string),
	}
}

func keyCID(conv, sender, cid string) string { return conv + "|" + sender + "|" + cid }

func (s *MemStore) Save(_ context.Context, m model.Message, clientID string) (model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if clientID != "" {
		k := keyCID(m.ConversationID, m.SenderID, clientID)
		if prev, ok := s.byCID[k]; ok {
			return prev, nil
		}
		s.byCID[k] = m
	}
	s.msgs[m.ConversationID] = append(s.msgs[m.ConversationID], m)
	return m, nil
}

func (s *MemStore) Recent(_ context.Context, conv string, limit int64) ([]model.Message, error) {
	s.mu.RLock()
	all := append([]model.Message(nil), s.msgs[conv]...)
	s.mu.RUnlock()
	sort.SliceStable(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	if limit > 0 && int64(len(all)) > limit {
		all = all[int64(len(all))-limit:]
	}
	return all, nil
}

func (s *MemStore) Get(_ context.Context, conv, id string) (model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.msgs[conv] {
		if m.ID == id {
			return m, nil
		}
	}
	return model.Message{}, errs.ErrNotFound.WrapMsg("message", "id", id)
}

func (s *MemStore) MarkRead(_ context.Context, conv, msg, reader string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := conv + "|" + msg
	if s.reads[k] == nil {
		s.reads[k] = make(map[string]time.Time)
	}
	if _, ok := s.reads[k][reader]; ok {
		return false, nil
	}
	s.reads[k][reader] = at
	return true, nil
}

func (s *MemStore) Reads(_ context.Context, conv, msg string) ([]model.ReadReceipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.ReadReceipt, 0, len(s.reads[conv+"|"+msg]))
	for reader, at := range s.reads[conv+"|"+msg] {
		out = append(out, model.ReadReceipt{MessageID: msg, ReaderID: reader, ReadAt: at})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReaderID < out[j].ReaderID })
	return out, nil
}

func (s *MemStore) AddMember(_ context.Context, conv string, m model.Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.members[conv] == nil {
		s.members[conv] = make(map[string]string)
	}
	s.members[conv][m.ID] = m.DisplayName
	s.names[m.ID] = m.DisplayName
	return nil
}

func (s *MemStore) Members(_ context.Context, conv string) ([]model.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Member, 0, len(s.members[conv]))
	for id, name := range s.members[conv] {
		out = append(out, model.Member{ID: id, DisplayName: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemStore) IsMember(_ context.Context, conv, member string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.members[conv][member]
	return ok, nil
}

func (s *MemStore) Member(_ context.Context, id string) (model.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	name, ok := s.names[id]
	if !ok {
		return model.Member{}, errs.ErrNotFound.WrapMsg("member", "id", id)
	}
	return model.Member{ID: id, DisplayName: name}, nil
}
