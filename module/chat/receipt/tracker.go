package receipt

import (
	"context"
	"sync"
	"time"

	"PPSync/logger"
	"PPSync/module/chat/model"
	"PPSync/module/chat/poller"
	"PPSync/service/metrics"
	"PPSync/tools/errs"
	"PPSync/tools/safe"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
)

// API is the read-receipt store.
type API interface {
	// MarkRead is idempotent on the server side.
	MarkRead(ctx context.Context, conversationID, messageID string) error
	FetchReads(ctx context.Context, conversationID, messageID string) ([]model.ReadReceipt, error)
}

// Members lists the participants of a conversation.
type Members interface {
	ConversationMembers(ctx context.Context, conversationID string) ([]model.Member, error)
}

// List is the view of the message list the tracker needs.
type List interface {
	Latest() (model.Message, bool)
	Get(id string) (model.Message, bool)
}

type Conf struct {
	TTL          time.Duration // status cache entry lifetime, default 30s
	CacheSize    int           // default 1024
	MembersValid time.Duration // member list validity, default 10s
	RefreshEvery time.Duration // default 5s
	Logger       *zap.Logger
}

func (c *Conf) norm() {
	if c.TTL <= 0 {
		c.TTL = 30 * time.Second
	}
	if c.CacheSize <= 0 {
		c.CacheSize = 1024
	}
	if c.MembersValid <= 0 {
		c.MembersValid = 10 * time.Second
	}
	if c.RefreshEvery <= 0 {
		c.RefreshEvery = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = logger.Log
	}
}

// Entry is the computed read state of one message.
type Entry struct {
	MessageID string
	Status    model.ReadStatus
	Readers   []model.ReadReceipt
	ReadCount int
	AllRead   bool
}

// Tracker marks the newest visible message as read once per session and
// caches read-status lookups. Statuses never regress within a session.
type Tracker struct {
	conv    string
	self    string
	api     API
	members Members
	list    List
	conf    Conf
	log     *zap.Logger

	cache       *expirable.LRU[string, Entry]
	memberCache *poller.ListCache[model.Member]

	mu      sync.Mutex
	marked  map[string]bool
	allRead map[string]Entry
	high    map[string]model.ReadStatus

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func New(conversationID, selfID string, api API, members Members, list List, conf Conf) *Tracker {
	safe.MustNotNil(api, "read api")
	safe.MustNotNil(members, "members")
	safe.MustNotNil(list, "list")
	conf.norm()
	return &Tracker{
		conv:        conversationID,
		self:        selfID,
		api:         api,
		members:     members,
		list:        list,
		conf:        conf,
		log:         conf.Logger.Named("receipt").With(zap.String("conversation", conversationID)),
		cache:       expirable.NewLRU[string, Entry](conf.CacheSize, nil, conf.TTL),
		memberCache: poller.NewListCache[model.Member](4, conf.MembersValid),
		marked:      make(map[string]bool),
		allRead:     make(map[string]Entry),
		high:        make(map[string]model.ReadStatus),
		stopCh:      make(chan struct{}),
	}
}

func (t *Tracker) key(messageID string) string { return t.conv + "|" + messageID }

// Visible reports that message id is rendered in the viewport. Only the newest
// message of the list is read-eligible; own and temporary messages are skipped.
// It returns true when a read mark was sent.
func (t *Tracker) Visible(ctx context.Context, id string) (bool, error) {
	latest, ok := t.list.Latest()
	if !ok || latest.ID != id {
		return false, nil
	}
	if latest.IsTemporary() || latest.SenderID == t.self {
		return false, nil
	}

	t.mu.Lock()
	if t.marked[id] {
		t.mu.Unlock()
		return false, nil
	}
	t.marked[id] = true
	t.mu.Unlock()

	if err := t.api.MarkRead(ctx, t.conv, id); err != nil {
		t.mu.Lock()
		delete(t.marked, id)
		t.mu.Unlock()
		t.log.Warn("mark read failed", zap.String("id", id), zap.Error(err))
		return false, errs.ErrTransient.WrapMsg(err.Error(), "op", "mark read", "id", id)
	}
	t.log.Debug("marked read", zap.String("id", id))
	return true, nil
}

// Status returns the read state of a message: a permanent all-read entry first,
// then the TTL cache, then the network.
func (t *Tracker) Status(ctx context.Context, id string) (Entry, error) {
	t.mu.Lock()
	if e, ok := t.allRead[id]; ok {
		t.mu.Unlock()
		metrics.ReadFetches.WithLabelValues("all_read").Inc()
		return e, nil
	}
	t.mu.Unlock()

	if e, ok := t.cache.Get(t.key(id)); ok {
		metrics.ReadFetches.WithLabelValues("cache").Inc()
		return e, nil
	}

	metrics.ReadFetches.WithLabelValues("network").Inc()
	receipts, err := t.api.FetchReads(ctx, t.conv, id)
	if err != nil {
		return Entry{}, errs.ErrTransient.WrapMsg(err.Error(), "op", "fetch reads", "id", id)
	}
	members, err := t.memberCache.Get(ctx, "members|"+t.conv, func(ctx context.Context) ([]model.Member, error) {
		return t.members.ConversationMembers(ctx, t.conv)
	})
	if err != nil {
		return Entry{}, errs.ErrTransient.WrapMsg(err.Error(), "op", "fetch members", "conversation", t.conv)
	}

	sender := t.self
	if m, ok := t.list.Get(id); ok {
		sender = m.SenderID
	}
	status, n := model.ClassifyReads(receipts, sender, len(members))

	t.mu.Lock()
	if prev, ok := t.high[id]; ok && prev > status {
		status = prev
	}
	t.high[id] = status
	e := Entry{MessageID: id, Status: status, Readers: receipts, ReadCount: n, AllRead: status == model.StatusRead}
	if e.AllRead {
		t.allRead[id] = e
	}
	t.mu.Unlock()

	t.cache.Add(t.key(id), e)
	return e, nil
}

// Refresh looks up every id, skipping messages already read by everyone.
// Failures are logged and retried on the next call.
func (t *Tracker) Refresh(ctx context.Context, ids []string) map[string]Entry {
	out := make(map[string]Entry, len(ids))
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		e, err := t.Status(ctx, id)
		if err != nil {
			t.log.Warn("refresh read status failed", zap.String("id", id), zap.Error(err))
			continue
		}
		out[id] = e
	}
	return out
}

// StartRefresh calls Refresh every RefreshEvery with the ids returned by ids,
// handing the results to fn, until Stop.
func (t *Tracker) StartRefresh(ctx context.Context, ids func() []string, fn func(map[string]Entry)) {
	t.wg.Add(1)
	safe.Go(t.log, "receipt.refresh", func() {
		defer t.wg.Done()
		tk := time.NewTicker(t.conf.RefreshEvery)
		defer tk.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.stopCh:
				return
			case <-tk.C:
			}
			pending := t.pending(ids())
			if len(pending) == 0 {
				continue
			}
			res := t.Refresh(ctx, pending)
			if fn != nil {
				fn(res)
			}
		}
	})
}

func (t *Tracker) pending(ids []string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := ids[:0:0]
	for _, id := range ids {
		if _, done := t.allRead[id]; !done {
			out = append(out, id)
		}
	}
	return out
}

// Invalidate drops the cached status of a message, e.g. on a push read event.
// An all-read entry is kept.
func (t *Tracker) Invalidate(id string) {
	t.cache.Remove(t.key(id))
}

// AllRead reports whether the message is known to be read by every participant.
func (t *Tracker) AllRead(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.allRead[id]
	return ok
}

func (t *Tracker) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
	t.wg.Wait()
}
