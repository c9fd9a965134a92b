package reconcile

import (
	"sort"
	"sync"
	"time"

	"PPSync/logger"
	"PPSync/module/chat/dedup"
	"PPSync/module/chat/model"
	"PPSync/service/metrics"

	"go.uber.org/zap"
)

// Result is the outcome of Admit.
type Result int

const (
	Accepted  Result = iota
	Duplicate        // key already seen or final id already listed
	Stale            // older than the stale horizon
	Dropped          // malformed, or addressed to another conversation
)

func (r Result) String() string {
	switch r {
	case Accepted:
		return "accepted"
	case Duplicate:
		return "duplicate"
	case Stale:
		return "stale"
	case Dropped:
		return "dropped"
	default:
		return "unknown"
	}
}

type Conf struct {
	StaleHorizon time.Duration    // default 10m
	Clock        func() time.Time // nil => time.Now
	Logger       *zap.Logger
}

func (c *Conf) norm() {
	if c.StaleHorizon <= 0 {
		c.StaleHorizon = 10 * time.Minute
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.Logger == nil {
		c.Logger = logger.Log
	}
}

// Reconciler owns the authoritative, time-ordered message list of one conversation.
// Every message, whatever its source, enters the list through Admit or AddOptimistic;
// the mutex makes that the single serialization point.
type Reconciler struct {
	mu       sync.Mutex
	conv     string
	list     []model.Message
	byID     map[string]struct{}
	deduper  *dedup.Deduper
	conf     Conf
	log      *zap.Logger
	onChange func([]model.Message)
}

func New(conversationID string, d *dedup.Deduper, conf Conf) *Reconciler {
	conf.norm()
	if d == nil {
		d = dedup.New(dedup.Conf{})
	}
	return &Reconciler{
		conv:    conversationID,
		byID:    make(map[string]struct{}),
		deduper: d,
		conf:    conf,
		log:     conf.Logger.Named("reconcile").With(zap.String("conversation", conversationID)),
	}
}

func (r *Reconciler) ConversationID() string { return r.conv }

// OnChange registers a callback that receives a snapshot after every list mutation.
// It is invoked after the list lock is released.
func (r *Reconciler) OnChange(fn func([]model.Message)) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

// Admit merges a message from push, poll or a send response.
func (r *Reconciler) Admit(m model.Message) Result {
	return r.admitWith(m, true)
}

// Confirm admits the server copy of a message this client just sent. It skips the
// stale horizon, so a server timestamp far in the past still replaces the placeholder.
func (r *Reconciler) Confirm(m model.Message) Result {
	return r.admitWith(m, false)
}

func (r *Reconciler) admitWith(m model.Message, horizon bool) Result {
	res, snap, fn := r.admit(m, horizon)
	metrics.Admissions.WithLabelValues(res.String()).Inc()
	if res == Accepted && fn != nil {
		fn(snap)
	}
	return res
}

// AdmitAll admits msgs in order and returns the number accepted.
func (r *Reconciler) AdmitAll(msgs []model.Message) int {
	n := 0
	for _, m := range msgs {
		if r.Admit(m) == Accepted {
			n++
		}
	}
	return n
}

func (r *Reconciler) admit(m model.Message, horizon bool) (Result, []model.Message, func([]model.Message)) {
	if err := m.Validate(); err != nil {
		r.log.Warn("drop malformed message", zap.Error(err))
		return Dropped, nil, nil
	}
	if m.ConversationID != r.conv {
		r.log.Warn("drop message for another conversation",
			zap.String("id", m.ID), zap.String("target", m.ConversationID))
		return Dropped, nil, nil
	}
	if age := r.conf.Clock().Sub(m.CreatedAt); horizon && age > r.conf.StaleHorizon {
		r.log.Debug("drop stale message", zap.String("id", m.ID), zap.Duration("age", age))
		return Stale, nil, nil
	}

	key := dedup.Key(m)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, listed := r.byID[m.ID]; listed || r.deduper.Seen(key) {
		r.log.Debug("drop duplicate message", zap.String("id", m.ID))
		return Duplicate, nil, nil
	}
	r.deduper.Record(key)
	r.mergeLocked(m)
	return Accepted, r.snapshotLocked(), r.onChange
}

// AddOptimistic appends a local placeholder through the regular merge path.
func (r *Reconciler) AddOptimistic(m model.Message) {
	r.mu.Lock()
	r.mergeLocked(m)
	snap, fn := r.snapshotLocked(), r.onChange
	r.mu.Unlock()
	if fn != nil {
		fn(snap)
	}
}

// Remove drops a message by id, used when an optimistic send fails.
func (r *Reconciler) Remove(id string) bool {
	r.mu.Lock()
	idx := r.indexLocked(id)
	if idx < 0 {
		r.mu.Unlock()
		return false
	}
	r.list = append(r.list[:idx], r.list[idx+1:]...)
	delete(r.byID, id)
	snap, fn := r.snapshotLocked(), r.onChange
	r.mu.Unlock()
	if fn != nil {
		fn(snap)
	}
	return true
}

// mergeLocked replaces a matching optimistic placeholder in place, or appends, then
// re-sorts the whole list by creation time keeping the relative order of ties.
func (r *Reconciler) mergeLocked(m model.Message) {
	replaced := false
	if !m.IsTemporary() {
		for i := range r.list {
			p := r.list[i]
			if p.IsTemporary() && p.ConversationID == m.ConversationID && p.SameContent(m) {
				delete(r.byID, p.ID)
				r.list[i] = m
				replaced = true
				r.log.Debug("replace optimistic placeholder", zap.String("temp", p.ID), zap.String("id", m.ID))
				break
			}
		}
	}
	if !replaced {
		r.list = append(r.list, m)
	}
	r.byID[m.ID] = struct{}{}
	sort.SliceStable(r.list, func(i, j int) bool {
		return r.list[i].CreatedAt.Before(r.list[j].CreatedAt)
	})
}

func (r *Reconciler) indexLocked(id string) int {
	for i := range r.list {
		if r.list[i].ID == id {
			return i
		}
	}
	return -1
}

func (r *Reconciler) snapshotLocked() []model.Message {
	out := make([]model.Message, len(r.list))
	copy(out, r.list)
	return out
}

// Messages returns a copy of the ordered list.
func (r *Reconciler) Messages() []model.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// Latest returns the newest message, if any.
func (r *Reconciler) Latest() (model.Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.list) == 0 {
		return model.Message{}, false
	}
	return r.list[len(r.list)-1], true
}

func (r *Reconciler) Get(id string) (model.Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if idx := r.indexLocked(id); idx >= 0 {
		return r.list[idx], true
	}
	return model.Message{}, false
}

func (r *Reconciler) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.list)
}
