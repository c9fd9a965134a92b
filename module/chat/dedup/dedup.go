package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"

	"PPSync/module/chat/model"
	"PPSync/service/metrics"
)

// Store answers "has this key been seen recently" and records it in the same step.
type Store interface {
	SeenOnce(key string) (seen bool)
}

type Conf struct {
	Cap        int     // keys kept before eviction (default 500)
	EvictRatio float64 // share of the oldest keys dropped once Cap is exceeded (default 0.4)
}

func (c *Conf) norm() {
	if c.Cap <= 0 {
		c.Cap = 500
	}
	if c.EvictRatio <= 0 || c.EvictRatio > 1 {
		c.EvictRatio = 0.4
	}
}

// Deduper is a bounded recency set of message keys. It is owned by one
// conversation session and discarded with it.
type Deduper struct {
	mu    sync.Mutex
	conf  Conf
	order []string // insertion order, oldest first
	set   map[string]struct{}
}

func New(conf Conf) *Deduper {
	conf.norm()
	return &Deduper{
		conf: conf,
		set:  make(map[string]struct{}, conf.Cap),
	}
}

// Key derives the identity of a message from (id, conversation, sender, content).
// Surrounding whitespace in the content is ignored.
func Key(m model.Message) string {
	h := sha256.New()
	for _, part := range []string{m.ID, m.ConversationID, m.SenderID, strings.TrimSpace(m.Content)} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}

func (d *Deduper) Seen(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.set[key]
	return ok
}

func (d *Deduper) SeenOnce(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.set[key]; ok {
		return true
	}
	d.recordLocked(key)
	return false
}

func (d *Deduper) Record(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.set[key]; ok {
		return
	}
	d.recordLocked(key)
}

func (d *Deduper) recordLocked(key string) {
	d.set[key] = struct{}{}
	d.order = append(d.order, key)
	if len(d.order) <= d.conf.Cap {
		return
	}
	n := int(float64(len(d.order)) * d.conf.EvictRatio)
	if n < 1 {
		n = 1
	}
	for _, k := range d.order[:n] {
		delete(d.set, k)
	}
	d.order = append(d.order[:0:0], d.order[n:]...)
	metrics.DedupEvictions.Add(float64(n))
}

func (d *Deduper) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.order)
}

func (d *Deduper) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.order = nil
	d.set = make(map[string]struct{}, d.conf.Cap)
}
