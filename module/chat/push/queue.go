package push

import (
	"sync"

	"PPSync/module/chat/model"
	"PPSync/service/metrics"

	"go.uber.org/zap"
)

// DefaultQueueCap bounds the envelopes held while the channel is not ready.
const DefaultQueueCap = 1000

// Queue holds envelopes received before the push channel is marked ready.
// When full, the oldest envelope is dropped.
type Queue struct {
	mu    sync.Mutex
	items []model.Envelope
	cap   int
	log   *zap.Logger
}

func NewQueue(capacity int, log *zap.Logger) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCap
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Queue{cap: capacity, log: log}
}

// Push appends e and reports whether an older envelope had to be dropped.
func (q *Queue) Push(e model.Envelope) (dropped bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.cap {
		old := q.items[0]
		q.items = q.items[1:]
		dropped = true
		metrics.QueueDropped.Inc()
		q.log.Warn("push queue full, dropping oldest",
			zap.Int("cap", q.cap), zap.String("event", old.Event), zap.String("id", old.ID))
	}
	q.items = append(q.items, e)
	return dropped
}

// Drain removes and returns all queued envelopes in arrival order.
func (q *Queue) Drain() []model.Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) Reset() {
	q.mu.Lock()
	q.items = nil
	q.mu.Unlock()
}
