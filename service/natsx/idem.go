package natsx

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"strings"
	"sync"
	"time"
)

// IdemStore reports whether key was already seen within ttl and records it.
type IdemStore interface {
	SeenOnce(key string, ttl time.Duration) (seen bool, err error)
}

// MemIdem is a single-process IdemStore with a background sweeper.
type MemIdem struct {
	mu    sync.Mutex
	m     map[string]time.Time // key -> expiry
	ttl   time.Duration
	clock func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewMemIdem(defaultTTL, sweepEvery time.Duration) *MemIdem {
	if defaultTTL <= 0 {
		defaultTTL = 2 * time.Minute
	}
	if sweepEvery <= 0 {
		sweepEvery = time.Minute
	}
	mi := &MemIdem{m: make(map[string]time.Time), ttl: defaultTTL, clock: time.Now, stopCh: make(chan struct{})}
	go func() {
		t := time.NewTicker(sweepEvery)
		defer t.Stop()
		for {
			select {
			case <-mi.stopCh:
				return
			case <-t.C:
				mi.sweep()
			}
		}
	}()
	return mi
}

func (mi *MemIdem) sweep() {
	now := mi.clock()
	mi.mu.Lock()
	for k, exp := range mi.m {
		if !exp.After(now) {
			delete(mi.m, k)
		}
	}
	mi.mu.Unlock()
}

func (mi *MemIdem) SeenOnce(key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = mi.ttl
	}
	now := mi.clock()
	mi.mu.Lock()
	defer mi.mu.Unlock()
	if exp, ok := mi.m[key]; ok && exp.After(now) {
		return true, nil
	}
	mi.m[key] = now.Add(ttl)
	return false, nil
}

func (mi *MemIdem) Len() int {
	mi.mu.Lock()
	defer mi.mu.Unlock()
	return len(mi.m)
}

func (mi *MemIdem) Stop() { mi.stopOnce.Do(func() { close(mi.stopCh) }) }

func msgIDFromHeader(h map[string]string) string {
	for _, k := range []string{HeaderMsgID, "nats-msg-id", "X-Msg-Id", "x-msg-id"} {
		if v, ok := h[k]; ok && v != "" {
			return v
		}
	}
	return ""
}

// IdemMiddleware skips messages whose id was already handled. Messages without an
// id header fall back to subject plus trimmed payload.
func IdemMiddleware(store IdemStore, ttl time.Duration) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, msg Message) error {
			id := msgIDFromHeader(msg.Header)
			if id == "" {
				id = msg.Subject + "|" + strings.TrimSpace(string(msg.Data))
			} else {
				id = msg.Subject + "|" + id
			}
			seen, err := store.SeenOnce(id, ttl)
			if err == nil && seen {
				return nil
			}
			return next(ctx, msg)
		}
	}
}

func genMsgID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
