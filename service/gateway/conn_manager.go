package gateway

import (
	"sync"
	"time"

	"PPSync/tools/errs"

	"github.com/gorilla/websocket"
)

// ===== 配置 =====

type ManagerConf struct {
	TTL          time.Duration    // idle lifetime, renewed by every pong or frame, default 2m
	SweepEvery   time.Duration    // default 10s
	MaxPerMember int              // <=0 unlimited
	EvictOldest  bool             // over the limit: evict the oldest connection, else refuse
	Clock        func() time.Time // nil => time.Now
}

func (c *ManagerConf) norm() {
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = 10 * time.Second
	}
	if c.TTL <= 0 {
		c.TTL = 2 * time.Minute
	}
}

// ===== 数据结构 =====

// WsConn is one registered gateway connection.
type WsConn struct {
	ID       string
	MemberID string
	Conn     *websocket.Conn

	CreatedAt time.Time
	Heartbeat time.Time
	ExpireAt  time.Time

	// closeFn tears down the connection's session; called outside the manager lock.
	closeFn func()
}

type ConnManager struct {
	mu       sync.RWMutex
	byID     map[string]*WsConn
	byMember map[string]map[string]*WsConn

	conf     ManagerConf
	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewConnManager(conf ManagerConf) *ConnManager {
	conf.norm()
	m := &ConnManager{
		byID:     make(map[string]*WsConn),
		byMember: make(map[string]map[string]*WsConn),
		conf:     conf,
		stopCh:   make(chan struct{}),
	}
	go m.sweeper()
	return m
}

// Close stops the sweeper and closes every registered connection.
func (m *ConnManager) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.mu.Lock()
	all := make([]*WsConn, 0, len(m.byID))
	for _, w := range m.byID {
		all = append(all, w)
	}
	m.byID = map[string]*WsConn{}
	m.byMember = map[string]map[string]*WsConn{}
	m.mu.Unlock()
	for _, w := range all {
		w.shutdown()
	}
}

// Add registers w, evicting the member's oldest connection when over the limit.
func (m *ConnManager) Add(w *WsConn) error {
	if w == nil || w.ID == "" || w.MemberID == "" {
		return errs.ErrInvalidArgument.WrapMsg("conn id/member empty")
	}
	now := m.conf.Clock()
	w.CreatedAt, w.Heartbeat, w.ExpireAt = now, now, now.Add(m.conf.TTL)

	var evicted *WsConn
	m.mu.Lock()
	if _, exists := m.byID[w.ID]; exists {
		m.mu.Unlock()
		return errs.ErrInvalidArgument.WrapMsg("conn id exists", "id", w.ID)
	}
	if m.conf.MaxPerMember > 0 && len(m.byMember[w.MemberID]) >= m.conf.MaxPerMember {
		if !m.conf.EvictOldest {
			m.mu.Unlock()
			return errs.ErrInvalidArgument.WrapMsg("too many connections", "member", w.MemberID)
		}
		evicted = m.oldestLocked(w.MemberID)
		if evicted != nil {
			m.removeLocked(evicted.ID)
		}
	}
	m.byID[w.ID] = w
	if m.byMember[w.MemberID] == nil {
		m.byMember[w.MemberID] = make(map[string]*WsConn)
	}
	m.byMember[w.MemberID][w.ID] = w
	m.mu.Unlock()

	if evicted != nil {
		evicted.shutdown()
	}
	return nil
}

// Heartbeat renews the expiry of a connection.
func (m *ConnManager) Heartbeat(id string) error {
	now := m.conf.Clock()
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.byID[id]
	if !ok {
		return errs.ErrNotFound.WrapMsg("conn", "id", id)
	}
	w.Heartbeat = now
	w.ExpireAt = now.Add(m.conf.TTL)
	return nil
}

// AttachPongHandler renews the connection on every pong and extends the read deadline.
func (m *ConnManager) AttachPongHandler(w *WsConn, readWait time.Duration) {
	w.Conn.SetPongHandler(func(string) error {
		_ = m.Heartbeat(w.ID)
		return w.Conn.SetReadDeadline(time.Now().Add(readWait))
	})
}

// Remove unregisters a connection without closing it.
func (m *ConnManager) Remove(id string) {
	m.mu.Lock()
	m.removeLocked(id)
	m.mu.Unlock()
}

func (m *ConnManager) Get(id string) (*WsConn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.byID[id]
	return w, ok
}

// MemberConns lists the connection ids of a member.
func (m *ConnManager) MemberConns(member string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.byMember[member]))
	for id := range m.byMember[member] {
		out = append(out, id)
	}
	return out
}

func (m *ConnManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

func (m *ConnManager) removeLocked(id string) {
	w, ok := m.byID[id]
	if !ok {
		return
	}
	delete(m.byID, id)
	if mm := m.byMember[w.MemberID]; mm != nil {
		delete(mm, id)
		if len(mm) == 0 {
			delete(m.byMember, w.MemberID)
		}
	}
}

func (m *ConnManager) oldestLocked(member string) *WsConn {
	var oldest *WsConn
	for _, w := range m.byMember[member] {
		if oldest == nil || w.CreatedAt.Before(oldest.CreatedAt) {
			oldest = w
		}
	}
	return oldest
}

// ===== 清理协程 =====

func (m *ConnManager) sweeper() {
	t := time.NewTicker(m.conf.SweepEvery)
	defer t.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-t.C:
			m.sweepOnce(m.conf.Clock())
		}
	}
}

// sweepOnce removes expired connections and returns how many it closed.
func (m *ConnManager) sweepOnce(now time.Time) int {
	var expired []*WsConn
	m.mu.Lock()
	for id, w := range m.byID {
		if now.After(w.ExpireAt) {
			// 收集后统一关闭，避免持锁期间关闭 socket
			expired = append(expired, w)
			m.removeLocked(id)
		}
	}
	m.mu.Unlock()

	for _, w := range expired {
		w.shutdown()
	}
	return len(expired)
}

func (w *WsConn) shutdown() {
	if w.closeFn != nil {
		w.closeFn()
		return
	}
	if w.Conn != nil {
		_ = w.Conn.Close()
	}
}
