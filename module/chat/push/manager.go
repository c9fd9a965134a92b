package push

import (
	"context"
	"errors"
	"sync"
	"time"

	"PPSync/logger"
	"PPSync/module/chat/model"
	"PPSync/service/metrics"
	"PPSync/tools/errs"
	"PPSync/tools/safe"

	"go.uber.org/zap"
)

// Subscription is one open channel subscription.
type Subscription interface {
	Unsubscribe() error
}

// Transport is the server-push primitive the manager supervises.
type Transport interface {
	// Subscribe delivers every envelope published on channel to fn until the
	// subscription is closed. fn may be called from any goroutine.
	Subscribe(ctx context.Context, channel string, fn func(model.Envelope)) (Subscription, error)
	// Probe returns once the transport has round-tripped a no-op message.
	Probe(ctx context.Context) error
}

// Handler receives envelopes once the channel is ready, in arrival order.
type Handler func(model.Envelope)

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateReady
	StateReconnecting
	StateDegraded // reconnect limit reached, poll only
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateReconnecting:
		return "reconnecting"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type Conf struct {
	ProbeTimeout     time.Duration // default 3s
	HeartbeatEvery   time.Duration // default 30s
	MaxReconnects    int           // default 5
	ReconnectBackoff time.Duration // default 2s
	QueueCap         int           // default 1000
	Logger           *zap.Logger
}

func (c *Conf) norm() {
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 3 * time.Second
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = 30 * time.Second
	}
	if c.MaxReconnects <= 0 {
		c.MaxReconnects = 5
	}
	if c.ReconnectBackoff <= 0 {
		c.ReconnectBackoff = 2 * time.Second
	}
	if c.QueueCap <= 0 {
		c.QueueCap = DefaultQueueCap
	}
	if c.Logger == nil {
		c.Logger = logger.Log
	}
}

// Manager supervises the push subscription of one conversation: connect with a
// readiness probe, queue-before-ready, heartbeat and bounded reconnect.
type Manager struct {
	transport Transport
	handler   Handler
	conf      Conf
	log       *zap.Logger
	queue     *Queue

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// dispatchMu serializes live delivery against the queue flush.
	// Lock order: dispatchMu, then mu.
	dispatchMu sync.Mutex

	mu           sync.Mutex
	conv         string
	gen          uint64 // bumped on every teardown; callbacks of older generations are ignored
	subs         []Subscription
	ready        bool
	connecting   bool
	reconnecting bool
	state        State
	attempts     int
	closed       bool
	hbStarted    bool
}

func NewManager(t Transport, h Handler, conf Conf) *Manager {
	safe.MustNotNil(t, "transport")
	safe.MustNotNil(h, "handler")
	conf.norm()
	log := conf.Logger.Named("push")
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		transport: t,
		handler:   h,
		conf:      conf,
		log:       log,
		queue:     NewQueue(conf.QueueCap, log),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Connect subscribes the conversation channel and marks the manager ready once the
// probe succeeds. A failed attempt starts the bounded reconnect loop in the background.
func (m *Manager) Connect(ctx context.Context, conversationID string) error {
	m.mu.Lock()
	if m.conv != conversationID || m.state == StateDegraded {
		m.attempts = 0
	}
	m.mu.Unlock()

	err := m.connect(ctx, conversationID)
	if err != nil && !errors.Is(err, errs.ErrConnectInFlight) {
		m.triggerReconnect("connect failed")
	}
	return err
}

func (m *Manager) connect(ctx context.Context, conv string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errs.ErrConnection.WrapMsg("manager closed")
	}
	if m.connecting {
		m.mu.Unlock()
		return errs.ErrConnectInFlight.WrapMsg("", "conversation", conv)
	}
	m.connecting = true
	changed := m.conv != conv
	m.conv = conv
	m.gen++
	gen := m.gen
	old := m.takeSubsLocked()
	m.setReadyLocked(false)
	if !m.reconnecting {
		m.state = StateConnecting
	}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.connecting = false
		m.mu.Unlock()
	}()

	m.unsubscribeAll(old)
	if changed {
		m.dispatchMu.Lock()
		m.queue.Reset()
		m.dispatchMu.Unlock()
	}

	channel := model.ChannelName(conv)
	sub, err := m.transport.Subscribe(ctx, channel, m.receiver(gen, conv))
	if err != nil {
		m.log.Warn("subscribe failed", zap.String("channel", channel), zap.Error(err))
		return errs.ErrConnection.WrapMsg(err.Error(), "channel", channel)
	}

	m.mu.Lock()
	if m.gen != gen || m.closed {
		m.mu.Unlock()
		_ = sub.Unsubscribe()
		return errs.ErrConnection.WrapMsg("connect superseded", "channel", channel)
	}
	m.subs = append(m.subs, sub)
	m.mu.Unlock()

	if err := m.probe(ctx); err != nil {
		m.log.Warn("readiness probe failed", zap.String("channel", channel), zap.Error(err))
		return errs.ErrConnection.WrapMsg(err.Error(), "channel", channel, "stage", "probe")
	}

	if !m.markReady(gen) {
		return errs.ErrConnection.WrapMsg("connect superseded", "channel", channel)
	}
	m.log.Info("push channel ready", zap.String("channel", channel))
	m.startHeartbeat()
	return nil
}

// startHeartbeat launches the heartbeat once unless the manager is closed.
// wg.Add happens under mu, ordered against Close.
func (m *Manager) startHeartbeat() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.hbStarted {
		return
	}
	m.hbStarted = true
	m.wg.Add(1)
	safe.Go(m.log, "push.heartbeat", func() {
		defer m.wg.Done()
		m.heartbeat()
	})
}

func (m *Manager) probe(ctx context.Context) error {
	pctx, cancel := context.WithTimeout(ctx, m.conf.ProbeTimeout)
	defer cancel()
	return m.transport.Probe(pctx)
}

// markReady flips the ready flag and flushes queued envelopes under the dispatch lock,
// so nothing delivered live can overtake them.
func (m *Manager) markReady(gen uint64) bool {
	m.dispatchMu.Lock()
	defer m.dispatchMu.Unlock()

	m.mu.Lock()
	if m.gen != gen || m.closed {
		m.mu.Unlock()
		return false
	}
	m.setReadyLocked(true)
	m.state = StateReady
	m.attempts = 0
	m.mu.Unlock()

	pending := m.queue.Drain()
	if len(pending) > 0 {
		m.log.Debug("flush queued envelopes", zap.Int("count", len(pending)))
	}
	for _, e := range pending {
		m.deliver(e)
	}
	return true
}

func (m *Manager) receiver(gen uint64, conv string) func(model.Envelope) {
	return func(e model.Envelope) {
		if e.Event == model.EventProbe {
			return
		}
		if e.ConversationID == "" {
			e.ConversationID = conv
		}
		if e.ConversationID != conv {
			m.log.Debug("drop envelope for another conversation",
				zap.String("event", e.Event), zap.String("target", e.ConversationID))
			return
		}

		m.dispatchMu.Lock()
		defer m.dispatchMu.Unlock()

		m.mu.Lock()
		current := m.gen == gen && !m.closed
		ready := m.ready
		m.mu.Unlock()

		switch {
		case !current:
			m.log.Debug("drop envelope from stale subscription", zap.String("event", e.Event), zap.String("id", e.ID))
		case !ready:
			m.queue.Push(e)
		default:
			m.deliver(e)
		}
	}
}

func (m *Manager) deliver(e model.Envelope) {
	safe.Run(m.log, "push.handler", func() { m.handler(e) })
}

// Reconnect retries the connection up to MaxReconnects times, tearing down the
// previous subscriptions and waiting ReconnectBackoff before each attempt. When the
// limit is reached the manager turns Degraded and stays so until Connect is called.
func (m *Manager) Reconnect(ctx context.Context, conversationID string) error {
	m.mu.Lock()
	if m.reconnecting {
		m.mu.Unlock()
		return errs.ErrConnectInFlight.WrapMsg("reconnect running", "conversation", conversationID)
	}
	m.reconnecting = true
	m.mu.Unlock()
	return m.reconnectLoop(ctx, conversationID)
}

func (m *Manager) triggerReconnect(reason string) {
	m.mu.Lock()
	if m.closed || m.reconnecting || m.state == StateDegraded {
		m.mu.Unlock()
		return
	}
	m.reconnecting = true
	conv := m.conv
	m.wg.Add(1)
	m.mu.Unlock()

	m.log.Info("schedule reconnect", zap.String("reason", reason), zap.String("conversation", conv))
	safe.Go(m.log, "push.reconnect", func() {
		defer m.wg.Done()
		_ = m.reconnectLoop(m.ctx, conv)
	})
}

func (m *Manager) reconnectLoop(ctx context.Context, conv string) error {
	defer func() {
		m.mu.Lock()
		m.reconnecting = false
		m.mu.Unlock()
	}()

	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return errs.ErrConnection.WrapMsg("manager closed")
		}
		if m.attempts >= m.conf.MaxReconnects {
			n := m.attempts
			m.state = StateDegraded
			m.setReadyLocked(false)
			m.gen++
			subs := m.takeSubsLocked()
			m.mu.Unlock()
			m.unsubscribeAll(subs)
			m.log.Warn("reconnect limit reached, falling back to polling",
				zap.String("conversation", conv), zap.Int("attempts", n))
			return errs.ErrConnection.WrapMsg("reconnect limit reached", "attempts", n)
		}
		m.attempts++
		n := m.attempts
		m.state = StateReconnecting
		m.setReadyLocked(false)
		m.gen++
		subs := m.takeSubsLocked()
		m.mu.Unlock()

		metrics.ReconnectAttempts.Inc()
		m.unsubscribeAll(subs)

		timer := time.NewTimer(m.conf.ReconnectBackoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errs.WrapMsg(ctx.Err(), "reconnect cancelled")
		case <-m.ctx.Done():
			timer.Stop()
			return errs.ErrConnection.WrapMsg("manager closed")
		case <-timer.C:
		}

		err := m.connect(ctx, conv)
		if err == nil {
			m.log.Info("reconnected", zap.String("conversation", conv), zap.Int("attempt", n))
			return nil
		}
		m.log.Warn("reconnect attempt failed",
			zap.String("conversation", conv), zap.Int("attempt", n), zap.Error(err))
	}
}

func (m *Manager) heartbeat() {
	t := time.NewTicker(m.conf.HeartbeatEvery)
	defer t.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-t.C:
		}
		m.mu.Lock()
		live := m.ready && !m.connecting && !m.reconnecting
		m.mu.Unlock()
		if !live {
			continue
		}
		if err := m.probe(m.ctx); err != nil {
			if m.ctx.Err() != nil {
				return
			}
			m.log.Warn("heartbeat probe failed", zap.Error(err))
			m.mu.Lock()
			m.setReadyLocked(false)
			m.mu.Unlock()
			m.triggerReconnect("heartbeat failed")
		}
	}
}

// NotifyDisconnect reports an explicit transport disconnect.
func (m *Manager) NotifyDisconnect() {
	m.mu.Lock()
	m.setReadyLocked(false)
	m.mu.Unlock()
	m.triggerReconnect("transport disconnected")
}

// Close unsubscribes every channel before returning and stops background work.
// Envelopes arriving afterwards are ignored.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.gen++
	m.setReadyLocked(false)
	m.state = StateClosed
	subs := m.takeSubsLocked()
	m.mu.Unlock()

	m.cancel()
	m.unsubscribeAll(subs)
	m.dispatchMu.Lock()
	m.queue.Reset()
	m.dispatchMu.Unlock()
	m.wg.Wait()
	m.log.Debug("push manager closed", zap.String("conversation", m.ConversationID()))
}

func (m *Manager) takeSubsLocked() []Subscription {
	subs := m.subs
	m.subs = nil
	return subs
}

func (m *Manager) setReadyLocked(v bool) {
	if m.ready == v {
		return
	}
	m.ready = v
	if v {
		metrics.PushReady.Inc()
	} else {
		metrics.PushReady.Dec()
	}
}

func (m *Manager) unsubscribeAll(subs []Subscription) {
	for _, s := range subs {
		if err := s.Unsubscribe(); err != nil {
			m.log.Warn("unsubscribe failed", zap.Error(err))
		}
	}
}

func (m *Manager) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ready
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

func (m *Manager) ConversationID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conv
}

// Queued returns the number of envelopes waiting for readiness.
func (m *Manager) Queued() int { return m.queue.Len() }
