package typing

import (
	"context"
	"sort"
	"sync"
	"time"

	"PPSync/logger"
	"PPSync/module/chat/model"
	"PPSync/tools/safe"

	"go.uber.org/zap"
)

// Publisher relays the local typing state; the server does not persist it.
type Publisher interface {
	PublishTyping(ctx context.Context, conversationID string, isTyping bool) error
}

// MemberLookup resolves a display name missing from an event.
type MemberLookup interface {
	Member(ctx context.Context, memberID string) (model.Member, error)
}

type Conf struct {
	Throttle       time.Duration // min gap between isTyping=true publishes, default 2s
	Idle           time.Duration // inactivity before isTyping=false, default 3s
	Timeout        time.Duration // receiver entry lifetime, default 5s
	SweepEvery     time.Duration // default 1s
	PublishTimeout time.Duration // default 3s
	LookupTimeout  time.Duration // display name lookup, default 3s
	Clock          func() time.Time
	Logger         *zap.Logger
}

func (c *Conf) norm() {
	if c.Throttle <= 0 {
		c.Throttle = 2 * time.Second
	}
	if c.Idle <= 0 {
		c.Idle = 3 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = time.Second
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 3 * time.Second
	}
	if c.LookupTimeout <= 0 {
		c.LookupTimeout = 3 * time.Second
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.Logger == nil {
		c.Logger = logger.Log
	}
}

// Entry is one member currently shown as typing.
type Entry struct {
	MemberID    string
	DisplayName string
	LastTyped   time.Time
}

// Presence runs both sides of the typing indicator for one conversation.
type Presence struct {
	conv   string
	self   string
	pub    Publisher
	lookup MemberLookup
	conf   Conf
	log    *zap.Logger

	mu       sync.Mutex
	lastSent time.Time // last isTyping=true publish; zero after false
	typing   bool
	idle     *time.Timer
	idleGen  uint64
	entries  map[string]Entry
	names    map[string]string
	pending  map[string]bool // name lookups in flight
	onChange func([]Entry)
	closed   bool

	base       context.Context
	baseCancel context.CancelFunc

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func New(conversationID, selfID string, pub Publisher, lookup MemberLookup, conf Conf) *Presence {
	safe.MustNotNil(pub, "typing publisher")
	conf.norm()
	base, cancel := context.WithCancel(context.Background())
	return &Presence{
		conv:    conversationID,
		self:    selfID,
		pub:     pub,
		lookup:  lookup,
		conf:    conf,
		log:     conf.Logger.Named("typing").With(zap.String("conversation", conversationID)),
		entries: make(map[string]Entry),
		names:   make(map[string]string),
		pending: make(map[string]bool),
		stopCh:  make(chan struct{}),

		base:       base,
		baseCancel: cancel,
	}
}

// OnChange registers a callback receiving the typing members after every change.
func (p *Presence) OnChange(fn func([]Entry)) {
	p.mu.Lock()
	p.onChange = fn
	p.mu.Unlock()
}

// Keystroke records local input activity.
func (p *Presence) Keystroke(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	now := p.conf.Clock()
	send := p.lastSent.IsZero() || now.Sub(p.lastSent) >= p.conf.Throttle
	if send {
		p.lastSent = now
	}
	p.typing = true
	p.armIdleLocked()
	p.mu.Unlock()

	if !send {
		return nil
	}
	return p.publish(ctx, true)
}

func (p *Presence) armIdleLocked() {
	if p.idle != nil {
		p.idle.Stop()
	}
	p.idleGen++
	gen := p.idleGen
	p.idle = time.AfterFunc(p.conf.Idle, func() { p.idleExpired(gen) })
}

func (p *Presence) idleExpired(gen uint64) {
	p.mu.Lock()
	if gen != p.idleGen || !p.typing || p.closed {
		p.mu.Unlock()
		return
	}
	p.typing = false
	p.lastSent = time.Time{}
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), p.conf.PublishTimeout)
	defer cancel()
	_ = p.publish(ctx, false)
}

// StopTyping publishes isTyping=false immediately, e.g. when the message is sent.
func (p *Presence) StopTyping(ctx context.Context) error {
	p.mu.Lock()
	was := p.stopLocked()
	p.mu.Unlock()
	if !was {
		return nil
	}
	return p.publish(ctx, false)
}

func (p *Presence) stopLocked() bool {
	if p.idle != nil {
		p.idle.Stop()
		p.idle = nil
	}
	p.idleGen++
	was := p.typing
	p.typing = false
	p.lastSent = time.Time{}
	return was
}

func (p *Presence) publish(ctx context.Context, isTyping bool) error {
	if err := p.pub.PublishTyping(ctx, p.conv, isTyping); err != nil {
		p.log.Warn("publish typing failed", zap.Bool("isTyping", isTyping), zap.Error(err))
		return err
	}
	return nil
}

// Apply handles a typing event received from the push channel. A missing display
// name is looked up in the background and filled in when it resolves.
func (p *Presence) Apply(ctx context.Context, ev model.TypingEvent) {
	if ev.MemberID == "" || ev.MemberID == p.self {
		return
	}
	if ev.ConversationID != "" && ev.ConversationID != p.conv {
		return
	}

	if !ev.IsTyping {
		p.mu.Lock()
		_, had := p.entries[ev.MemberID]
		delete(p.entries, ev.MemberID)
		snap, fn := p.snapshotLocked(), p.onChange
		p.mu.Unlock()
		if had && fn != nil {
			fn(snap)
		}
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	name := ev.DisplayName
	if name != "" {
		p.names[ev.MemberID] = name
	} else {
		name = p.names[ev.MemberID]
	}
	p.entries[ev.MemberID] = Entry{MemberID: ev.MemberID, DisplayName: name, LastTyped: p.conf.Clock()}
	lookup := name == "" && p.lookup != nil && !p.pending[ev.MemberID]
	if lookup {
		p.pending[ev.MemberID] = true
		p.wg.Add(1)
	}
	snap, fn := p.snapshotLocked(), p.onChange
	p.mu.Unlock()
	if fn != nil {
		fn(snap)
	}
	if lookup {
		safe.Go(p.log, "typing.lookup", func() {
			defer p.wg.Done()
			p.resolveName(ctx, ev.MemberID)
		})
	}
}

// resolveName fetches a missing display name, caches it and fills it into the
// member's entry if the entry is still shown.
func (p *Presence) resolveName(ctx context.Context, id string) {
	lctx, cancel := context.WithTimeout(p.base, p.conf.LookupTimeout)
	defer cancel()
	defer context.AfterFunc(ctx, cancel)()

	m, err := p.lookup.Member(lctx, id)

	p.mu.Lock()
	delete(p.pending, id)
	if err != nil || m.DisplayName == "" || p.closed {
		p.mu.Unlock()
		if err != nil {
			p.log.Debug("member lookup failed", zap.String("member", id), zap.Error(err))
		}
		return
	}
	p.names[id] = m.DisplayName
	e, ok := p.entries[id]
	if !ok || e.DisplayName != "" {
		p.mu.Unlock()
		return
	}
	e.DisplayName = m.DisplayName
	p.entries[id] = e
	snap, fn := p.snapshotLocked(), p.onChange
	p.mu.Unlock()
	if fn != nil {
		fn(snap)
	}
}

// Sweep removes entries not refreshed within Timeout and reports how many were removed.
func (p *Presence) Sweep() int {
	p.mu.Lock()
	now := p.conf.Clock()
	n := 0
	for id, e := range p.entries {
		if now.Sub(e.LastTyped) > p.conf.Timeout {
			delete(p.entries, id)
			n++
		}
	}
	snap, fn := p.snapshotLocked(), p.onChange
	p.mu.Unlock()
	if n > 0 && fn != nil {
		fn(snap)
	}
	return n
}

// Start runs the expiry sweep every SweepEvery until Close or ctx is done.
func (p *Presence) Start(ctx context.Context) {
	p.wg.Add(1)
	safe.Go(p.log, "typing.sweep", func() {
		defer p.wg.Done()
		t := time.NewTicker(p.conf.SweepEvery)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stopCh:
				return
			case <-t.C:
				p.Sweep()
			}
		}
	})
}

func (p *Presence) snapshotLocked() []Entry {
	out := make([]Entry, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MemberID < out[j].MemberID })
	return out
}

// Typing returns the members currently typing, ordered by member id.
func (p *Presence) Typing() []Entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

// Close stops the sweep and the idle timer, publishing isTyping=false if needed.
func (p *Presence) Close(ctx context.Context) {
	p.mu.Lock()
	was := p.stopLocked()
	p.closed = true
	p.entries = make(map[string]Entry)
	p.mu.Unlock()

	p.stopOnce.Do(func() {
		close(p.stopCh)
		p.baseCancel()
	})
	p.wg.Wait()
	if was {
		_ = p.publish(ctx, false)
	}
}
