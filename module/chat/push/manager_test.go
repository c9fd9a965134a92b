package push

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"PPSync/module/chat/model"
	"PPSync/tools/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSub struct {
	t       *fakeTransport
	channel string
	fn      func(model.Envelope)
	closed  bool
}

func (s *fakeSub) Unsubscribe() error {
	s.t.mu.Lock()
	s.closed = true
	s.t.mu.Unlock()
	return nil
}

type fakeTransport struct {
	mu         sync.Mutex
	subs       []*fakeSub
	probe      func(ctx context.Context) error
	subscribed chan string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{subscribed: make(chan string, 64)}
}

func (t *fakeTransport) Subscribe(_ context.Context, channel string, fn func(model.Envelope)) (Subscription, error) {
	s := &fakeSub{t: t, channel: channel, fn: fn}
	t.mu.Lock()
	t.subs = append(t.subs, s)
	t.mu.Unlock()
	t.subscribed <- channel
	return s, nil
}

func (t *fakeTransport) Probe(ctx context.Context) error {
	t.mu.Lock()
	p := t.probe
	t.mu.Unlock()
	if p == nil {
		return nil
	}
	return p(ctx)
}

func (t *fakeTransport) setProbe(p func(ctx context.Context) error) {
	t.mu.Lock()
	t.probe = p
	t.mu.Unlock()
}

// emit delivers e to every open subscription on channel.
func (t *fakeTransport) emit(channel string, e model.Envelope) {
	t.mu.Lock()
	var fns []func(model.Envelope)
	for _, s := range t.subs {
		if s.channel == channel && !s.closed {
			fns = append(fns, s.fn)
		}
	}
	t.mu.Unlock()
	for _, fn := range fns {
		fn(e)
	}
}

func (s *fakeSub) isClosed() bool {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	return s.closed
}

func (t *fakeTransport) open() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, s := range t.subs {
		if !s.closed {
			n++
		}
	}
	return n
}

func (t *fakeTransport) total() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

func (t *fakeTransport) first() *fakeSub {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.subs[0]
}

type recorder struct {
	mu  sync.Mutex
	ids []string
}

func (r *recorder) handle(e model.Envelope) {
	r.mu.Lock()
	r.ids = append(r.ids, e.ID)
	r.mu.Unlock()
}

func (r *recorder) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

func testConf() Conf {
	return Conf{
		ProbeTimeout:     50 * time.Millisecond,
		HeartbeatEvery:   time.Hour,
		MaxReconnects:    3,
		ReconnectBackoff: time.Millisecond,
		Logger:           zap.NewNop(),
	}
}

func env(id string) model.Envelope {
	return model.Envelope{Event: model.EventMessage, ConversationID: "c1", ID: id}
}

func TestConnectFlushesQueuedEnvelopesInOrder(t *testing.T) {
	tr := newFakeTransport()
	release := make(chan struct{})
	tr.setProbe(func(ctx context.Context) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	conf := testConf()
	conf.ProbeTimeout = 5 * time.Second
	rec := &recorder{}
	m := NewManager(tr, rec.handle, conf)
	defer m.Close()

	done := make(chan error, 1)
	go func() { done <- m.Connect(context.Background(), "c1") }()

	assert.Equal(t, "conv.c1", <-tr.subscribed)
	tr.emit("conv.c1", env("m-1"))
	tr.emit("conv.c1", env("m-2"))
	assert.Empty(t, rec.got())
	assert.Equal(t, 2, m.Queued())
	assert.False(t, m.Ready())

	close(release)
	require.NoError(t, <-done)
	assert.True(t, m.Ready())
	assert.Equal(t, StateReady, m.State())

	tr.emit("conv.c1", env("m-3"))
	assert.Equal(t, []string{"m-1", "m-2", "m-3"}, rec.got())
	assert.Zero(t, m.Queued())
}

func TestConnectInFlightGuard(t *testing.T) {
	tr := newFakeTransport()
	release := make(chan struct{})
	tr.setProbe(func(ctx context.Context) error {
		<-release
		return nil
	})
	conf := testConf()
	conf.ProbeTimeout = 5 * time.Second
	m := NewManager(tr, func(model.Envelope) {}, conf)
	defer m.Close()

	done := make(chan error, 1)
	go func() { done <- m.Connect(context.Background(), "c1") }()
	<-tr.subscribed

	err := m.Connect(context.Background(), "c1")
	assert.True(t, errors.Is(err, errs.ErrConnectInFlight))
	assert.Equal(t, 1, tr.total())

	close(release)
	require.NoError(t, <-done)
}

func TestDropsForeignAndProbeEnvelopes(t *testing.T) {
	tr := newFakeTransport()
	rec := &recorder{}
	m := NewManager(tr, rec.handle, testConf())
	defer m.Close()
	require.NoError(t, m.Connect(context.Background(), "c1"))

	tr.emit("conv.c1", model.Envelope{Event: model.EventMessage, ConversationID: "c2", ID: "x"})
	tr.emit("conv.c1", model.Envelope{Event: model.EventProbe, ConversationID: "c1", ID: "p"})
	tr.emit("conv.c1", model.Envelope{Event: model.EventMessage, ID: "m-1"})

	assert.Equal(t, []string{"m-1"}, rec.got())
}

func TestSwitchConversationIgnoresOldSubscription(t *testing.T) {
	tr := newFakeTransport()
	rec := &recorder{}
	m := NewManager(tr, rec.handle, testConf())
	defer m.Close()

	require.NoError(t, m.Connect(context.Background(), "c1"))
	old := tr.first()
	require.NoError(t, m.Connect(context.Background(), "c2"))

	assert.True(t, old.isClosed())
	assert.Equal(t, 1, tr.open())

	// a late callback from the torn-down subscription
	old.fn(env("late"))
	tr.emit("conv.c2", model.Envelope{Event: model.EventMessage, ConversationID: "c2", ID: "m-2"})
	assert.Equal(t, []string{"m-2"}, rec.got())
}

func TestReconnectBoundedThenDegraded(t *testing.T) {
	tr := newFakeTransport()
	tr.setProbe(func(context.Context) error { return errors.New("no ack") })
	m := NewManager(tr, func(model.Envelope) {}, testConf())
	defer m.Close()

	err := m.Connect(context.Background(), "c1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrConnection))

	require.Eventually(t, func() bool { return m.State() == StateDegraded }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, m.Attempts())
	assert.Equal(t, 4, tr.total()) // initial attempt plus three retries
	assert.Zero(t, tr.open())
	assert.False(t, m.Ready())

	// no further attempts once degraded
	m.NotifyDisconnect()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 4, tr.total())
}

func TestReconnectRecovers(t *testing.T) {
	tr := newFakeTransport()
	var mu sync.Mutex
	failures := 2
	tr.setProbe(func(context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		if failures > 0 {
			failures--
			return errors.New("no ack")
		}
		return nil
	})
	m := NewManager(tr, func(model.Envelope) {}, testConf())
	defer m.Close()

	require.Error(t, m.Connect(context.Background(), "c1"))
	require.Eventually(t, m.Ready, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StateReady, m.State())
	assert.Zero(t, m.Attempts())
	assert.Equal(t, 1, tr.open())
}

func TestNotifyDisconnectReconnects(t *testing.T) {
	tr := newFakeTransport()
	rec := &recorder{}
	m := NewManager(tr, rec.handle, testConf())
	defer m.Close()
	require.NoError(t, m.Connect(context.Background(), "c1"))
	old := tr.first()

	m.NotifyDisconnect()
	require.Eventually(t, func() bool { return tr.total() == 2 && m.Ready() }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, old.isClosed())

	old.fn(env("stale"))
	tr.emit("conv.c1", env("fresh"))
	assert.Equal(t, []string{"fresh"}, rec.got())
}

func TestHeartbeatFailureTriggersReconnect(t *testing.T) {
	tr := newFakeTransport()
	conf := testConf()
	conf.HeartbeatEvery = 5 * time.Millisecond
	m := NewManager(tr, func(model.Envelope) {}, conf)
	defer m.Close()
	require.NoError(t, m.Connect(context.Background(), "c1"))

	var once sync.Once
	tr.setProbe(func(context.Context) error {
		err := errors.New("no ack")
		once.Do(func() { tr.setProbe(nil) })
		return err
	})

	require.Eventually(t, func() bool { return tr.total() >= 2 && m.Ready() }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, tr.open())
}

func TestCloseIsSynchronous(t *testing.T) {
	tr := newFakeTransport()
	rec := &recorder{}
	m := NewManager(tr, rec.handle, testConf())
	require.NoError(t, m.Connect(context.Background(), "c1"))
	sub := tr.first()

	m.Close()
	assert.Zero(t, tr.open())
	assert.False(t, m.Ready())
	assert.Equal(t, StateClosed, m.State())

	sub.fn(env("after-close"))
	assert.Empty(t, rec.got())

	err := m.Connect(context.Background(), "c1")
	assert.True(t, errors.Is(err, errs.ErrConnection))
	m.Close()
}

func TestCloseDuringConnectStartsNoHeartbeat(t *testing.T) {
	tr := newFakeTransport()
	conf := testConf()
	conf.ProbeTimeout = time.Second
	conf.HeartbeatEvery = time.Millisecond
	m := NewManager(tr, func(model.Envelope) {}, conf)

	probing, release := make(chan struct{}), make(chan struct{})
	var probes atomic.Int32
	tr.setProbe(func(context.Context) error {
		if probes.Add(1) == 1 {
			close(probing)
			<-release
		}
		return nil
	})

	done := make(chan error, 1)
	go func() { done <- m.Connect(context.Background(), "c1") }()
	<-probing

	closed := make(chan struct{})
	go func() {
		m.Close()
		close(closed)
	}()
	require.Eventually(t, func() bool { return m.State() == StateClosed }, time.Second, time.Millisecond)
	close(release)

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("close did not return")
	}
	assert.True(t, errors.Is(<-done, errs.ErrConnection))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), probes.Load())

	m.startHeartbeat()
	m.mu.Lock()
	assert.False(t, m.hbStarted)
	m.mu.Unlock()
}

func TestHandlerPanicDoesNotStopDelivery(t *testing.T) {
	tr := newFakeTransport()
	rec := &recorder{}
	m := NewManager(tr, func(e model.Envelope) {
		if e.ID == "boom" {
			panic("bad handler")
		}
		rec.handle(e)
	}, testConf())
	defer m.Close()
	require.NoError(t, m.Connect(context.Background(), "c1"))

	tr.emit("conv.c1", env("boom"))
	tr.emit("conv.c1", env("m-1"))
	assert.Equal(t, []string{"m-1"}, rec.got())
}
