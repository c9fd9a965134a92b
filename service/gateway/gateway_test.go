package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"PPSync/middleware/security"
	"PPSync/module/chat/model"
	"PPSync/module/chat/push"
	"PPSync/service/wsx"
	jwtsec "PPSync/tools/security"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var secret = []byte("gateway-test-secret")

type memSub struct {
	t       *memTransport
	channel string
	id      int
}

func (s *memSub) Unsubscribe() error {
	s.t.mu.Lock()
	delete(s.t.subs[s.channel], s.id)
	s.t.mu.Unlock()
	return nil
}

// memTransport is an in-process upstream.
type memTransport struct {
	mu       sync.Mutex
	subs     map[string]map[int]func(model.Envelope)
	next     int
	probeErr error
}

func newMemTransport() *memTransport {
	return &memTransport{subs: make(map[string]map[int]func(model.Envelope))}
}

func (t *memTransport) Subscribe(_ context.Context, channel string, fn func(model.Envelope)) (push.Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	if t.subs[channel] == nil {
		t.subs[channel] = make(map[int]func(model.Envelope))
	}
	t.subs[channel][t.next] = fn
	return &memSub{t: t, channel: channel, id: t.next}, nil
}

func (t *memTransport) Probe(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.probeErr
}

func (t *memTransport) publish(channel string, e model.Envelope) {
	t.mu.Lock()
	var fns []func(model.Envelope)
	for _, fn := range t.subs[channel] {
		fns = append(fns, fn)
	}
	t.mu.Unlock()
	for _, fn := range fns {
		fn(e)
	}
}

func (t *memTransport) count(channel string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs[channel])
}

type fixture struct {
	up  *memTransport
	gw  *Gateway
	url string
}

func newFixture(t *testing.T, conf Conf) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	up := newMemTransport()
	conf.Upstream = up
	conf.Logger = zap.NewNop()
	gw := New(conf)

	r := gin.New()
	r.GET("/ws", security.Middleware(security.DefaultOptions(secret)), gw.HandleWS)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		gw.Close()
		srv.Close()
	})
	return &fixture{up: up, gw: gw, url: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"}
}

func token(t *testing.T, member string) string {
	t.Helper()
	tok, _, err := jwtsec.Generate(jwtsec.DefaultOptions(secret), member, member)
	require.NoError(t, err)
	return tok
}

func (f *fixture) client(t *testing.T, member string) *wsx.Client {
	t.Helper()
	c := wsx.NewClient(wsx.Conf{URL: f.url, Token: token(t, member), Logger: zap.NewNop()})
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestPushManagerOverGateway(t *testing.T) {
	f := newFixture(t, Conf{})
	c := f.client(t, "alice")

	got := make(chan model.Envelope, 8)
	m := push.NewManager(c, func(e model.Envelope) { got <- e }, push.Conf{
		ProbeTimeout:   2 * time.Second,
		HeartbeatEvery: time.Hour,
		Logger:         zap.NewNop(),
	})
	defer m.Close()

	require.NoError(t, m.Connect(context.Background(), "c1"))
	require.True(t, m.Ready())
	assert.Equal(t, 1, f.up.count("conv.c1"))
	assert.Equal(t, 1, f.gw.Conns().Len())

	f.up.publish("conv.c1", model.Envelope{Event: model.EventMessage, ConversationID: "c1", ID: "m-1"})
	select {
	case e := <-got:
		assert.Equal(t, "m-1", e.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("envelope not delivered")
	}

	m.Close()
	require.Eventually(t, func() bool { return f.up.count("conv.c1") == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestUnauthorizedUpgradeRejected(t *testing.T) {
	f := newFixture(t, Conf{})
	c := wsx.NewClient(wsx.Conf{URL: f.url, Logger: zap.NewNop()})
	defer c.Close()

	_, err := c.Subscribe(context.Background(), "conv.c1", func(model.Envelope) {})
	require.Error(t, err)
	assert.Zero(t, f.gw.Conns().Len())
}

func TestProbeFailsWhenUpstreamDown(t *testing.T) {
	f := newFixture(t, Conf{})
	f.up.probeErr = errors.New("down")
	c := f.client(t, "alice")

	_, err := c.Subscribe(context.Background(), "conv.c1", func(model.Envelope) {})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	assert.Error(t, c.Probe(ctx))
}

func TestAuthorizerDeniesChannel(t *testing.T) {
	f := newFixture(t, Conf{Authorize: func(_ context.Context, member, channel string) error {
		if channel == "conv.secret" {
			return errors.New("not a member")
		}
		return nil
	}})
	c := f.client(t, "bob")

	_, err := c.Subscribe(context.Background(), "conv.secret", func(model.Envelope) {})
	require.NoError(t, err)
	require.NoError(t, c.Probe(context.Background()))
	assert.Zero(t, f.up.count("conv.secret"))
}

func TestServerCloseNotifiesClient(t *testing.T) {
	f := newFixture(t, Conf{})
	c := f.client(t, "alice")
	dropped := make(chan struct{}, 1)
	c.WireDisconnects(func() { dropped <- struct{}{} })

	_, err := c.Subscribe(context.Background(), "conv.c1", func(model.Envelope) {})
	require.NoError(t, err)
	require.NoError(t, c.Probe(context.Background()))

	f.gw.Conns().Close()
	select {
	case <-dropped:
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect not reported")
	}
	assert.False(t, c.Connected())
	require.Eventually(t, func() bool { return f.up.count("conv.c1") == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestEvictOldestConnection(t *testing.T) {
	f := newFixture(t, Conf{Conns: ManagerConf{MaxPerMember: 1, EvictOldest: true}})
	first := f.client(t, "alice")
	dropped := make(chan struct{}, 1)
	first.WireDisconnects(func() { dropped <- struct{}{} })
	_, err := first.Subscribe(context.Background(), "conv.c1", func(model.Envelope) {})
	require.NoError(t, err)
	require.NoError(t, first.Probe(context.Background()))

	second := f.client(t, "alice")
	_, err = second.Subscribe(context.Background(), "conv.c1", func(model.Envelope) {})
	require.NoError(t, err)
	require.NoError(t, second.Probe(context.Background()))

	select {
	case <-dropped:
	case <-time.After(2 * time.Second):
		t.Fatal("oldest connection not evicted")
	}
	assert.Len(t, f.gw.Conns().MemberConns("alice"), 1)
}

func TestMalformedFrameGetsError(t *testing.T) {
	f := newFixture(t, Conf{})
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token(t, "alice"))
	ws, _, err := websocket.DefaultDialer.Dial(f.url, h)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("{not json")))
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	fr, err := wsx.ParseFrame(data)
	require.NoError(t, err)
	assert.Equal(t, wsx.OpError, fr.Op)
}

func TestSweepExpiresIdleConnections(t *testing.T) {
	now := time.Now()
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	m := NewConnManager(ManagerConf{TTL: time.Minute, SweepEvery: time.Hour, Clock: clock})
	defer m.Close()

	closed := 0
	require.NoError(t, m.Add(&WsConn{ID: "a", MemberID: "x", closeFn: func() { closed++ }}))
	require.NoError(t, m.Add(&WsConn{ID: "b", MemberID: "x", closeFn: func() { closed++ }}))

	mu.Lock()
	now = now.Add(45 * time.Second)
	mu.Unlock()
	require.NoError(t, m.Heartbeat("b"))

	assert.Equal(t, 1, m.sweepOnce(now.Add(30*time.Second)))
	assert.Equal(t, 1, closed)
	_, ok := m.Get("b")
	assert.True(t, ok)
}

func TestConnLimitWithoutEviction(t *testing.T) {
	m := NewConnManager(ManagerConf{MaxPerMember: 1})
	defer m.Close()
	require.NoError(t, m.Add(&WsConn{ID: "a", MemberID: "x", closeFn: func() {}}))
	assert.Error(t, m.Add(&WsConn{ID: "b", MemberID: "x", closeFn: func() {}}))
	assert.Error(t, m.Add(&WsConn{ID: "a", MemberID: "y", closeFn: func() {}}))
}

type presenceRec struct {
	mu     sync.Mutex
	events []string
}

func (p *presenceRec) Online(_ context.Context, m string) error {
	p.mu.Lock()
	p.events = append(p.events, "+"+m)
	p.mu.Unlock()
	return nil
}

func (p *presenceRec) Offline(_ context.Context, m string) error {
	p.mu.Lock()
	p.events = append(p.events, "-"+m)
	p.mu.Unlock()
	return nil
}

func (p *presenceRec) get() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.events...)
}

func TestPresenceHook(t *testing.T) {
	rec := &presenceRec{}
	f := newFixture(t, Conf{Presence: rec})
	c := f.client(t, "alice")

	_, err := c.Subscribe(context.Background(), "conv.c1", func(model.Envelope) {})
	require.NoError(t, err)
	require.NoError(t, c.Probe(context.Background()))
	assert.Equal(t, []string{"+alice"}, rec.get())

	require.NoError(t, c.Close())
	require.Eventually(t, func() bool { return len(rec.get()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"+alice", "-alice"}, rec.get())
}
