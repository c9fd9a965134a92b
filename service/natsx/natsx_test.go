package natsx

import (
	"context"
	"sync"
	"testing"
	"time"

	"PPSync/module/chat/model"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func startTestNATSServer(t *testing.T, jetstream bool) *natsserver.Server {
	t.Helper()
	opts := &natsserver.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		NoLog:     true,
		NoSigs:    true,
		JetStream: jetstream,
		StoreDir:  t.TempDir(),
	}
	srv, err := natsserver.NewServer(opts)
	require.NoError(t, err)
	go srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(func() {
		srv.Shutdown()
		srv.WaitForShutdown()
	})
	return srv
}

func newManager(t *testing.T, mode Mode) *Manager {
	t.Helper()
	srv := startTestNATSServer(t, mode == JetStream)
	m, err := NewManager(Config{Servers: []string{srv.ClientURL()}, Mode: mode}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

type collector struct {
	mu  sync.Mutex
	got []model.Envelope
}

func (c *collector) add(e model.Envelope) {
	c.mu.Lock()
	c.got = append(c.got, e)
	c.mu.Unlock()
}

func (c *collector) ids() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.got))
	for _, e := range c.got {
		out = append(out, e.ID)
	}
	return out
}

func TestTransportDeliversEnvelopes(t *testing.T) {
	m := newManager(t, Core)
	tr := m.Transport()
	col := &collector{}

	sub, err := tr.Subscribe(context.Background(), model.ChannelName("c1"), col.add)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	ctx := context.Background()
	for _, id := range []string{"m-1", "m-2", "m-1"} {
		e, err := model.NewEnvelope(model.EventMessage, "c1", id, model.Message{ID: id, ConversationID: "c1"})
		require.NoError(t, err)
		require.NoError(t, m.PublishEnvelope(ctx, e))
	}

	require.Eventually(t, func() bool { return len(col.ids()) == 2 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{"m-1", "m-2"}, col.ids(), "repeated message id delivered once")

	col.mu.Lock()
	msg, err := col.got[0].DecodeMessage()
	col.mu.Unlock()
	require.NoError(t, err)
	assert.Equal(t, "c1", msg.ConversationID)
}

func TestTransportProbe(t *testing.T) {
	m := newManager(t, Core)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.Transport().Probe(ctx))
}

func TestTransportProbeFailsWhenClosed(t *testing.T) {
	m := newManager(t, Core)
	m.Client().Conn().Close()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.Error(t, m.Transport().Probe(ctx))
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	m := newManager(t, Core)
	col := &collector{}
	sub, err := m.Transport().Subscribe(context.Background(), model.ChannelName("c1"), col.add)
	require.NoError(t, err)
	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, sub.Unsubscribe())

	require.NoError(t, m.PublishEnvelope(context.Background(), model.Envelope{Event: model.EventTyping, ConversationID: "c1"}))
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, col.ids())
}

func TestJetStreamPublishOnce(t *testing.T) {
	m := newManager(t, JetStream)
	col := &collector{}
	sub, err := m.Transport().Subscribe(context.Background(), model.ChannelName("c9"), col.add)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	e := model.Envelope{Event: model.EventRead, ConversationID: "c9", ID: "m-3"}
	require.NoError(t, m.PublishEnvelope(context.Background(), e))
	require.NoError(t, m.PublishEnvelope(context.Background(), e))

	require.Eventually(t, func() bool { return len(col.ids()) == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, col.ids(), 1)
}

func TestIdemMiddleware(t *testing.T) {
	store := NewMemIdem(time.Minute, time.Hour)
	defer store.Stop()
	calls := 0
	h := Chain(func(context.Context, Message) error { calls++; return nil }, IdemMiddleware(store, 0))

	msg := Message{Subject: "conv.c1", Data: []byte(" x "), Header: map[string]string{HeaderMsgID: "a"}}
	require.NoError(t, h(context.Background(), msg))
	require.NoError(t, h(context.Background(), msg))
	require.NoError(t, h(context.Background(), Message{Subject: "conv.c1", Data: []byte("x")}))
	require.NoError(t, h(context.Background(), Message{Subject: "conv.c1", Data: []byte("x ")}))
	assert.Equal(t, 2, calls)
}

func TestMemIdemExpiry(t *testing.T) {
	store := NewMemIdem(time.Minute, time.Hour)
	defer store.Stop()
	now := time.Now()
	store.clock = func() time.Time { return now }

	seen, _ := store.SeenOnce("k", time.Second)
	assert.False(t, seen)
	seen, _ = store.SeenOnce("k", time.Second)
	assert.True(t, seen)

	now = now.Add(2 * time.Second)
	store.sweep()
	assert.Zero(t, store.Len())
	seen, _ = store.SeenOnce("k", time.Second)
	assert.False(t, seen)
}

func TestChainOrder(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(next Handler) Handler {
			return func(ctx context.Context, m Message) error {
				order = append(order, name)
				return next(ctx, m)
			}
		}
	}
	h := Chain(func(context.Context, Message) error { order = append(order, "h"); return nil }, mw("a"), mw("b"))
	require.NoError(t, h(context.Background(), Message{}))
	assert.Equal(t, []string{"a", "b", "h"}, order)
}
