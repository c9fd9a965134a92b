package wsx

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"PPSync/module/chat/model"
	"PPSync/tools/errs"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// echoServer acks probes, echoes every subscribe back as one event and closes the
// connection on an unsubscribe frame.
func echoServer(t *testing.T) string {
	t.Helper()
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			f, err := ParseFrame(data)
			if err != nil {
				continue
			}
			var out Frame
			switch f.Op {
			case OpProbe:
				out = Frame{Op: OpProbeAck, ID: f.ID}
			case OpSubscribe:
				out = Frame{Op: OpEvent, Channel: f.Channel, Envelope: &model.Envelope{Event: model.EventMessage, ID: "hello"}}
			case OpUnsubscribe:
				return
			}
			if err := ws.WriteMessage(websocket.TextMessage, out.Encode()); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestSubscribeReceivesEvents(t *testing.T) {
	c := NewClient(Conf{URL: echoServer(t), Token: "tok", Logger: zap.NewNop()})
	defer c.Close()

	got := make(chan model.Envelope, 1)
	_, err := c.Subscribe(context.Background(), "conv.c1", func(e model.Envelope) { got <- e })
	require.NoError(t, err)
	require.NoError(t, c.Probe(context.Background()))

	select {
	case e := <-got:
		assert.Equal(t, "hello", e.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
	}
}

func TestProbeWithoutConnection(t *testing.T) {
	c := NewClient(Conf{URL: "ws://127.0.0.1:1/ws", Logger: zap.NewNop()})
	defer c.Close()
	err := c.Probe(context.Background())
	assert.True(t, errors.Is(err, errs.ErrConnection))
}

func TestDialUnauthorized(t *testing.T) {
	c := NewClient(Conf{URL: echoServer(t), Token: "wrong", Logger: zap.NewNop()})
	defer c.Close()
	_, err := c.Subscribe(context.Background(), "conv.c1", func(model.Envelope) {})
	assert.True(t, errors.Is(err, errs.ErrUnauthorized))
}

func TestDropForgetsSubscriptionsAndNotifies(t *testing.T) {
	c := NewClient(Conf{URL: echoServer(t), Token: "tok", Logger: zap.NewNop()})
	defer c.Close()
	dropped := make(chan struct{}, 1)
	c.WireDisconnects(func() { dropped <- struct{}{} })

	s1, err := c.Subscribe(context.Background(), "conv.c1", func(model.Envelope) {})
	require.NoError(t, err)
	require.True(t, c.Connected())

	// the last unsubscribe makes the echo server hang up
	require.NoError(t, s1.Unsubscribe())
	select {
	case <-dropped:
	case <-time.After(2 * time.Second):
		t.Fatal("drop not reported")
	}
	assert.False(t, c.Connected())

	// a later subscribe dials again
	_, err = c.Subscribe(context.Background(), "conv.c2", func(model.Envelope) {})
	require.NoError(t, err)
	assert.True(t, c.Connected())
}

func TestCloseDoesNotNotify(t *testing.T) {
	c := NewClient(Conf{URL: echoServer(t), Token: "tok", Logger: zap.NewNop()})
	called := make(chan struct{}, 1)
	c.WireDisconnects(func() { called <- struct{}{} })
	_, err := c.Subscribe(context.Background(), "conv.c1", func(model.Envelope) {})
	require.NoError(t, err)

	require.NoError(t, c.Close())
	select {
	case <-called:
		t.Fatal("close reported as a drop")
	case <-time.After(50 * time.Millisecond):
	}
	_, err = c.Subscribe(context.Background(), "conv.c1", func(model.Envelope) {})
	assert.Error(t, err)
}

func TestParseFrameRejectsMissingOp(t *testing.T) {
	_, err := ParseFrame([]byte(`{"id":"x"}`))
	assert.True(t, errors.Is(err, errs.ErrMalformed))
}
