package wsx

import (
	"context"
	"net/http"
	"sync"
	"time"

	"PPSync/logger"
	"PPSync/module/chat/model"
	"PPSync/module/chat/push"
	"PPSync/tools/errs"
	"PPSync/tools/safe"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type Conf struct {
	URL          string // ws://host/ws
	Token        string
	PingInterval time.Duration // default 25s
	PongWait     time.Duration // read deadline extended by every pong, default 60s
	WriteWait    time.Duration // default 10s
	DialTimeout  time.Duration // default 5s
	ReadLimit    int64         // default 1MiB
	Logger       *zap.Logger
}

func (c *Conf) norm() {
	if c.PingInterval <= 0 {
		c.PingInterval = 25 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PongWait <= c.PingInterval {
		c.PongWait = 2 * c.PingInterval
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 1 << 20
	}
	if c.Logger == nil {
		c.Logger = logger.Log
	}
}

// Client is a push transport over one websocket connection to the gateway.
// The connection is dialed lazily by Subscribe; a dropped connection forgets every
// subscription and fires the disconnect callbacks so the push manager can rebuild them.
type Client struct {
	conf Conf
	log  *zap.Logger

	mu           sync.Mutex
	conn         *websocket.Conn
	subs         map[string]map[uint64]func(model.Envelope)
	nextID       uint64
	probes       map[string]chan struct{}
	onDisconnect []func()
	closed       bool

	writeMu sync.Mutex
	wg      sync.WaitGroup
}

func NewClient(conf Conf) *Client {
	conf.norm()
	return &Client{
		conf:   conf,
		log:    conf.Logger.Named("wsx"),
		subs:   make(map[string]map[uint64]func(model.Envelope)),
		probes: make(map[string]chan struct{}),
	}
}

// WireDisconnects registers fn to run after the connection drops.
func (c *Client) WireDisconnects(fn func()) {
	c.mu.Lock()
	c.onDisconnect = append(c.onDisconnect, fn)
	c.mu.Unlock()
}

// Connected reports whether a live connection exists.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Client) ensureConn(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errs.ErrConnection.WrapMsg("client closed")
	}
	if c.conn != nil {
		return c.conn, nil
	}

	dctx, cancel := context.WithTimeout(ctx, c.conf.DialTimeout)
	defer cancel()
	h := http.Header{}
	if c.conf.Token != "" {
		h.Set("Authorization", "Bearer "+c.conf.Token)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(dctx, c.conf.URL, h)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, errs.ErrUnauthorized.WrapMsg("dial", "url", c.conf.URL)
		}
		return nil, errs.ErrConnection.WrapMsg(err.Error(), "url", c.conf.URL)
	}
	conn.SetReadLimit(c.conf.ReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(c.conf.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.conf.PongWait))
	})
	c.conn = conn
	done := make(chan struct{})
	c.wg.Add(2)
	go c.readLoop(conn, done)
	go c.pingLoop(conn, done)
	c.log.Info("websocket connected", zap.String("url", c.conf.URL))
	return conn, nil
}

func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer c.wg.Done()
	defer close(done)
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			c.drop(conn, err)
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		f, err := ParseFrame(data)
		if err != nil {
			c.log.Warn("drop undecodable frame", zap.Error(err), zap.Int("len", len(data)))
			continue
		}
		switch f.Op {
		case OpEvent:
			if f.Envelope == nil {
				continue
			}
			for _, fn := range c.handlers(f.Channel) {
				fn(*f.Envelope)
			}
		case OpProbeAck:
			c.mu.Lock()
			if ch, ok := c.probes[f.ID]; ok {
				close(ch)
				delete(c.probes, f.ID)
			}
			c.mu.Unlock()
		case OpError:
			c.log.Warn("gateway error", zap.String("channel", f.Channel), zap.String("error", f.Error))
		}
	}
}

func (c *Client) pingLoop(conn *websocket.Conn, done chan struct{}) {
	defer c.wg.Done()
	t := time.NewTicker(c.conf.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(c.conf.WriteWait)); err != nil {
				c.log.Debug("ping failed", zap.Error(err))
				_ = conn.Close()
				return
			}
		}
	}
}

// drop forgets conn and its subscriptions, then notifies listeners.
func (c *Client) drop(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.subs = make(map[string]map[uint64]func(model.Envelope))
	closed := c.closed
	cbs := append([]func(){}, c.onDisconnect...)
	c.mu.Unlock()
	_ = conn.Close()

	if closed {
		return
	}
	c.log.Warn("websocket dropped", zap.Error(cause))
	for _, fn := range cbs {
		safe.Run(c.log, "ws-disconnect", fn)
	}
}

func (c *Client) handlers(channel string) []func(model.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]func(model.Envelope), 0, len(c.subs[channel]))
	for _, fn := range c.subs[channel] {
		out = append(out, fn)
	}
	return out
}

func (c *Client) write(conn *websocket.Conn, f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(c.conf.WriteWait)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, f.Encode())
}

type subscription struct {
	c       *Client
	conn    *websocket.Conn
	channel string
	id      uint64
}

func (s *subscription) Unsubscribe() error {
	c := s.c
	c.mu.Lock()
	if c.conn != s.conn {
		c.mu.Unlock()
		return nil
	}
	fns := c.subs[s.channel]
	if _, ok := fns[s.id]; !ok {
		c.mu.Unlock()
		return nil
	}
	delete(fns, s.id)
	last := len(fns) == 0
	if last {
		delete(c.subs, s.channel)
	}
	c.mu.Unlock()

	if !last {
		return nil
	}
	if err := c.write(s.conn, Frame{Op: OpUnsubscribe, Channel: s.channel}); err != nil {
		return errs.ErrConnection.WrapMsg(err.Error(), "channel", s.channel, "stage", "unsubscribe")
	}
	return nil
}

func (c *Client) Subscribe(ctx context.Context, channel string, fn func(model.Envelope)) (push.Subscription, error) {
	conn, err := c.ensureConn(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return nil, errs.ErrConnection.WrapMsg("connection dropped", "channel", channel)
	}
	c.nextID++
	id := c.nextID
	fns := c.subs[channel]
	if fns == nil {
		fns = make(map[uint64]func(model.Envelope))
		c.subs[channel] = fns
	}
	fns[id] = fn
	first := len(fns) == 1
	c.mu.Unlock()

	s := &subscription{c: c, conn: conn, channel: channel, id: id}
	if first {
		if err := c.write(conn, Frame{Op: OpSubscribe, Channel: channel}); err != nil {
			_ = s.Unsubscribe()
			return nil, errs.ErrConnection.WrapMsg(err.Error(), "channel", channel, "stage", "subscribe")
		}
	}
	return s, nil
}

// Probe round-trips a probe frame. The gateway handles frames in order, so an ack
// also confirms every earlier subscribe.
func (c *Client) Probe(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return errs.ErrConnection.WrapMsg("not connected", "stage", "probe")
	}
	id := uuid.NewString()
	ch := make(chan struct{})
	c.probes[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.probes, id)
		c.mu.Unlock()
	}()

	if err := c.write(conn, Frame{Op: OpProbe, ID: id}); err != nil {
		return errs.ErrConnection.WrapMsg(err.Error(), "stage", "probe")
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return errs.ErrConnection.WrapMsg(ctx.Err().Error(), "stage", "probe ack")
	}
}

// Close shuts the connection and waits for the reader and pinger to exit.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		c.writeMu.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(c.conf.WriteWait))
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		_ = conn.Close()
	}
	c.wg.Wait()
	return nil
}
