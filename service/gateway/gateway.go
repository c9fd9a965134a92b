// Package gateway bridges websocket clients to an upstream push transport: every
// subscribe frame becomes an upstream subscription whose envelopes are written back
// as event frames.
package gateway

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"PPSync/logger"
	"PPSync/middleware/security"
	"PPSync/module/chat/model"
	"PPSync/module/chat/push"
	"PPSync/service/metrics"
	"PPSync/service/wsx"
	"PPSync/tools/errs"
	"PPSync/tools/safe"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Authorizer decides whether member may subscribe to channel.
type Authorizer func(ctx context.Context, memberID, channel string) error

// PresenceHook is told when a member's connection opens and closes.
type PresenceHook interface {
	Online(ctx context.Context, memberID string) error
	Offline(ctx context.Context, memberID string) error
}

type Conf struct {
	Upstream     push.Transport
	Authorize    Authorizer // nil allows every channel
	Presence     PresenceHook
	Conns        ManagerConf
	PingInterval time.Duration // default 25s
	ReadWait     time.Duration // default 60s
	WriteWait    time.Duration // default 10s
	ProbeTimeout time.Duration // default 3s
	SendBuffer   int           // default 256
	ReadLimit    int64         // default 64KiB
	Logger       *zap.Logger
}

func (c *Conf) norm() {
	if c.PingInterval <= 0 {
		c.PingInterval = 25 * time.Second
	}
	if c.ReadWait <= c.PingInterval {
		c.ReadWait = 60 * time.Second
		if c.ReadWait <= c.PingInterval {
			c.ReadWait = 2 * c.PingInterval
		}
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 3 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 64 << 10
	}
	if c.Logger == nil {
		c.Logger = logger.Log
	}
}

type Gateway struct {
	conf     Conf
	log      *zap.Logger
	conns    *ConnManager
	upgrader websocket.Upgrader
	wg       sync.WaitGroup
}

func New(conf Conf) *Gateway {
	conf.norm()
	safe.MustNotNil(conf.Upstream, "gateway upstream")
	return &Gateway{
		conf:  conf,
		log:   conf.Logger.Named("gateway"),
		conns: NewConnManager(conf.Conns),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (g *Gateway) Conns() *ConnManager { return g.conns }

// Close disconnects every client and waits for their loops to finish.
func (g *Gateway) Close() {
	g.conns.Close()
	g.wg.Wait()
}

// HandleWS upgrades an authenticated request. The auth middleware must run first.
func (g *Gateway) HandleWS(c *gin.Context) {
	member := security.MemberID(c)
	if member == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, errs.ErrUnauthorized.WithDetail("missing member"))
		return
	}
	ws, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// 常见：非 WebSocket 请求/握手失败
		g.log.Info("upgrade websocket failed", zap.Error(err))
		return
	}
	g.Serve(ws, member)
}

// Serve runs the read loop of ws until the peer leaves or the connection is evicted.
func (g *Gateway) Serve(ws *websocket.Conn, member string) {
	s := &connSession{
		g:    g,
		ws:   ws,
		send: make(chan []byte, g.conf.SendBuffer),
		done: make(chan struct{}),
		subs: make(map[string]push.Subscription),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.w = &WsConn{ID: uuid.NewString(), MemberID: member, Conn: ws, closeFn: s.close}
	s.log = g.log.With(zap.String("conn", s.w.ID), zap.String("member", member))

	if err := g.conns.Add(s.w); err != nil {
		s.log.Info("refuse connection", zap.Error(err))
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "too many connections"),
			time.Now().Add(g.conf.WriteWait))
		_ = ws.Close()
		return
	}
	metrics.GatewayConns.Inc()
	defer metrics.GatewayConns.Dec()
	g.presence(member, true)
	defer g.presence(member, false)

	ws.SetReadLimit(g.conf.ReadLimit)
	_ = ws.SetReadDeadline(time.Now().Add(g.conf.ReadWait))
	g.conns.AttachPongHandler(s.w, g.conf.ReadWait)

	g.wg.Add(1)
	writerDone := make(chan struct{})
	go func() {
		defer g.wg.Done()
		defer close(writerDone)
		s.writeLoop()
	}()

	s.log.Debug("websocket connected")
	s.readLoop()
	s.close()
	g.conns.Remove(s.w.ID)
	<-writerDone
	s.log.Debug("websocket closed")
}

func (g *Gateway) presence(member string, online bool) {
	p := g.conf.Presence
	if p == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var err error
	if online {
		err = p.Online(ctx, member)
	} else {
		err = p.Offline(ctx, member)
	}
	if err != nil {
		g.log.Warn("presence update failed", zap.String("member", member), zap.Bool("online", online), zap.Error(err))
	}
}

// connSession is the per-connection state: outbound queue and upstream subscriptions.
type connSession struct {
	g   *Gateway
	w   *WsConn
	ws  *websocket.Conn
	log *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu   sync.Mutex
	subs map[string]push.Subscription
}

func (s *connSession) readLoop() {
	for {
		mt, data, err := s.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				s.log.Debug("peer closed", zap.Error(err))
			} else if ne, ok := err.(net.Error); ok && ne.Timeout() {
				s.log.Info("read timeout", zap.Error(err))
			} else {
				s.log.Debug("read error", zap.Error(err))
			}
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		_ = s.g.conns.Heartbeat(s.w.ID)

		f, err := wsx.ParseFrame(data)
		if err != nil {
			sample := data
			if len(sample) > 256 {
				sample = sample[:256]
			}
			s.log.Warn("drop undecodable frame", zap.Error(err), zap.ByteString("sample", sample))
			s.enqueue(wsx.Frame{Op: wsx.OpError, Error: "malformed frame"})
			continue
		}
		s.handle(f)
	}
}

func (s *connSession) handle(f wsx.Frame) {
	switch f.Op {
	case wsx.OpSubscribe:
		s.subscribe(f)
	case wsx.OpUnsubscribe:
		s.mu.Lock()
		sub, ok := s.subs[f.Channel]
		delete(s.subs, f.Channel)
		s.mu.Unlock()
		if ok {
			_ = sub.Unsubscribe()
		}
	case wsx.OpProbe:
		ctx, cancel := context.WithTimeout(s.ctx, s.g.conf.ProbeTimeout)
		err := s.g.conf.Upstream.Probe(ctx)
		cancel()
		if err != nil {
			s.log.Warn("upstream probe failed", zap.Error(err))
			s.enqueue(wsx.Frame{Op: wsx.OpError, ID: f.ID, Error: "upstream unavailable"})
			return
		}
		s.enqueue(wsx.Frame{Op: wsx.OpProbeAck, ID: f.ID})
	default:
		s.enqueue(wsx.Frame{Op: wsx.OpError, ID: f.ID, Error: "unknown op " + f.Op})
	}
}

func (s *connSession) subscribe(f wsx.Frame) {
	if f.Channel == "" {
		s.enqueue(wsx.Frame{Op: wsx.OpError, ID: f.ID, Error: "missing channel"})
		return
	}
	if az := s.g.conf.Authorize; az != nil {
		if err := az(s.ctx, s.w.MemberID, f.Channel); err != nil {
			s.log.Info("subscribe denied", zap.String("channel", f.Channel), zap.Error(err))
			s.enqueue(wsx.Frame{Op: wsx.OpError, ID: f.ID, Channel: f.Channel, Error: "forbidden"})
			return
		}
	}
	s.mu.Lock()
	_, exists := s.subs[f.Channel]
	s.mu.Unlock()
	if exists {
		return
	}

	channel := f.Channel
	sub, err := s.g.conf.Upstream.Subscribe(s.ctx, channel, func(e model.Envelope) {
		s.enqueue(wsx.Frame{Op: wsx.OpEvent, Channel: channel, Envelope: &e})
	})
	if err != nil {
		s.log.Warn("upstream subscribe failed", zap.String("channel", channel), zap.Error(err))
		s.enqueue(wsx.Frame{Op: wsx.OpError, ID: f.ID, Channel: channel, Error: "subscribe failed"})
		return
	}

	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		_ = sub.Unsubscribe()
		return
	default:
	}
	s.subs[channel] = sub
	s.mu.Unlock()
}

// enqueue hands a frame to the writer. A full buffer means the client cannot keep up;
// it is disconnected and will catch up through polling after it reconnects.
func (s *connSession) enqueue(f wsx.Frame) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.send <- f.Encode():
	case <-s.done:
	default:
		metrics.GatewayDropped.Inc()
		s.log.Warn("send buffer full, closing slow consumer")
		s.close()
	}
}

func (s *connSession) writeLoop() {
	ticker := time.NewTicker(s.g.conf.PingInterval)
	defer func() {
		ticker.Stop()
		_ = s.ws.SetWriteDeadline(time.Now().Add(s.g.conf.WriteWait))
		_ = s.ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = s.ws.Close()
	}()

	for {
		select {
		case <-s.done:
			return
		case payload := <-s.send:
			_ = s.ws.SetWriteDeadline(time.Now().Add(s.g.conf.WriteWait))
			if err := s.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				s.log.Debug("write failed", zap.Error(err))
				s.close()
				return
			}
		case <-ticker.C:
			if err := s.ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(s.g.conf.WriteWait)); err != nil {
				s.log.Debug("ping failed", zap.Error(err))
				s.close()
				return
			}
		}
	}
}

// close stops the writer and releases upstream subscriptions. Safe to call repeatedly.
func (s *connSession) close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		close(s.done)
		subs := s.subs
		s.subs = map[string]push.Subscription{}
		s.mu.Unlock()
		s.cancel()
		for ch, sub := range subs {
			if err := sub.Unsubscribe(); err != nil {
				s.log.Debug("unsubscribe failed", zap.String("channel", ch), zap.Error(err))
			}
		}
	})
}
