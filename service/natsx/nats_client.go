package natsx

import (
	"errors"
	"strings"
	"sync"
	"time"

	"PPSync/logger"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Mode selects how the producer publishes.
type Mode int

const (
	Core      Mode = iota // fire and forget
	JetStream             // persisted, deduplicated by Nats-Msg-Id
)

type Config struct {
	Servers       []string
	Name          string
	User          string
	Password      string
	Token         string
	ReconnectWait time.Duration
	Timeout       time.Duration
	Mode          Mode
	// Stream and its subjects are created on start when Mode is JetStream.
	Stream         string
	StreamSubjects []string
	DupWindow      time.Duration
}

func (c *Config) norm() {
	if c.Name == "" {
		c.Name = "ppsync"
	}
	if c.ReconnectWait == 0 {
		c.ReconnectWait = 500 * time.Millisecond
	}
	if c.Timeout == 0 {
		c.Timeout = 3 * time.Second
	}
	if c.Stream == "" {
		c.Stream = "PPSYNC"
	}
	if len(c.StreamSubjects) == 0 {
		c.StreamSubjects = []string{"conv.>"}
	}
	if c.DupWindow == 0 {
		c.DupWindow = 2 * time.Minute
	}
}

// Client wraps one NATS connection and tracks connection state callbacks.
type Client struct {
	cfg Config
	nc  *nats.Conn
	js  nats.JetStreamContext
	log *zap.Logger

	mu           sync.RWMutex
	onDisconnect []func(error)
	onReconnect  []func()
}

// NewClient connects to NATS. The connection reconnects forever on its own;
// registered callbacks observe disconnects and reconnects.
func NewClient(cfg Config, log *zap.Logger) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("nats servers missing")
	}
	cfg.norm()
	if log == nil {
		log = logger.Log
	}
	c := &Client{cfg: cfg, log: log.Named("natsx")}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.log.Warn("nats disconnected", zap.Error(err))
			c.mu.RLock()
			fns := append([]func(error){}, c.onDisconnect...)
			c.mu.RUnlock()
			for _, fn := range fns {
				fn(err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
			c.mu.RLock()
			fns := append([]func(){}, c.onReconnect...)
			c.mu.RUnlock()
			for _, fn := range fns {
				fn()
			}
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			c.log.Warn("nats async error", zap.String("subject", subject), zap.Error(err))
		}),
	}
	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}
	nc, err := nats.Connect(strings.Join(cfg.Servers, ","), opts...)
	if err != nil {
		return nil, err
	}
	c.nc = nc

	if cfg.Mode == JetStream {
		if err := c.ensureStream(); err != nil {
			nc.Close()
			return nil, err
		}
	}
	return c, nil
}

// ensureStream initializes JetStream and creates the stream when missing.
func (c *Client) ensureStream() error {
	js, err := c.nc.JetStream()
	if err != nil {
		return err
	}
	c.js = js
	if _, err := js.StreamInfo(c.cfg.Stream); err == nil {
		return nil
	} else if !errors.Is(err, nats.ErrStreamNotFound) {
		return err
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:       c.cfg.Stream,
		Subjects:   c.cfg.StreamSubjects,
		Storage:    nats.MemoryStorage,
		Duplicates: c.cfg.DupWindow,
		MaxAge:     time.Hour,
	})
	return err
}

// OnDisconnect registers fn to run when the connection drops.
func (c *Client) OnDisconnect(fn func(error)) {
	c.mu.Lock()
	c.onDisconnect = append(c.onDisconnect, fn)
	c.mu.Unlock()
}

func (c *Client) OnReconnect(fn func()) {
	c.mu.Lock()
	c.onReconnect = append(c.onReconnect, fn)
	c.mu.Unlock()
}

func (c *Client) Conn() *nats.Conn { return c.nc }

func (c *Client) Connected() bool { return c.nc != nil && c.nc.IsConnected() }

// Close drains subscriptions and closes the connection.
func (c *Client) Close() error {
	if c.nc == nil {
		return nil
	}
	if c.nc.IsClosed() {
		return nil
	}
	return c.nc.Drain()
}
