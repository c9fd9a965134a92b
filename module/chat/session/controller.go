package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"PPSync/logger"
	"PPSync/module/chat/dedup"
	"PPSync/module/chat/model"
	"PPSync/module/chat/poller"
	"PPSync/module/chat/push"
	"PPSync/module/chat/receipt"
	"PPSync/module/chat/reconcile"
	"PPSync/module/chat/typing"
	"PPSync/tools/errs"
	"PPSync/tools/safe"

	"go.uber.org/zap"
)

type Conf struct {
	Self      model.Member
	Push      push.Conf
	Poll      poller.Conf
	Dedup     dedup.Conf
	Reconcile reconcile.Conf
	Receipt   receipt.Conf
	Typing    typing.Conf
	Clock     func() time.Time
	Logger    *zap.Logger
}

func (c *Conf) norm() {
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.Logger == nil {
		c.Logger = logger.Log
	}
}

// Controller owns the session of the selected conversation. Selecting another
// conversation tears the previous session down before the new one starts.
type Controller struct {
	backend   Backend
	transport push.Transport
	conf      Conf
	log       *zap.Logger

	mu  sync.Mutex
	cur *Session
}

func NewController(b Backend, t push.Transport, conf Conf) *Controller {
	safe.MustNotNil(b, "backend")
	safe.MustNotNil(t, "transport")
	conf.norm()
	return &Controller{
		backend:   b,
		transport: t,
		conf:      conf,
		log:       conf.Logger.Named("controller"),
	}
}

// Select switches to conversationID. Re-selecting the current conversation
// also builds a fresh session, which resets the reconnect budget.
func (c *Controller) Select(ctx context.Context, conversationID string) (*Session, error) {
	if strings.TrimSpace(conversationID) == "" {
		return nil, errs.ErrInvalidArgument.WrapMsg("empty conversation id")
	}
	if err := ctx.Err(); err != nil {
		return nil, errs.Wrap(err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur != nil {
		c.cur.Close()
		c.cur = nil
	}
	s := newSession(conversationID, c.backend, c.transport, c.conf)
	s.start()
	c.cur = s
	c.log.Info("conversation selected", zap.String("conversation", conversationID))
	return s, nil
}

// Current returns the active session, or nil.
func (c *Controller) Current() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur
}

// NotifyDisconnect forwards a transport disconnect to the active session.
func (c *Controller) NotifyDisconnect() {
	if s := c.Current(); s != nil {
		s.NotifyDisconnect()
	}
}

func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur != nil {
		c.cur.Close()
		c.cur = nil
	}
}
