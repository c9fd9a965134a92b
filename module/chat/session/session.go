package session

import (
	"context"
	"sync"
	"time"

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

// MessageStore persists and lists conversation messages.
type MessageStore interface {
	poller.Fetcher
	SendMessage(ctx context.Context, conversationID string, m model.Message) (model.Message, error)
}

// Backend groups the request/response collaborators of a session.
type Backend interface {
	MessageStore
	receipt.API
	receipt.Members
	typing.Publisher
	typing.MemberLookup
}

// refreshWindow bounds how many recent outgoing messages get their read status polled.
const refreshWindow = 20

// Session is the engine state of one selected conversation. Everything it owns
// (dedup set, read cache, typing map) is discarded with it.
type Session struct {
	conv    string
	self    model.Member
	backend Backend
	log     *zap.Logger
	clock   func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	rec    *reconcile.Reconciler
	push   *push.Manager
	poll   *poller.Poller
	reads  *receipt.Tracker
	typing *typing.Presence

	closeOnce sync.Once
}

func newSession(conv string, b Backend, t push.Transport, conf Conf) *Session {
	log := conf.Logger.Named("session").With(zap.String("conversation", conv))
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		conv:    conv,
		self:    conf.Self,
		backend: b,
		log:     log,
		clock:   conf.Clock,
		ctx:     ctx,
		cancel:  cancel,
	}

	rc := conf.Reconcile
	rc.Logger, rc.Clock = conf.Logger, conf.Clock
	s.rec = reconcile.New(conv, dedup.New(conf.Dedup), rc)

	pc := conf.Push
	pc.Logger = conf.Logger
	s.push = push.NewManager(t, s.dispatch, pc)

	pl := conf.Poll
	pl.Logger = conf.Logger
	s.poll = poller.New(conv, b, s.rec, pl)

	ro := conf.Receipt
	ro.Logger = conf.Logger
	s.reads = receipt.New(conv, conf.Self.ID, b, b, s.rec, ro)

	ty := conf.Typing
	ty.Logger = conf.Logger
	s.typing = typing.New(conv, conf.Self.ID, b, b, ty)
	return s
}

func (s *Session) start() {
	safe.Go(s.log, "session.connect", func() {
		if err := s.push.Connect(s.ctx, s.conv); err != nil {
			s.log.Warn("push connect failed, polling continues", zap.Error(err))
		}
	})
	s.poll.Start(s.ctx)
	s.typing.Start(s.ctx)
	s.reads.StartRefresh(s.ctx, s.outgoingIDs, nil)
}

// dispatch routes push envelopes by event. It runs under the push manager's
// dispatch lock and must not call back into the manager.
func (s *Session) dispatch(e model.Envelope) {
	switch e.Event {
	case model.EventMessage:
		m, err := e.DecodeMessage()
		if err != nil {
			s.log.Warn("drop malformed message envelope", zap.String("id", e.ID), zap.Error(err))
			return
		}
		s.rec.Admit(m)
	case model.EventTyping:
		ev, err := e.DecodeTyping()
		if err != nil {
			s.log.Warn("drop malformed typing envelope", zap.Error(err))
			return
		}
		s.typing.Apply(s.ctx, ev)
	case model.EventRead:
		r, err := e.DecodeRead()
		if err != nil {
			s.log.Warn("drop malformed read envelope", zap.Error(err))
			return
		}
		s.reads.Invalidate(r.MessageID)
	default:
		s.log.Debug("ignore envelope", zap.String("event", e.Event))
	}
}

// Send appends an optimistic placeholder and persists the message. The server copy
// goes through the same admission path as push and poll, so whichever arrives first wins.
func (s *Session) Send(ctx context.Context, content string, att *model.Attachment) (model.Message, error) {
	if content == "" && att == nil {
		return model.Message{}, errs.ErrInvalidArgument.WrapMsg("empty message")
	}
	temp := model.Message{
		ID:             model.NewTempID(),
		ConversationID: s.conv,
		SenderID:       s.self.ID,
		SenderName:     s.self.DisplayName,
		Content:        content,
		Attachment:     att,
		CreatedAt:      s.clock(),
	}
	s.rec.AddOptimistic(temp)
	_ = s.typing.StopTyping(ctx)

	saved, err := s.backend.SendMessage(ctx, s.conv, temp)
	if err != nil {
		s.rec.Remove(temp.ID)
		s.log.Warn("send failed, placeholder removed", zap.String("temp", temp.ID), zap.Error(err))
		return model.Message{}, errs.ErrSendFailed.WrapMsg(err.Error(), "conversation", s.conv)
	}
	if saved.ConversationID == "" {
		saved.ConversationID = s.conv
	}
	res := s.rec.Confirm(saved)
	if _, listed := s.rec.Get(saved.ID); !listed {
		s.log.Warn("send response not admitted", zap.String("temp", temp.ID),
			zap.String("id", saved.ID), zap.Stringer("result", res))
	}
	// placeholder left over when the server normalized the content or the copy was dropped
	s.rec.Remove(temp.ID)
	return saved, nil
}

func (s *Session) outgoingIDs() []string {
	msgs := s.rec.Messages()
	var out []string
	for i := len(msgs) - 1; i >= 0 && len(out) < refreshWindow; i-- {
		m := msgs[i]
		if m.SenderID == s.self.ID && !m.IsTemporary() {
			out = append(out, m.ID)
		}
	}
	return out
}

func (s *Session) ConversationID() string { return s.conv }

func (s *Session) Messages() []model.Message { return s.rec.Messages() }

func (s *Session) OnChange(fn func([]model.Message)) { s.rec.OnChange(fn) }

func (s *Session) OnTyping(fn func([]typing.Entry)) { s.typing.OnChange(fn) }

// Visible reports a message rendered in the viewport.
func (s *Session) Visible(ctx context.Context, id string) (bool, error) {
	return s.reads.Visible(ctx, id)
}

func (s *Session) ReadStatus(ctx context.Context, id string) (receipt.Entry, error) {
	return s.reads.Status(ctx, id)
}

func (s *Session) Keystroke(ctx context.Context) error { return s.typing.Keystroke(ctx) }

func (s *Session) Typing() []typing.Entry { return s.typing.Typing() }

func (s *Session) PushState() push.State { return s.push.State() }

func (s *Session) PollStatus() poller.Status { return s.poll.Status() }

// NotifyDisconnect forwards an explicit transport disconnect to the push manager.
func (s *Session) NotifyDisconnect() { s.push.NotifyDisconnect() }

// Close tears the session down; push subscriptions are gone when it returns.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.push.Close()
		s.poll.Stop()
		s.reads.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.typing.Close(ctx)
		s.log.Debug("session closed")
	})
}
