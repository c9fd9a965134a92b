package natsx

import (
	"context"
	"encoding/json"
	"time"

	"PPSync/module/chat/model"
	"PPSync/module/chat/push"
	"PPSync/tools/errs"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const probePrefix = "_ppsync.probe."

// Transport exposes a NATS connection as a push transport: one core subscription
// per channel, JSON envelopes, a middleware chain in front of the callback.
type Transport struct {
	c   *Client
	mws []Middleware
	log *zap.Logger
}

func NewTransport(c *Client, mws ...Middleware) *Transport {
	return &Transport{c: c, mws: mws, log: c.log.Named("transport")}
}

type subscription struct{ sub *nats.Subscription }

func (s subscription) Unsubscribe() error {
	if !s.sub.IsValid() {
		return nil
	}
	return s.sub.Unsubscribe()
}

func (t *Transport) Subscribe(_ context.Context, channel string, fn func(model.Envelope)) (push.Subscription, error) {
	h := Chain(func(_ context.Context, msg Message) error {
		var e model.Envelope
		if err := json.Unmarshal(msg.Data, &e); err != nil {
			t.log.Warn("drop undecodable envelope", zap.String("subject", msg.Subject), zap.Error(err))
			return errs.ErrMalformed.WrapMsg(err.Error(), "subject", msg.Subject)
		}
		fn(e)
		return nil
	}, t.mws...)

	sub, err := t.c.nc.Subscribe(channel, func(m *nats.Msg) {
		_ = h(context.Background(), fromNats(m))
	})
	if err != nil {
		return nil, errs.ErrConnection.WrapMsg(err.Error(), "channel", channel)
	}
	_ = sub.SetPendingLimits(65536, 64*1024*1024)
	// make sure the server registered the interest before reporting success
	if err := t.c.nc.FlushTimeout(t.c.cfg.Timeout); err != nil {
		_ = sub.Unsubscribe()
		return nil, errs.ErrConnection.WrapMsg(err.Error(), "channel", channel, "stage", "flush")
	}
	return subscription{sub: sub}, nil
}

// Probe subscribes a throwaway subject, publishes to it and waits for the echo.
func (t *Transport) Probe(ctx context.Context) error {
	subject := probePrefix + uuid.NewString()
	sub, err := t.c.nc.SubscribeSync(subject)
	if err != nil {
		return errs.ErrConnection.WrapMsg(err.Error(), "stage", "probe subscribe")
	}
	defer func() { _ = sub.Unsubscribe() }()

	data, _ := json.Marshal(model.Envelope{Event: model.EventProbe, ID: subject})
	if err := t.c.nc.Publish(subject, data); err != nil {
		return errs.ErrConnection.WrapMsg(err.Error(), "stage", "probe publish")
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
	}
	if _, err := sub.NextMsgWithContext(ctx); err != nil {
		return errs.ErrConnection.WrapMsg(err.Error(), "stage", "probe ack")
	}
	return nil
}

// WireDisconnects forwards connection drops to fn, usually a session controller's
// NotifyDisconnect.
func (t *Transport) WireDisconnects(fn func()) {
	t.c.OnDisconnect(func(error) { fn() })
}
