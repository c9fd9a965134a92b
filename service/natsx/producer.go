package natsx

import (
	"context"
	"encoding/json"

	"PPSync/module/chat/model"
	"PPSync/tools/errs"
)

// HeaderMsgID is the JetStream dedup header, also honored by the idempotency middleware.
const HeaderMsgID = "Nats-Msg-Id"

type Producer struct{ c *Client }

func NewProducer(c *Client) *Producer { return &Producer{c: c} }

// Publish sends data on subject using the client's mode.
func (p *Producer) Publish(ctx context.Context, subject string, data []byte, hdr map[string]string) error {
	if p.c.cfg.Mode == JetStream && p.c.js != nil {
		return p.c.sendJS(ctx, subject, data, hdr)
	}
	return p.c.sendCore(subject, data, hdr)
}

// PublishOnce publishes with a Nats-Msg-Id header; a random id is used when msgID is empty.
func (p *Producer) PublishOnce(ctx context.Context, subject string, data []byte, hdr map[string]string, msgID string) error {
	out := make(map[string]string, len(hdr)+1)
	for k, v := range hdr {
		out[k] = v
	}
	if msgID == "" {
		msgID = genMsgID()
	}
	out[HeaderMsgID] = msgID
	return p.Publish(ctx, subject, data, out)
}

// PublishEnvelope publishes e on its conversation channel. Envelopes carrying an id
// are published once per id.
func (p *Producer) PublishEnvelope(ctx context.Context, e model.Envelope) error {
	data, err := json.Marshal(e)
	if err != nil {
		return errs.WrapMsg(err, "marshal envelope", "event", e.Event)
	}
	subject := model.ChannelName(e.ConversationID)
	if e.ID == "" {
		return p.Publish(ctx, subject, data, nil)
	}
	return p.PublishOnce(ctx, subject, data, nil, e.Event+":"+e.ID)
}
