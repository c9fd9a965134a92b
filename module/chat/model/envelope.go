package model

import (
	"PPSync/tools/decode"
	"PPSync/tools/errs"
)

// Push event names.
const (
	EventMessage = "message"
	EventTyping  = "typing"
	EventRead    = "read"
	EventProbe   = "probe"
)

// Envelope is one record delivered by the push transport.
type Envelope struct {
	Event          string         `json:"event"`
	ConversationID string         `json:"conversationId"`
	ID             string         `json:"id,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`
}

// ChannelName returns the canonical push channel of a conversation.
func ChannelName(conversationID string) string { return "conv." + conversationID }

// NewEnvelope wraps v as the payload of an event.
func NewEnvelope(event, conversationID, id string, v any) (Envelope, error) {
	m, err := decode.ToMap(v)
	if err != nil {
		return Envelope{}, errs.WrapMsg(err, "encode envelope payload", "event", event)
	}
	return Envelope{Event: event, ConversationID: conversationID, ID: id, Payload: m}, nil
}

// DecodeMessage decodes a message-shaped payload. The envelope conversation id fills
// in for payloads that omit it.
func (e Envelope) DecodeMessage() (Message, error) {
	if e.Payload == nil {
		return Message{}, errs.ErrMalformed.WrapMsg("empty payload", "event", e.Event)
	}
	m, err := decode.DecodeMap[Message](e.Payload)
	if err != nil {
		return Message{}, errs.ErrMalformed.WrapMsg(err.Error(), "event", e.Event)
	}
	if m.ConversationID == "" {
		m.ConversationID = e.ConversationID
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return *m, nil
}

func (e Envelope) DecodeTyping() (TypingEvent, error) {
	if e.Payload == nil {
		return TypingEvent{}, errs.ErrMalformed.WrapMsg("empty payload", "event", e.Event)
	}
	ev, err := decode.DecodeMap[TypingEvent](e.Payload)
	if err != nil {
		return TypingEvent{}, errs.ErrMalformed.WrapMsg(err.Error(), "event", e.Event)
	}
	if ev.ConversationID == "" {
		ev.ConversationID = e.ConversationID
	}
	if ev.MemberID == "" {
		return TypingEvent{}, errs.ErrMalformed.WrapMsg("missing member id", "event", e.Event)
	}
	return *ev, nil
}

func (e Envelope) DecodeRead() (ReadReceipt, error) {
	if e.Payload == nil {
		return ReadReceipt{}, errs.ErrMalformed.WrapMsg("empty payload", "event", e.Event)
	}
	r, err := decode.DecodeMap[ReadReceipt](e.Payload)
	if err != nil {
		return ReadReceipt{}, errs.ErrMalformed.WrapMsg(err.Error(), "event", e.Event)
	}
	if r.MessageID == "" {
		return ReadReceipt{}, errs.ErrMalformed.WrapMsg("missing message id", "event", e.Event)
	}
	return *r, nil
}
