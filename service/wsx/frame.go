package wsx

import (
	"encoding/json"

	"PPSync/module/chat/model"
	"PPSync/tools/errs"
)

// Frame ops.
const (
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
	OpProbe       = "probe"
	OpProbeAck    = "probe_ack"
	OpEvent       = "event"
	OpError       = "error"
)

// Frame is the JSON text frame exchanged with the gateway.
type Frame struct {
	Op       string          `json:"op"`
	ID       string          `json:"id,omitempty"`
	Channel  string          `json:"channel,omitempty"`
	Envelope *model.Envelope `json:"envelope,omitempty"`
	Error    string          `json:"error,omitempty"`
}

func ParseFrame(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, errs.ErrMalformed.WrapMsg(err.Error(), "stage", "frame")
	}
	if f.Op == "" {
		return Frame{}, errs.ErrMalformed.WrapMsg("missing op", "stage", "frame")
	}
	return f, nil
}

func (f Frame) Encode() []byte {
	b, _ := json.Marshal(f)
	return b
}
