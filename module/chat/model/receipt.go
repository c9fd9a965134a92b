package model

import "time"

// ReadReceipt records that ReaderID has read MessageID.
// At most one receipt exists per (message, reader).
type ReadReceipt struct {
	MessageID string    `json:"messageId"`
	ReaderID  string    `json:"readerId"`
	ReadAt    time.Time `json:"readAt"`
}

// ReadStatus is the delivery state of an outgoing message as seen by its sender.
type ReadStatus int

const (
	StatusSent      ReadStatus = iota // no readers
	StatusDelivered                   // some, not all, other participants
	StatusRead                        // all other participants
)

func (s ReadStatus) String() string {
	switch s {
	case StatusSent:
		return "sent"
	case StatusDelivered:
		return "delivered"
	case StatusRead:
		return "read"
	default:
		return "unknown"
	}
}

// ClassifyReads derives the status of a message sent by senderID in a conversation
// with memberCount participants. Receipts by the sender and repeated readers count once.
func ClassifyReads(receipts []ReadReceipt, senderID string, memberCount int) (ReadStatus, int) {
	readers := make(map[string]struct{}, len(receipts))
	for _, r := range receipts {
		if r.ReaderID == "" || r.ReaderID == senderID {
			continue
		}
		readers[r.ReaderID] = struct{}{}
	}
	n := len(readers)
	others := memberCount - 1
	switch {
	case n == 0:
		return StatusSent, n
	case others > 0 && n >= others:
		return StatusRead, n
	default:
		return StatusDelivered, n
	}
}
