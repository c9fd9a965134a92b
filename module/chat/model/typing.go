package model

import "time"

// TypingEvent is the ephemeral "member is typing" notification relayed by the push channel.
type TypingEvent struct {
	ConversationID string    `json:"conversationId"`
	MemberID       string    `json:"memberId"`
	DisplayName    string    `json:"displayName,omitempty"`
	IsTyping       bool      `json:"isTyping"`
	At             time.Time `json:"at"`
}
