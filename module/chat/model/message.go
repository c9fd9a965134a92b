package model

import (
	"strings"
	"time"

	"PPSync/tools/errs"
	"PPSync/tools/ids"
)

// TempIDPrefix marks ids generated locally for optimistic messages
// that the server has not confirmed yet.
const TempIDPrefix = "temp-"

// Attachment references an uploaded image or file.
type Attachment struct {
	URL      string `json:"url" bson:"url"`
	Name     string `json:"name,omitempty" bson:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty" bson:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty" bson:"size,omitempty"`
	Width    int    `json:"width,omitempty" bson:"width,omitempty"`
	Height   int    `json:"height,omitempty" bson:"height,omitempty"`
}

// Message is one chat message. CreatedAt is the server time, or the client clock at
// send time for optimistic messages.
type Message struct {
	ID             string      `json:"id" bson:"_id"`
	ConversationID string      `json:"conversationId" bson:"conversation_id"`
	SenderID       string      `json:"senderId" bson:"sender_id"`
	SenderName     string      `json:"senderName,omitempty" bson:"sender_name,omitempty"`
	Content        string      `json:"content,omitempty" bson:"content,omitempty"`
	Attachment     *Attachment `json:"attachment,omitempty" bson:"attachment,omitempty"`
	CreatedAt      time.Time   `json:"createdAt" bson:"created_at"`
	System         bool        `json:"system,omitempty" bson:"system,omitempty"`
}

// NewTempID returns a fresh temporary message id.
func NewTempID() string { return TempIDPrefix + ids.GenerateString() }

// IsTempID reports whether id carries the temporary-id marker.
func IsTempID(id string) bool { return strings.HasPrefix(id, TempIDPrefix) }

func (m Message) IsTemporary() bool { return IsTempID(m.ID) }

// Validate rejects records missing the fields reconciliation depends on.
func (m Message) Validate() error {
	if strings.TrimSpace(m.ConversationID) == "" {
		return errs.ErrMalformed.WrapMsg("missing conversation id", "id", m.ID)
	}
	if strings.TrimSpace(m.ID) == "" {
		return errs.ErrMalformed.WrapMsg("missing message id", "conversation", m.ConversationID)
	}
	return nil
}

// SameContent reports whether two messages carry the same semantic payload
// from the same sender.
func (m Message) SameContent(o Message) bool {
	if m.SenderID != o.SenderID || m.Content != o.Content {
		return false
	}
	return attachmentURL(m.Attachment) == attachmentURL(o.Attachment)
}

func attachmentURL(a *Attachment) string {
	if a == nil {
		return ""
	}
	return a.URL
}

// Member is a conversation participant.
type Member struct {
	ID          string `json:"id" bson:"_id"`
	DisplayName string `json:"displayName" bson:"display_name"`
}
