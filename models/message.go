package models

import (
	"fmt"
	"strings"
	"time"
)

const conversationPrefix = "dm"

// DeliveryState tracks a message through the send pipeline.
type DeliveryState string

const (
	DeliverySending DeliveryState = "sending"
	DeliverySent    DeliveryState = "sent"
	DeliveryFailed  DeliveryState = "failed"
)

// Message represents a chat message between two identities
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id"`
	SenderID       string        `json:"sender_id"`
	RecipientID    string        `json:"recipient_id"`
	SenderName     string        `json:"sender_name,omitempty"`
	Content        string        `json:"content"`
	Type           string        `json:"type"` // "text", "file", "system"
	DeliveryState  DeliveryState `json:"delivery_state,omitempty"`
	ReadBy         []string      `json:"read_by,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
}

// IsReadBy reports whether identityID appears in ReadBy.
func (m *Message) IsReadBy(identityID string) bool {
	for _, id := range m.ReadBy {
		if id == identityID {
			return true
		}
	}
	return false
}

// AddReader appends identityID to ReadBy unless already present.
// It returns false when nothing changed.
func (m *Message) AddReader(identityID string) bool {
	if identityID == "" || m.IsReadBy(identityID) {
		return false
	}
	m.ReadBy = append(m.ReadBy, identityID)
	return true
}

// Clone returns a deep copy so snapshots never alias store state.
func (m Message) Clone() Message {
	if m.ReadBy != nil {
		m.ReadBy = append([]string(nil), m.ReadBy...)
	}
	return m
}

// Conversation represents a chat thread with another identity
type Conversation struct {
	ID          string    `json:"id"`
	Other       Contact   `json:"other"`
	LastMessage *Message  `json:"last_message,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
	UnreadCount int       `json:"unread_count"`
	Provisional bool      `json:"-"`
}

// Recency is UpdatedAt, falling back to the last message timestamp.
func (c *Conversation) Recency() time.Time {
	if !c.UpdatedAt.IsZero() {
		return c.UpdatedAt
	}
	if c.LastMessage != nil {
		return c.LastMessage.CreatedAt
	}
	return time.Time{}
}

// Clone returns a copy that does not share the LastMessage pointer.
func (c Conversation) Clone() Conversation {
	if c.LastMessage != nil {
		m := c.LastMessage.Clone()
		c.LastMessage = &m
	}
	return c
}

// ConversationID derives the stable id of the conversation between a and b.
// The ids are sorted so both participants compute the same value.
func ConversationID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return conversationPrefix + ":" + a + ":" + b
}

// Participants splits a conversation id back into its two identity ids.
func Participants(conversationID string) (string, string, error) {
	parts := strings.Split(conversationID, ":")
	if len(parts) != 3 || parts[0] != conversationPrefix || parts[1] == "" || parts[2] == "" {
		return "", "", fmt.Errorf("malformed conversation id %q", conversationID)
	}
	return parts[1], parts[2], nil
}

// OtherParticipant returns the participant of conversationID that is not self.
func OtherParticipant(conversationID, self string) (string, error) {
	a, b, err := Participants(conversationID)
	if err != nil {
		return "", err
	}
	switch self {
	case a:
		return b, nil
	case b:
		return a, nil
	}
	return "", fmt.Errorf("identity %q is not a participant of %q", self, conversationID)
}
