package models

import "time"

// Priority ranks a notification for display.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Notification is an alert surfaced to the signed-in identity, for example a
// claim status change or a policy document awaiting review.
type Notification struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Category  string    `json:"category"`
	Priority  Priority  `json:"priority"`
	IsRead    bool      `json:"is_read"`
	CreatedAt time.Time `json:"created_at"`
}

// NotificationFilter narrows a notification page fetch.
type NotificationFilter struct {
	Category   string `json:"category,omitempty"`
	UnreadOnly bool   `json:"unread_only,omitempty"`
}

// NotificationPage is one page of the notification listing.
type NotificationPage struct {
	Items       []Notification `json:"items"`
	Total       int            `json:"total"`
	UnreadCount int            `json:"unread_count"`
}

// TypingEntry records a remote identity currently composing a message.
// ExpiresAt is zero unless a safety expiry is configured.
type TypingEntry struct {
	ConversationID string    `json:"conversation_id"`
	IdentityID     string    `json:"identity_id"`
	DisplayName    string    `json:"display_name"`
	ExpiresAt      time.Time `json:"expires_at,omitempty"`
}
