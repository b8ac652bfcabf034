// Package events defines the closed set of events the remote authority pushes
// over the transport channel and the commands the client sends back.
package events

import "claimsync/models"

// Kind identifies an inbound event.
type Kind int

const (
	KindNewMessage Kind = iota + 1
	KindTypingStart
	KindTypingStop
	KindNewNotification
	KindNotificationRead
	KindMessagesRead
)

var kindNames = map[Kind]string{
	KindNewMessage:       "new_message",
	KindTypingStart:      "typing_start",
	KindTypingStop:       "typing_stop",
	KindNewNotification:  "new_notification",
	KindNotificationRead: "notification_read",
	KindMessagesRead:     "messages_read",
}

// Kinds lists every inbound kind.
func Kinds() []Kind {
	return []Kind{
		KindNewMessage,
		KindTypingStart,
		KindTypingStop,
		KindNewNotification,
		KindNotificationRead,
		KindMessagesRead,
	}
}

// String returns the wire name of the kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Event is implemented only by the payload types in this package.
type Event interface {
	Kind() Kind
}

// NewMessage carries a message created on the server.
type NewMessage struct {
	Message models.Message `json:"message"`
}

// TypingStart signals that a remote identity started composing.
type TypingStart struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	UserName       string `json:"user_name"`
}

// TypingStop signals that a remote identity stopped composing.
type TypingStop struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
}

// NewNotification carries a notification created on the server.
type NewNotification struct {
	Notification models.Notification `json:"notification"`
}

// NotificationRead acknowledges that a notification was read, possibly by
// another client of the same identity. All marks every notification read.
type NotificationRead struct {
	NotificationID string `json:"notification_id,omitempty"`
	All            bool   `json:"all,omitempty"`
}

// MessagesRead is a read receipt for messages in a conversation. An empty
// MessageIDs covers every message currently loaded.
type MessagesRead struct {
	ConversationID string   `json:"conversation_id"`
	ReaderID       string   `json:"reader_id"`
	MessageIDs     []string `json:"message_ids,omitempty"`
}

func (NewMessage) Kind() Kind       { return KindNewMessage }
func (TypingStart) Kind() Kind      { return KindTypingStart }
func (TypingStop) Kind() Kind       { return KindTypingStop }
func (NewNotification) Kind() Kind  { return KindNewNotification }
func (NotificationRead) Kind() Kind { return KindNotificationRead }
func (MessagesRead) Kind() Kind     { return KindMessagesRead }

// Handlers holds one callback per event kind. Nil fields ignore that kind.
// Adding a kind adds a field here and a case in Dispatch.
type Handlers struct {
	NewMessage       func(NewMessage)
	TypingStart      func(TypingStart)
	TypingStop       func(TypingStop)
	NewNotification  func(NewNotification)
	NotificationRead func(NotificationRead)
	MessagesRead     func(MessagesRead)
}

// Dispatch routes ev to the matching handler. It reports false when the
// handler for that kind is nil.
func (h Handlers) Dispatch(ev Event) bool {
	switch e := ev.(type) {
	case NewMessage:
		if h.NewMessage == nil {
			return false
		}
		h.NewMessage(e)
	case TypingStart:
		if h.TypingStart == nil {
			return false
		}
		h.TypingStart(e)
	case TypingStop:
		if h.TypingStop == nil {
			return false
		}
		h.TypingStop(e)
	case NewNotification:
		if h.NewNotification == nil {
			return false
		}
		h.NewNotification(e)
	case NotificationRead:
		if h.NotificationRead == nil {
			return false
		}
		h.NotificationRead(e)
	case MessagesRead:
		if h.MessagesRead == nil {
			return false
		}
		h.MessagesRead(e)
	default:
		return false
	}
	return true
}
