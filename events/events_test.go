package events

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"claimsync/models"
)

func TestDecode(t *testing.T) {
	t.Run("new message", func(t *testing.T) {
		ev, err := Decode([]byte(`{"type":"new_message","payload":{"message":{"id":"m1","conversation_id":"dm:a:b","sender_id":"a","content":"Hello"}}}`))
		require.NoError(t, err)

		msg, ok := ev.(NewMessage)
		require.True(t, ok)
		assert.Equal(t, "m1", msg.Message.ID)
		assert.Equal(t, "Hello", msg.Message.Content)
	})

	t.Run("notification read all", func(t *testing.T) {
		ev, err := Decode([]byte(`{"type":"notification_read","payload":{"all":true}}`))
		require.NoError(t, err)
		assert.Equal(t, NotificationRead{All: true}, ev)
	})

	t.Run("unknown type", func(t *testing.T) {
		_, err := Decode([]byte(`{"type":"online_status","payload":{}}`))
		assert.True(t, errors.Is(err, ErrUnknownEvent))
	})

	t.Run("malformed payload", func(t *testing.T) {
		_, err := Decode([]byte(`{"type":"typing_start","payload":"nope"}`))
		require.Error(t, err)
		assert.False(t, errors.Is(err, ErrUnknownEvent))
	})
}

func TestEncodeDecodeNotification(t *testing.T) {
	created := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	in := NewNotification{Notification: models.Notification{
		ID:        "n1",
		Title:     "Claim approved",
		Priority:  models.PriorityHigh,
		CreatedAt: created,
	}}

	data, err := Encode(in)
	require.NoError(t, err)

	out, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestDecodeCommand(t *testing.T) {
	data, err := EncodeCommand(SendMessage{RecipientID: "b", Content: "hi", MessageType: "text"})
	require.NoError(t, err)

	cmd, err := DecodeCommand(data)
	require.NoError(t, err)
	assert.Equal(t, SendMessage{RecipientID: "b", Content: "hi", MessageType: "text"}, cmd)

	_, err = DecodeCommand([]byte(`{"type":"reboot","payload":{}}`))
	assert.ErrorIs(t, err, ErrUnknownEvent)
}

func TestHandlersDispatchCoversEveryKind(t *testing.T) {
	seen := map[Kind]bool{}
	h := Handlers{
		NewMessage:       func(NewMessage) { seen[KindNewMessage] = true },
		TypingStart:      func(TypingStart) { seen[KindTypingStart] = true },
		TypingStop:       func(TypingStop) { seen[KindTypingStop] = true },
		NewNotification:  func(NewNotification) { seen[KindNewNotification] = true },
		NotificationRead: func(NotificationRead) { seen[KindNotificationRead] = true },
		MessagesRead:     func(MessagesRead) { seen[KindMessagesRead] = true },
	}

	all := []Event{NewMessage{}, TypingStart{}, TypingStop{}, NewNotification{}, NotificationRead{}, MessagesRead{}}
	require.Len(t, all, len(Kinds()))
	for _, ev := range all {
		assert.True(t, h.Dispatch(ev), ev.Kind().String())
	}
	for _, k := range Kinds() {
		assert.True(t, seen[k], k.String())
	}

	assert.False(t, Handlers{}.Dispatch(TypingStop{}))
}
