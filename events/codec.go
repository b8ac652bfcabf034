package events

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownEvent is returned by Decode for an unrecognised envelope type.
var ErrUnknownEvent = errors.New("unknown event type")

// Envelope is the wire format for both directions of the channel.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Command wire names.
const (
	CommandSendMessage      = "send_message"
	CommandJoinConversation = "join_conversation"
	CommandTypingStart      = "typing_start"
	CommandTypingStop       = "typing_stop"
)

// Command is an outbound instruction to the remote authority.
type Command interface {
	CommandName() string
}

// SendMessage asks the server to create and deliver a message.
type SendMessage struct {
	RecipientID string `json:"recipient_id"`
	Content     string `json:"content"`
	MessageType string `json:"message_type"`
}

// JoinConversation subscribes the connection to a conversation room.
type JoinConversation struct {
	RecipientID string `json:"recipient_id"`
}

// StartTyping announces that the local identity is composing.
type StartTyping struct {
	ConversationID string `json:"conversation_id"`
}

// StopTyping announces that the local identity stopped composing.
type StopTyping struct {
	ConversationID string `json:"conversation_id"`
}

func (SendMessage) CommandName() string      { return CommandSendMessage }
func (JoinConversation) CommandName() string { return CommandJoinConversation }
func (StartTyping) CommandName() string      { return CommandTypingStart }
func (StopTyping) CommandName() string       { return CommandTypingStop }

// Decode parses one inbound envelope into its typed event.
func Decode(data []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	var (
		ev  Event
		err error
	)
	switch env.Type {
	case KindNewMessage.String():
		ev, err = decodeAs[NewMessage](env.Payload)
	case KindTypingStart.String():
		ev, err = decodeAs[TypingStart](env.Payload)
	case KindTypingStop.String():
		ev, err = decodeAs[TypingStop](env.Payload)
	case KindNewNotification.String():
		ev, err = decodeAs[NewNotification](env.Payload)
	case KindNotificationRead.String():
		ev, err = decodeAs[NotificationRead](env.Payload)
	case KindMessagesRead.String():
		ev, err = decodeAs[MessagesRead](env.Payload)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", env.Type, err)
	}
	return ev, nil
}

func decodeAs[T Event](payload json.RawMessage) (Event, error) {
	var v T
	if len(payload) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Encode wraps an event in an envelope. The reference server uses it to push.
func Encode(ev Event) ([]byte, error) {
	return encode(ev.Kind().String(), ev)
}

// EncodeCommand wraps a command in an envelope.
func EncodeCommand(cmd Command) ([]byte, error) {
	return encode(cmd.CommandName(), cmd)
}

func encode(name string, v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", name, err)
	}
	return json.Marshal(Envelope{Type: name, Payload: payload})
}

// DecodeCommand parses an inbound command on the server side.
func DecodeCommand(data []byte) (Command, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	var cmd Command
	switch env.Type {
	case CommandSendMessage:
		var c SendMessage
		if err := json.Unmarshal(env.Payload, &c); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		cmd = c
	case CommandJoinConversation:
		var c JoinConversation
		if err := json.Unmarshal(env.Payload, &c); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		cmd = c
	case CommandTypingStart:
		var c StartTyping
		if err := json.Unmarshal(env.Payload, &c); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		cmd = c
	case CommandTypingStop:
		var c StopTyping
		if err := json.Unmarshal(env.Payload, &c); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		cmd = c
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Type)
	}
	return cmd, nil
}
