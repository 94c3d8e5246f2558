package event

import (
	"chat-sync/domain"
	"chat-sync/errors"
	"encoding/json"
	"fmt"
	"time"
)

// Decode turns a raw server push into a typed Event.
// Unknown types return errors.ErrUnknownEvent so the caller can ignore them.
func Decode(t Type, raw json.RawMessage, receivedAt time.Time) (Event, error) {
	var payload any
	var err error
	switch t {
	case NewMessageType:
		var message domain.Message
		err = json.Unmarshal(raw, &message)
		message.State = domain.Confirmed
		message.LastError = ""
		payload = NewMessage{Message: message}
	case MessageUpdatedType:
		payload, err = decodeInto[MessageUpdated](raw)
	case MessageDeletedType:
		payload, err = decodeInto[MessageDeleted](raw)
	case MessageDeliveredType:
		payload, err = decodeInto[MessageDelivered](raw)
	case MessageReadType:
		payload, err = decodeInto[MessageRead](raw)
	case NewConversationType:
		var conversation domain.Conversation
		err = json.Unmarshal(raw, &conversation)
		payload = NewConversation{Conversation: conversation}
	case ConversationUpdatedType:
		payload, err = decodeInto[ConversationUpdated](raw)
	case UserStatusChangedType:
		payload, err = decodeInto[UserStatusChanged](raw)
	case UserTypingType:
		payload, err = decodeInto[UserTyping](raw)
	default:
		return Event{}, fmt.Errorf("%w: %s", errors.ErrUnknownEvent, t)
	}
	if err != nil {
		return Event{}, fmt.Errorf("%w: %s: %v", errors.ErrInvalidPayload, t, err)
	}
	return Event{Type: t, CreatedAt: receivedAt, Payload: payload}, nil
}

func decodeInto[T any](raw json.RawMessage) (T, error) {
	var v T
	err := json.Unmarshal(raw, &v)
	return v, err
}
