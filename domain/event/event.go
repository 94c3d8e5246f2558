package event

import (
	"chat-sync/domain"
	"time"
)

type Type string

// Server push events. No acknowledgement is expected for any of them.
const (
	NewMessageType          Type = "newMessage"
	MessageUpdatedType      Type = "messageUpdated"
	MessageDeletedType      Type = "messageDeleted"
	MessageDeliveredType    Type = "messageDelivered"
	MessageReadType         Type = "messageRead"
	NewConversationType     Type = "newConversation"
	ConversationUpdatedType Type = "conversationUpdated"
	UserStatusChangedType   Type = "userStatusChanged"
	UserTypingType          Type = "userTyping"
)

// Connection lifecycle events, produced locally by the transport.
const (
	SessionStartedType Type = "sessionStarted"
	SessionLostType    Type = "sessionLost"
)

// Event is the unit flowing from the connection to the dispatcher.
type Event struct {
	Type      Type
	CreatedAt time.Time
	Payload   any
}

// ConversationScoped is implemented by payloads bound to a single conversation.
type ConversationScoped interface {
	ConversationRef() string
}

// ConversationID returns the conversation an event belongs to, if any.
func (e Event) ConversationID() (string, bool) {
	scoped, ok := e.Payload.(ConversationScoped)
	if !ok {
		return "", false
	}
	id := scoped.ConversationRef()
	return id, id != ""
}

type NewMessage struct {
	Message domain.Message
}

func (p NewMessage) ConversationRef() string { return p.Message.ConversationID }

type MessageUpdated struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Content        string    `json:"content"`
	IsEdited       bool      `json:"isEdited"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

func (p MessageUpdated) ConversationRef() string { return p.ConversationID }

type MessageDeleted struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
}

func (p MessageDeleted) ConversationRef() string { return p.ConversationID }

type MessageDelivered struct {
	MessageID      string    `json:"messageId"`
	ConversationID string    `json:"conversationId"`
	DeliveredAt    time.Time `json:"deliveredAt"`
}

func (p MessageDelivered) ConversationRef() string { return p.ConversationID }

type MessageRead struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	MessageID      string `json:"messageId"`
}

func (p MessageRead) ConversationRef() string { return p.ConversationID }

type NewConversation struct {
	Conversation domain.Conversation
}

func (p NewConversation) ConversationRef() string { return p.Conversation.ID }

type ConversationUpdated struct {
	ConversationID string              `json:"conversationId"`
	LastMessage    *domain.LastMessage `json:"lastMessage,omitempty"`
}

func (p ConversationUpdated) ConversationRef() string { return p.ConversationID }

type UserStatusChanged struct {
	UserID   string    `json:"userId"`
	IsOnline bool      `json:"isOnline"`
	LastSeen time.Time `json:"lastSeen"`
}

type UserTyping struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

func (p UserTyping) ConversationRef() string { return p.ConversationID }

// SessionStarted is emitted once the connection is authenticated.
// Reconnect is true when it replaces a session that was lost.
type SessionStarted struct {
	UserID    string
	Reconnect bool
}

type SessionLost struct {
	Reason string
}
