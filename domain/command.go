package domain

import "time"

// CommandName is the wire name of an acknowledged client-to-server operation.
type CommandName string

const (
	SendMessageCommand     CommandName = "sendMessage"
	UpdateMessageCommand   CommandName = "updateMessage"
	DeleteMessageCommand   CommandName = "deleteMessage"
	MarkAsReadCommand      CommandName = "markAsRead"
	TypingCommand          CommandName = "typing"
	GetOnlineStatusCommand CommandName = "getOnlineStatus"
)

type SendMessageRequest struct {
	RecipientID      string       `json:"recipientId,omitempty" validate:"required_without=ConversationID"`
	ConversationID   string       `json:"conversationId,omitempty" validate:"required_without=RecipientID"`
	Content          string       `json:"content" validate:"required_without=Attachments,max=10000"`
	Type             MessageType  `json:"type,omitempty" validate:"omitempty,oneof=text image file system"`
	Identifier       string       `json:"identifier,omitempty"`
	Attachments      []Attachment `json:"attachments,omitempty" validate:"omitempty,dive"`
	ReplyToMessageID string       `json:"replyToMessageId,omitempty"`
}

type SendMessageAck struct {
	Success   bool     `json:"success"`
	Delivered bool     `json:"delivered"`
	Message   *Message `json:"message,omitempty"`
	Error     string   `json:"error,omitempty"`
}

type UpdateMessageRequest struct {
	MessageID string `json:"messageId" validate:"required"`
	Content   string `json:"content" validate:"required,max=10000"`
}

type UpdatedMessage struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	IsEdited  bool      `json:"isEdited"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type UpdateMessageAck struct {
	Success bool            `json:"success"`
	Message *UpdatedMessage `json:"message,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type DeleteMessageRequest struct {
	MessageID string `json:"messageId" validate:"required"`
}

type DeleteMessageAck struct {
	Success   bool   `json:"success"`
	MessageID string `json:"messageId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// MarkAsReadRequest without MessageID means "up to latest".
// The watermark itself is computed by the server.
type MarkAsReadRequest struct {
	ConversationID string `json:"conversationId" validate:"required"`
	MessageID      string `json:"messageId,omitempty"`
}

type MarkAsReadAck struct {
	Success        bool   `json:"success"`
	ConversationID string `json:"conversationId,omitempty"`
	MessageID      string `json:"messageId,omitempty"`
	Error          string `json:"error,omitempty"`
}

type TypingRequest struct {
	ConversationID string `json:"conversationId" validate:"required"`
	IsTyping       bool   `json:"isTyping"`
}

type TypingAck struct {
	Success        bool   `json:"success"`
	ConversationID string `json:"conversationId,omitempty"`
	IsTyping       bool   `json:"isTyping"`
	Error          string `json:"error,omitempty"`
}

type OnlineStatusRequest struct {
	UserIDs []string `json:"userIds" validate:"required,min=1,dive,required"`
}

type OnlineStatusAck struct {
	Success  bool             `json:"success"`
	Statuses []PresenceStatus `json:"statuses,omitempty"`
	Error    string           `json:"error,omitempty"`
}

// Ack is implemented by every acknowledgement payload.
type Ack interface {
	Result() (success bool, reason string)
}

func (a SendMessageAck) Result() (bool, string)   { return a.Success, a.Error }
func (a UpdateMessageAck) Result() (bool, string) { return a.Success, a.Error }
func (a DeleteMessageAck) Result() (bool, string) { return a.Success, a.Error }
func (a MarkAsReadAck) Result() (bool, string)    { return a.Success, a.Error }
func (a TypingAck) Result() (bool, string)        { return a.Success, a.Error }
func (a OnlineStatusAck) Result() (bool, string)  { return a.Success, a.Error }
