// Package domain contains core concepts of the messaging client.
// This file defines Message records and the merge rules applied to them.
// No network, cache or UI logic should be added here.
package domain

import (
	"time"

	"github.com/samber/lo"
)

// DeletedPlaceholder replaces the content of a tombstoned message.
const DeletedPlaceholder = "This message was deleted"

type MessageType string

const (
	TextMessage   MessageType = "text"
	ImageMessage  MessageType = "image"
	FileMessage   MessageType = "file"
	SystemMessage MessageType = "system"
)

// SyncState is the local lifecycle of a message record.
// It is never sent by the server: an authoritative record is always Confirmed.
type SyncState string

const (
	Pending   SyncState = "pending"
	Confirmed SyncState = "confirmed"
	Failed    SyncState = "failed"
)

type Attachment struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
	// Head holds the first bytes of a local file, used to sniff its type before upload.
	Head []byte `json:"-"`
}

type Message struct {
	ID               string       `json:"id,omitempty"`
	Identifier       string       `json:"identifier,omitempty"`
	ConversationID   string       `json:"conversationId"`
	SenderID         string       `json:"senderId"`
	Content          string       `json:"content"`
	Type             MessageType  `json:"type"`
	Attachments      []Attachment `json:"attachments,omitempty"`
	ReplyToMessageID string       `json:"replyToMessageId,omitempty"`
	CreatedAt        time.Time    `json:"createdAt"`
	UpdatedAt        *time.Time   `json:"updatedAt,omitempty"`
	IsEdited         bool         `json:"isEdited"`
	IsDeleted        bool         `json:"isDeleted"`
	Delivered        bool         `json:"delivered"`
	DeliveredAt      *time.Time   `json:"deliveredAt,omitempty"`
	Read             bool         `json:"read"`
	ReadBy           []string     `json:"readBy,omitempty"`

	State     SyncState `json:"state,omitempty"`
	LastError string    `json:"lastError,omitempty"`
}

// NewOptimisticMessage builds the pending record shown before the server confirms a send.
func NewOptimisticMessage(identifier, conversationID, senderID, content string,
	messageType MessageType, createdAt time.Time) Message {
	return Message{
		Identifier:     identifier,
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		Type:           messageType,
		CreatedAt:      createdAt,
		State:          Pending,
	}
}

func (m Message) IsPending() bool {
	return m.State == Pending
}

func (m Message) IsFailed() bool {
	return m.State == Failed
}

// Key identifies a record inside a conversation list: the server id once known,
// the correlation identifier while the record is still optimistic.
func (m Message) Key() string {
	if m.ID != "" {
		return m.ID
	}
	return m.Identifier
}

// Confirm turns a pending record into the authoritative one received from the server.
// The local correlation identifier survives so late acks can still be matched.
// Delivery and read progress already known locally never regress.
func (m *Message) Confirm(authoritative Message) {
	identifier := m.Identifier
	delivered, deliveredAt := m.Delivered, m.DeliveredAt
	read, readBy := m.Read, m.ReadBy

	*m = authoritative
	m.State = Confirmed
	m.LastError = ""
	if m.Identifier == "" {
		m.Identifier = identifier
	}
	if delivered && !m.Delivered {
		m.Delivered, m.DeliveredAt = true, deliveredAt
	}
	if read {
		m.Read = true
	}
	m.ReadBy = lo.Union(readBy, m.ReadBy)
	if len(m.ReadBy) == 0 {
		m.ReadBy = nil
	}
}

// Fail marks a pending record as rejected. It stays in the list until retried.
func (m *Message) Fail(reason string) bool {
	if m.State != Pending {
		return false
	}
	m.State = Failed
	m.LastError = reason
	return true
}

// Retry moves a failed record back to pending.
func (m *Message) Retry() bool {
	if m.State != Failed {
		return false
	}
	m.State = Pending
	m.LastError = ""
	return true
}

// ApplyEdit overwrites the mutable content. A tombstone rejects every edit.
func (m *Message) ApplyEdit(content string, isEdited bool, updatedAt time.Time) bool {
	if m.IsDeleted {
		return false
	}
	m.Content = content
	m.IsEdited = isEdited
	m.UpdatedAt = lo.ToPtr(updatedAt)
	return true
}

// Tombstone soft-deletes the record. It keeps its position in the list.
func (m *Message) Tombstone() bool {
	if m.IsDeleted {
		return false
	}
	m.IsDeleted = true
	m.Content = DeletedPlaceholder
	m.Attachments = nil
	return true
}

// MarkDelivered only moves forward: a delivered message is never undelivered.
func (m *Message) MarkDelivered(at time.Time) bool {
	if m.Delivered {
		return false
	}
	m.Delivered = true
	m.DeliveredAt = lo.ToPtr(at)
	return true
}

// MarkReadBy is independent of delivery: a read receipt may arrive first.
func (m *Message) MarkReadBy(userID string) bool {
	changed := !m.Read
	m.Read = true
	if userID != "" && !lo.Contains(m.ReadBy, userID) {
		m.ReadBy = append(m.ReadBy, userID)
		changed = true
	}
	return changed
}

// MatchesOptimistic reports whether an authoritative record is the echo of this unconfirmed
// one when the transport dropped the correlation identifier. A failed send still matches:
// its echo may land after the ack timed out.
func (m Message) MatchesOptimistic(authoritative Message) bool {
	if m.State != Pending && m.State != Failed {
		return false
	}
	if m.Identifier != "" && authoritative.Identifier != "" {
		return m.Identifier == authoritative.Identifier
	}
	return m.ConversationID == authoritative.ConversationID &&
		m.SenderID == authoritative.SenderID &&
		m.Content == authoritative.Content &&
		m.Type == authoritative.Type
}
