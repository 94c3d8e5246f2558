package domain

import "time"

// LastMessage is the denormalized preview shown in conversation lists.
type LastMessage struct {
	MessageID string      `json:"messageId"`
	Content   string      `json:"content"`
	SenderID  string      `json:"senderId"`
	Type      MessageType `json:"type,omitempty"`
	SentAt    time.Time   `json:"sentAt"`
}

// Conversation is owned by the cache. It is never deleted client-side,
// only invalidated and fetched again.
type Conversation struct {
	ID           string        `json:"id"`
	Name         string        `json:"name,omitempty"`
	IsGroup      bool          `json:"isGroup"`
	Participants []Participant `json:"participants"`
	LastMessage  *LastMessage  `json:"lastMessage,omitempty"`
	UnreadCount  int           `json:"unreadCount"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
}

// Counterpart returns the first participant that is not selfID.
// Used to title direct conversations that carry no name.
func (c Conversation) Counterpart(selfID string) (Participant, bool) {
	for _, p := range c.Participants {
		if p.UserID != selfID {
			return p, true
		}
	}
	return Participant{}, false
}

// Title is the display name of the conversation from selfID's point of view.
func (c Conversation) Title(selfID string) string {
	if c.Name != "" {
		return c.Name
	}
	if p, ok := c.Counterpart(selfID); ok {
		return p.User.DisplayName()
	}
	return c.ID
}
