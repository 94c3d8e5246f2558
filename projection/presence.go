package projection

import (
	"chat-sync/contract"
	"chat-sync/domain"
	"chat-sync/domain/event"
	"chat-sync/presence"
	"context"
	"log/slog"
)

// Presence overwrites the status of a user on every change.
type Presence struct {
	log     *slog.Logger
	tracker *presence.Tracker
}

var _ contract.EventSink = (*Presence)(nil)

func NewPresence(log *slog.Logger, tracker *presence.Tracker) *Presence {
	return &Presence{log: log, tracker: tracker}
}

func (p *Presence) Consume(_ context.Context, e event.Event) error {
	if s, ok := e.Payload.(event.UserStatusChanged); ok {
		p.tracker.Set(domain.PresenceStatus{UserID: s.UserID, IsOnline: s.IsOnline, LastSeen: s.LastSeen})
	}
	return nil
}

// Typing feeds typing signals of the watched conversation to the tracker.
// The local user's own echo is skipped. A lost session clears every flag.
type Typing struct {
	log     *slog.Logger
	tracker *presence.TypingTracker
	self    func() string
}

var _ contract.EventSink = (*Typing)(nil)

func NewTyping(log *slog.Logger, tracker *presence.TypingTracker, self func() string) *Typing {
	return &Typing{log: log, tracker: tracker, self: self}
}

func (p *Typing) Consume(_ context.Context, e event.Event) error {
	switch payload := e.Payload.(type) {
	case event.UserTyping:
		if p.self != nil && payload.UserID == p.self() {
			return nil
		}
		if !p.tracker.Apply(payload.ConversationID, payload.UserID, payload.IsTyping) {
			p.log.Debug("Typing signal ignored", "conversation_id", payload.ConversationID, "user_id", payload.UserID)
		}
	case event.SessionLost:
		p.tracker.Reset()
	}
	return nil
}
