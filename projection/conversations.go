package projection

import (
	"chat-sync/cache"
	"chat-sync/contract"
	"chat-sync/domain/event"
	"context"
	"log/slog"
)

// Conversations invalidates the conversation list on every summary change.
// The refresher refetches it; nothing is patched locally.
type Conversations struct {
	log   *slog.Logger
	cache *cache.Cache
}

var _ contract.EventSink = (*Conversations)(nil)

func NewConversations(log *slog.Logger, c *cache.Cache) *Conversations {
	return &Conversations{log: log, cache: c}
}

func (p *Conversations) Consume(_ context.Context, e event.Event) error {
	switch e.Type {
	case event.NewConversationType, event.ConversationUpdatedType:
		if id, ok := e.ConversationID(); ok {
			p.log.Debug("Conversation list is stale", "conversation_id", id)
		}
		p.cache.InvalidateConversations()
	}
	return nil
}
