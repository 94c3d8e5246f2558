// Package projection applies server events to the local read models.
// Handlers are upserts by identity: replaying an event never changes the result.
// Does not emit events or talk to the server.
package projection

import (
	"chat-sync/cache"
	"chat-sync/contract"
	"chat-sync/domain"
	"chat-sync/domain/event"
	"chat-sync/observability"
	"context"
	"log/slog"
)

const reasonAbsent = "absent"

// Timeline keeps the cached message windows in step with message events.
type Timeline struct {
	log     *slog.Logger
	cache   *cache.Cache
	metrics *observability.Metrics
}

var _ contract.EventSink = (*Timeline)(nil)

func NewTimeline(log *slog.Logger, c *cache.Cache, metrics *observability.Metrics) *Timeline {
	return &Timeline{log: log, cache: c, metrics: metrics}
}

func (t *Timeline) Consume(_ context.Context, e event.Event) error {
	applied := true
	switch p := e.Payload.(type) {
	case event.NewMessage:
		applied = t.cache.ApplyNewMessage(p.Message)
		t.cache.InvalidateConversations()
	case event.MessageUpdated:
		applied = t.cache.MutateMessage(p.ConversationID, p.ID, func(m *domain.Message) bool {
			return m.ApplyEdit(p.Content, p.IsEdited, p.UpdatedAt)
		})
	case event.MessageDeleted:
		applied = t.cache.MutateMessage(p.ConversationID, p.MessageID, func(m *domain.Message) bool {
			return m.Tombstone()
		})
		t.cache.InvalidateConversations()
	case event.MessageDelivered:
		applied = t.cache.MutateMessage(p.ConversationID, p.MessageID, func(m *domain.Message) bool {
			return m.MarkDelivered(p.DeliveredAt)
		})
	case event.MessageRead:
		applied = t.applyRead(p)
	default:
		return nil
	}
	if !applied {
		t.log.Debug("Event left the timeline unchanged", "type", e.Type)
		t.metrics.EventIgnored(string(e.Type), reasonAbsent)
	}
	return nil
}

// applyRead marks one message, or every message the reader didn't send when
// the receipt carries no message id.
func (t *Timeline) applyRead(p event.MessageRead) bool {
	if p.MessageID != "" {
		return t.cache.MutateMessage(p.ConversationID, p.MessageID, func(m *domain.Message) bool {
			return m.MarkReadBy(p.UserID)
		})
	}
	list, ok := t.cache.Messages(p.ConversationID)
	if !ok {
		return false
	}
	changed := false
	for _, m := range list {
		if m.ID == "" || m.SenderID == p.UserID {
			continue
		}
		if t.cache.MutateMessage(p.ConversationID, m.ID, func(m *domain.Message) bool {
			return m.MarkReadBy(p.UserID)
		}) {
			changed = true
		}
	}
	return changed
}
