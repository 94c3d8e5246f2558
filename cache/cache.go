// Package cache holds the conversation and message read models and the merge
// rules applied when server events and command acks reach them.
// Every mutation goes through ICacheStore.Update on a private copy of the list.
package cache

import (
	"chat-sync/contract"
	"chat-sync/domain"
	"chat-sync/errors"
	"slices"

	"github.com/samber/lo"
)

const allConversations = "all"

func ConversationsKey() contract.Key {
	return contract.Key{Scope: contract.ConversationsScope, ID: allConversations}
}

func MessagesKey(conversationID string) contract.Key {
	return contract.Key{Scope: contract.MessagesScope, ID: conversationID}
}

type Cache struct {
	store contract.ICacheStore
}

func New(store contract.ICacheStore) *Cache {
	return &Cache{store: store}
}

func (c *Cache) Store() contract.ICacheStore {
	return c.store
}

// Messages returns a copy of the cached window of a conversation.
func (c *Cache) Messages(conversationID string) ([]domain.Message, bool) {
	v, ok := c.store.Get(MessagesKey(conversationID))
	if !ok {
		return nil, false
	}
	list, _ := v.([]domain.Message)
	return slices.Clone(list), true
}

// LoadedConversations lists the conversations whose message window is cached.
func (c *Cache) LoadedConversations() []string {
	return lo.Map(c.store.Keys(contract.MessagesScope), func(k contract.Key, _ int) string {
		return k.ID
	})
}

// SetMessages replaces a window with a server baseline.
// Local pending and failed sends the baseline doesn't know yet stay at the tail.
func (c *Cache) SetMessages(conversationID string, baseline []domain.Message) {
	c.store.Update(MessagesKey(conversationID), func(current any, found bool) (any, bool) {
		next := slices.Clone(baseline)
		if !found {
			return next, true
		}
		local, _ := current.([]domain.Message)
		for _, m := range local {
			if m.State != domain.Pending && m.State != domain.Failed {
				continue
			}
			echoed := lo.ContainsBy(next, func(b domain.Message) bool {
				return m.MatchesOptimistic(b) || (m.Identifier != "" && b.Identifier == m.Identifier)
			})
			if !echoed {
				next = append(next, m)
			}
		}
		return next, true
	})
}

// InsertOptimistic appends a pending record, creating the window when absent.
func (c *Cache) InsertOptimistic(m domain.Message) {
	c.updateMessages(m.ConversationID, true, func(list []domain.Message) ([]domain.Message, bool) {
		if lo.ContainsBy(list, func(e domain.Message) bool { return e.Identifier == m.Identifier }) {
			return list, false
		}
		return append(list, m), true
	})
}

// ApplyNewMessage merges an authoritative message into its conversation window.
// A message already present by id is ignored. A matching pending record is
// confirmed in place. Otherwise it is appended. A window that was never loaded
// is left absent.
func (c *Cache) ApplyNewMessage(m domain.Message) bool {
	return c.updateMessages(m.ConversationID, false, func(list []domain.Message) ([]domain.Message, bool) {
		if m.ID != "" && slices.ContainsFunc(list, func(e domain.Message) bool { return e.ID == m.ID }) {
			return list, false
		}
		if i := matchPending(list, m); i >= 0 {
			list[i].Confirm(m)
			return list, true
		}
		return append(list, m), true
	})
}

// ConfirmOptimistic applies a successful send ack to the pending record it answers.
// If the broadcast already landed, the pending copy is dropped instead.
func (c *Cache) ConfirmOptimistic(conversationID, identifier string, authoritative domain.Message) bool {
	return c.updateMessages(conversationID, false, func(list []domain.Message) ([]domain.Message, bool) {
		pending := slices.IndexFunc(list, func(e domain.Message) bool {
			return e.Identifier == identifier && e.ID == ""
		})
		if pending < 0 {
			return list, false
		}
		existing := slices.IndexFunc(list, func(e domain.Message) bool {
			return authoritative.ID != "" && e.ID == authoritative.ID
		})
		if existing >= 0 {
			return slices.Delete(list, pending, pending+1), true
		}
		list[pending].Confirm(authoritative)
		return list, true
	})
}

// FailOptimistic marks a pending send as failed. It stays visible for retry.
func (c *Cache) FailOptimistic(conversationID, identifier, reason string) bool {
	return c.updateMessages(conversationID, false, func(list []domain.Message) ([]domain.Message, bool) {
		i := slices.IndexFunc(list, func(e domain.Message) bool { return e.Identifier == identifier && e.ID == "" })
		if i < 0 {
			return list, false
		}
		return list, list[i].Fail(reason)
	})
}

// RetryOptimistic moves a failed send back to pending and returns it.
// A record created before the session knew its user takes senderID.
func (c *Cache) RetryOptimistic(conversationID, identifier, senderID string) (domain.Message, error) {
	var retried domain.Message
	var err error = errors.ErrMessageNotFound
	c.updateMessages(conversationID, false, func(list []domain.Message) ([]domain.Message, bool) {
		i := slices.IndexFunc(list, func(e domain.Message) bool { return e.Identifier == identifier && e.ID == "" })
		if i < 0 {
			return list, false
		}
		if !list[i].Retry() {
			err = errors.ErrNotRetryable
			return list, false
		}
		if list[i].SenderID == "" {
			list[i].SenderID = senderID
		}
		retried, err = list[i], nil
		return list, true
	})
	return retried, err
}

// MutateMessage applies fn to the record with the given id. fn reports whether it changed anything.
func (c *Cache) MutateMessage(conversationID, messageID string, fn func(*domain.Message) bool) bool {
	return c.updateMessages(conversationID, false, func(list []domain.Message) ([]domain.Message, bool) {
		i := slices.IndexFunc(list, func(e domain.Message) bool { return e.ID == messageID })
		if i < 0 {
			return list, false
		}
		return list, fn(&list[i])
	})
}

// FindMessage looks a message up across every loaded window.
func (c *Cache) FindMessage(messageID string) (domain.Message, bool) {
	for _, conversationID := range c.LoadedConversations() {
		list, _ := c.Messages(conversationID)
		if m, ok := lo.Find(list, func(e domain.Message) bool { return e.ID == messageID }); ok {
			return m, true
		}
	}
	return domain.Message{}, false
}

// MutateByID is MutateMessage for callers that only know the message id, such as acks.
func (c *Cache) MutateByID(messageID string, fn func(*domain.Message) bool) bool {
	m, ok := c.FindMessage(messageID)
	if !ok {
		return false
	}
	return c.MutateMessage(m.ConversationID, messageID, fn)
}

func (c *Cache) Conversations() ([]domain.Conversation, bool) {
	v, ok := c.store.Get(ConversationsKey())
	if !ok {
		return nil, false
	}
	list, _ := v.([]domain.Conversation)
	return slices.Clone(list), true
}

func (c *Cache) Conversation(conversationID string) (domain.Conversation, bool) {
	list, _ := c.Conversations()
	return lo.Find(list, func(conv domain.Conversation) bool { return conv.ID == conversationID })
}

func (c *Cache) SetConversations(list []domain.Conversation) {
	c.store.Set(ConversationsKey(), slices.Clone(list))
}

// InvalidateConversations marks the conversation list stale so it is refetched.
func (c *Cache) InvalidateConversations() {
	c.store.Invalidate(ConversationsKey())
}

func (c *Cache) updateMessages(conversationID string, create bool,
	fn func([]domain.Message) ([]domain.Message, bool)) bool {
	return c.store.Update(MessagesKey(conversationID), func(current any, found bool) (any, bool) {
		if !found && !create {
			return nil, false
		}
		list, _ := current.([]domain.Message)
		next, changed := fn(cloneMessages(list))
		return next, changed
	})
}

// matchPending finds the pending record an authoritative message answers:
// by correlation identifier when echoed, else the oldest pending record with
// the same sender, content and type. An echoed identifier also settles a send
// that failed locally on timeout but reached the server.
func matchPending(list []domain.Message, m domain.Message) int {
	if m.Identifier != "" {
		if i := slices.IndexFunc(list, func(e domain.Message) bool {
			return e.ID == "" && e.Identifier == m.Identifier
		}); i >= 0 {
			return i
		}
	}
	return slices.IndexFunc(list, func(e domain.Message) bool { return e.MatchesOptimistic(m) })
}

// cloneMessages copies the list and the slices its records own, so readers
// holding a previous snapshot never observe a merge.
func cloneMessages(list []domain.Message) []domain.Message {
	out := make([]domain.Message, len(list))
	for i, m := range list {
		m.ReadBy = slices.Clone(m.ReadBy)
		m.Attachments = slices.Clone(m.Attachments)
		out[i] = m
	}
	return out
}
