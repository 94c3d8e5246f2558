package runtime

import (
	"chat-sync/contract"
	"maps"
	"slices"
	"sync"
)

// Registry holds the UI observers of each conversation.
// An observer may follow several conversations, each with its own sink.
type Registry struct {
	mu        sync.RWMutex
	observers map[string]map[string]contract.EventSink // conversation -> observer -> sink
}

var _ contract.IRegistry = (*Registry)(nil)

func NewRegistry() *Registry {
	return &Registry{observers: make(map[string]map[string]contract.EventSink)}
}

// GetSinksForConversation returns the sinks of a conversation ordered by observer id,
// nil when nobody follows it.
func (r *Registry) GetSinksForConversation(conversationID string) []contract.EventSink {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members, ok := r.observers[conversationID]
	if !ok {
		return nil
	}
	sinks := make([]contract.EventSink, 0, len(members))
	for _, observerID := range slices.Sorted(maps.Keys(members)) {
		sinks = append(sinks, members[observerID])
	}
	return sinks
}

// Subscribe registers or replaces the sink of an observer for one conversation.
func (r *Registry) Subscribe(observerID, conversationID string, sink contract.EventSink) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.observers[conversationID]; !ok {
		r.observers[conversationID] = make(map[string]contract.EventSink)
	}
	r.observers[conversationID][observerID] = sink
}

// Unsubscribe removes an observer from one conversation.
// Empty conversations are dropped so the map does not grow over time.
func (r *Registry) Unsubscribe(observerID, conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if members, ok := r.observers[conversationID]; ok {
		delete(members, observerID)
		if len(members) == 0 {
			delete(r.observers, conversationID)
		}
	}
}

// Conversations lists the conversations that currently have observers.
func (r *Registry) Conversations() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.observers))
}
