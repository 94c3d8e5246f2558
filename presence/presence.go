// Package presence tracks last-known online status and typing indicators.
package presence

import (
	"chat-sync/domain"
	"maps"
	"sync"
)

// Tracker is a sticky presence map: entries are overwritten, never removed.
// A user absent from the map has an unknown status, not an offline one.
type Tracker struct {
	mu       sync.RWMutex
	statuses map[string]domain.PresenceStatus
}

func NewTracker() *Tracker {
	return &Tracker{statuses: make(map[string]domain.PresenceStatus)}
}

func (t *Tracker) Set(status domain.PresenceStatus) {
	if status.UserID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.statuses[status.UserID] = status
}

// Merge overwrites the listed users and leaves every other entry as is.
func (t *Tracker) Merge(statuses []domain.PresenceStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range statuses {
		if s.UserID == "" {
			continue
		}
		t.statuses[s.UserID] = s
	}
}

func (t *Tracker) Get(userID string) (domain.PresenceStatus, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.statuses[userID]
	return s, ok
}

func (t *Tracker) Snapshot() map[string]domain.PresenceStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return maps.Clone(t.statuses)
}
