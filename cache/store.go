package cache

import (
	"chat-sync/contract"
	"sync"
)

// subscriberBuffer bounds each subscriber channel. A full channel drops the
// notification: subscribers always re-read the store, so a missed change is
// covered by the next one.
const subscriberBuffer = 64

// MemoryStore is an in-process keyed store. Update runs its function under the
// write lock, which makes every merge an atomic read-modify-write.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[contract.Key]any
	subs    map[contract.Scope]map[int]chan contract.Change
	nextSub int
}

var _ contract.ICacheStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[contract.Key]any),
		subs:    make(map[contract.Scope]map[int]chan contract.Change),
	}
}

func (s *MemoryStore) Get(key contract.Key) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.entries[key]
	return v, ok
}

func (s *MemoryStore) Set(key contract.Key, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = value
	s.notify(contract.Change{Key: key, Kind: contract.Updated})
}

func (s *MemoryStore) Update(key contract.Key, fn contract.UpdateFunc) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, found := s.entries[key]
	next, keep := fn(current, found)
	if !keep {
		return false
	}
	s.entries[key] = next
	s.notify(contract.Change{Key: key, Kind: contract.Updated})
	return true
}

// Invalidate keeps the stale value readable and tells subscribers to refetch it.
func (s *MemoryStore) Invalidate(key contract.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notify(contract.Change{Key: key, Kind: contract.Invalidated})
}

func (s *MemoryStore) Keys(scope contract.Scope) []contract.Key {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []contract.Key
	for k := range s.entries {
		if k.Scope == scope {
			keys = append(keys, k)
		}
	}
	return keys
}

// Subscribe returns a channel of changes within a scope and a function releasing it.
func (s *MemoryStore) Subscribe(scope contract.Scope) (<-chan contract.Change, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	ch := make(chan contract.Change, subscriberBuffer)
	if _, ok := s.subs[scope]; !ok {
		s.subs[scope] = make(map[int]chan contract.Change)
	}
	s.subs[scope][id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.subs[scope], id)
			if len(s.subs[scope]) == 0 {
				delete(s.subs, scope)
			}
			close(ch)
		})
	}
}

// notify must be called with the write lock held.
func (s *MemoryStore) notify(change contract.Change) {
	for _, ch := range s.subs[change.Key.Scope] {
		select {
		case ch <- change:
		default:
		}
	}
}
