package presence

import (
	"slices"
	"sync"
	"time"
)

// DefaultTypingExpiry clears a typing flag when no refresh arrives in time.
const DefaultTypingExpiry = 3000 * time.Millisecond

type Timer interface {
	Stop() bool
}

// Clock abstracts timers so expiry can be driven by tests.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type systemClock struct{}

func (systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

func SystemClock() Clock { return systemClock{} }

// ChangeFunc receives the users typing in a conversation after each change.
type ChangeFunc func(conversationID string, typing []string)

type typingEntry struct {
	generation uint64
	timer      Timer
}

// TypingTracker holds the typing flags of the observed conversation.
// Each flag is guarded by its own timer; a new signal replaces the timer
// and bumps the generation so a timer that already fired is ignored.
type TypingTracker struct {
	mu             sync.Mutex
	clock          Clock
	expiry         time.Duration
	onChange       ChangeFunc
	conversationID string
	entries        map[string]*typingEntry
	generation     uint64
	closed         bool
}

func NewTypingTracker(clock Clock, expiry time.Duration, onChange ChangeFunc) *TypingTracker {
	if clock == nil {
		clock = SystemClock()
	}
	if expiry <= 0 {
		expiry = DefaultTypingExpiry
	}
	return &TypingTracker{
		clock:    clock,
		expiry:   expiry,
		onChange: onChange,
		entries:  make(map[string]*typingEntry),
	}
}

// Watch scopes the tracker to one conversation. Switching drops every flag.
func (t *TypingTracker) Watch(conversationID string) {
	t.mu.Lock()
	if t.conversationID == conversationID {
		t.mu.Unlock()
		return
	}
	previous := t.conversationID
	hadEntries := len(t.entries) > 0
	t.clearLocked()
	t.conversationID = conversationID
	t.mu.Unlock()
	if hadEntries {
		t.emit(previous, nil)
	}
}

func (t *TypingTracker) Watched() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conversationID
}

// Apply records a typing signal. Signals for other conversations are ignored.
func (t *TypingTracker) Apply(conversationID, userID string, isTyping bool) bool {
	t.mu.Lock()
	if t.closed || conversationID == "" || conversationID != t.conversationID {
		t.mu.Unlock()
		return false
	}
	entry, exists := t.entries[userID]
	if exists {
		entry.timer.Stop()
	}
	if !isTyping {
		if !exists {
			t.mu.Unlock()
			return false
		}
		delete(t.entries, userID)
		typing := t.typingLocked()
		t.mu.Unlock()
		t.emit(conversationID, typing)
		return true
	}

	t.generation++
	generation := t.generation
	t.entries[userID] = &typingEntry{
		generation: generation,
		timer:      t.clock.AfterFunc(t.expiry, func() { t.expire(conversationID, userID, generation) }),
	}
	typing := t.typingLocked()
	t.mu.Unlock()
	if !exists {
		t.emit(conversationID, typing)
	}
	return true
}

func (t *TypingTracker) expire(conversationID, userID string, generation uint64) {
	t.mu.Lock()
	entry, ok := t.entries[userID]
	if !ok || entry.generation != generation || t.conversationID != conversationID {
		t.mu.Unlock()
		return
	}
	delete(t.entries, userID)
	typing := t.typingLocked()
	t.mu.Unlock()
	t.emit(conversationID, typing)
}

func (t *TypingTracker) IsTyping(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[userID]
	return ok
}

// Typing lists the users currently typing, sorted.
func (t *TypingTracker) Typing() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.typingLocked()
}

// Reset drops every flag and keeps the watched conversation.
func (t *TypingTracker) Reset() {
	t.mu.Lock()
	conversationID := t.conversationID
	hadEntries := len(t.entries) > 0
	t.clearLocked()
	t.mu.Unlock()
	if hadEntries {
		t.emit(conversationID, nil)
	}
}

// Close cancels every timer. Later signals are ignored.
func (t *TypingTracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clearLocked()
	t.closed = true
}

func (t *TypingTracker) clearLocked() {
	for userID, entry := range t.entries {
		entry.timer.Stop()
		delete(t.entries, userID)
	}
}

func (t *TypingTracker) typingLocked() []string {
	users := make([]string, 0, len(t.entries))
	for userID := range t.entries {
		users = append(users, userID)
	}
	slices.Sort(users)
	return users
}

func (t *TypingTracker) emit(conversationID string, typing []string) {
	if t.onChange != nil {
		t.onChange(conversationID, typing)
	}
}
