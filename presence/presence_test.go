package presence

import (
	"chat-sync/domain"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeTimer struct {
	clock    *fakeClock
	deadline time.Duration
	fn       func()
	stopped  bool
	fired    bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// fakeClock fires timers synchronously when Advance crosses their deadline.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Duration
	timers []*fakeTimer
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	timer := &fakeTimer{clock: c, deadline: c.now + d, fn: f}
	c.timers = append(c.timers, timer)
	return timer
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now += d
	var due []*fakeTimer
	for _, timer := range c.timers {
		if !timer.stopped && !timer.fired && timer.deadline <= c.now {
			timer.fired = true
			due = append(due, timer)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].deadline < due[j].deadline })
	c.mu.Unlock()
	for _, timer := range due {
		timer.fn()
	}
}

func TestTracker_Merge_NeverInventsOffline(t *testing.T) {
	req := require.New(t)
	tracker := NewTracker()
	lastSeen := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)

	// Given A is known online
	tracker.Set(domain.PresenceStatus{UserID: "A", IsOnline: true, LastSeen: lastSeen})

	// When a query answers for B only
	tracker.Merge([]domain.PresenceStatus{{UserID: "B", IsOnline: false, LastSeen: lastSeen}})

	// Then A is untouched and C stays unknown
	a, ok := tracker.Get("A")
	req.True(ok)
	req.True(a.IsOnline)
	b, ok := tracker.Get("B")
	req.True(ok)
	req.False(b.IsOnline)
	_, ok = tracker.Get("C")
	req.False(ok)
	req.Len(tracker.Snapshot(), 2)
}

func TestTracker_Set_Overwrites(t *testing.T) {
	req := require.New(t)
	tracker := NewTracker()

	tracker.Set(domain.PresenceStatus{UserID: "A", IsOnline: true})
	tracker.Set(domain.PresenceStatus{UserID: "A", IsOnline: false})
	tracker.Set(domain.PresenceStatus{})

	snapshot := tracker.Snapshot()
	req.Len(snapshot, 1)
	req.False(snapshot["A"].IsOnline)
}

func TestTypingTracker_AutoExpiry(t *testing.T) {
	req := require.New(t)
	clock := &fakeClock{}
	tracker := NewTypingTracker(clock, DefaultTypingExpiry, nil)
	tracker.Watch("C1")

	// Given U starts typing at t=0
	req.True(tracker.Apply("C1", "U", true))

	// Then the flag holds at 2999 ms and is gone at 3000 ms
	clock.Advance(2999 * time.Millisecond)
	req.True(tracker.IsTyping("U"))
	clock.Advance(time.Millisecond)
	req.False(tracker.IsTyping("U"))
}

func TestTypingTracker_Debounce_ResetsTimer(t *testing.T) {
	req := require.New(t)
	clock := &fakeClock{}
	tracker := NewTypingTracker(clock, DefaultTypingExpiry, nil)
	tracker.Watch("C1")

	// Given signals at t=0 and t=2000
	tracker.Apply("C1", "U", true)
	clock.Advance(2000 * time.Millisecond)
	tracker.Apply("C1", "U", true)

	// Then the first timer doesn't clear the flag at t=3000
	clock.Advance(1000 * time.Millisecond)
	req.True(tracker.IsTyping("U"))

	// And the flag clears at t=5000
	clock.Advance(1999 * time.Millisecond)
	req.True(tracker.IsTyping("U"))
	clock.Advance(time.Millisecond)
	req.False(tracker.IsTyping("U"))
}

func TestTypingTracker_ExplicitStop(t *testing.T) {
	req := require.New(t)
	clock := &fakeClock{}
	var changes [][]string
	tracker := NewTypingTracker(clock, DefaultTypingExpiry, func(_ string, typing []string) {
		changes = append(changes, typing)
	})
	tracker.Watch("C1")

	tracker.Apply("C1", "U", true)
	tracker.Apply("C1", "U", true)
	req.True(tracker.Apply("C1", "U", false))
	req.False(tracker.Apply("C1", "U", false))
	clock.Advance(5 * time.Second)

	req.False(tracker.IsTyping("U"))
	req.Equal([][]string{{"U"}, {}}, changes)
}

func TestTypingTracker_IgnoresOtherConversations(t *testing.T) {
	req := require.New(t)
	clock := &fakeClock{}
	tracker := NewTypingTracker(clock, DefaultTypingExpiry, nil)

	req.False(tracker.Apply("C1", "U", true), "nothing watched yet")

	tracker.Watch("C1")
	req.False(tracker.Apply("C2", "U", true))
	req.True(tracker.Apply("C1", "V", true))
	req.True(tracker.Apply("C1", "U", true))
	req.Equal([]string{"U", "V"}, tracker.Typing())

	// Switching conversation drops every flag
	tracker.Watch("C2")
	req.Empty(tracker.Typing())
	clock.Advance(5 * time.Second)
	req.Equal("C2", tracker.Watched())
}

func TestTypingTracker_ResetAndClose(t *testing.T) {
	req := require.New(t)
	clock := &fakeClock{}
	tracker := NewTypingTracker(clock, DefaultTypingExpiry, nil)
	tracker.Watch("C1")
	tracker.Apply("C1", "U", true)

	tracker.Reset()
	req.False(tracker.IsTyping("U"))
	req.True(tracker.Apply("C1", "U", true))

	tracker.Close()
	req.False(tracker.IsTyping("U"))
	req.False(tracker.Apply("C1", "U", true))
	for _, timer := range clock.timers {
		req.True(timer.stopped || timer.fired)
	}
}
