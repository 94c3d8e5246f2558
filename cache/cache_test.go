package cache

import (
	"chat-sync/contract"
	"chat-sync/domain"
	"chat-sync/errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func serverMessage(id, content string, at time.Time) domain.Message {
	return domain.Message{
		ID:             id,
		ConversationID: "C1",
		SenderID:       "alice",
		Content:        content,
		Type:           domain.TextMessage,
		CreatedAt:      at,
		State:          domain.Confirmed,
	}
}

func newCacheWith(messages ...domain.Message) *Cache {
	c := New(NewMemoryStore())
	c.SetMessages("C1", messages)
	return c
}

func ids(list []domain.Message) []string {
	out := make([]string, 0, len(list))
	for _, m := range list {
		out = append(out, m.Key())
	}
	return out
}

func TestCache_ApplyNewMessage_IsIdempotent(t *testing.T) {
	req := require.New(t)
	c := newCacheWith(serverMessage("M1", "Hello", t0))
	m2 := serverMessage("M2", "Hi", t0.Add(time.Minute))

	// When the same event is applied twice
	req.True(c.ApplyNewMessage(m2))
	req.False(c.ApplyNewMessage(m2))

	// Then only one record exists
	list, ok := c.Messages("C1")
	req.True(ok)
	req.Equal([]string{"M1", "M2"}, ids(list))
}

func TestCache_ApplyNewMessage_IgnoresUnloadedConversation(t *testing.T) {
	req := require.New(t)
	c := New(NewMemoryStore())

	req.False(c.ApplyNewMessage(serverMessage("M1", "Hello", t0)))

	_, ok := c.Messages("C1")
	req.False(ok)
}

func TestCache_OptimisticSend_AckThenEvent(t *testing.T) {
	req := require.New(t)

	// Given C1 holds M1 and an optimistic send is pending
	c := newCacheWith(serverMessage("M1", "Hello", t0))
	c.InsertOptimistic(domain.NewOptimisticMessage("tmp-1", "C1", "alice", "Hi there", domain.TextMessage, t0.Add(time.Minute)))

	// When the ack confirms it and the broadcast arrives afterwards
	m2 := serverMessage("M2", "Hi there", t0.Add(time.Minute))
	req.True(c.ConfirmOptimistic("C1", "tmp-1", m2))
	req.False(c.ApplyNewMessage(m2))

	// Then there is exactly one confirmed M2, after M1
	list, _ := c.Messages("C1")
	req.Equal([]string{"M1", "M2"}, ids(list))
	req.Equal(domain.Confirmed, list[1].State)
	req.Equal("tmp-1", list[1].Identifier)
}

func TestCache_OptimisticSend_EventThenAck(t *testing.T) {
	req := require.New(t)
	c := newCacheWith(serverMessage("M1", "Hello", t0))
	c.InsertOptimistic(domain.NewOptimisticMessage("tmp-1", "C1", "alice", "Hi there", domain.TextMessage, t0.Add(time.Minute)))

	// When the broadcast arrives first, without the correlation identifier
	m2 := serverMessage("M2", "Hi there", t0.Add(time.Minute))
	req.True(c.ApplyNewMessage(m2))
	c.ConfirmOptimistic("C1", "tmp-1", m2)

	// Then the pending record was reconciled in place
	list, _ := c.Messages("C1")
	req.Equal([]string{"M1", "M2"}, ids(list))
	req.Equal(domain.Confirmed, list[1].State)
}

func TestCache_OptimisticMatch_PicksOldestPending(t *testing.T) {
	req := require.New(t)
	c := newCacheWith()
	c.InsertOptimistic(domain.NewOptimisticMessage("tmp-1", "C1", "alice", "ok", domain.TextMessage, t0))
	c.InsertOptimistic(domain.NewOptimisticMessage("tmp-2", "C1", "alice", "ok", domain.TextMessage, t0.Add(time.Second)))

	req.True(c.ApplyNewMessage(serverMessage("M1", "ok", t0)))

	list, _ := c.Messages("C1")
	req.Equal([]string{"M1", "tmp-2"}, ids(list))
	req.Equal("tmp-1", list[0].Identifier)
	req.True(list[1].IsPending())
}

func TestCache_OptimisticMatch_ByEchoedIdentifier(t *testing.T) {
	req := require.New(t)
	c := newCacheWith()
	c.InsertOptimistic(domain.NewOptimisticMessage("tmp-1", "C1", "alice", "first", domain.TextMessage, t0))
	c.InsertOptimistic(domain.NewOptimisticMessage("tmp-2", "C1", "alice", "second", domain.TextMessage, t0))

	echo := serverMessage("M9", "second", t0)
	echo.Identifier = "tmp-2"
	req.True(c.ApplyNewMessage(echo))

	list, _ := c.Messages("C1")
	req.Equal([]string{"tmp-1", "M9"}, ids(list))
}

func TestCache_FailAndRetry(t *testing.T) {
	req := require.New(t)
	c := newCacheWith()
	c.InsertOptimistic(domain.NewOptimisticMessage("tmp-1", "C1", "alice", "Hi", domain.TextMessage, t0))

	_, err := c.RetryOptimistic("C1", "tmp-1", "alice")
	req.ErrorIs(err, errors.ErrNotRetryable)

	req.True(c.FailOptimistic("C1", "tmp-1", "timeout"))
	list, _ := c.Messages("C1")
	req.True(list[0].IsFailed())

	retried, err := c.RetryOptimistic("C1", "tmp-1", "alice")
	req.NoError(err)
	req.True(retried.IsPending())

	_, err = c.RetryOptimistic("C1", "unknown", "alice")
	req.ErrorIs(err, errors.ErrMessageNotFound)
}

func TestCache_Retry_FillsMissingSender(t *testing.T) {
	req := require.New(t)
	c := newCacheWith()

	// Given a send recorded before the user id was known
	c.InsertOptimistic(domain.NewOptimisticMessage("tmp-1", "C1", "", "Hi", domain.TextMessage, t0))
	req.True(c.FailOptimistic("C1", "tmp-1", "not connected"))

	// When it is retried
	retried, err := c.RetryOptimistic("C1", "tmp-1", "alice")

	// Then both the returned and the cached record carry the sender
	req.NoError(err)
	req.Equal("alice", retried.SenderID)
	list, _ := c.Messages("C1")
	req.Equal("alice", list[0].SenderID)
}

func TestCache_FailedSend_SettledByLateEcho(t *testing.T) {
	req := require.New(t)
	c := newCacheWith()
	c.InsertOptimistic(domain.NewOptimisticMessage("tmp-1", "C1", "alice", "Hi", domain.TextMessage, t0))
	c.FailOptimistic("C1", "tmp-1", "timeout")

	echo := serverMessage("M1", "Hi", t0)
	echo.Identifier = "tmp-1"
	req.True(c.ApplyNewMessage(echo))

	list, _ := c.Messages("C1")
	req.Len(list, 1)
	req.Equal(domain.Confirmed, list[0].State)
}

func TestCache_FailedSend_SettledByEchoWithoutIdentifier(t *testing.T) {
	req := require.New(t)
	c := newCacheWith(serverMessage("M1", "Hello", t0))

	// Given a send that timed out
	c.InsertOptimistic(domain.NewOptimisticMessage("tmp-1", "C1", "alice", "Hi there", domain.TextMessage, t0.Add(time.Minute)))
	req.True(c.FailOptimistic("C1", "tmp-1", "timeout"))

	// When its echo arrives without the correlation identifier
	echo := serverMessage("M2", "Hi there", t0.Add(time.Minute))
	req.True(c.ApplyNewMessage(echo))

	// Then the failed record is confirmed in place, not duplicated
	list, _ := c.Messages("C1")
	req.Equal([]string{"M1", "M2"}, ids(list))
	req.Equal(domain.Confirmed, list[1].State)
	req.Empty(list[1].LastError)
	_, err := c.RetryOptimistic("C1", "tmp-1", "alice")
	req.Error(err)
}

func TestCache_SetMessages_DropsEchoedFailedSend(t *testing.T) {
	req := require.New(t)
	c := newCacheWith(serverMessage("M1", "Hello", t0))
	c.InsertOptimistic(domain.NewOptimisticMessage("tmp-1", "C1", "alice", "Hi there", domain.TextMessage, t0.Add(time.Minute)))
	req.True(c.FailOptimistic("C1", "tmp-1", "timeout"))

	// When a baseline already holding the echo, without identifier, is loaded
	c.SetMessages("C1", []domain.Message{
		serverMessage("M1", "Hello", t0),
		serverMessage("M2", "Hi there", t0.Add(time.Minute)),
	})

	// Then the failed copy is gone
	list, _ := c.Messages("C1")
	req.Equal([]string{"M1", "M2"}, ids(list))
}

func TestCache_SetMessages_KeepsUnechoedPending(t *testing.T) {
	req := require.New(t)
	c := newCacheWith(serverMessage("M1", "Hello", t0))
	c.InsertOptimistic(domain.NewOptimisticMessage("tmp-1", "C1", "alice", "Hi there", domain.TextMessage, t0.Add(time.Minute)))
	c.InsertOptimistic(domain.NewOptimisticMessage("tmp-2", "C1", "alice", "Still sending", domain.TextMessage, t0.Add(2*time.Minute)))

	// When a baseline already containing the first send is loaded
	c.SetMessages("C1", []domain.Message{
		serverMessage("M1", "Hello", t0),
		serverMessage("M2", "Hi there", t0.Add(time.Minute)),
	})

	// Then only the unknown pending send survives, at the tail
	list, _ := c.Messages("C1")
	req.Equal([]string{"M1", "M2", "tmp-2"}, ids(list))
}

func TestCache_MutateByID(t *testing.T) {
	req := require.New(t)
	c := newCacheWith(serverMessage("M1", "Hello", t0))

	req.True(c.MutateByID("M1", func(m *domain.Message) bool { return m.Tombstone() }))
	req.False(c.MutateByID("M1", func(m *domain.Message) bool { return m.Tombstone() }))
	req.False(c.MutateByID("missing", func(m *domain.Message) bool { return true }))

	m, ok := c.FindMessage("M1")
	req.True(ok)
	req.Equal(domain.DeletedPlaceholder, m.Content)
}

func TestCache_ReadersKeepTheirSnapshot(t *testing.T) {
	req := require.New(t)
	c := newCacheWith(serverMessage("M1", "Hello", t0))
	before, _ := c.Messages("C1")

	c.MutateMessage("C1", "M1", func(m *domain.Message) bool { return m.MarkReadBy("bob") })

	req.False(before[0].Read)
	req.Nil(before[0].ReadBy)
	after, _ := c.Messages("C1")
	req.Equal([]string{"bob"}, after[0].ReadBy)
}

func TestCache_InvalidateConversations_NotifiesSubscribers(t *testing.T) {
	req := require.New(t)
	c := New(NewMemoryStore())
	changes, release := c.Store().Subscribe(contract.ConversationsScope)
	defer release()

	c.SetConversations([]domain.Conversation{{ID: "C1"}})
	c.InvalidateConversations()

	req.Equal(contract.Change{Key: ConversationsKey(), Kind: contract.Updated}, <-changes)
	req.Equal(contract.Change{Key: ConversationsKey(), Kind: contract.Invalidated}, <-changes)

	// The stale list stays readable until refetched
	conv, ok := c.Conversation("C1")
	req.True(ok)
	req.Equal("C1", conv.ID)
}

func TestMemoryStore_Release_ClosesChannel(t *testing.T) {
	req := require.New(t)
	store := NewMemoryStore()
	changes, release := store.Subscribe(contract.MessagesScope)

	release()
	release()

	_, open := <-changes
	req.False(open)
	store.Set(MessagesKey("C1"), []domain.Message{})
	req.Len(store.Keys(contract.MessagesScope), 1)
}
