package runtime

import (
	"chat-sync/cache"
	"chat-sync/domain"
	"chat-sync/domain/event"
	"chat-sync/errors"
	"chat-sync/mocks"
	"chat-sync/observability"
	"chat-sync/presence"
	"chat-sync/repositories"
	"chat-sync/runtime/workers"
	"chat-sync/search"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/blugelabs/bluge"
	"github.com/dgraph-io/badger/v4"
	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type sessionFixture struct {
	events  chan event.Event
	rest    *mocks.MockIRestClient
	cache   *cache.Cache
	session *Session
}

func newSessionFixture(t *testing.T) sessionFixture {
	return newSessionFixtureWith(t, SessionOptions{MessageWindow: 20, SinkTimeout: time.Second, RefreshDebounce: 10 * time.Millisecond})
}

func newSessionFixtureWith(t *testing.T, opts SessionOptions) sessionFixture {
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	ctrl := gomock.NewController(t)
	events := make(chan event.Event, 16)
	var stream <-chan event.Event = events

	conn := mocks.NewMockIConnection(ctrl)
	conn.EXPECT().Events().Return(stream).AnyTimes()
	conn.EXPECT().UserID().Return("alice").AnyTimes()
	rest := mocks.NewMockIRestClient(ctrl)
	c := cache.New(cache.NewMemoryStore())

	session := NewSession(log, conn, c, presence.NewTracker(),
		presence.NewTypingTracker(nil, time.Minute, nil), rest, NewRegistry(),
		workers.NewSupervisor(log, 10*time.Millisecond), observability.NewMetrics(), opts)
	return sessionFixture{events: events, rest: rest, cache: c, session: session}
}

func message(id, content string, offset time.Duration) domain.Message {
	return domain.Message{ID: id, ConversationID: "C1", SenderID: "bob", Content: content,
		Type: domain.TextMessage, CreatedAt: t0.Add(offset), State: domain.Confirmed}
}

type recordingSink struct {
	mu     sync.Mutex
	events []event.Type
}

func (s *recordingSink) Consume(ctx context.Context, e event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e.Type)
	return nil
}

func (s *recordingSink) seen() []event.Type {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]event.Type{}, s.events...)
}

func TestSession_Reconnect_Resyncs_Watched_Conversation(t *testing.T) {
	req := require.New(t)
	f := newSessionFixture(t)
	ctx := context.Background()

	// Given a watched conversation with one message
	f.rest.EXPECT().GetConversation(gomock.Any(), "C1", 20, nil).
		Return(domain.Conversation{ID: "C1"}, []domain.Message{message("M1", "hello", 0)}, nil).Times(1)
	req.NoError(f.session.Watch(ctx, "C1"))
	req.NoError(f.session.Start(ctx))
	defer f.session.Stop()

	// When the connection comes back after missing M2
	f.rest.EXPECT().ListConversations(gomock.Any()).
		Return([]domain.Conversation{{ID: "C1", UnreadCount: 1}}, nil).MinTimes(1)
	f.rest.EXPECT().GetConversation(gomock.Any(), "C1", 20, nil).
		Return(domain.Conversation{ID: "C1"}, []domain.Message{message("M1", "hello", 0), message("M2", "missed", time.Second)}, nil).Times(1)
	f.events <- event.Event{Type: event.SessionStartedType, CreatedAt: t0, Payload: event.SessionStarted{UserID: "alice", Reconnect: true}}

	// Then the gap is filled and the list refreshed
	req.Eventually(func() bool {
		list, _ := f.cache.Messages("C1")
		return len(list) == 2
	}, time.Second, 5*time.Millisecond)
	req.Eventually(func() bool {
		conversation, ok := f.cache.Conversation("C1")
		return ok && conversation.UnreadCount == 1
	}, time.Second, 5*time.Millisecond)
}

func TestSession_SlowResync_OutlastsSinkTimeout(t *testing.T) {
	req := require.New(t)
	f := newSessionFixtureWith(t, SessionOptions{MessageWindow: 20, SinkTimeout: 20 * time.Millisecond,
		RefreshDebounce: 10 * time.Millisecond, ResyncTimeout: time.Second})
	ctx := context.Background()
	f.rest.EXPECT().GetConversation(gomock.Any(), "C1", 20, nil).
		Return(domain.Conversation{ID: "C1"}, []domain.Message{message("M1", "hello", 0)}, nil).Times(1)
	req.NoError(f.session.Watch(ctx, "C1"))
	req.NoError(f.session.Start(ctx))
	defer f.session.Stop()

	// Given a REST API slower than the sink deadline
	f.rest.EXPECT().ListConversations(gomock.Any()).Return(nil, nil).AnyTimes()
	f.rest.EXPECT().GetConversation(gomock.Any(), "C1", 20, nil).
		DoAndReturn(func(ctx context.Context, _ string, _ int, _ *time.Time) (domain.Conversation, []domain.Message, error) {
			select {
			case <-time.After(100 * time.Millisecond):
			case <-ctx.Done():
				return domain.Conversation{}, nil, ctx.Err()
			}
			return domain.Conversation{ID: "C1"}, []domain.Message{message("M1", "hello", 0), message("M2", "missed", time.Second)}, nil
		}).Times(1)

	// When the connection comes back
	f.events <- event.Event{Type: event.SessionStartedType, CreatedAt: t0, Payload: event.SessionStarted{UserID: "alice", Reconnect: true}}

	// Then the reload still completes
	req.Eventually(func() bool {
		list, _ := f.cache.Messages("C1")
		return len(list) == 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSession_FailedResync_IsRetried(t *testing.T) {
	req := require.New(t)
	f := newSessionFixtureWith(t, SessionOptions{MessageWindow: 20, SinkTimeout: time.Second,
		RefreshDebounce: 10 * time.Millisecond, ResyncRetryInterval: 10 * time.Millisecond})
	ctx := context.Background()
	f.rest.EXPECT().GetConversation(gomock.Any(), "C1", 20, nil).
		Return(domain.Conversation{ID: "C1"}, []domain.Message{message("M1", "hello", 0)}, nil).Times(1)
	req.NoError(f.session.Watch(ctx, "C1"))
	req.NoError(f.session.Start(ctx))
	defer f.session.Stop()

	// Given the first reload after reconnect fails
	f.rest.EXPECT().ListConversations(gomock.Any()).Return(nil, nil).AnyTimes()
	f.rest.EXPECT().GetConversation(gomock.Any(), "C1", 20, nil).
		Return(domain.Conversation{}, nil, errors.ErrRestFailure).Times(1)
	f.rest.EXPECT().GetConversation(gomock.Any(), "C1", 20, nil).
		Return(domain.Conversation{ID: "C1"}, []domain.Message{message("M1", "hello", 0), message("M2", "missed", time.Second)}, nil).Times(1)

	// When the connection comes back
	f.events <- event.Event{Type: event.SessionStartedType, CreatedAt: t0, Payload: event.SessionStarted{UserID: "alice", Reconnect: true}}

	// Then the window is reloaded by a later attempt
	req.Eventually(func() bool {
		list, _ := f.cache.Messages("C1")
		return len(list) == 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSession_Observers_Receive_Conversation_Events(t *testing.T) {
	req := require.New(t)
	f := newSessionFixture(t)
	ctx := context.Background()
	f.rest.EXPECT().ListConversations(gomock.Any()).Return(nil, nil).AnyTimes()
	f.cache.SetMessages("C1", nil)

	observer := &recordingSink{}
	other := &recordingSink{}
	f.session.Subscribe("ui", "C1", observer)
	f.session.Subscribe("ui", "C2", other)
	req.NoError(f.session.Start(ctx))
	defer f.session.Stop()

	f.events <- event.Event{Type: event.NewMessageType, CreatedAt: t0, Payload: event.NewMessage{Message: message("M1", "hi", 0)}}

	req.Eventually(func() bool { return len(observer.seen()) == 1 }, time.Second, 5*time.Millisecond)
	req.Equal([]event.Type{event.NewMessageType}, observer.seen())
	req.Empty(other.seen())
	list, _ := f.cache.Messages("C1")
	req.Len(list, 1)

	// When the observer leaves, it stops receiving
	f.session.Unsubscribe("ui", "C1")
	f.events <- event.Event{Type: event.MessageDeletedType, CreatedAt: t0, Payload: event.MessageDeleted{MessageID: "M1", ConversationID: "C1"}}
	req.Eventually(func() bool {
		list, _ := f.cache.Messages("C1")
		return list[0].IsDeleted
	}, time.Second, 5*time.Millisecond)
	req.Len(observer.seen(), 1)
}

func TestSession_Search_FallsBackToLocalIndex(t *testing.T) {
	req := require.New(t)
	f := newSessionFixture(t)
	writer, err := bluge.OpenWriter(bluge.DefaultConfig(t.TempDir()))
	req.NoError(err)
	defer writer.Close()
	index := search.NewIndex(logs.GetLoggerFromLevel(slog.LevelDebug), writer)
	f.session.WithIndex(index)
	req.NoError(index.IndexMessages([]domain.Message{message("M1", "quarterly report", 0)}))

	// Given the API is unreachable
	f.rest.EXPECT().SearchMessages(gomock.Any(), "C1", "report").
		Return(nil, fmt.Errorf("%w: dial tcp: connection refused", errors.ErrRestFailure)).Times(1)

	found, err := f.session.SearchMessages(context.Background(), "C1", "report")

	req.NoError(err)
	req.Len(found, 1)
	req.Equal("M1", found[0].ID)
}

func TestSession_Watch_RequiresConversation(t *testing.T) {
	req := require.New(t)
	f := newSessionFixture(t)

	req.ErrorIs(f.session.Watch(context.Background(), ""), errors.ErrMissingConversation)
}

func TestSession_Watch_FailedLoad_KeepsCachedWindow(t *testing.T) {
	req := require.New(t)
	f := newSessionFixture(t)
	f.cache.SetMessages("C1", []domain.Message{message("M1", "cached", 0)})
	f.rest.EXPECT().GetConversation(gomock.Any(), "C1", 20, nil).
		Return(domain.Conversation{}, nil, errors.ErrRestFailure).Times(1)

	err := f.session.Watch(context.Background(), "C1")

	req.ErrorIs(err, errors.ErrRestFailure)
	req.Equal("C1", f.session.Watched())
	list, _ := f.cache.Messages("C1")
	req.Len(list, 1)
}

func TestSession_WarmStart_FromSnapshot(t *testing.T) {
	req := require.New(t)
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLoggingLevel(badger.ERROR))
	req.NoError(err)
	defer db.Close()
	repository := repositories.NewSnapshotRepository(db, log, 20)
	req.NoError(repository.SaveMessages("C1", []domain.Message{message("M1", "from disk", 0)}))

	f := newSessionFixture(t)
	f.rest.EXPECT().ListConversations(gomock.Any()).Return(nil, nil).AnyTimes()
	f.session.WithSnapshot(workers.NewSnapshotWorker(log, f.cache, repository, time.Hour))

	req.NoError(f.session.Start(context.Background()))
	list, ok := f.cache.Messages("C1")
	f.session.Stop()

	req.True(ok)
	req.Len(list, 1)
	req.Equal("from disk", list[0].Content)
}

func TestSession_CreateConversation_InvalidatesList(t *testing.T) {
	req := require.New(t)
	f := newSessionFixture(t)
	f.rest.EXPECT().CreateConversation(gomock.Any(), "team", []string{"bob", "carol"}).
		Return(domain.Conversation{ID: "C3", Name: "team", IsGroup: true}, nil).Times(1)
	changes, release := f.cache.Store().Subscribe(cache.ConversationsKey().Scope)
	defer release()

	conversation, err := f.session.CreateConversation(context.Background(), "team", []string{"bob", "carol"})

	req.NoError(err)
	req.Equal("C3", conversation.ID)
	select {
	case change := <-changes:
		req.Equal(cache.ConversationsKey(), change.Key)
	case <-time.After(time.Second):
		req.Fail("conversation list was not invalidated")
	}
}

func TestSession_UnreadCount(t *testing.T) {
	req := require.New(t)
	f := newSessionFixture(t)
	f.rest.EXPECT().UnreadCount(gomock.Any()).Return(7, nil).Times(1)

	total, err := f.session.UnreadCount(context.Background())

	req.NoError(err)
	req.Equal(7, total)
}
