// Package runtime wires the connection, the cache and the trackers into one client session.
// It orchestrates the system without containing merge rules or wire details.
package runtime

import (
	"chat-sync/cache"
	"chat-sync/contract"
	"chat-sync/domain"
	"chat-sync/domain/event"
	"chat-sync/errors"
	"chat-sync/observability"
	"chat-sync/presence"
	"chat-sync/projection"
	"chat-sync/runtime/workers"
	"chat-sync/search"
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultMessageWindow       = 50
	DefaultResyncTimeout       = 30 * time.Second
	DefaultResyncRetryInterval = time.Second
)

type SessionOptions struct {
	MessageWindow   int
	SinkTimeout     time.Duration
	RefreshDebounce time.Duration
	// SampleInterval paces the event buffer gauge.
	SampleInterval time.Duration
	// ResyncTimeout bounds one resync attempt. It must outlast the REST retry budget.
	ResyncTimeout time.Duration
	// ResyncRetryInterval is the first delay before a failed resync is tried again.
	ResyncRetryInterval time.Duration
}

type Session struct {
	mu         sync.Mutex
	log        *slog.Logger
	conn       contract.IConnection
	cache      *cache.Cache
	tracker    *presence.Tracker
	typing     *presence.TypingTracker
	rest       contract.IRestClient
	registry   *Registry
	supervisor contract.ISupervisor
	metrics    *observability.Metrics
	refresher  *workers.ConversationRefresher
	index      *search.Index
	snapshot   *workers.SnapshotWorker
	opts       SessionOptions
	watched    string
	runCtx     context.Context
	cancel     context.CancelFunc
	stopRetry  context.CancelFunc
	retries    sync.WaitGroup
	done       chan struct{}
}

func NewSession(log *slog.Logger, conn contract.IConnection, c *cache.Cache,
	tracker *presence.Tracker, typing *presence.TypingTracker, rest contract.IRestClient,
	registry *Registry, supervisor contract.ISupervisor, metrics *observability.Metrics,
	opts SessionOptions) *Session {
	if opts.MessageWindow <= 0 {
		opts.MessageWindow = DefaultMessageWindow
	}
	if opts.ResyncTimeout <= 0 {
		opts.ResyncTimeout = DefaultResyncTimeout
	}
	if opts.ResyncRetryInterval <= 0 {
		opts.ResyncRetryInterval = DefaultResyncRetryInterval
	}
	return &Session{
		log:        log,
		conn:       conn,
		cache:      c,
		tracker:    tracker,
		typing:     typing,
		rest:       rest,
		registry:   registry,
		supervisor: supervisor,
		metrics:    metrics,
		refresher:  workers.NewConversationRefresher(log, c, rest, opts.RefreshDebounce),
		opts:       opts,
	}
}

// WithIndex enables local search. The index follows live events and baseline loads.
func (s *Session) WithIndex(index *search.Index) *Session {
	s.index = index
	return s
}

// WithSnapshot enables warm start from disk and periodic saves.
func (s *Session) WithSnapshot(snapshot *workers.SnapshotWorker) *Session {
	s.snapshot = snapshot
	return s
}

// Start restores the snapshot if any, then runs the event dispatcher,
// the conversation refresher and the snapshot worker until ctx is done or Stop is called.
// A sessionStarted event, first or after reconnect, triggers Resync.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("session already started")
	}
	s.done = make(chan struct{})
	runCtx, cancel := context.WithCancel(ctx)
	s.runCtx, s.cancel = runCtx, cancel
	s.mu.Unlock()

	if s.snapshot != nil {
		if err := s.snapshot.Restore(); err != nil {
			s.log.Warn("Snapshot restore failed, starting cold", "error", err)
		}
	}

	events := s.conn.Events()
	dispatcher := workers.NewEventDispatcher(s.log, events, s.registry, s.metrics, s.opts.SinkTimeout).
		Add(projection.NewTimeline(s.log, s.cache, s.metrics),
			projection.NewConversations(s.log, s.cache),
			projection.NewPresence(s.log, s.tracker),
			projection.NewTyping(s.log, s.typing, s.conn.UserID))
	if s.index != nil {
		dispatcher.Add(s.index)
	}
	dispatcher.Add(&lifecycle{session: s})

	s.supervisor.Add(dispatcher, s.refresher, workers.NewChannelCapacityWorker(s.log,
		[]workers.NamedChannel{{Name: "events", Channel: events}}, s.metrics, s.opts.SampleInterval))
	if s.snapshot != nil {
		s.supervisor.Add(s.snapshot)
	}
	go func() {
		defer close(s.done)
		s.supervisor.Run(runCtx)
	}()
	s.log.Info("Session started", "user_id", s.conn.UserID())
	return nil
}

// Stop cancels every worker, waits for them and releases typing timers.
func (s *Session) Stop() {
	s.mu.Lock()
	done, cancel := s.done, s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.supervisor.Stop()
	if done != nil {
		<-done
	}
	s.retries.Wait()
	s.typing.Close()
	s.log.Info("Session stopped")
}

// Watch makes a conversation the visible one: typing indicators are scoped to it
// and its newest window is loaded over REST. A failed load keeps any cached window.
func (s *Session) Watch(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return errors.ErrMissingConversation
	}
	s.mu.Lock()
	s.watched = conversationID
	s.mu.Unlock()
	s.typing.Watch(conversationID)
	return s.loadWindow(ctx, conversationID)
}

func (s *Session) Watched() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watched
}

// Resync refetches the conversation list and the watched window.
// Events missed while disconnected are recovered this way.
func (s *Session) Resync(ctx context.Context) error {
	var errs []error
	if err := s.refresher.Refresh(ctx); err != nil {
		errs = append(errs, err)
	}
	if watched := s.Watched(); watched != "" {
		if err := s.loadWindow(ctx, watched); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

func (s *Session) Subscribe(observerID, conversationID string, sink contract.EventSink) {
	s.registry.Subscribe(observerID, conversationID, sink)
}

func (s *Session) Unsubscribe(observerID, conversationID string) {
	s.registry.Unsubscribe(observerID, conversationID)
}

// SearchMessages asks the server first and falls back to the local index.
func (s *Session) SearchMessages(ctx context.Context, conversationID, query string) ([]domain.Message, error) {
	found, err := s.rest.SearchMessages(ctx, conversationID, query)
	if err == nil || s.index == nil || stderrors.Is(err, errors.ErrMissingConversation) {
		return found, err
	}
	s.log.Info("Remote search failed, using local index", "conversation_id", conversationID, "error", err)
	return s.index.Search(ctx, search.Query{ConversationID: conversationID, Text: query})
}

// CreateConversation creates a group over REST and invalidates the list.
func (s *Session) CreateConversation(ctx context.Context, name string, participantIDs []string) (domain.Conversation, error) {
	conversation, err := s.rest.CreateConversation(ctx, name, participantIDs)
	if err != nil {
		return domain.Conversation{}, err
	}
	s.cache.InvalidateConversations()
	return conversation, nil
}

// UnreadCount asks the server for the unread total across conversations.
func (s *Session) UnreadCount(ctx context.Context) (int, error) {
	return s.rest.UnreadCount(ctx)
}

func (s *Session) loadWindow(ctx context.Context, conversationID string) error {
	_, messages, err := s.rest.GetConversation(ctx, conversationID, s.opts.MessageWindow, nil)
	if err != nil {
		return fmt.Errorf("load conversation %s: %w", conversationID, err)
	}
	s.cache.SetMessages(conversationID, messages)
	if s.index != nil {
		if err := s.index.IndexMessages(messages); err != nil {
			s.log.Warn("Indexing baseline failed", "conversation_id", conversationID, "error", err)
		}
	}
	s.log.Debug("Conversation window loaded", "conversation_id", conversationID, "count", len(messages))
	return nil
}

// resyncAfterStart reloads on the calling dispatcher goroutine, so events queued
// meanwhile land on the new baseline. The attempt is bounded by ResyncTimeout
// instead of the sink deadline. A failed attempt keeps being retried in the
// background until it succeeds, the session stops or the next session starts.
func (s *Session) resyncAfterStart() error {
	s.mu.Lock()
	runCtx := s.runCtx
	if s.stopRetry != nil {
		s.stopRetry()
		s.stopRetry = nil
	}
	s.mu.Unlock()
	if runCtx == nil {
		return fmt.Errorf("session not started")
	}

	ctx, cancel := context.WithTimeout(runCtx, s.opts.ResyncTimeout)
	err := s.Resync(ctx)
	cancel()
	if err == nil || runCtx.Err() != nil {
		return err
	}

	retryCtx, stop := context.WithCancel(runCtx)
	s.mu.Lock()
	s.stopRetry = stop
	s.mu.Unlock()
	s.retries.Add(1)
	go func() {
		defer s.retries.Done()
		defer stop()
		s.retryResync(retryCtx)
	}()
	return err
}

func (s *Session) retryResync(ctx context.Context) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.ResyncRetryInterval
	b.MaxElapsedTime = 0

	operation := func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, s.opts.ResyncTimeout)
		defer cancel()
		return s.Resync(attemptCtx)
	}
	notify := func(err error, next time.Duration) {
		s.log.Warn("Resync failed, retrying", "error", err, "next_attempt", next)
	}
	if err := backoff.RetryNotify(operation, backoff.WithContext(b, ctx), notify); err != nil {
		s.log.Debug("Resync retries stopped", "error", err)
		return
	}
	s.log.Info("Resync recovered")
}

// lifecycle reacts to session events on the dispatcher goroutine.
type lifecycle struct {
	session *Session
}

func (l *lifecycle) Consume(_ context.Context, e event.Event) error {
	started, ok := e.Payload.(event.SessionStarted)
	if !ok {
		return nil
	}
	if started.Reconnect {
		l.session.log.Info("Reconnected, resyncing", "user_id", started.UserID)
	}
	return l.session.resyncAfterStart()
}
