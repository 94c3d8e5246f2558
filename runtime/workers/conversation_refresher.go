package workers

import (
	"chat-sync/cache"
	"chat-sync/contract"
	"context"
	"fmt"
	"log/slog"
	"time"
)

const defaultRefreshDebounce = 250 * time.Millisecond

// ConversationRefresher refetches the conversation list over REST whenever
// it is invalidated. A burst of invalidations (one per incoming message)
// collapses into a single fetch once the list has been quiet for debounce.
type ConversationRefresher struct {
	log      *slog.Logger
	cache    *cache.Cache
	rest     contract.IRestClient
	debounce time.Duration
}

var _ contract.Worker = (*ConversationRefresher)(nil)

func NewConversationRefresher(log *slog.Logger, c *cache.Cache, rest contract.IRestClient,
	debounce time.Duration) *ConversationRefresher {
	if debounce <= 0 {
		debounce = defaultRefreshDebounce
	}
	return &ConversationRefresher{log: log, cache: c, rest: rest, debounce: debounce}
}

func (w *ConversationRefresher) Run(ctx context.Context) error {
	changes, release := w.cache.Store().Subscribe(contract.ConversationsScope)
	defer release()

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Debug("Context done, stopping conversation refresher")
			return nil
		case change, ok := <-changes:
			if !ok {
				return nil
			}
			if change.Kind != contract.Invalidated {
				continue
			}
			timer.Reset(w.debounce)
		case <-timer.C:
			if err := w.Refresh(ctx); err != nil {
				w.log.Warn("Conversation refresh failed", "error", err)
			}
		}
	}
}

// Refresh replaces the cached conversation list with the server's.
// On failure the stale list stays readable.
func (w *ConversationRefresher) Refresh(ctx context.Context) error {
	conversations, err := w.rest.ListConversations(ctx)
	if err != nil {
		return fmt.Errorf("list conversations: %w", err)
	}
	w.cache.SetConversations(conversations)
	w.log.Debug("Conversations refreshed", "count", len(conversations))
	return nil
}
