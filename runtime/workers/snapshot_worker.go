package workers

import (
	"chat-sync/cache"
	"chat-sync/contract"
	"chat-sync/repositories"
	"context"
	stderrors "errors"
	"log/slog"
	"time"
)

const defaultSnapshotInterval = 30 * time.Second

// SnapshotWorker copies the cache to disk every interval and once more on shutdown.
type SnapshotWorker struct {
	log        *slog.Logger
	cache      *cache.Cache
	repository repositories.ISnapshotRepository
	interval   time.Duration
}

var _ contract.Worker = (*SnapshotWorker)(nil)

func NewSnapshotWorker(log *slog.Logger, c *cache.Cache, repository repositories.ISnapshotRepository,
	interval time.Duration) *SnapshotWorker {
	if interval <= 0 {
		interval = defaultSnapshotInterval
	}
	return &SnapshotWorker{log: log, cache: c, repository: repository, interval: interval}
}

func (w *SnapshotWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := w.Save(); err != nil {
				w.log.Error("Final snapshot failed", "error", err)
			}
			w.log.Debug("Context done, stopping snapshot worker")
			return nil
		case <-ticker.C:
			if err := w.Save(); err != nil {
				w.log.Warn("Snapshot failed", "error", err)
			}
		}
	}
}

// Save writes the conversation list and every loaded message window.
func (w *SnapshotWorker) Save() error {
	var errs []error
	if conversations, ok := w.cache.Conversations(); ok {
		errs = append(errs, w.repository.SaveConversations(conversations))
	}
	windows := w.cache.LoadedConversations()
	for _, conversationID := range windows {
		messages, ok := w.cache.Messages(conversationID)
		if !ok {
			continue
		}
		errs = append(errs, w.repository.SaveMessages(conversationID, messages))
	}
	if err := stderrors.Join(errs...); err != nil {
		return err
	}
	w.log.Debug("Snapshot saved", "windows", len(windows))
	return nil
}

// Restore seeds an empty cache from disk. Restored conversations are marked
// stale right away so the refresher replaces them with the server's list.
func (w *SnapshotWorker) Restore() error {
	conversations, err := w.repository.LoadConversations()
	if err != nil {
		return err
	}
	if len(conversations) > 0 {
		w.cache.SetConversations(conversations)
		w.cache.InvalidateConversations()
	}
	ids, err := w.repository.ConversationIDs()
	if err != nil {
		return err
	}
	for _, conversationID := range ids {
		messages, err := w.repository.LoadMessages(conversationID)
		if err != nil {
			return err
		}
		w.cache.SetMessages(conversationID, messages)
	}
	w.log.Info("Snapshot restored", "conversations", len(conversations), "windows", len(ids))
	return nil
}
