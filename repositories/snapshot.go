//go:generate go run go.uber.org/mock/mockgen -source=snapshot.go -destination=../mocks/mock_snapshot_repository.go -package=mocks
package repositories

import (
	"chat-sync/domain"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/samber/lo"
)

const (
	conversationPrefix = "conv:"
	messagePrefix      = "msg:"
	windowPrefix       = "win:"
)

type ISnapshotRepository interface {
	SaveConversations(conversations []domain.Conversation) error
	LoadConversations() ([]domain.Conversation, error)
	SaveMessages(conversationID string, messages []domain.Message) error
	LoadMessages(conversationID string) ([]domain.Message, error)
	ConversationIDs() ([]string, error)
}

// SnapshotRepository keeps a warm-start copy of the cache in BadgerDB.
// Only authoritative records are written: optimistic sends never survive a restart.
type SnapshotRepository struct {
	db    *badger.DB
	log   *slog.Logger
	limit int
}

func NewSnapshotRepository(db *badger.DB, log *slog.Logger, limit int) SnapshotRepository {
	return SnapshotRepository{db: db, log: log, limit: limit}
}

func conversationKey(id string) []byte {
	return []byte(conversationPrefix + id)
}

func windowKey(conversationID string) []byte {
	return []byte(windowPrefix + conversationID)
}

// windowPrefixOf escapes the conversation id so "c1" never prefixes the window of "c1:x".
func windowPrefixOf(conversationID string) []byte {
	return []byte(fmt.Sprintf("%s%s:", messagePrefix, url.QueryEscape(conversationID)))
}

// messageKey is formatted as "msg:{escaped conversation}:{timestamp_padded}:{id}".
// The 19-digit padding keeps lexicographical order chronological.
func messageKey(m domain.Message) []byte {
	return []byte(fmt.Sprintf("%s%s:%019d:%s",
		messagePrefix,
		url.QueryEscape(m.ConversationID),
		m.CreatedAt.UnixNano(),
		m.ID,
	))
}

// SaveConversations replaces every stored conversation summary.
func (r SnapshotRepository) SaveConversations(conversations []domain.Conversation) error {
	return r.db.Update(func(txn *badger.Txn) error {
		if err := deletePrefix(txn, []byte(conversationPrefix)); err != nil {
			return err
		}
		for _, c := range conversations {
			if c.ID == "" {
				continue
			}
			bytes, err := json.Marshal(c)
			if err != nil {
				return err
			}
			if err := txn.Set(conversationKey(c.ID), bytes); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r SnapshotRepository) LoadConversations() ([]domain.Conversation, error) {
	var conversations []domain.Conversation
	err := r.db.View(func(txn *badger.Txn) error {
		return scan(txn, []byte(conversationPrefix), false, 0, func(key, value []byte) error {
			var c domain.Conversation
			if err := json.Unmarshal(value, &c); err != nil {
				r.log.Warn("Skipping unreadable conversation", "key", string(key), "error", err)
				return nil
			}
			conversations = append(conversations, c)
			return nil
		})
	})
	return conversations, err
}

// SaveMessages replaces the stored window of a conversation.
// Records without a server id are skipped and at most limit of the newest are kept.
func (r SnapshotRepository) SaveMessages(conversationID string, messages []domain.Message) error {
	confirmed := lo.Filter(messages, func(m domain.Message, _ int) bool {
		return m.ID != ""
	})
	if r.limit > 0 && len(confirmed) > r.limit {
		confirmed = confirmed[len(confirmed)-r.limit:]
	}
	return r.db.Update(func(txn *badger.Txn) error {
		if err := deletePrefix(txn, windowPrefixOf(conversationID)); err != nil {
			return err
		}
		for _, m := range confirmed {
			m.ConversationID = conversationID
			bytes, err := json.Marshal(m)
			if err != nil {
				return err
			}
			if err := txn.Set(messageKey(m), bytes); err != nil {
				return err
			}
		}
		return txn.Set(windowKey(conversationID), []byte(fmt.Sprintf("%d", len(confirmed))))
	})
}

// LoadMessages walks the window backwards from the newest key, then restores chronological order.
func (r SnapshotRepository) LoadMessages(conversationID string) ([]domain.Message, error) {
	var messages []domain.Message
	err := r.db.View(func(txn *badger.Txn) error {
		return scan(txn, windowPrefixOf(conversationID), true, r.limit, func(key, value []byte) error {
			var m domain.Message
			if err := json.Unmarshal(value, &m); err != nil {
				r.log.Warn("Skipping unreadable message", "key", string(key), "error", err)
				return nil
			}
			messages = append(messages, m)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	slices.Reverse(messages)
	return messages, nil
}

// ConversationIDs lists conversations that have a stored window, even an empty one.
func (r SnapshotRepository) ConversationIDs() ([]string, error) {
	var ids []string
	err := r.db.View(func(txn *badger.Txn) error {
		return scan(txn, []byte(windowPrefix), false, 0, func(key, _ []byte) error {
			ids = append(ids, strings.TrimPrefix(string(key), windowPrefix))
			return nil
		})
	})
	return ids, err
}

func scan(txn *badger.Txn, prefix []byte, reverse bool, limit int, fn func(key, value []byte) error) error {
	options := badger.DefaultIteratorOptions
	options.Reverse = reverse
	options.Prefix = prefix
	it := txn.NewIterator(options)
	defer it.Close()

	// Reverse iteration starts past the last key of the prefix.
	seek := prefix
	if reverse {
		seek = append(append([]byte{}, prefix...), 0xFF)
	}
	count := 0
	for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
		if limit > 0 && count >= limit {
			break
		}
		item := it.Item()
		key := item.KeyCopy(nil)
		err := item.Value(func(v []byte) error {
			return fn(key, v)
		})
		if err != nil {
			return err
		}
		count++
	}
	return nil
}

func deletePrefix(txn *badger.Txn, prefix []byte) error {
	options := badger.DefaultIteratorOptions
	options.PrefetchValues = false
	options.Prefix = prefix
	it := txn.NewIterator(options)
	var keys [][]byte
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	it.Close()
	for _, k := range keys {
		if err := txn.Delete(k); err != nil {
			return err
		}
	}
	return nil
}
