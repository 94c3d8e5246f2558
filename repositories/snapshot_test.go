package repositories

import (
	"chat-sync/domain"
	"log/slog"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
)

var at = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func openSnapshot(t *testing.T, limit int) SnapshotRepository {
	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLoggingLevel(badger.ERROR))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewSnapshotRepository(db, logs.GetLoggerFromLevel(slog.LevelDebug), limit)
}

func confirmed(id, conversationID string, offset time.Duration) domain.Message {
	return domain.Message{
		ID:             id,
		ConversationID: conversationID,
		SenderID:       "alice",
		Content:        "content " + id,
		Type:           domain.TextMessage,
		CreatedAt:      at.Add(offset),
		State:          domain.Confirmed,
	}
}

func Test_Snapshot_Messages_Keep_Chronological_Order(t *testing.T) {
	req := require.New(t)
	repository := openSnapshot(t, 0)
	messages := []domain.Message{
		confirmed("M1", "C1", 0),
		confirmed("M2", "C1", time.Minute),
		confirmed("M3", "C1", 2*time.Minute),
	}

	req.NoError(repository.SaveMessages("C1", messages))
	loaded, err := repository.LoadMessages("C1")

	req.NoError(err)
	req.Equal(messages, loaded)
}

func Test_Snapshot_Skips_Optimistic_Records(t *testing.T) {
	req := require.New(t)
	repository := openSnapshot(t, 0)
	pending := domain.NewOptimisticMessage("tmp-1", "C1", "alice", "hi", domain.TextMessage, at.Add(time.Minute))

	req.NoError(repository.SaveMessages("C1", []domain.Message{confirmed("M1", "C1", 0), pending}))
	loaded, err := repository.LoadMessages("C1")

	req.NoError(err)
	req.Len(loaded, 1)
	req.Equal("M1", loaded[0].ID)
}

func Test_Snapshot_Keeps_Newest_Window(t *testing.T) {
	req := require.New(t)
	repository := openSnapshot(t, 2)

	req.NoError(repository.SaveMessages("C1", []domain.Message{
		confirmed("M1", "C1", 0),
		confirmed("M2", "C1", time.Minute),
		confirmed("M3", "C1", 2*time.Minute),
	}))
	loaded, err := repository.LoadMessages("C1")

	req.NoError(err)
	req.Len(loaded, 2)
	req.Equal("M2", loaded[0].ID)
	req.Equal("M3", loaded[1].ID)
}

func Test_Snapshot_Save_Replaces_Window(t *testing.T) {
	req := require.New(t)
	repository := openSnapshot(t, 0)
	req.NoError(repository.SaveMessages("C1", []domain.Message{confirmed("M1", "C1", 0), confirmed("M2", "C1", time.Minute)}))
	req.NoError(repository.SaveMessages("C10", []domain.Message{confirmed("X1", "C10", 0)}))

	// When the window of C1 is saved again without M1
	req.NoError(repository.SaveMessages("C1", []domain.Message{confirmed("M2", "C1", time.Minute)}))

	// Then M1 is gone and the neighbouring conversation is untouched
	loaded, err := repository.LoadMessages("C1")
	req.NoError(err)
	req.Len(loaded, 1)
	req.Equal("M2", loaded[0].ID)
	other, err := repository.LoadMessages("C10")
	req.NoError(err)
	req.Len(other, 1)

	ids, err := repository.ConversationIDs()
	req.NoError(err)
	req.ElementsMatch([]string{"C1", "C10"}, ids)
}

func Test_Snapshot_Conversations(t *testing.T) {
	req := require.New(t)
	repository := openSnapshot(t, 0)
	first := []domain.Conversation{
		{ID: "C1", Name: "general", IsGroup: true, UnreadCount: 2, CreatedAt: at, UpdatedAt: at},
		{ID: "C2", UnreadCount: 0, CreatedAt: at, UpdatedAt: at},
	}
	req.NoError(repository.SaveConversations(first))

	req.NoError(repository.SaveConversations([]domain.Conversation{first[1], {Name: "no id"}}))
	loaded, err := repository.LoadConversations()

	req.NoError(err)
	req.Equal([]domain.Conversation{first[1]}, loaded)
}

func Test_Snapshot_Empty(t *testing.T) {
	req := require.New(t)
	repository := openSnapshot(t, 0)

	messages, err := repository.LoadMessages("C1")
	req.NoError(err)
	req.Empty(messages)
	conversations, err := repository.LoadConversations()
	req.NoError(err)
	req.Empty(conversations)
}

func Test_Snapshot_Windows_Of_Prefixed_Conversation_Ids_Stay_Apart(t *testing.T) {
	req := require.New(t)
	repository := openSnapshot(t, 0)

	// Given a conversation whose id starts with another id followed by ':'
	nested := []domain.Message{confirmed("M9", "c1:x", 0)}
	req.NoError(repository.SaveMessages("c1:x", nested))

	// When the shorter id is saved then loaded
	req.NoError(repository.SaveMessages("c1", []domain.Message{confirmed("M1", "c1", time.Minute)}))
	loaded, err := repository.LoadMessages("c1")

	// Then neither window leaks into the other
	req.NoError(err)
	req.Equal([]string{"M1"}, messageIDs(loaded))
	loaded, err = repository.LoadMessages("c1:x")
	req.NoError(err)
	req.Equal(nested, loaded)
}

func messageIDs(messages []domain.Message) []string {
	ids := make([]string, 0, len(messages))
	for _, m := range messages {
		ids = append(ids, m.ID)
	}
	return ids
}
