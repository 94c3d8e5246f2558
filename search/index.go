// Package search keeps a local full-text index of the messages seen by the client,
// so a conversation stays searchable while the REST API is unreachable.
package search

import (
	"chat-sync/contract"
	"chat-sync/domain"
	"chat-sync/domain/event"
	"chat-sync/errors"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/blugelabs/bluge"
	"github.com/go-playground/validator/v10"
)

const (
	idField             = "_id"
	conversationIDField = "conversation_id"
	senderIDField       = "sender_id"
	contentField        = "content"
	createdAtField      = "created_at"
	sourceField         = "_source"

	DefaultLimit = 20
)

type Query struct {
	ConversationID string `validate:"required"`
	Text           string `validate:"required"`
	Limit          int    `validate:"gte=0"`
}

// Index is also a dispatcher sink: live events keep it in step with the cache.
type Index struct {
	log      *slog.Logger
	writer   *bluge.Writer
	validate *validator.Validate
}

var _ contract.EventSink = (*Index)(nil)

func NewIndex(log *slog.Logger, writer *bluge.Writer) *Index {
	return &Index{log: log, writer: writer, validate: validator.New()}
}

// IndexMessages adds a baseline window in one batch.
// Optimistic and deleted records are left out.
func (x *Index) IndexMessages(messages []domain.Message) error {
	batch := bluge.NewBatch()
	count := 0
	for _, m := range messages {
		if m.ID == "" {
			continue
		}
		if m.IsDeleted {
			batch.Delete(bluge.Identifier(m.ID))
			continue
		}
		doc, err := toDocument(m)
		if err != nil {
			return err
		}
		batch.Update(doc.ID(), doc)
		count++
	}
	if err := x.writer.Batch(batch); err != nil {
		return fmt.Errorf("index batch: %w", err)
	}
	x.log.Debug("Messages indexed", "count", count)
	return nil
}

func (x *Index) Consume(ctx context.Context, e event.Event) error {
	switch p := e.Payload.(type) {
	case event.NewMessage:
		if p.Message.ID == "" {
			return nil
		}
		return x.put(p.Message)
	case event.MessageUpdated:
		current, ok, err := x.get(ctx, p.ID)
		if err != nil || !ok {
			return err
		}
		if !current.ApplyEdit(p.Content, p.IsEdited, p.UpdatedAt) {
			return nil
		}
		return x.put(current)
	case event.MessageDeleted:
		return x.writer.Delete(bluge.Identifier(p.MessageID))
	}
	return nil
}

// Search returns the messages of one conversation matching the text, newest first.
func (x *Index) Search(ctx context.Context, q Query) ([]domain.Message, error) {
	if err := x.validate.Struct(q); err != nil {
		return nil, fmt.Errorf("%w: %w", errors.ErrInvalidPayload, err)
	}
	limit := q.Limit
	if limit == 0 {
		limit = DefaultLimit
	}
	query := bluge.NewBooleanQuery().
		AddMust(bluge.NewTermQuery(q.ConversationID).SetField(conversationIDField)).
		AddMust(bluge.NewMatchQuery(q.Text).SetField(contentField))
	request := bluge.NewTopNSearch(limit, query).SortBy([]string{"-" + createdAtField})
	return x.collect(ctx, request)
}

func (x *Index) put(m domain.Message) error {
	doc, err := toDocument(m)
	if err != nil {
		return err
	}
	return x.writer.Update(doc.ID(), doc)
}

func (x *Index) get(ctx context.Context, messageID string) (domain.Message, bool, error) {
	request := bluge.NewTopNSearch(1, bluge.NewTermQuery(messageID).SetField(idField))
	found, err := x.collect(ctx, request)
	if err != nil || len(found) == 0 {
		return domain.Message{}, false, err
	}
	return found[0], true, nil
}

func (x *Index) collect(ctx context.Context, request bluge.SearchRequest) ([]domain.Message, error) {
	reader, err := x.writer.Reader()
	if err != nil {
		return nil, fmt.Errorf("open index reader: %w", err)
	}
	defer reader.Close()

	iterator, err := reader.Search(ctx, request)
	if err != nil {
		return nil, err
	}
	var messages []domain.Message
	match, err := iterator.Next()
	for err == nil && match != nil {
		var source []byte
		err = match.VisitStoredFields(func(field string, value []byte) bool {
			if field == sourceField {
				source = append([]byte{}, value...)
				return false
			}
			return true
		})
		if err != nil {
			break
		}
		var m domain.Message
		if jsonErr := json.Unmarshal(source, &m); jsonErr != nil {
			x.log.Warn("Skipping unreadable indexed message", "error", jsonErr)
		} else {
			messages = append(messages, m)
		}
		match, err = iterator.Next()
	}
	if err != nil {
		return nil, err
	}
	return messages, nil
}

func toDocument(m domain.Message) (*bluge.Document, error) {
	source, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return bluge.NewDocument(m.ID).
		AddField(bluge.NewKeywordField(conversationIDField, m.ConversationID)).
		AddField(bluge.NewKeywordField(senderIDField, m.SenderID)).
		AddField(bluge.NewTextField(contentField, m.Content)).
		AddField(bluge.NewDateTimeField(createdAtField, m.CreatedAt).Sortable()).
		AddField(bluge.NewStoredOnlyField(sourceField, source)), nil
}
