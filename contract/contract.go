//go:generate go run go.uber.org/mock/mockgen -source=contract.go -destination=../mocks/mock_contract.go -package=mocks
package contract

import (
	"chat-sync/domain"
	"chat-sync/domain/event"
	"context"
	"encoding/json"
	"reflect"
	"time"
)

type ISupervisor interface {
	Add(worker ...Worker) ISupervisor
	Run(ctx context.Context)
	Start(ctx context.Context, worker Worker)
	Stop()
}

type WorkerName string

// Worker doesn't protect itself
// Can be silly, focused
type Worker interface {
	Run(ctx context.Context) error
}

// GetWorkerName uses reflection to retrieve the type name of the worker.
// Used for logging during supervision, so workers don't have to name themselves.
func GetWorkerName(w Worker) string {
	if w == nil {
		return "NilWorker"
	}
	t := reflect.TypeOf(w)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}

// EventSink consumes events in dispatch order.
// An error is logged by the dispatcher and never stops the stream.
type EventSink interface {
	Consume(ctx context.Context, e event.Event) error
}

// IRegistry maps conversations to the observers watching them.
type IRegistry interface {
	GetSinksForConversation(conversationID string) []EventSink
	Subscribe(observerID string, conversationID string, sink EventSink)
	Unsubscribe(observerID string, conversationID string)
}

// IConnection is the connection lifecycle service consumed by the core.
type IConnection interface {
	Connected() bool
	Authenticated() bool
	UserID() string
	Events() <-chan event.Event
	Request(ctx context.Context, command domain.CommandName, payload any) (json.RawMessage, error)
}

type Scope string

const (
	ConversationsScope Scope = "conversations"
	MessagesScope      Scope = "messages"
)

// Key addresses one entry of the cache store.
type Key struct {
	Scope Scope
	ID    string
}

type ChangeKind int

const (
	Updated ChangeKind = iota
	Invalidated
)

// Change notifies a subscriber that an entry moved. Subscribers re-read the store.
type Change struct {
	Key  Key
	Kind ChangeKind
}

// UpdateFunc receives the current value (nil, false when absent) and returns
// the next one. Returning keep=false leaves the entry untouched.
type UpdateFunc func(current any, found bool) (next any, keep bool)

// ICacheStore is the keyed cache store the merge handlers write through.
type ICacheStore interface {
	Get(key Key) (any, bool)
	Set(key Key, value any)
	Update(key Key, fn UpdateFunc) bool
	Invalidate(key Key)
	Keys(scope Scope) []Key
	Subscribe(scope Scope) (<-chan Change, func())
}

// IRestClient is the request/response fallback used for baselines and refetches.
type IRestClient interface {
	ListConversations(ctx context.Context) ([]domain.Conversation, error)
	GetConversation(ctx context.Context, conversationID string, limit int, before *time.Time) (domain.Conversation, []domain.Message, error)
	UnreadCount(ctx context.Context) (int, error)
	SearchMessages(ctx context.Context, conversationID, query string) ([]domain.Message, error)
	CreateConversation(ctx context.Context, name string, participantIDs []string) (domain.Conversation, error)
}
