package workers

import (
	"chat-sync/contract"
	"chat-sync/domain/event"
	"chat-sync/observability"
	"context"
	"log/slog"
	"time"
)

// EventDispatcher applies the events of one connection in arrival order.
//
// Each event goes through the permanent sinks first (cache projections,
// presence, typing, search index), then through the observers the registry
// holds for its conversation. Sinks run one after the other on this
// goroutine: two events are never applied concurrently.
//
// A failing or slow sink is logged and skipped; the stream never stops.
type EventDispatcher struct {
	log         *slog.Logger
	events      <-chan event.Event
	registry    contract.IRegistry
	metrics     *observability.Metrics
	sinkTimeout time.Duration
	sinks       []contract.EventSink
}

var _ contract.Worker = (*EventDispatcher)(nil)

func NewEventDispatcher(log *slog.Logger, events <-chan event.Event, registry contract.IRegistry,
	metrics *observability.Metrics, sinkTimeout time.Duration) *EventDispatcher {
	return &EventDispatcher{
		log:         log,
		events:      events,
		registry:    registry,
		metrics:     metrics,
		sinkTimeout: sinkTimeout,
	}
}

// Add registers permanent sinks. Order matters: sinks see events in the order added.
func (w *EventDispatcher) Add(sinks ...contract.EventSink) *EventDispatcher {
	w.sinks = append(w.sinks, sinks...)
	return w
}

func (w *EventDispatcher) Run(ctx context.Context) error {
	for {
		select {
		case evt, ok := <-w.events:
			if !ok {
				w.log.Debug("Event stream closed")
				return nil
			}
			w.Dispatch(ctx, evt)
		case <-ctx.Done():
			w.log.Debug("Context done, stopping event dispatch")
			return nil
		}
	}
}

// Dispatch applies one event to every sink, permanent sinks first.
func (w *EventDispatcher) Dispatch(ctx context.Context, evt event.Event) {
	if evt.Type != event.SessionStartedType && evt.Type != event.SessionLostType {
		w.metrics.EventReceived(string(evt.Type))
	}
	for _, sink := range w.sinks {
		w.consume(ctx, sink, evt)
	}
	if w.registry == nil {
		return
	}
	if conversationID, ok := evt.ConversationID(); ok {
		for _, sink := range w.registry.GetSinksForConversation(conversationID) {
			w.consume(ctx, sink, evt)
		}
	}
}

func (w *EventDispatcher) consume(ctx context.Context, sink contract.EventSink, evt event.Event) {
	sinkCtx := ctx
	if w.sinkTimeout > 0 {
		var cancel context.CancelFunc
		sinkCtx, cancel = context.WithTimeout(ctx, w.sinkTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("Sink panicked", "type", evt.Type, "panic", r)
		}
	}()
	if err := sink.Consume(sinkCtx, evt); err != nil {
		w.log.Warn("Sink failed", "type", evt.Type, "error", err)
	}
}
