package services

import (
	"chat-sync/cache"
	"chat-sync/contract"
	"chat-sync/domain"
	"chat-sync/domain/mimetypes"
	"chat-sync/errors"
	"chat-sync/observability"
	"chat-sync/presence"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// IMessagingService is the command interface exposed to the UI layer.
// Every call returns its typed ack: Success is false exactly when err is not nil.
type IMessagingService interface {
	SendMessage(ctx context.Context, req domain.SendMessageRequest) (domain.SendMessageAck, error)
	SendOptimistic(ctx context.Context, req domain.SendMessageRequest) (domain.Message, domain.SendMessageAck, error)
	Retry(ctx context.Context, conversationID, identifier string) (domain.Message, domain.SendMessageAck, error)
	UpdateMessage(ctx context.Context, messageID, content string) (domain.UpdateMessageAck, error)
	DeleteMessage(ctx context.Context, messageID string) (domain.DeleteMessageAck, error)
	MarkAsRead(ctx context.Context, conversationID, messageID string) (domain.MarkAsReadAck, error)
	SendTyping(ctx context.Context, conversationID string, isTyping bool) (domain.TypingAck, error)
	GetOnlineStatus(ctx context.Context, userIDs []string) (domain.OnlineStatusAck, error)
}

type MessagingService struct {
	log      *slog.Logger
	conn     contract.IConnection
	cache    *cache.Cache
	presence *presence.Tracker
	metrics  *observability.Metrics
	validate *validator.Validate

	typingInterval time.Duration
	mu             sync.Mutex
	typingLimiters map[string]*rate.Limiter
}

var _ IMessagingService = (*MessagingService)(nil)

func NewMessagingService(log *slog.Logger, conn contract.IConnection, c *cache.Cache,
	tracker *presence.Tracker, metrics *observability.Metrics, typingInterval time.Duration) *MessagingService {
	return &MessagingService{
		log:            log,
		conn:           conn,
		cache:          c,
		presence:       tracker,
		metrics:        metrics,
		validate:       validator.New(),
		typingInterval: typingInterval,
		typingLimiters: make(map[string]*rate.Limiter),
	}
}

// SendMessage sends a message without touching optimistic state.
// The authoritative record from the ack is merged like a broadcast would be.
func (s *MessagingService) SendMessage(ctx context.Context, req domain.SendMessageRequest) (domain.SendMessageAck, error) {
	req = inferType(req)
	ack, err := request[domain.SendMessageAck](ctx, s, domain.SendMessageCommand, req)
	if err != nil {
		return domain.SendMessageAck{Error: err.Error()}, err
	}
	if ack.Message != nil {
		s.cache.ApplyNewMessage(authoritative(*ack.Message))
	}
	s.cache.InvalidateConversations()
	return ack, nil
}

// SendOptimistic inserts a pending record, sends it and settles the record
// from the ack: confirmed on success, failed otherwise.
// Sends addressed to a recipient only have no window to insert into.
func (s *MessagingService) SendOptimistic(ctx context.Context, req domain.SendMessageRequest) (domain.Message, domain.SendMessageAck, error) {
	if req.ConversationID == "" {
		ack, err := s.SendMessage(ctx, req)
		return domain.Message{}, ack, err
	}
	req = inferType(req)
	if req.Identifier == "" {
		req.Identifier = uuid.NewString()
	}
	pending := domain.NewOptimisticMessage(req.Identifier, req.ConversationID, s.conn.UserID(),
		req.Content, req.Type, time.Now())
	pending.Attachments = req.Attachments
	pending.ReplyToMessageID = req.ReplyToMessageID
	s.cache.InsertOptimistic(pending)
	return s.settle(ctx, req, pending)
}

// Retry re-issues a failed send with the same correlation identifier.
func (s *MessagingService) Retry(ctx context.Context, conversationID, identifier string) (domain.Message, domain.SendMessageAck, error) {
	pending, err := s.cache.RetryOptimistic(conversationID, identifier, s.conn.UserID())
	if err != nil {
		return domain.Message{}, domain.SendMessageAck{Error: err.Error()}, err
	}
	req := domain.SendMessageRequest{
		ConversationID:   pending.ConversationID,
		Content:          pending.Content,
		Type:             pending.Type,
		Identifier:       pending.Identifier,
		Attachments:      pending.Attachments,
		ReplyToMessageID: pending.ReplyToMessageID,
	}
	return s.settle(ctx, req, pending)
}

func (s *MessagingService) settle(ctx context.Context, req domain.SendMessageRequest,
	pending domain.Message) (domain.Message, domain.SendMessageAck, error) {
	ack, err := request[domain.SendMessageAck](ctx, s, domain.SendMessageCommand, req)
	if err != nil {
		s.cache.FailOptimistic(req.ConversationID, req.Identifier, err.Error())
		pending.Fail(err.Error())
		return pending, domain.SendMessageAck{Error: err.Error()}, err
	}
	s.cache.InvalidateConversations()
	if ack.Message == nil {
		return pending, ack, nil
	}
	confirmed := authoritative(*ack.Message)
	if confirmed.ConversationID == "" {
		confirmed.ConversationID = req.ConversationID
	}
	s.cache.ConfirmOptimistic(req.ConversationID, req.Identifier, confirmed)
	pending.Confirm(confirmed)
	return pending, ack, nil
}

func (s *MessagingService) UpdateMessage(ctx context.Context, messageID, content string) (domain.UpdateMessageAck, error) {
	ack, err := request[domain.UpdateMessageAck](ctx, s, domain.UpdateMessageCommand,
		domain.UpdateMessageRequest{MessageID: messageID, Content: content})
	if err != nil {
		return domain.UpdateMessageAck{Error: err.Error()}, err
	}
	if ack.Message != nil {
		updated := *ack.Message
		s.cache.MutateByID(updated.ID, func(m *domain.Message) bool {
			return m.ApplyEdit(updated.Content, updated.IsEdited, updated.UpdatedAt)
		})
	}
	return ack, nil
}

func (s *MessagingService) DeleteMessage(ctx context.Context, messageID string) (domain.DeleteMessageAck, error) {
	ack, err := request[domain.DeleteMessageAck](ctx, s, domain.DeleteMessageCommand,
		domain.DeleteMessageRequest{MessageID: messageID})
	if err != nil {
		return domain.DeleteMessageAck{Error: err.Error()}, err
	}
	deleted := ack.MessageID
	if deleted == "" {
		deleted = messageID
	}
	s.cache.MutateByID(deleted, func(m *domain.Message) bool { return m.Tombstone() })
	s.cache.InvalidateConversations()
	return ack, nil
}

// MarkAsRead leaves the watermark to the server. Read flags move when the
// messageRead events come back; only the unread counters are refetched here.
func (s *MessagingService) MarkAsRead(ctx context.Context, conversationID, messageID string) (domain.MarkAsReadAck, error) {
	ack, err := request[domain.MarkAsReadAck](ctx, s, domain.MarkAsReadCommand,
		domain.MarkAsReadRequest{ConversationID: conversationID, MessageID: messageID})
	if err != nil {
		return domain.MarkAsReadAck{Error: err.Error()}, err
	}
	s.cache.InvalidateConversations()
	return ack, nil
}

// SendTyping never surfaces failures beyond its return value.
// Repeated true signals for a conversation are throttled locally.
func (s *MessagingService) SendTyping(ctx context.Context, conversationID string, isTyping bool) (domain.TypingAck, error) {
	if isTyping && !s.typingLimiter(conversationID).Allow() {
		s.log.Debug("Typing signal throttled", "conversation_id", conversationID)
		return domain.TypingAck{Success: true, ConversationID: conversationID, IsTyping: true}, nil
	}
	if !isTyping {
		s.resetTypingLimiter(conversationID)
	}
	ack, err := request[domain.TypingAck](ctx, s, domain.TypingCommand,
		domain.TypingRequest{ConversationID: conversationID, IsTyping: isTyping})
	if err != nil {
		s.log.Debug("Typing signal failed", "conversation_id", conversationID, "error", err)
		return domain.TypingAck{Error: err.Error()}, err
	}
	return ack, nil
}

// GetOnlineStatus merges the answer into the presence map; users the server
// didn't report keep their previous state.
func (s *MessagingService) GetOnlineStatus(ctx context.Context, userIDs []string) (domain.OnlineStatusAck, error) {
	ack, err := request[domain.OnlineStatusAck](ctx, s, domain.GetOnlineStatusCommand,
		domain.OnlineStatusRequest{UserIDs: userIDs})
	if err != nil {
		return domain.OnlineStatusAck{Error: err.Error()}, err
	}
	s.presence.Merge(ack.Statuses)
	return ack, nil
}

// request runs the shared command path: connection precondition, payload
// validation, acknowledged round trip and ack decoding.
func request[A domain.Ack](ctx context.Context, s *MessagingService, command domain.CommandName, payload any) (A, error) {
	var ack A
	if !s.conn.Authenticated() {
		s.log.Warn("Command skipped, not connected", "command", command)
		s.metrics.CommandDone(string(command), observability.OutcomeNotConnected, 0)
		return ack, errors.ErrNotConnected
	}
	if err := s.validate.Struct(payload); err != nil {
		s.metrics.CommandDone(string(command), observability.OutcomeInvalid, 0)
		return ack, fmt.Errorf("%w: %s: %v", errors.ErrInvalidPayload, command, err)
	}

	start := time.Now()
	raw, err := s.conn.Request(ctx, command, payload)
	if err != nil {
		s.metrics.CommandDone(string(command), outcomeOf(err), time.Since(start))
		s.log.Warn("Command failed", "command", command, "error", err)
		return ack, err
	}
	if err := json.Unmarshal(raw, &ack); err != nil {
		var zero A
		s.metrics.CommandDone(string(command), observability.OutcomeError, time.Since(start))
		return zero, fmt.Errorf("%w: %s ack: %v", errors.ErrInvalidPayload, command, err)
	}
	if ok, reason := ack.Result(); !ok {
		s.metrics.CommandDone(string(command), observability.OutcomeRejected, time.Since(start))
		s.log.Info("Command rejected", "command", command, "reason", reason)
		return ack, errors.NewAckError(string(command), reason)
	}
	s.metrics.CommandDone(string(command), observability.OutcomeSuccess, time.Since(start))
	return ack, nil
}

func outcomeOf(err error) string {
	switch {
	case stderrors.Is(err, errors.ErrAckTimeout):
		return observability.OutcomeTimeout
	case stderrors.Is(err, errors.ErrNotConnected):
		return observability.OutcomeNotConnected
	case errors.IsAckFailure(err):
		return observability.OutcomeRejected
	default:
		return observability.OutcomeError
	}
}

func (s *MessagingService) typingLimiter(conversationID string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	limiter, ok := s.typingLimiters[conversationID]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(s.typingInterval), 1)
		s.typingLimiters[conversationID] = limiter
	}
	return limiter
}

// resetTypingLimiter lets the next true signal through right after a stop.
func (s *MessagingService) resetTypingLimiter(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.typingLimiters, conversationID)
}

// inferType fills the message type from the first attachment when left empty.
func inferType(req domain.SendMessageRequest) domain.SendMessageRequest {
	if req.Type != "" {
		return req
	}
	if len(req.Attachments) == 0 {
		req.Type = domain.TextMessage
		return req
	}
	attachments := make([]domain.Attachment, len(req.Attachments))
	copy(attachments, req.Attachments)
	for i, a := range attachments {
		if detected := mimetypes.Detect(a.Head, a.MimeType); detected != mimetypes.Unknown && a.MimeType == "" {
			attachments[i].MimeType = string(detected)
		}
	}
	req.Attachments = attachments
	req.Type = domain.FileMessage
	if mimetypes.MIME(attachments[0].MimeType).IsImage() {
		req.Type = domain.ImageMessage
	}
	return req
}

func authoritative(m domain.Message) domain.Message {
	m.State = domain.Confirmed
	m.LastError = ""
	return m
}
