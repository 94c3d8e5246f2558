package e2e

import (
	"chat-sync/auth"
	"chat-sync/domain"
	"chat-sync/domain/event"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/samber/lo"
)

type frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

type client struct {
	userID string
	conn   *websocket.Conn
	mu     sync.Mutex
}

func (c *client) send(f frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.WriteJSON(f)
}

// ChatServer is an in-memory messaging server speaking the client wire protocol
// over websocket and the REST fallback over plain HTTP.
type ChatServer struct {
	secret []byte
	debug  func(direction string, f frame)
	WS     *httptest.Server
	API    *httptest.Server

	mu            sync.Mutex
	clients       map[*client]struct{}
	conversations map[string]domain.Conversation
	messages      map[string][]domain.Message
	seq           int
	dropAcks      bool
}

func NewChatServer(secret []byte, debug func(direction string, f frame)) *ChatServer {
	s := &ChatServer{
		secret:        secret,
		debug:         debug,
		clients:       make(map[*client]struct{}),
		conversations: make(map[string]domain.Conversation),
		messages:      make(map[string][]domain.Message),
	}
	s.WS = httptest.NewServer(http.HandlerFunc(s.serveWS))
	mux := http.NewServeMux()
	mux.HandleFunc("GET /conversations", s.listConversations)
	mux.HandleFunc("POST /conversations", s.createConversation)
	mux.HandleFunc("GET /conversations/unread-count", s.unreadCount)
	mux.HandleFunc("GET /conversations/{id}", s.getConversation)
	mux.HandleFunc("GET /conversations/{id}/messages/search", s.searchMessages)
	s.API = httptest.NewServer(mux)
	return s
}

func (s *ChatServer) Close() {
	s.DropAll()
	s.WS.Close()
	s.API.Close()
}

func (s *ChatServer) WSURL() string {
	return "ws" + strings.TrimPrefix(s.WS.URL, "http")
}

// AddConversation seeds a conversation between participants.
func (s *ChatServer) AddConversation(id string, participants ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[id] = domain.Conversation{
		ID:      id,
		IsGroup: len(participants) > 2,
		Participants: lo.Map(participants, func(p string, _ int) domain.Participant {
			return domain.Participant{UserID: p, Role: domain.RoleMember, User: domain.UserProfile{FirstName: p}}
		}),
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
}

// Post stores a message as if another client sent it, and optionally pushes it live.
func (s *ChatServer) Post(conversationID, senderID, content string, push bool) domain.Message {
	s.mu.Lock()
	m := s.store(conversationID, senderID, content, "")
	s.mu.Unlock()
	if push {
		s.broadcast(nil, string(event.NewMessageType), m)
	}
	return m
}

// SwallowAcks makes the server process commands without acknowledging them.
func (s *ChatServer) SwallowAcks(swallow bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropAcks = swallow
}

// DropAll closes every live socket, as a network failure would.
func (s *ChatServer) DropAll() {
	s.mu.Lock()
	clients := lo.Keys(s.clients)
	s.clients = make(map[*client]struct{})
	s.mu.Unlock()
	for _, c := range clients {
		_ = c.conn.Close()
	}
}

func (s *ChatServer) store(conversationID, senderID, content, identifier string) domain.Message {
	s.seq++
	m := domain.Message{
		ID:             fmt.Sprintf("M%d", s.seq),
		Identifier:     identifier,
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		Type:           domain.TextMessage,
		CreatedAt:      time.Now().UTC(),
	}
	s.messages[conversationID] = append(s.messages[conversationID], m)
	if c, ok := s.conversations[conversationID]; ok {
		c.LastMessage = &domain.LastMessage{MessageID: m.ID, Content: content, SenderID: senderID, SentAt: m.CreatedAt}
		c.UpdatedAt = m.CreatedAt
		s.conversations[conversationID] = c
	}
	return m
}

func (s *ChatServer) serveWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	var hello frame
	if err := conn.ReadJSON(&hello); err != nil || hello.Type != "authenticate" {
		_ = conn.Close()
		return
	}
	var creds struct {
		Token string `json:"token"`
	}
	_ = json.Unmarshal(hello.Payload, &creds)
	claims, err := auth.ValidateToken(creds.Token, s.secret)
	if err != nil {
		_ = conn.WriteJSON(frame{Type: "error", Payload: mustJSON(map[string]string{"message": "invalid token"})})
		_ = conn.Close()
		return
	}
	c := &client{userID: claims.UserID, conn: conn}
	c.send(frame{Type: "authenticated", Payload: mustJSON(map[string]string{"userId": c.userID})})
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			s.mu.Lock()
			delete(s.clients, c)
			s.mu.Unlock()
			return
		}
		s.trace("in", f)
		s.handle(c, f)
	}
}

func (s *ChatServer) handle(c *client, f frame) {
	var ack any
	switch domain.CommandName(f.Type) {
	case domain.SendMessageCommand:
		var req domain.SendMessageRequest
		_ = json.Unmarshal(f.Payload, &req)
		s.mu.Lock()
		m := s.store(req.ConversationID, c.userID, req.Content, req.Identifier)
		s.mu.Unlock()
		ack = domain.SendMessageAck{Success: true, Message: &m}
		defer s.broadcast(nil, string(event.NewMessageType), m)
	case domain.MarkAsReadCommand:
		var req domain.MarkAsReadRequest
		_ = json.Unmarshal(f.Payload, &req)
		ack = domain.MarkAsReadAck{Success: true, ConversationID: req.ConversationID, MessageID: req.MessageID}
		defer s.broadcast(c, string(event.MessageReadType), event.MessageRead{ConversationID: req.ConversationID, UserID: c.userID, MessageID: req.MessageID})
	case domain.TypingCommand:
		var req domain.TypingRequest
		_ = json.Unmarshal(f.Payload, &req)
		ack = domain.TypingAck{Success: true, ConversationID: req.ConversationID, IsTyping: req.IsTyping}
		defer s.broadcast(c, string(event.UserTypingType), event.UserTyping{ConversationID: req.ConversationID, UserID: c.userID, IsTyping: req.IsTyping})
	case domain.GetOnlineStatusCommand:
		var req domain.OnlineStatusRequest
		_ = json.Unmarshal(f.Payload, &req)
		s.mu.Lock()
		online := lo.SliceToMap(lo.Keys(s.clients), func(cl *client) (string, bool) { return cl.userID, true })
		s.mu.Unlock()
		ack = domain.OnlineStatusAck{Success: true, Statuses: lo.Map(req.UserIDs, func(id string, _ int) domain.PresenceStatus {
			return domain.PresenceStatus{UserID: id, IsOnline: online[id], LastSeen: time.Now().UTC()}
		})}
	default:
		ack = map[string]any{"success": false, "error": "unsupported command " + f.Type}
	}
	s.mu.Lock()
	swallow := s.dropAcks
	s.mu.Unlock()
	if swallow {
		return
	}
	reply := frame{Type: "ack", RequestID: f.RequestID, Payload: mustJSON(ack)}
	s.trace("out", reply)
	c.send(reply)
}

// broadcast pushes an event to every client except skip.
func (s *ChatServer) broadcast(skip *client, eventType string, payload any) {
	s.mu.Lock()
	clients := lo.Keys(s.clients)
	s.mu.Unlock()
	f := frame{Type: eventType, Payload: mustJSON(payload)}
	s.trace("out", f)
	for _, c := range clients {
		if c != skip {
			c.send(f)
		}
	}
}

func (s *ChatServer) trace(direction string, f frame) {
	if s.debug != nil {
		s.debug(direction, f)
	}
}

func (s *ChatServer) listConversations(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	list := lo.Values(s.conversations)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: list})
}

func (s *ChatServer) getConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.mu.Lock()
	c, ok := s.conversations[id]
	messages := append([]domain.Message{}, s.messages[id]...)
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, envelope{Message: "conversation not found"})
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: map[string]any{"conversation": c, "messages": messages}})
}

// unreadCount counts every stored message, this server keeps no read state.
func (s *ChatServer) unreadCount(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	total := lo.SumBy(lo.Values(s.messages), func(list []domain.Message) int { return len(list) })
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: map[string]int{"count": total}})
}

func (s *ChatServer) searchMessages(w http.ResponseWriter, r *http.Request) {
	id, q := r.PathValue("id"), strings.ToLower(r.URL.Query().Get("q"))
	s.mu.Lock()
	found := lo.Filter(s.messages[id], func(m domain.Message, _ int) bool {
		return strings.Contains(strings.ToLower(m.Content), q)
	})
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: found})
}

func (s *ChatServer) createConversation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name           string   `json:"name"`
		ParticipantIDs []string `json:"participantIds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.ParticipantIDs) == 0 {
		writeJSON(w, http.StatusBadRequest, envelope{Message: "participants required"})
		return
	}
	s.mu.Lock()
	id := fmt.Sprintf("C%d", len(s.conversations)+1)
	s.mu.Unlock()
	s.AddConversation(id, req.ParticipantIDs...)
	s.mu.Lock()
	c := s.conversations[id]
	c.Name = req.Name
	c.IsGroup = true
	s.conversations[id] = c
	s.mu.Unlock()
	writeJSON(w, http.StatusCreated, envelope{Success: true, Data: c})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return raw
}
