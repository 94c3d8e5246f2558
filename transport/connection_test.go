package transport

import (
	"chat-sync/auth"
	"chat-sync/domain"
	"chat-sync/domain/event"
	"chat-sync/errors"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
)

var secret = []byte("transport_test_secret")

// fakeServer speaks the client protocol: authenticate first, then acks.
type fakeServer struct {
	srv       *httptest.Server
	dials     atomic.Int32
	refuse    atomic.Bool
	rejectMsg string
	onCommand func(f frame) (reply any, answer bool)

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newFakeServer(t *testing.T) *fakeServer {
	s := &fakeServer{}
	upgrader := websocket.Upgrader{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.refuse.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.dials.Add(1)
		var hello frame
		if err := conn.ReadJSON(&hello); err != nil || hello.Type != frameAuthenticate {
			_ = conn.Close()
			return
		}
		var creds authenticatePayload
		_ = json.Unmarshal(hello.Payload, &creds)
		claims, err := auth.ValidateToken(creds.Token, secret)
		if s.rejectMsg != "" || err != nil {
			s.write(conn, frame{Type: frameError, Payload: mustJSON(errorPayload{Message: "invalid token"})})
			_ = conn.Close()
			return
		}
		s.write(conn, frame{Type: frameAuthenticated, Payload: mustJSON(authenticatedPayload{UserID: claims.UserID})})
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()

		for {
			var f frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			if s.onCommand == nil {
				continue
			}
			if reply, answer := s.onCommand(f); answer {
				s.write(conn, frame{Type: frameAck, RequestID: f.RequestID, Payload: mustJSON(reply)})
			}
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *fakeServer) write(conn *websocket.Conn, f frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = conn.WriteJSON(f)
}

func (s *fakeServer) push(eventType string, payload any) {
	s.mu.Lock()
	conn := s.conns[len(s.conns)-1]
	s.mu.Unlock()
	s.write(conn, frame{Type: eventType, Payload: mustJSON(payload)})
}

func (s *fakeServer) dropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conn := range s.conns {
		_ = conn.Close()
	}
	s.conns = nil
}

func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return raw
}

func token(t *testing.T, userID string, ttl time.Duration) string {
	tok, err := auth.GenerateToken(userID, secret, ttl)
	require.NoError(t, err)
	return tok
}

func newConnection(s *fakeServer, opts Options) *Connection {
	opts.URL = s.url()
	opts.ReconnectInitialInterval = 10 * time.Millisecond
	opts.ReconnectMaxInterval = 50 * time.Millisecond
	return NewConnection(logs.GetLoggerFromLevel(slog.LevelDebug), opts, nil)
}

func nextEvent(t *testing.T, c *Connection) event.Event {
	select {
	case e := <-c.Events():
		return e
	case <-time.After(2 * time.Second):
		require.FailNow(t, "no event received")
		return event.Event{}
	}
}

func TestConnection_Connect_Handshake(t *testing.T) {
	req := require.New(t)
	server := newFakeServer(t)
	conn := newConnection(server, Options{})
	defer conn.Disconnect()

	// When the client connects with a valid token
	err := conn.Connect(context.Background(), Credentials{Token: token(t, "alice", time.Hour)})

	// Then the session is authenticated and announced
	req.NoError(err)
	req.True(conn.Connected())
	req.True(conn.Authenticated())
	req.Equal("alice", conn.UserID())
	started := nextEvent(t, conn)
	req.Equal(event.SessionStartedType, started.Type)
	req.Equal(event.SessionStarted{UserID: "alice"}, started.Payload)

	req.ErrorIs(conn.Connect(context.Background(), Credentials{Token: token(t, "alice", time.Hour)}), errors.ErrAlreadyConnected)
}

func TestConnection_Connect_Rejected(t *testing.T) {
	req := require.New(t)
	server := newFakeServer(t)
	server.rejectMsg = "invalid token"
	conn := newConnection(server, Options{})

	err := conn.Connect(context.Background(), Credentials{Token: token(t, "alice", time.Hour)})

	req.ErrorIs(err, errors.ErrAuthenticationFailed)
	req.False(conn.Connected())
	req.False(conn.Authenticated())
}

func TestConnection_Connect_ExpiredToken_NeverDials(t *testing.T) {
	req := require.New(t)
	server := newFakeServer(t)
	conn := newConnection(server, Options{})

	err := conn.Connect(context.Background(), Credentials{Token: token(t, "alice", -time.Minute)})

	req.ErrorIs(err, errors.ErrTokenExpired)
	req.Equal(int32(0), server.dials.Load())
}

func TestConnection_Request_NotConnected(t *testing.T) {
	req := require.New(t)
	server := newFakeServer(t)
	conn := newConnection(server, Options{})

	_, err := conn.Request(context.Background(), domain.TypingCommand, domain.TypingRequest{ConversationID: "C1"})

	req.ErrorIs(err, errors.ErrNotConnected)
	req.Equal(int32(0), server.dials.Load())
}

func TestConnection_Request_Ack(t *testing.T) {
	req := require.New(t)
	server := newFakeServer(t)
	server.onCommand = func(f frame) (any, bool) {
		var p domain.MarkAsReadRequest
		_ = json.Unmarshal(f.Payload, &p)
		return domain.MarkAsReadAck{Success: true, ConversationID: p.ConversationID}, f.Type == string(domain.MarkAsReadCommand)
	}
	conn := newConnection(server, Options{})
	defer conn.Disconnect()
	req.NoError(conn.Connect(context.Background(), Credentials{Token: token(t, "alice", time.Hour)}))

	raw, err := conn.Request(context.Background(), domain.MarkAsReadCommand, domain.MarkAsReadRequest{ConversationID: "C1"})

	req.NoError(err)
	var ack domain.MarkAsReadAck
	req.NoError(json.Unmarshal(raw, &ack))
	req.True(ack.Success)
	req.Equal("C1", ack.ConversationID)
}

func TestConnection_Request_AckTimeout(t *testing.T) {
	req := require.New(t)
	server := newFakeServer(t)
	conn := newConnection(server, Options{AckTimeout: 50 * time.Millisecond})
	defer conn.Disconnect()
	req.NoError(conn.Connect(context.Background(), Credentials{Token: token(t, "alice", time.Hour)}))

	start := time.Now()
	_, err := conn.Request(context.Background(), domain.DeleteMessageCommand, domain.DeleteMessageRequest{MessageID: "M1"})

	req.ErrorIs(err, errors.ErrAckTimeout)
	req.Less(time.Since(start), time.Second)
}

func TestConnection_Events_KeepArrivalOrder(t *testing.T) {
	req := require.New(t)
	server := newFakeServer(t)
	conn := newConnection(server, Options{})
	defer conn.Disconnect()
	req.NoError(conn.Connect(context.Background(), Credentials{Token: token(t, "alice", time.Hour)}))
	nextEvent(t, conn)

	// Given the server pushes an unknown event among known ones
	server.push("newMessage", domain.Message{ID: "M1", ConversationID: "C1", Content: "one"})
	server.push("bountyClosed", map[string]string{"id": "B1"})
	server.push("messageDeleted", event.MessageDeleted{MessageID: "M1", ConversationID: "C1"})
	server.push("userTyping", event.UserTyping{ConversationID: "C1", UserID: "bob", IsTyping: true})

	// Then known events arrive in order and the unknown one is skipped
	first := nextEvent(t, conn)
	req.Equal(event.NewMessageType, first.Type)
	msg := first.Payload.(event.NewMessage).Message
	req.Equal("M1", msg.ID)
	req.Equal(domain.Confirmed, msg.State)
	req.Equal(event.MessageDeletedType, nextEvent(t, conn).Type)
	req.Equal(event.UserTypingType, nextEvent(t, conn).Type)
}

func TestConnection_Reconnect_AfterDrop(t *testing.T) {
	req := require.New(t)
	server := newFakeServer(t)
	conn := newConnection(server, Options{AckTimeout: 5 * time.Second})
	defer conn.Disconnect()
	req.NoError(conn.Connect(context.Background(), Credentials{Token: token(t, "alice", time.Hour)}))
	nextEvent(t, conn)

	// Given a request waiting for an ack that never comes
	failed := make(chan error, 1)
	go func() {
		_, err := conn.Request(context.Background(), domain.SendMessageCommand, domain.SendMessageRequest{ConversationID: "C1", Content: "hi"})
		failed <- err
	}()
	req.Eventually(func() bool {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		return len(conn.pending) == 1
	}, time.Second, 5*time.Millisecond)

	// When the server drops the socket
	server.dropAll()

	// Then the pending request fails and the session is re-established
	select {
	case err := <-failed:
		req.ErrorIs(err, errors.ErrNotConnected)
	case <-time.After(2 * time.Second):
		req.Fail("pending request was not failed")
	}
	req.Equal(event.SessionLostType, nextEvent(t, conn).Type)
	restarted := nextEvent(t, conn)
	req.Equal(event.SessionStartedType, restarted.Type)
	req.Equal(event.SessionStarted{UserID: "alice", Reconnect: true}, restarted.Payload)
	req.True(conn.Authenticated())
	req.Equal(int32(2), server.dials.Load())
}

func TestConnection_Disconnect_DoesNotReconnect(t *testing.T) {
	req := require.New(t)
	server := newFakeServer(t)
	conn := newConnection(server, Options{})
	req.NoError(conn.Connect(context.Background(), Credentials{Token: token(t, "alice", time.Hour)}))
	nextEvent(t, conn)

	conn.Disconnect()

	req.False(conn.Connected())
	req.Equal(event.SessionLostType, nextEvent(t, conn).Type)
	time.Sleep(100 * time.Millisecond)
	req.Equal(int32(1), server.dials.Load())
	_, err := conn.Request(context.Background(), domain.TypingCommand, domain.TypingRequest{ConversationID: "C1"})
	req.ErrorIs(err, errors.ErrNotConnected)
}

func TestConnection_Connect_WhileReconnecting_IsRefused(t *testing.T) {
	req := require.New(t)
	server := newFakeServer(t)
	conn := newConnection(server, Options{})
	defer conn.Disconnect()
	creds := Credentials{Token: token(t, "alice", time.Hour)}
	req.NoError(conn.Connect(context.Background(), creds))
	nextEvent(t, conn)

	// Given a dropped socket the server keeps refusing to replace
	server.refuse.Store(true)
	server.dropAll()
	req.Equal(event.SessionLostType, nextEvent(t, conn).Type)

	// When the caller connects again during the reconnect loop
	err := conn.Connect(context.Background(), creds)

	// Then no second socket is opened
	req.ErrorIs(err, errors.ErrAlreadyConnected)
	req.Equal(int32(1), server.dials.Load())
}

func TestConnection_Disconnect_StopsReconnectLoop(t *testing.T) {
	req := require.New(t)
	server := newFakeServer(t)
	conn := newConnection(server, Options{})
	creds := Credentials{Token: token(t, "alice", time.Hour)}
	req.NoError(conn.Connect(context.Background(), creds))
	nextEvent(t, conn)
	server.refuse.Store(true)
	server.dropAll()
	req.Equal(event.SessionLostType, nextEvent(t, conn).Type)

	// When the session is closed while reconnecting and the server comes back
	conn.Disconnect()
	server.refuse.Store(false)
	time.Sleep(150 * time.Millisecond)

	// Then no socket was installed behind the caller's back
	req.False(conn.Connected())
	req.Equal(int32(1), server.dials.Load())

	// And an explicit connect works again
	req.Eventually(func() bool {
		return conn.Connect(context.Background(), creds) == nil
	}, time.Second, 10*time.Millisecond)
	defer conn.Disconnect()
	req.True(conn.Authenticated())
	req.Equal(int32(2), server.dials.Load())
}
