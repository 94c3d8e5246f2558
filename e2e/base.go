package e2e

import (
	"chat-sync/auth"
	"chat-sync/cache"
	"chat-sync/observability"
	"chat-sync/presence"
	"chat-sync/rest"
	"chat-sync/runtime"
	"chat-sync/runtime/workers"
	"chat-sync/services"
	"chat-sync/transport"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gookit/color"
	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/suite"
)

var secret = []byte("e2e_secret")

// Stack is one fully wired client, as the CLI builds it.
type Stack struct {
	UserID    string
	Conn      *transport.Connection
	Cache     *cache.Cache
	Presence  *presence.Tracker
	Typing    *presence.TypingTracker
	Session   *runtime.Session
	Messaging *services.MessagingService
	Metrics   *observability.Metrics
}

type BaseSuite struct {
	suite.Suite
	Config     Config
	Server     *ChatServer
	ackTimeout time.Duration
}

// SetupSuite loads the environment configuration before running scenarios
func (s *BaseSuite) SetupSuite() {
	var err error
	s.Config, err = LoadConfig()
	s.Require().NoError(err)
	s.ackTimeout, err = time.ParseDuration(s.Config.AckTimeout)
	s.Require().NoError(err)
}

func (s *BaseSuite) SetupTest() {
	var debug func(string, frame)
	if s.Config.DebugJSON {
		debug = func(direction string, f frame) {
			s.T().Logf("%s %s %s %s", direction, f.Type, f.RequestID, string(f.Payload))
		}
	}
	s.Server = NewChatServer(secret, debug)
}

func (s *BaseSuite) TearDownTest() {
	s.Server.Close()
}

// Step prints a header then runs one part of a scenario.
func (s *BaseSuite) Step(name string, fn func()) {
	header := fmt.Sprintf("  ====== %s ======", name)
	if s.Config.Colours {
		header = color.New(color.BgBlack, color.FgGreen).Render(header)
	}
	s.T().Log(header)
	fn()
}

// Connect wires, connects and starts a client for userID. Everything is torn down with the test.
func (s *BaseSuite) Connect(userID string) *Stack {
	log := logs.GetLoggerFromLevel(slog.LevelDebug).With("user_id", userID)
	token, err := auth.GenerateToken(userID, secret, time.Hour)
	s.Require().NoError(err)

	metrics := observability.NewMetrics()
	conn := transport.NewConnection(log, transport.Options{
		URL:                      s.Server.WSURL(),
		AckTimeout:               s.ackTimeout,
		ReconnectInitialInterval: 20 * time.Millisecond,
		ReconnectMaxInterval:     100 * time.Millisecond,
	}, metrics)
	c := cache.New(cache.NewMemoryStore())
	tracker := presence.NewTracker()
	typing := presence.NewTypingTracker(presence.SystemClock(), presence.DefaultTypingExpiry, nil)
	restClient := rest.NewClient(log, rest.Options{BaseURL: s.Server.API.URL, Token: token, RetryMaxElapsed: time.Second})

	session := runtime.NewSession(log, conn, c, tracker, typing, restClient, runtime.NewRegistry(),
		workers.NewSupervisor(log, 10*time.Millisecond), metrics,
		runtime.SessionOptions{MessageWindow: 50, SinkTimeout: 2 * time.Second, RefreshDebounce: 20 * time.Millisecond})
	messaging := services.NewMessagingService(log, conn, c, tracker, metrics, time.Second)

	s.Require().NoError(conn.Connect(context.Background(), transport.Credentials{Token: token}))
	s.Require().NoError(session.Start(context.Background()))
	s.T().Cleanup(func() {
		session.Stop()
		conn.Disconnect()
	})
	return &Stack{UserID: userID, Conn: conn, Cache: c, Presence: tracker, Typing: typing,
		Session: session, Messaging: messaging, Metrics: metrics}
}
