package main

import (
	"chat-sync/cache"
	"chat-sync/internal"
	"chat-sync/moderation"
	"chat-sync/observability"
	"chat-sync/presence"
	"chat-sync/repositories"
	"chat-sync/rest"
	"chat-sync/runtime"
	"chat-sync/runtime/workers"
	"chat-sync/search"
	"chat-sync/services"
	"chat-sync/transport"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/Netflix/go-env"
	"github.com/blugelabs/bluge"
	"github.com/dgraph-io/badger/v4"
	"github.com/joho/godotenv"
	"github.com/mama165/sdk-go/logs"
)

// Exit codes to provide meaningful status to the shell.
const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
	exitAuth    = 3
)

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "chat-sync terminated with error: %v\n", err)
	}
	os.Exit(code)
}

// run wires every component and blocks on the console until EOF, /quit or a signal.
func run() (int, error) {
	// 1. Configuration & Logger
	_ = godotenv.Load()
	var config internal.Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return exitConfig, fmt.Errorf("config error: %w", err)
	}
	if err := config.Validate(); err != nil {
		return exitConfig, err
	}
	log := logs.GetLoggerFromString(config.LogLevel)
	metrics := observability.NewMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Optional local storage: snapshot (BadgerDB) and search index (Bluge)
	var db *badger.DB
	if config.SnapshotFilepath != "" {
		var err error
		db, err = badger.Open(badger.DefaultOptions(config.SnapshotFilepath).WithLoggingLevel(badger.WARNING))
		if err != nil {
			return exitRuntime, fmt.Errorf("snapshot opening failed: %w", err)
		}
		defer func() {
			log.Info("Closing BadgerDB...")
			_ = db.Close()
		}()
	}
	var blugeWriter *bluge.Writer
	if config.BlugeFilepath != "" {
		var err error
		blugeWriter, err = bluge.OpenWriter(bluge.DefaultConfig(config.BlugeFilepath))
		if err != nil {
			return exitRuntime, fmt.Errorf("failed to open bluge writer: %w", err)
		}
		defer func() {
			log.Info("Closing Bluge...")
			_ = blugeWriter.Close()
		}()
	}
	if config.DebugAddr != "" {
		internal.StartDebugServer(ctx, log, config.DebugAddr, db, metrics)
	}

	// 3. Connection, REST and local state
	conn := transport.NewConnection(log, transport.Options{
		URL:                      config.ServerURL,
		AckTimeout:               config.AckTimeout,
		HandshakeTimeout:         config.HandshakeTimeout,
		HeartbeatInterval:        config.HeartbeatInterval,
		ReconnectInitialInterval: config.ReconnectInitialInterval,
		ReconnectMaxInterval:     config.ReconnectMaxInterval,
		ReconnectMaxElapsed:      config.ReconnectMaxElapsed,
		EventBufferSize:          config.EventBufferSize,
	}, metrics)
	restClient := rest.NewClient(log, rest.Options{BaseURL: config.APIURL, Token: config.AuthToken, Timeout: config.HTTPTimeout})
	c := cache.New(cache.NewMemoryStore())
	tracker := presence.NewTracker()
	out := newConsoleOutput(os.Stdout)
	typing := presence.NewTypingTracker(presence.SystemClock(), config.TypingExpiry, out.typing)

	session := runtime.NewSession(log, conn, c, tracker, typing, restClient, runtime.NewRegistry(),
		workers.NewSupervisor(log, config.RestartInterval), metrics, runtime.SessionOptions{
			MessageWindow:       config.MessageWindow,
			SinkTimeout:         config.SinkTimeout,
			RefreshDebounce:     config.RefreshDebounce,
			SampleInterval:      config.SampleInterval,
			ResyncTimeout:       config.ResyncTimeout,
			ResyncRetryInterval: config.ResyncRetry,
		})
	if db != nil {
		repository := repositories.NewSnapshotRepository(db, log, config.MessageWindow)
		session.WithSnapshot(workers.NewSnapshotWorker(log, c, repository, config.SnapshotInterval))
	}
	if blugeWriter != nil {
		session.WithIndex(search.NewIndex(log, blugeWriter))
	}
	messaging := services.NewMessagingService(log, conn, c, tracker, metrics, config.TypingInterval)

	// 4. Connect then start the session, so the first sessionStarted triggers the baseline load
	if err := conn.Connect(ctx, transport.Credentials{Token: config.AuthToken}); err != nil {
		return exitAuth, fmt.Errorf("connect: %w", err)
	}
	defer conn.Disconnect()
	if err := session.Start(ctx); err != nil {
		return exitRuntime, err
	}
	defer session.Stop()

	// 5. Console
	muted, err := moderation.NewFilter(strings.Split(config.MutedWords, ","), moderation.DefaultMask)
	if err != nil {
		return exitConfig, fmt.Errorf("muted words: %w", err)
	}
	console := newConsole(log, session, messaging, c, tracker, conn.UserID(), out).withMuted(muted)
	if err := console.Run(ctx, os.Stdin); err != nil {
		return exitRuntime, err
	}
	return exitOK, nil
}
