package internal

import (
	"fmt"
	"net/url"
	"time"
)

type Config struct {
	ServerURL        string        `env:"SERVER_URL,required=true"`
	APIURL           string        `env:"API_URL,required=true"`
	AuthToken        string        `env:"AUTH_TOKEN,required=true"`
	LogLevel         string        `env:"LOG_LEVEL,default=INFO"`
	AckTimeout       time.Duration `env:"ACK_TIMEOUT,default=10s"`
	HandshakeTimeout time.Duration `env:"HANDSHAKE_TIMEOUT,default=10s"`
	TypingExpiry     time.Duration `env:"TYPING_EXPIRY,default=3s"`
	TypingInterval   time.Duration `env:"TYPING_SIGNAL_INTERVAL,default=2s"`

	ReconnectInitialInterval time.Duration `env:"RECONNECT_INITIAL_INTERVAL,default=500ms"`
	ReconnectMaxInterval     time.Duration `env:"RECONNECT_MAX_INTERVAL,default=30s"`
	ReconnectMaxElapsed      time.Duration `env:"RECONNECT_MAX_ELAPSED,default=0s"`
	HeartbeatInterval        time.Duration `env:"HEARTBEAT_INTERVAL,default=25s"`
	EventBufferSize          int           `env:"EVENT_BUFFER_SIZE,default=256"`

	MessageWindow    int           `env:"MESSAGE_WINDOW,default=50"`
	HTTPTimeout      time.Duration `env:"HTTP_TIMEOUT,default=10s"`
	RestartInterval  time.Duration `env:"RESTART_INTERVAL,default=200ms"`
	SinkTimeout      time.Duration `env:"SINK_TIMEOUT,default=5s"`
	RefreshDebounce  time.Duration `env:"REFRESH_DEBOUNCE,default=250ms"`
	ResyncTimeout    time.Duration `env:"RESYNC_TIMEOUT,default=30s"`
	ResyncRetry      time.Duration `env:"RESYNC_RETRY_INTERVAL,default=1s"`
	SampleInterval   time.Duration `env:"SAMPLE_INTERVAL,default=5s"`
	SnapshotFilepath string        `env:"SNAPSHOT_FILEPATH"`
	SnapshotInterval time.Duration `env:"SNAPSHOT_INTERVAL,default=30s"`
	BlugeFilepath    string        `env:"BLUGE_FILEPATH"`
	DebugAddr        string        `env:"DEBUG_ADDR"`
	// MUTED_WORDS is a comma separated list masked in displayed messages
	MutedWords string `env:"MUTED_WORDS"`
}

// Validate checks what tags cannot express.
func (c Config) Validate() error {
	for name, raw := range map[string]string{"SERVER_URL": c.ServerURL, "API_URL": c.APIURL} {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%s must be an absolute URL, got %q", name, raw)
		}
	}
	if c.MessageWindow <= 0 {
		return fmt.Errorf("MESSAGE_WINDOW must be positive, got %d", c.MessageWindow)
	}
	if c.EventBufferSize <= 0 {
		return fmt.Errorf("EVENT_BUFFER_SIZE must be positive, got %d", c.EventBufferSize)
	}
	return nil
}
