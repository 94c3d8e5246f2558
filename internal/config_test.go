package internal

import (
	"testing"
	"time"

	"github.com/Netflix/go-env"
	"github.com/stretchr/testify/require"
)

func TestConfig_Defaults(t *testing.T) {
	req := require.New(t)
	environ := env.EnvSet{
		"SERVER_URL": "wss://chat.example.com/ws",
		"API_URL":    "https://chat.example.com/api",
		"AUTH_TOKEN": "token",
	}

	var config Config
	err := env.Unmarshal(environ, &config)

	req.NoError(err)
	req.NoError(config.Validate())
	req.Equal(10*time.Second, config.AckTimeout)
	req.Equal(3*time.Second, config.TypingExpiry)
	req.Equal(50, config.MessageWindow)
	req.Equal("INFO", config.LogLevel)
	req.Empty(config.SnapshotFilepath)
}

func TestConfig_MissingRequired(t *testing.T) {
	req := require.New(t)

	var config Config
	err := env.Unmarshal(env.EnvSet{"SERVER_URL": "wss://chat.example.com/ws"}, &config)

	req.Error(err)
}

func TestConfig_Validate_RejectsRelativeURL(t *testing.T) {
	req := require.New(t)
	config := Config{ServerURL: "chat.example.com", APIURL: "https://chat.example.com/api", MessageWindow: 1, EventBufferSize: 1}

	req.ErrorContains(config.Validate(), "SERVER_URL")
}
