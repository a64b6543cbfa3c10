package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const minimalConfig = `
twitch:
  username: StreamBot
  oauth: oauth:abc
  channel: "#SomeChannel"
`

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("TWITCH_OAUTH", "")
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "streambot", cfg.Twitch.Username)
	assert.Equal(t, "somechannel", cfg.Twitch.Channel)
	assert.Equal(t, "!", cfg.Twitch.CommandPrefix)
	assert.Equal(t, "wss://irc-ws.chat.twitch.tv:443", cfg.Twitch.IRCURL)
	assert.Equal(t, 20, cfg.Twitch.MessagesPer30s)
	assert.Equal(t, 20, cfg.Queue.Capacity)
	assert.Equal(t, 30*time.Second, cfg.VoteWindow())
	assert.Equal(t, 3, cfg.Vote.Threshold)
	assert.Equal(t, ":8080", cfg.Overlay.Addr)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.False(t, cfg.NotificationsEnabled())
	assert.False(t, cfg.UploadEnabled())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("TWITCH_OAUTH", "oauth:from-env")
	t.Setenv("TWITCH_CLIENT_ID", "client-123")
	t.Setenv("YOUTUBE_API_KEY", "yt-key")

	cfg, err := Load(writeConfig(t, minimalConfig+"  broadcaster_id: \"42\"\n"))
	require.NoError(t, err)

	assert.Equal(t, "oauth:from-env", cfg.Twitch.OAuth)
	assert.Equal(t, "client-123", cfg.Twitch.ClientID)
	assert.Equal(t, "yt-key", cfg.Resolver.YouTubeAPIKey)
	assert.True(t, cfg.NotificationsEnabled())
}

func TestLoad_CannedCommands(t *testing.T) {
	t.Setenv("TWITCH_OAUTH", "")
	cfg, err := Load(writeConfig(t, minimalConfig+`
commands:
  discord: "Join us at discord.gg/example"
`))
	require.NoError(t, err)
	assert.Equal(t, "Join us at discord.gg/example", cfg.Commands["discord"])
}

func TestLoad_Validation(t *testing.T) {
	t.Setenv("TWITCH_OAUTH", "")
	t.Setenv("S3_ACCESS_KEY_ID", "")
	t.Setenv("AWS_ROLE_ARN", "")

	tests := []struct {
		name string
		body string
	}{
		{"missing username", "twitch:\n  oauth: x\n  channel: c\n"},
		{"missing oauth", "twitch:\n  username: u\n  channel: c\n"},
		{"missing channel", "twitch:\n  username: u\n  oauth: x\n"},
		{"negative capacity", minimalConfig + "queue:\n  capacity: -1\n"},
		{"kick without channels", minimalConfig + "kick:\n  enabled: true\n"},
		{"bucket without credentials", minimalConfig + "s3:\n  bucket: b\n  region: us-east-1\n"},
		{"static key without secret", minimalConfig + "s3:\n  bucket: b\n  region: us-east-1\n  access_key_id: k\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalid)
}
