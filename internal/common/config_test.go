package common

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setCredentials(t *testing.T) {
	t.Setenv("ONECLICK_USERNAME", "operator")
	t.Setenv("ONECLICK_PASSWORD", "pw")
	t.Setenv("ONECLICK_SECRET_KEY", "secret")
}

func TestLoadConfigDefaults(t *testing.T) {
	setCredentials(t)
	for _, key := range []string{"ONECLICK_CONFIG", "VIBER_RELAYS", "HTTP_PORT", "METRICS_PORT", "SESSION_STORE", "KAFKA_BROKERS", "TELEGRAM_API_URL", "TELEGRAM_PARSE_MODE"} {
		t.Setenv(key, "")
	}

	cfg, err := LoadConfig("oneclick")
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, 9080, cfg.MetricsPort)
	assert.Equal(t, "memory", cfg.SessionStore)
	assert.Equal(t, DefaultRelays, cfg.Channels.Viber.Relays)
	assert.Equal(t, "https://api.telegram.org", cfg.Channels.Telegram.APIURL)
	assert.Equal(t, "HTML", cfg.Channels.Telegram.ParseMode)
	assert.Empty(t, cfg.KafkaBrokers)
}

func TestLoadConfigRequiresCredentials(t *testing.T) {
	t.Setenv("ONECLICK_USERNAME", "")
	t.Setenv("ONECLICK_PASSWORD", "")
	t.Setenv("ONECLICK_SECRET_KEY", "")
	t.Setenv("ONECLICK_CONFIG", "")

	_, err := LoadConfig("oneclick")
	require.Error(t, err)
	assert.Equal(t, KindConfig, KindOf(err))
	assert.Contains(t, err.Error(), "ONECLICK_SECRET_KEY")
}

func TestLoadConfigFileWithEnvOverride(t *testing.T) {
	setCredentials(t)
	path := filepath.Join(t.TempDir(), "oneclick.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
telegramBotToken: file-token
telegramChannelId: "@news"
viberBotToken: viber-file
viberChannelId: pa-id
viberFallbackUrl: ""
viberRelays:
  - shape: raw
    url: https://relay.example/raw?url=
`), 0o600))
	t.Setenv("ONECLICK_CONFIG", path)
	t.Setenv("VIBER_RELAYS", "")
	t.Setenv("TELEGRAM_BOT_TOKEN", "env-token")

	cfg, err := LoadConfig("oneclick")
	require.NoError(t, err)
	assert.Equal(t, "env-token", cfg.Channels.Telegram.BotToken)
	assert.Equal(t, "@news", cfg.Channels.Telegram.ChannelID)
	assert.Equal(t, "viber-file", cfg.Channels.Viber.BotToken)
	assert.Equal(t, []RelayConfig{{Shape: RelayShapeRaw, URL: "https://relay.example/raw?url="}}, cfg.Channels.Viber.Relays)
	assert.Empty(t, cfg.Channels.Viber.FallbackURL)
}

func TestLoadConfigMissingFile(t *testing.T) {
	setCredentials(t)
	t.Setenv("ONECLICK_CONFIG", filepath.Join(t.TempDir(), "absent.yaml"))
	_, err := LoadConfig("oneclick")
	assert.Equal(t, KindConfig, KindOf(err))
}

func TestParseRelays(t *testing.T) {
	relays, err := parseRelays("raw|https://a.example/?u=, https://b.example/")
	require.NoError(t, err)
	assert.Equal(t, []RelayConfig{
		{Shape: RelayShapeRaw, URL: "https://a.example/?u="},
		{Shape: RelayShapeXHR, URL: "https://b.example/"},
	}, relays)

	_, err = parseRelays("raw|")
	assert.Error(t, err)

	t.Setenv("VIBER_RELAYS", "bogus|https://c.example/")
	_, err = LoadChannels("")
	assert.ErrorContains(t, err, "invalid relay shape")
}

func TestKindOf(t *testing.T) {
	base := &Error{Kind: KindProvider, Op: "send", Code: 12, Msg: "tooManyRequests"}
	wrapped := fmt.Errorf("viber: %w", base)

	assert.Equal(t, KindProvider, KindOf(wrapped))
	assert.True(t, errors.Is(wrapped, &Error{Kind: KindProvider}))
	assert.False(t, errors.Is(wrapped, &Error{Kind: KindTransport}))
	assert.Equal(t, ErrorKind(""), KindOf(nil))
	assert.Equal(t, ErrorKind(""), KindOf(errors.New("boom")))
}

func TestWatchChannelsReloads(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "")
	path := filepath.Join(t.TempDir(), "oneclick.yaml")
	require.NoError(t, os.WriteFile(path, []byte("telegramBotToken: one\n"), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan ChannelsConfig, 4)
	done := make(chan error, 1)
	go func() {
		done <- WatchChannels(ctx, path, zerolog.Nop(), func(c ChannelsConfig) { got <- c })
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("telegramBotToken: two\n"), 0o600))

	select {
	case c := <-got:
		assert.Equal(t, "two", c.Telegram.BotToken)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload observed")
	}
	cancel()
	assert.NoError(t, <-done)
}
