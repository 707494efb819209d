package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/oneclick/internal/common"
)

func telegramConfig(url string) common.TelegramConfig {
	return common.TelegramConfig{BotToken: "123:abc", ChannelID: "@news", APIURL: url, ParseMode: "HTML"}
}

func TestTelegramSend(t *testing.T) {
	var got telegramSendRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/bot123:abc/sendMessage", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":7}}`))
	}))
	defer srv.Close()

	c := NewTelegramClient(telegramConfig(srv.URL), nil, zerolog.Nop())
	res := c.Send(context.Background(), Message{Text: "<b>hello</b>"})

	assert.True(t, res.Success)
	assert.Equal(t, Telegram, res.Channel)
	assert.Equal(t, "Successfully posted to Telegram", res.Message)
	assert.JSONEq(t, `{"message_id":7}`, string(res.Raw))
	assert.Equal(t, telegramSendRequest{ChatID: "@news", Text: "<b>hello</b>", ParseMode: "HTML"}, got)
}

func TestTelegramProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`))
	}))
	defer srv.Close()

	var logs bytes.Buffer
	res := NewTelegramClient(telegramConfig(srv.URL), nil, zerolog.New(&logs)).Send(context.Background(), Message{Text: "hi"})
	assert.False(t, res.Success)
	assert.Equal(t, common.KindProvider, res.Kind)
	assert.Equal(t, "Telegram Error: Bad Request: chat not found", res.Message)
	assert.Contains(t, logs.String(), "telegram request failed")
}

func TestTelegramErrorCodeWithoutDescription(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"ok":false,"error_code":429}`))
	}))
	defer srv.Close()

	res := NewTelegramClient(telegramConfig(srv.URL), nil, zerolog.Nop()).Probe(context.Background())
	assert.Equal(t, common.KindProvider, res.Kind)
	assert.Equal(t, "Telegram connection failed: Error 429: Failed to connect to Telegram", res.Message)
}

func TestTelegramOkFalseWithHTTP200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":false}`))
	}))
	defer srv.Close()

	res := NewTelegramClient(telegramConfig(srv.URL), nil, zerolog.Nop()).Send(context.Background(), Message{Text: "hi"})
	assert.False(t, res.Success)
	assert.Equal(t, "Telegram Error: Failed to post to Telegram", res.Message)
}

func TestTelegramTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	res := NewTelegramClient(telegramConfig(url), nil, zerolog.Nop()).Probe(context.Background())
	assert.False(t, res.Success)
	assert.Equal(t, common.KindTransport, res.Kind)
	assert.Contains(t, res.Message, "Telegram connection failed: ")
}

func TestTelegramProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/bot123:abc/getMe", r.URL.Path)
		_, _ = w.Write([]byte(`{"ok":true,"result":{"id":1,"is_bot":true,"username":"oneclick_bot"}}`))
	}))
	defer srv.Close()

	res := NewTelegramClient(telegramConfig(srv.URL), nil, zerolog.Nop()).Probe(context.Background())
	assert.True(t, res.Success)
	assert.Equal(t, "Telegram connection successful", res.Message)
}

func TestTelegramMissingConfigSkipsNetwork(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	noToken := telegramConfig(srv.URL)
	noToken.BotToken = ""
	res := NewTelegramClient(noToken, nil, zerolog.Nop()).Send(context.Background(), Message{Text: "hi"})
	assert.Equal(t, common.KindConfig, res.Kind)
	assert.Equal(t, "Telegram Error: bot token is not configured", res.Message)

	noChat := telegramConfig(srv.URL)
	noChat.ChannelID = ""
	res = NewTelegramClient(noChat, nil, zerolog.Nop()).Send(context.Background(), Message{Text: "hi"})
	assert.Equal(t, common.KindConfig, res.Kind)

	assert.Zero(t, calls.Load())
}
