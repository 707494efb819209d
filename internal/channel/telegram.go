package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	tele "gopkg.in/telebot.v4"

	"github.com/example/oneclick/internal/common"
)

// TelegramClient posts straight to the Bot API. Requests carry no timeout of
// their own; the bot's HTTP client decides.
type TelegramClient struct {
	cfg     common.TelegramConfig
	bot     *tele.Bot
	initErr error
	logger  zerolog.Logger
}

type telegramSendRequest struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode,omitempty"`
}

type telegramResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result,omitempty"`
	ErrorCode   int             `json:"error_code,omitempty"`
	Description string          `json:"description,omitempty"`
}

// NewTelegramClient never fails; a missing token or a bot that cannot be
// built surfaces as a config error on every call instead.
func NewTelegramClient(cfg common.TelegramConfig, httpClient *http.Client, logger zerolog.Logger) *TelegramClient {
	c := &TelegramClient{cfg: cfg, logger: logger.With().Str("channel", string(Telegram)).Logger()}
	if cfg.BotToken == "" {
		c.initErr = &common.Error{Kind: common.KindConfig, Msg: "bot token is not configured"}
		return c
	}
	bot, err := tele.NewBot(tele.Settings{
		URL:     cfg.APIURL,
		Token:   cfg.BotToken,
		Client:  httpClient,
		Offline: true,
	})
	if err != nil {
		c.initErr = &common.Error{Kind: common.KindConfig, Msg: err.Error(), Err: err}
		return c
	}
	c.bot = bot
	return c
}

func (c *TelegramClient) ID() ID { return Telegram }

func (c *TelegramClient) Send(ctx context.Context, msg Message) Result {
	ctx, span := otel.Tracer("channel").Start(ctx, "telegram.send")
	defer span.End()

	if c.initErr == nil && c.cfg.ChannelID == "" {
		return c.fail(ctx, "send", "Telegram Error: ", &common.Error{Kind: common.KindConfig, Msg: "channel id is not configured"})
	}
	raw, err := c.call("sendMessage", telegramSendRequest{
		ChatID:    c.cfg.ChannelID,
		Text:      msg.Text,
		ParseMode: c.cfg.ParseMode,
	}, "Failed to post to Telegram")
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return c.fail(ctx, "send", "Telegram Error: ", err)
	}
	observe(Telegram, "send", true)
	return ok(Telegram, "Successfully posted to Telegram", raw)
}

func (c *TelegramClient) Probe(ctx context.Context) Result {
	ctx, span := otel.Tracer("channel").Start(ctx, "telegram.probe")
	defer span.End()

	raw, err := c.call("getMe", struct{}{}, "Failed to connect to Telegram")
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return c.fail(ctx, "probe", "Telegram connection failed: ", err)
	}
	span.SetAttributes(attribute.Bool("telegram.ok", true))
	observe(Telegram, "probe", true)
	return ok(Telegram, "Telegram connection successful", raw)
}

// call issues one Bot API method. Success is decided by the "ok" flag of the
// body, never by the HTTP status alone.
func (c *TelegramClient) call(method string, payload any, fallback string) (json.RawMessage, error) {
	if c.initErr != nil {
		return nil, c.initErr
	}
	op := "telegram " + method
	data, err := c.bot.Raw(method, payload)
	if len(data) == 0 {
		if err == nil {
			err = errors.New("empty response body")
		}
		return nil, &common.Error{Kind: common.KindTransport, Op: op, Msg: err.Error(), Err: err}
	}

	var resp telegramResponse
	if jsonErr := json.Unmarshal(data, &resp); jsonErr != nil {
		return nil, &common.Error{Kind: common.KindTransport, Op: op, Msg: "unreadable response: " + jsonErr.Error(), Err: jsonErr}
	}
	if !resp.OK {
		return nil, &common.Error{Kind: common.KindProvider, Op: op, Code: resp.ErrorCode, Msg: describe(resp, fallback)}
	}
	return resp.Result, nil
}

// describe prefers Telegram's own description and only falls back to the
// numeric code when there is none.
func describe(resp telegramResponse, fallback string) string {
	if resp.Description != "" {
		return resp.Description
	}
	if resp.ErrorCode != 0 {
		return fmt.Sprintf("Error %d: %s", resp.ErrorCode, fallback)
	}
	return fallback
}

func (c *TelegramClient) fail(ctx context.Context, op, prefix string, err error) Result {
	observe(Telegram, op, false)
	logger := common.WithContext(ctx, c.logger)
	logger.Warn().Err(err).Str("op", op).Msg("telegram request failed")
	return failed(Telegram, prefix, err)
}
