package channel

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/example/oneclick/internal/common"
)

// ViberClient reaches the Viber REST API only through a RelayChain.
type ViberClient struct {
	cfg    common.ViberConfig
	chain  *RelayChain
	logger zerolog.Logger
}

type viberPostRequest struct {
	AuthToken string `json:"auth_token"`
	From      string `json:"from"`
	Type      string `json:"type"`
	Text      string `json:"text"`
}

type viberAccountRequest struct {
	AuthToken string `json:"auth_token"`
}

type viberResponse struct {
	Status        *int   `json:"status"`
	StatusMessage string `json:"status_message"`
}

func NewViberClient(cfg common.ViberConfig, chain *RelayChain, logger zerolog.Logger) *ViberClient {
	return &ViberClient{cfg: cfg, chain: chain, logger: logger.With().Str("channel", string(Viber)).Logger()}
}

func (c *ViberClient) ID() ID { return Viber }

func (c *ViberClient) Send(ctx context.Context, msg Message) Result {
	ctx, span := otel.Tracer("channel").Start(ctx, "viber.send")
	defer span.End()

	if err := c.configured(true); err != nil {
		return c.fail(ctx, "send", "Viber Error: ", err)
	}
	out := c.chain.Attempt(ctx, "/post", viberPostRequest{
		AuthToken: c.cfg.BotToken,
		From:      c.cfg.ChannelID,
		Type:      "text",
		Text:      msg.Text,
	}, viberVerdict("Failed to post to Viber"))
	span.SetAttributes(attribute.Int("relay.attempts", len(out.Attempts)))
	if out.Err != nil {
		span.RecordError(out.Err)
		return c.fail(ctx, "send", "Viber Error: ", out.Err)
	}
	observe(Viber, "send", true)
	c.logger.Debug().Str("relay", out.Endpoint).Int("attempts", len(out.Attempts)).Msg("posted through relay")
	return ok(Viber, "Successfully posted to Viber", out.Body)
}

func (c *ViberClient) Probe(ctx context.Context) Result {
	ctx, span := otel.Tracer("channel").Start(ctx, "viber.probe")
	defer span.End()

	if err := c.configured(false); err != nil {
		return c.fail(ctx, "probe", "Viber connection failed: ", err)
	}
	out := c.chain.Attempt(ctx, "/get_account_info", viberAccountRequest{AuthToken: c.cfg.BotToken},
		viberVerdict("Failed to connect to Viber"))
	span.SetAttributes(attribute.Int("relay.attempts", len(out.Attempts)))
	if out.Err != nil {
		span.RecordError(out.Err)
		return c.fail(ctx, "probe", "Viber connection failed: ", out.Err)
	}
	observe(Viber, "probe", true)
	return ok(Viber, "Viber connection successful", out.Body)
}

func (c *ViberClient) configured(needSender bool) error {
	switch {
	case c.cfg.BotToken == "":
		return &common.Error{Kind: common.KindConfig, Msg: "bot token is not configured"}
	case needSender && c.cfg.ChannelID == "":
		return &common.Error{Kind: common.KindConfig, Msg: "channel id is not configured"}
	case c.chain == nil:
		return &common.Error{Kind: common.KindConfig, Msg: "no relay endpoints configured"}
	}
	return nil
}

func (c *ViberClient) fail(ctx context.Context, op, prefix string, err error) Result {
	observe(Viber, op, false)
	logger := common.WithContext(ctx, c.logger)
	logger.Warn().Err(err).Str("op", op).Msg("viber request failed")
	return failed(Viber, prefix, err)
}

// viberVerdict accepts only status 0. A body without a status field is not a
// Viber answer at all, typically a relay error page.
func viberVerdict(fallback string) Verdict {
	return func(body []byte) error {
		var resp viberResponse
		if err := json.Unmarshal(body, &resp); err != nil || resp.Status == nil {
			if err == nil {
				err = errors.New("response has no status field")
			}
			return &common.Error{Kind: common.KindTransport, Msg: "unexpected relay response: " + err.Error(), Err: err}
		}
		if *resp.Status == 0 {
			return nil
		}
		msg := resp.StatusMessage
		if msg == "" {
			msg = fallback
		}
		return &common.Error{Kind: common.KindProvider, Code: *resp.Status, Msg: msg}
	}
}
