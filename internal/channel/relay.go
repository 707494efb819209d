package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/example/oneclick/internal/common"
)

const (
	RelayAttemptTimeout = 10 * time.Second
	maxRelayBody        = 1 << 20
	fallbackEndpoint    = "fallback"
)

type RelayEndpoint struct {
	BaseURL string
	Shape   string
}

// Verdict inspects a response body and reports whether the provider
// accepted the request.
type Verdict func(body []byte) error

type RelayAttempt struct {
	Endpoint string
	Err      error
}

type RelayOutcome struct {
	Body     json.RawMessage
	Endpoint string
	Attempts []RelayAttempt
	Err      error
}

// RelayChain reaches a provider through relays tried strictly in order. The
// first accepted response wins. When every relay fails one last attempt is
// made through the fallback prefix, which is empty (direct) by default.
type RelayChain struct {
	target    string
	endpoints []RelayEndpoint
	fallback  string
	client    *http.Client
	timeout   time.Duration
	logger    zerolog.Logger
}

type RelayOption func(*RelayChain)

func WithHTTPClient(client *http.Client) RelayOption {
	return func(c *RelayChain) {
		if client != nil {
			c.client = client
		}
	}
}

func WithAttemptTimeout(d time.Duration) RelayOption {
	return func(c *RelayChain) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithRelayLogger(logger zerolog.Logger) RelayOption {
	return func(c *RelayChain) { c.logger = logger }
}

func NewRelayChain(target string, endpoints []RelayEndpoint, fallback string, opts ...RelayOption) (*RelayChain, error) {
	if len(endpoints) == 0 {
		return nil, &common.Error{Kind: common.KindConfig, Op: "relay chain", Msg: "at least one relay endpoint required"}
	}
	c := &RelayChain{
		target:    target,
		endpoints: append([]RelayEndpoint(nil), endpoints...),
		fallback:  fallback,
		client:    &http.Client{},
		timeout:   RelayAttemptTimeout,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Attempt posts payload to target+path through each relay in turn. Failures
// are recorded and the loop moves on; only the last failure is surfaced once
// the fallback has failed too.
func (c *RelayChain) Attempt(ctx context.Context, path string, payload any, verdict Verdict) RelayOutcome {
	body, err := json.Marshal(payload)
	if err != nil {
		return RelayOutcome{Err: fmt.Errorf("encode relay payload: %w", err)}
	}
	target := c.target + path

	var (
		out  RelayOutcome
		last error
	)
	for _, ep := range c.endpoints {
		data, err := c.try(ctx, ep.BaseURL, ep.BaseURL+target, ep.Shape, body, verdict)
		out.Attempts = append(out.Attempts, RelayAttempt{Endpoint: ep.BaseURL, Err: err})
		if err == nil {
			out.Body, out.Endpoint = data, ep.BaseURL
			return out
		}
		last = err
		logger := common.WithContext(ctx, c.logger)
		logger.Debug().Err(err).Str("relay", ep.BaseURL).Msg("relay attempt failed")
	}

	data, err := c.fallbackAttempt(ctx, target, body, verdict)
	out.Attempts = append(out.Attempts, RelayAttempt{Endpoint: fallbackEndpoint, Err: err})
	if err == nil {
		out.Body, out.Endpoint = data, fallbackEndpoint
		return out
	}
	last = err

	out.Err = &common.Error{
		Kind: common.KindRelayExhausted,
		Op:   "relay chain",
		Code: errorCode(last),
		Msg:  errorMessage(last),
		Err:  last,
	}
	return out
}

// fallbackAttempt is the last-resort request issued after every relay has
// failed. With an empty prefix it hits the provider directly.
func (c *RelayChain) fallbackAttempt(ctx context.Context, target string, body []byte, verdict Verdict) (json.RawMessage, error) {
	shape := common.RelayShapeXHR
	if c.fallback == "" {
		shape = common.RelayShapeRaw
	}
	return c.try(ctx, fallbackEndpoint, c.fallback+target, shape, body, verdict)
}

func (c *RelayChain) try(ctx context.Context, name, rawURL, shape string, body []byte, verdict Verdict) (json.RawMessage, error) {
	ctx, span := otel.Tracer("channel").Start(ctx, "relay.attempt")
	defer span.End()
	span.SetAttributes(attribute.String("relay.endpoint", name))

	label := endpointLabel(name)
	data, err := c.do(ctx, rawURL, shape, body, verdict)
	if err != nil {
		span.RecordError(err)
		relayAttemptCounter.WithLabelValues(label, "error").Inc()
		return nil, err
	}
	relayAttemptCounter.WithLabelValues(label, "ok").Inc()
	return data, nil
}

func (c *RelayChain) do(ctx context.Context, rawURL, shape string, body []byte, verdict Verdict) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(body))
	if err != nil {
		return nil, &common.Error{Kind: common.KindConfig, Msg: err.Error(), Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if shape == common.RelayShapeXHR {
		req.Header.Set("X-Requested-With", "XMLHttpRequest")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &common.Error{Kind: common.KindTransport, Msg: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxRelayBody))
	if err != nil {
		return nil, &common.Error{Kind: common.KindTransport, Msg: err.Error(), Err: err}
	}
	if err := verdict(data); err != nil {
		if common.KindOf(err) == common.KindProvider {
			return nil, err
		}
		if resp.StatusCode >= http.StatusMultipleChoices {
			return nil, &common.Error{
				Kind: common.KindTransport,
				Msg:  fmt.Sprintf("HTTP %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode)),
				Err:  err,
			}
		}
		return nil, err
	}
	return data, nil
}

func errorCode(err error) int {
	var e *common.Error
	if errors.As(err, &e) {
		return e.Code
	}
	return 0
}

func endpointLabel(name string) string {
	if name == fallbackEndpoint {
		return name
	}
	u, err := url.Parse(name)
	if err != nil || u.Host == "" {
		return "unknown"
	}
	return u.Host
}
