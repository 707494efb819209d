package channel

import (
	"net/http"

	"github.com/rs/zerolog"

	"github.com/example/oneclick/internal/common"
)

// NewHTTPClient returns the client shared by both channels. It sets no
// whole-request timeout: relay attempts carry their own deadline and direct
// Telegram calls are bounded only by the transport.
func NewHTTPClient() *http.Client {
	return &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
}

// Build returns the configured clients in dispatch order: Telegram, then
// Viber. httpClient may be nil.
func Build(cfg common.ChannelsConfig, httpClient *http.Client, logger zerolog.Logger) []Client {
	endpoints := make([]RelayEndpoint, 0, len(cfg.Viber.Relays))
	for _, r := range cfg.Viber.Relays {
		endpoints = append(endpoints, RelayEndpoint{BaseURL: r.URL, Shape: r.Shape})
	}
	chain, err := NewRelayChain(cfg.Viber.APIURL, endpoints, cfg.Viber.FallbackURL,
		WithHTTPClient(httpClient),
		WithRelayLogger(logger.With().Str("channel", string(Viber)).Logger()),
	)
	if err != nil {
		logger.Warn().Err(err).Msg("viber relay chain disabled")
	}
	return []Client{
		NewTelegramClient(cfg.Telegram, httpClient, logger),
		NewViberClient(cfg.Viber, chain, logger),
	}
}
