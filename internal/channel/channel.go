// Package channel holds the outbound messaging clients: Telegram, reached
// directly, and Viber, reached through an ordered relay chain.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/example/oneclick/internal/common"
)

type ID string

const (
	Telegram ID = "telegram"
	Viber    ID = "viber"
)

// Name is the display name used in summaries and result messages.
func (id ID) Name() string {
	switch id {
	case Telegram:
		return "Telegram"
	case Viber:
		return "Viber"
	default:
		if id == "" {
			return ""
		}
		return strings.ToUpper(string(id[:1])) + string(id[1:])
	}
}

const MaxMessageLength = 4000

type Message struct {
	Text string `json:"text"`
}

// Validate enforces 1..MaxMessageLength characters. Whitespace-only text
// counts as empty.
func (m Message) Validate() error {
	if strings.TrimSpace(m.Text) == "" {
		return &common.Error{Kind: common.KindValidation, Msg: "Please enter a message to post"}
	}
	if n := utf8.RuneCountInString(m.Text); n > MaxMessageLength {
		return &common.Error{
			Kind: common.KindValidation,
			Msg:  fmt.Sprintf("Message is too long: %d characters, maximum is %d", n, MaxMessageLength),
		}
	}
	return nil
}

// Result is the outcome of one send or probe against one channel.
type Result struct {
	Channel ID               `json:"channel"`
	Success bool             `json:"success"`
	Message string           `json:"message"`
	Kind    common.ErrorKind `json:"kind,omitempty"`
	Raw     json.RawMessage  `json:"raw,omitempty"`
}

func ok(id ID, msg string, raw json.RawMessage) Result {
	return Result{Channel: id, Success: true, Message: msg, Raw: raw}
}

func failed(id ID, prefix string, err error) Result {
	return Result{Channel: id, Message: prefix + errorMessage(err), Kind: common.KindOf(err)}
}

// errorMessage strips the Op prefix so the provider text reaches the user
// verbatim.
func errorMessage(err error) string {
	var e *common.Error
	if errors.As(err, &e) && e.Msg != "" {
		return e.Msg
	}
	return err.Error()
}

// Client sends to and probes a single channel. Implementations never return
// errors; every failure is folded into the Result.
type Client interface {
	ID() ID
	Send(ctx context.Context, msg Message) Result
	Probe(ctx context.Context) Result
}
