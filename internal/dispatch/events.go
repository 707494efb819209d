package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// Publisher receives every finished dispatch. It is an outer concern: the
// coordinator itself never publishes.
type Publisher interface {
	Publish(ctx context.Context, res Result) error
}

type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Result) error { return nil }

// MessageWriter is the subset of *kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

type KafkaPublisher struct {
	Writer  MessageWriter
	Logger  zerolog.Logger
	MaxWait time.Duration
}

type channelEvent struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Kind    string `json:"kind,omitempty"`
}

type dispatchEvent struct {
	EventID   string                  `json:"event_id"`
	Success   bool                    `json:"success"`
	Summary   string                  `json:"summary"`
	Channels  map[string]channelEvent `json:"channels"`
	EmittedAt time.Time               `json:"emitted_at"`
}

// Publish writes one event per dispatch, retrying transient broker errors
// with exponential backoff. Message text is not included.
func (p *KafkaPublisher) Publish(ctx context.Context, res Result) error {
	event := dispatchEvent{
		EventID:   uuid.NewString(),
		Success:   res.OverallSuccess,
		Summary:   res.Summary,
		Channels:  make(map[string]channelEvent, len(res.PerChannel)),
		EmittedAt: time.Now().UTC(),
	}
	for id, r := range res.PerChannel {
		event.Channels[string(id)] = channelEvent{Success: r.Success, Message: r.Message, Kind: string(r.Kind)}
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	op := backoff.NewExponentialBackOff()
	op.MaxElapsedTime = p.MaxWait
	if op.MaxElapsedTime <= 0 {
		op.MaxElapsedTime = 5 * time.Second
	}
	return backoff.Retry(func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		err := p.Writer.WriteMessages(attemptCtx, kafka.Message{Key: []byte(event.EventID), Value: payload})
		if err != nil {
			p.Logger.Warn().Err(err).Str("event_id", event.EventID).Msg("publish dispatch event failed")
		}
		return err
	}, backoff.WithContext(op, ctx))
}
