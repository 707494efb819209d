// Package dispatch fans one message out to every configured channel and
// folds the per-channel outcomes into a single Result.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/example/oneclick/internal/channel"
	"github.com/example/oneclick/internal/common"
)

var (
	dispatchCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oneclick_dispatch_total",
		Help: "Dispatches by overall outcome",
	}, []string{"outcome"})
	dispatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "oneclick_dispatch_duration_seconds",
		Help:    "Wall time of a full fan-out including relay fallbacks",
		Buckets: prometheus.DefBuckets,
	})
)

type Result struct {
	PerChannel     map[channel.ID]channel.Result `json:"per_channel"`
	Order          []channel.ID                  `json:"order"`
	OverallSuccess bool                          `json:"success"`
	Summary        string                        `json:"message"`
	Kind           common.ErrorKind              `json:"kind,omitempty"`
}

// Coordinator is immutable after construction; swap in a new one to change
// channel configuration.
type Coordinator struct {
	clients []channel.Client
	logger  zerolog.Logger
}

func NewCoordinator(logger zerolog.Logger, clients ...channel.Client) *Coordinator {
	return &Coordinator{
		clients: append([]channel.Client(nil), clients...),
		logger:  logger,
	}
}

// Channels lists channel ids in configuration order.
func (c *Coordinator) Channels() []channel.ID {
	ids := make([]channel.ID, len(c.clients))
	for i, cl := range c.clients {
		ids[i] = cl.ID()
	}
	return ids
}

// PostToAll validates msg, then sends it to every channel concurrently and
// waits for all of them. A failing channel never cancels its siblings, and
// cancelling ctx does not abort requests already in flight.
func (c *Coordinator) PostToAll(ctx context.Context, msg channel.Message) Result {
	ctx, span := otel.Tracer("dispatch").Start(ctx, "post_to_all")
	defer span.End()
	logger := common.WithContext(ctx, c.logger)

	if err := msg.Validate(); err != nil {
		dispatchCounter.WithLabelValues("rejected").Inc()
		logger.Info().Err(err).Msg("message rejected")
		return Result{
			PerChannel: map[channel.ID]channel.Result{},
			Summary:    err.Error(),
			Kind:       common.KindValidation,
		}
	}

	start := time.Now()
	results := c.fanOut(ctx, func(ctx context.Context, cl channel.Client) channel.Result {
		return cl.Send(ctx, msg)
	})
	dispatchLatency.Observe(time.Since(start).Seconds())

	res := Result{PerChannel: results, Order: c.Channels()}
	res.OverallSuccess, res.Summary = summarize(res.Order, results)
	span.SetAttributes(attribute.Bool("dispatch.success", res.OverallSuccess))
	dispatchCounter.WithLabelValues(outcomeLabel(res)).Inc()
	logger.Info().Bool("success", res.OverallSuccess).Str("summary", res.Summary).Msg("dispatch finished")
	return res
}

// TestConnections probes every channel with the same fan-out discipline as
// PostToAll.
func (c *Coordinator) TestConnections(ctx context.Context) map[channel.ID]channel.Result {
	ctx, span := otel.Tracer("dispatch").Start(ctx, "test_connections")
	defer span.End()
	return c.fanOut(ctx, func(ctx context.Context, cl channel.Client) channel.Result {
		return cl.Probe(ctx)
	})
}

func (c *Coordinator) fanOut(ctx context.Context, call func(context.Context, channel.Client) channel.Result) map[channel.ID]channel.Result {
	ctx = context.WithoutCancel(ctx)
	results := make([]channel.Result, len(c.clients))

	var wg sync.WaitGroup
	for i, cl := range c.clients {
		wg.Add(1)
		go func(i int, cl channel.Client) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error().Str("channel", string(cl.ID())).Interface("panic", r).Msg("channel client panicked")
					results[i] = channel.Result{
						Channel: cl.ID(),
						Message: fmt.Sprintf("%s Error: internal error", cl.ID().Name()),
						Kind:    common.KindTransport,
					}
				}
			}()
			res := call(ctx, cl)
			res.Channel = cl.ID()
			results[i] = res
		}(i, cl)
	}
	wg.Wait()

	out := make(map[channel.ID]channel.Result, len(results))
	for _, r := range results {
		out[r.Channel] = r
	}
	return out
}

func outcomeLabel(res Result) string {
	succeeded := 0
	for _, r := range res.PerChannel {
		if r.Success {
			succeeded++
		}
	}
	switch {
	case len(res.PerChannel) > 0 && succeeded == len(res.PerChannel):
		return "success"
	case succeeded > 0:
		return "partial"
	default:
		return "failure"
	}
}
