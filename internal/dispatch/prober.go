package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/example/oneclick/internal/channel"
)

const probeTimeout = time.Minute

var channelUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "oneclick_channel_up",
	Help: "1 when the last scheduled probe of the channel succeeded",
}, []string{"channel"})

// Prober runs TestConnections on a cron schedule against whatever
// coordinator is current when the job fires.
type Prober struct {
	cron    *cron.Cron
	current func() *Coordinator
	logger  zerolog.Logger
}

func NewProber(schedule string, current func() *Coordinator, logger zerolog.Logger) (*Prober, error) {
	p := &Prober{
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		current: current,
		logger:  logger,
	}
	if _, err := p.cron.AddFunc(schedule, func() { p.Run(context.Background()) }); err != nil {
		return nil, fmt.Errorf("probe schedule %q: %w", schedule, err)
	}
	return p, nil
}

func (p *Prober) Start() { p.cron.Start() }

// Stop halts the schedule and returns a context done once a running probe
// has finished.
func (p *Prober) Stop() context.Context { return p.cron.Stop() }

func (p *Prober) Run(ctx context.Context) map[channel.ID]channel.Result {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	results := p.current().TestConnections(ctx)
	for id, res := range results {
		up := 0.0
		if res.Success {
			up = 1
		} else {
			p.logger.Warn().Str("channel", string(id)).Str("reason", res.Message).Msg("channel probe failed")
		}
		channelUp.WithLabelValues(string(id)).Set(up)
	}
	return results
}
