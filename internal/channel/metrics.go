package channel

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oneclick_channel_requests_total",
		Help: "Channel sends and probes by outcome",
	}, []string{"channel", "op", "status"})
	relayAttemptCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oneclick_relay_attempts_total",
		Help: "Relay chain attempts by endpoint and outcome",
	}, []string{"endpoint", "status"})
)

func observe(id ID, op string, success bool) {
	requestCounter.WithLabelValues(string(id), op, statusLabel(success)).Inc()
}

func statusLabel(success bool) string {
	if success {
		return "ok"
	}
	return "error"
}
