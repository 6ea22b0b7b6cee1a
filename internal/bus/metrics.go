package bus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "altergolden_bus_published_total",
		Help: "Envelopes published, by channel.",
	}, []string{"channel"})

	metricReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "altergolden_bus_received_total",
		Help: "Envelopes received, by channel.",
	}, []string{"channel"})

	metricDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "altergolden_bus_dropped_total",
		Help: "Envelopes dropped, by reason (malformed, self, unknown_request).",
	}, []string{"reason"})

	metricGatherTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "altergolden_bus_gather_timeouts_total",
		Help: "Scatter-gather requests that completed on timeout with partial results.",
	})
)
