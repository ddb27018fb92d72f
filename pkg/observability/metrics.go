package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Bus metrics
	busPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "freezetag_bus_published_total",
			Help: "Total number of messages published on the bus",
		},
		[]string{"channel"},
	)

	busDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "freezetag_bus_dropped_total",
			Help: "Total number of messages dropped because a subscriber queue was full",
		},
		[]string{"channel"},
	)

	// Agent metrics
	agentDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "freezetag_agent_deliveries_total",
			Help: "Total number of messages handled by an agent",
		},
		[]string{"agent", "channel", "status"},
	)

	agentHandlerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "freezetag_agent_handler_duration_seconds",
			Help:    "Time spent in message handlers",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
		},
		[]string{"channel"},
	)

	agentPhase = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "freezetag_agent_phase",
			Help: "Lifecycle phase of an agent (0 not started, 1 running, 2 stopped)",
		},
		[]string{"agent"},
	)

	// Game metrics
	capturesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "freezetag_freeze_published_total",
			Help: "Total number of FREEZE messages published by the coordinator",
		},
	)

	activeEvaders = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "freezetag_active_evaders",
			Help: "Number of evaders the coordinator currently considers un-frozen",
		},
	)

	staleAgents = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "freezetag_stale_agents",
			Help: "Number of agents whose last position report is older than the stale threshold",
		},
	)

	initOnce sync.Once
)

// InitMetrics registers the collectors with the default registry.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			busPublishedTotal,
			busDroppedTotal,
			agentDeliveriesTotal,
			agentHandlerDuration,
			agentPhase,
			capturesTotal,
			activeEvaders,
			staleAgents,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordPublish counts a message published on channel.
func RecordPublish(channel string) {
	busPublishedTotal.WithLabelValues(channel).Inc()
}

// RecordDrop counts a message dropped on channel.
func RecordDrop(channel string) {
	busDroppedTotal.WithLabelValues(channel).Inc()
}

// RecordDelivery records a handled message. status is "ok", "error" or "panic".
func RecordDelivery(agent, channel, status string, duration time.Duration) {
	agentDeliveriesTotal.WithLabelValues(agent, channel, status).Inc()
	agentHandlerDuration.WithLabelValues(channel).Observe(duration.Seconds())
}

// SetAgentPhase publishes the phase of agent.
func SetAgentPhase(agent string, phase int) {
	agentPhase.WithLabelValues(agent).Set(float64(phase))
}

// RecordFreeze counts a FREEZE publication.
func RecordFreeze() {
	capturesTotal.Inc()
}

// SetActiveEvaders sets the active evader gauge.
func SetActiveEvaders(count int) {
	activeEvaders.Set(float64(count))
}

// SetStaleAgents sets the stale agent gauge.
func SetStaleAgents(count int) {
	staleAgents.Set(float64(count))
}
