package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	serverStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mcpd",
			Subsystem: "server",
			Name:      "starts_total",
			Help:      "Number of successful MCP server starts.",
		}, []string{"id"},
	)
	serverStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mcpd",
			Subsystem: "server",
			Name:      "stops_total",
			Help:      "Number of MCP server stops (graceful or kill).",
		}, []string{"id"},
	)
	launchFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mcpd",
			Subsystem: "server",
			Name:      "launch_failures_total",
			Help:      "Number of launches that failed or exited within the grace period.",
		}, []string{"id"},
	)
	runningServers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mcpd",
			Subsystem: "server",
			Name:      "running",
			Help:      "Current number of running MCP servers.",
		},
	)
	dispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mcpd",
			Subsystem: "dispatch",
			Name:      "messages_total",
			Help:      "Envelopes handled by the dispatcher, by envelope type and result code.",
		}, []string{"type", "code"},
	)
	broadcastTicks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mcpd",
			Subsystem: "broadcast",
			Name:      "ticks_total",
			Help:      "Status broadcast ticks delivered.",
		},
	)
	broadcastSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mcpd",
			Subsystem: "broadcast",
			Name:      "subscribers",
			Help:      "Currently subscribed status listeners.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		serverStarts, serverStops, launchFailures, runningServers,
		dispatchTotal, broadcastTicks, broadcastSubscribers,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Helpers below no-op until Register has been called.

func IncStart(id string) {
	if regOK.Load() {
		serverStarts.WithLabelValues(id).Inc()
	}
}

func IncStop(id string) {
	if regOK.Load() {
		serverStops.WithLabelValues(id).Inc()
	}
}

func IncLaunchFailure(id string) {
	if regOK.Load() {
		launchFailures.WithLabelValues(id).Inc()
	}
}

func SetRunning(n int) {
	if regOK.Load() {
		runningServers.Set(float64(n))
	}
}

func IncDispatch(envType, code string) {
	if regOK.Load() {
		dispatchTotal.WithLabelValues(envType, code).Inc()
	}
}

func IncBroadcastTick() {
	if regOK.Load() {
		broadcastTicks.Inc()
	}
}

func SetSubscribers(n int) {
	if regOK.Load() {
		broadcastSubscribers.Set(float64(n))
	}
}
