// Package metrics provides Prometheus instrumentation for TermGate.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "termgate_http_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "termgate_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// Gateway metrics.
var (
	ConnectedAgents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "termgate_connected_agents",
		Help: "Number of currently connected reverse-tunnel agents.",
	})

	ConnectedViewers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "termgate_connected_viewers",
		Help: "Number of currently connected viewer sockets.",
	})

	ActiveSessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "termgate_active_sessions",
		Help: "Number of active terminal sessions by connection type.",
	}, []string{"connection_type"})

	AgentsReaped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "termgate_agents_reaped_total",
		Help: "Total number of agents removed by the heartbeat janitor.",
	})
)

// WebSocket metrics.
var (
	ViewerFramesIn = promauto.NewCounter(prometheus.CounterOpts{
		Name: "termgate_viewer_frames_in_total",
		Help: "Total number of frames received from viewers.",
	})

	ViewerFramesOut = promauto.NewCounter(prometheus.CounterOpts{
		Name: "termgate_viewer_frames_out_total",
		Help: "Total number of frames sent to viewers.",
	})

	AgentFramesIn = promauto.NewCounter(prometheus.CounterOpts{
		Name: "termgate_agent_frames_in_total",
		Help: "Total number of frames received from agents.",
	})

	AgentFramesOut = promauto.NewCounter(prometheus.CounterOpts{
		Name: "termgate_agent_frames_out_total",
		Help: "Total number of frames sent to agents.",
	})
)
