package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricSessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mcp_sessions_active",
		Help: "Live backend sessions",
	})

	metricSessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mcp_sessions_created_total",
		Help: "Backend sessions successfully established",
	})

	metricSessionsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mcp_session_init_failures_total",
		Help: "Backend session builds that failed before becoming ready",
	})

	metricSessionsEvicted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mcp_sessions_evicted_total",
		Help: "Backend sessions removed from the table",
	}, []string{"reason"})

	metricInvocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mcp_invocations_total",
		Help: "Requests proxied to backend sessions",
	}, []string{"status"})
)
