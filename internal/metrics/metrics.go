package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_gateway_turns_total",
			Help: "Total number of chat turns processed",
		},
		[]string{"outcome"},
	)

	TurnDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "warden_gateway_turn_duration_seconds",
			Help: "Full turn duration in seconds",
		},
	)

	TokensStreamed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "warden_gateway_tokens_streamed_total",
			Help: "Total number of text increments forwarded to clients",
		},
	)

	ToolExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_gateway_tool_executions_total",
			Help: "Total number of tool executions",
		},
		[]string{"tool", "outcome"},
	)

	ActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_gateway_actions_total",
			Help: "Total number of gated actions by resolution status",
		},
		[]string{"status"},
	)

	ProviderFailovers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_gateway_provider_failovers_total",
			Help: "Total number of fallback-chain slot failures",
		},
		[]string{"capability", "provider"},
	)

	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "warden_gateway_active_sessions",
			Help: "Number of connected websocket sessions",
		},
	)
)
