package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/alicelabs/orchestrator/internal/core"
)

// Metrics holds all Prometheus metrics for the orchestrator core.
type Metrics struct {
	TurnsTotal    *prometheus.CounterVec
	TurnLatency   *prometheus.HistogramVec
	CacheLookups  *prometheus.CounterVec
	ToolCalls     *prometheus.CounterVec
	GuardianState *prometheus.GaugeVec
	BanditReward  *prometheus.HistogramVec
	BreakerOpen   *prometheus.GaugeVec
	QuotaRejects  *prometheus.CounterVec
	EnergyWh      *prometheus.CounterVec
	EventsDropped prometheus.Counter
}

// NewMetrics creates and registers all metric vectors.
func NewMetrics() *Metrics {
	return &Metrics{
		TurnsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_turns_total",
				Help: "Completed turns by route and cache tier",
			},
			[]string{"route", "cache_tier"},
		),

		TurnLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orchestrator_turn_latency_seconds",
				Help:    "End-to-end turn latency by route and phase",
				Buckets: []float64{0.025, 0.05, 0.1, 0.25, 0.5, 0.9, 1.5, 3.0, 5.0},
			},
			[]string{"route", "phase"}, // phase: first, full
		),

		CacheLookups: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_cache_lookups_total",
				Help: "Cache lookups by answering tier (MISS included)",
			},
			[]string{"tier"},
		),

		ToolCalls: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_tool_calls_total",
				Help: "Tool invocations by tool name and outcome class",
			},
			[]string{"tool", "class"},
		),

		GuardianState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "orchestrator_guardian_state",
				Help: "Current guardian state (1 for active state, 0 otherwise)",
			},
			[]string{"state"},
		),

		BanditReward: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orchestrator_bandit_reward",
				Help:    "Observed bandit reward per arm",
				Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
			},
			[]string{"arm"},
		),

		BreakerOpen: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "orchestrator_breaker_open",
				Help: "Whether the named dependency breaker is open",
			},
			[]string{"dependency"},
		),

		QuotaRejects: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_quota_rejects_total",
				Help: "Requests rejected by per-route quota windows",
			},
			[]string{"route"},
		),

		EnergyWh: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_energy_wh_total",
				Help: "Cumulative estimated energy by route",
			},
			[]string{"route"},
		),

		EventsDropped: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "orchestrator_telemetry_dropped_total",
				Help: "Telemetry events dropped due to backpressure",
			},
		),
	}
}

// RecordTurn updates all per-turn metric vectors.
func (m *Metrics) RecordTurn(t *core.Turn) {
	route := t.Route.String()
	m.TurnsTotal.WithLabelValues(route, string(t.CacheTier)).Inc()
	m.TurnLatency.WithLabelValues(route, "first").Observe(float64(t.E2EFirstMs) / 1000)
	m.TurnLatency.WithLabelValues(route, "full").Observe(float64(t.E2EFullMs) / 1000)
	m.CacheLookups.WithLabelValues(string(t.CacheTier)).Inc()
	m.EnergyWh.WithLabelValues(route).Add(t.EnergyWh)

	for _, tc := range t.ToolCalls {
		m.ToolCalls.WithLabelValues(tc.Name, string(tc.Class)).Inc()
	}
}

// SetGuardianState flips the state gauge family to the active state.
func (m *Metrics) SetGuardianState(active string) {
	for _, s := range []string{"NORMAL", "BROWNOUT", "EMERGENCY", "LOCKDOWN"} {
		v := 0.0
		if s == active {
			v = 1.0
		}
		m.GuardianState.WithLabelValues(s).Set(v)
	}
}
