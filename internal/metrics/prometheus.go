package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exporter owns a private Prometheus registry with the Helix collectors.
type Exporter struct {
	registry *prometheus.Registry

	calls    *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	cost     *prometheus.CounterVec
	budget   *prometheus.GaugeVec
	thermal  *prometheus.GaugeVec
	llmState *prometheus.GaugeVec
	builds   *prometheus.CounterVec
}

// NewExporter registers every collector on a fresh registry.
func NewExporter() *Exporter {
	e := &Exporter{
		registry: prometheus.NewRegistry(),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "helix",
			Name:      "backend_calls_total",
			Help:      "Backend calls by backend, outcome and error kind.",
		}, []string{"backend", "success", "error_kind"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "helix",
			Name:      "backend_call_seconds",
			Help:      "Backend call latency.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 300, 1800},
		}, []string{"backend"}),
		cost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "helix",
			Name:      "backend_cost_usd_total",
			Help:      "Estimated USD spent per backend.",
		}, []string{"backend"}),
		budget: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "helix",
			Name:      "budget_spent_usd",
			Help:      "Spend in the current budget window.",
		}, []string{"window"}),
		thermal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "helix",
			Name:      "device_temperature_celsius",
			Help:      "Last sampled device temperature.",
		}, []string{"device"}),
		llmState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "helix",
			Name:      "local_llm_state",
			Help:      "1 for the current local LLM manager state.",
		}, []string{"state"}),
		builds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "helix",
			Name:      "rag_builds_total",
			Help:      "Completed RAG builds by outcome.",
		}, []string{"outcome"}),
	}
	e.registry.MustRegister(e.calls, e.latency, e.cost, e.budget, e.thermal, e.llmState, e.builds)
	return e
}

// ObserveCall records one backend call.
func (e *Exporter) ObserveCall(backend string, success bool, errorKind string, d time.Duration, cost float64) {
	e.calls.WithLabelValues(backend, strconv.FormatBool(success), errorKind).Inc()
	e.latency.WithLabelValues(backend).Observe(d.Seconds())
	if success && cost > 0 {
		e.cost.WithLabelValues(backend).Add(cost)
	}
}

// SetBudget publishes session and daily spend.
func (e *Exporter) SetBudget(session, daily float64) {
	e.budget.WithLabelValues("session").Set(session)
	e.budget.WithLabelValues("daily").Set(daily)
}

// SetTemperature publishes a device temperature.
func (e *Exporter) SetTemperature(device string, celsius float64) {
	e.thermal.WithLabelValues(device).Set(celsius)
}

// SetLLMState marks current as the active state among all.
func (e *Exporter) SetLLMState(current string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		e.llmState.WithLabelValues(s).Set(v)
	}
}

// ObserveBuild counts a finished RAG build.
func (e *Exporter) ObserveBuild(outcome string) {
	e.builds.WithLabelValues(outcome).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (e *Exporter) Registry() *prometheus.Registry { return e.registry }
