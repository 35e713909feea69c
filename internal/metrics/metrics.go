// Package metrics holds the Prometheus collectors of the service. Collectors
// are registered on the registry passed to New, never on the global default.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "genflow"

// Metrics is safe to use as a nil pointer; every recorder is then a no-op.
type Metrics struct {
	HTTPRequestTotal    *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	WorkflowsStarted  *prometheus.CounterVec
	WorkflowsFinished *prometheus.CounterVec
	StepDuration      *prometheus.HistogramVec

	LedgerOperations *prometheus.CounterVec
	CreditsDebited   prometheus.Counter

	VaultOperations *prometheus.CounterVec

	DispatchTotal *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),

		WorkflowsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflows_started_total",
			Help:      "Workflows admitted, by type",
		}, []string{"type"}),

		WorkflowsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflows_finished_total",
			Help:      "Workflows reaching a terminal status",
		}, []string{"type", "status"}),

		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Provider call duration per step",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120, 300},
		}, []string{"step", "provider", "outcome"}),

		LedgerOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_operations_total",
			Help:      "Ledger debits and credits by outcome",
		}, []string{"operation", "outcome"}),

		CreditsDebited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credits_debited_total",
			Help:      "Credits debited from user balances",
		}),

		VaultOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vault_operations_total",
			Help:      "Credential store and resolve operations by outcome",
		}, []string{"operation", "outcome"}),

		DispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_events_total",
			Help:      "Workflow start events by transport and outcome",
		}, []string{"transport", "outcome"}),
	}

	reg.MustRegister(
		m.HTTPRequestTotal,
		m.HTTPRequestDuration,
		m.WorkflowsStarted,
		m.WorkflowsFinished,
		m.StepDuration,
		m.LedgerOperations,
		m.CreditsDebited,
		m.VaultOperations,
		m.DispatchTotal,
	)
	return m
}

// Handler serves the collectors gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (m *Metrics) ObserveHTTP(method, route, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestTotal.WithLabelValues(method, route, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route, status).Observe(d.Seconds())
}

func (m *Metrics) WorkflowStarted(workflowType string) {
	if m == nil {
		return
	}
	m.WorkflowsStarted.WithLabelValues(workflowType).Inc()
}

func (m *Metrics) WorkflowFinished(workflowType, status string) {
	if m == nil {
		return
	}
	m.WorkflowsFinished.WithLabelValues(workflowType, status).Inc()
}

func (m *Metrics) ObserveStep(step, provider string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.StepDuration.WithLabelValues(step, provider, outcome(err)).Observe(d.Seconds())
}

// LedgerOperation records a debit or credit; debited amounts feed CreditsDebited.
func (m *Metrics) LedgerOperation(operation string, amount int, err error) {
	if m == nil {
		return
	}
	m.LedgerOperations.WithLabelValues(operation, outcome(err)).Inc()
	if err == nil && operation == "debit" {
		m.CreditsDebited.Add(float64(amount))
	}
}

func (m *Metrics) VaultOperation(operation string, err error) {
	if m == nil {
		return
	}
	m.VaultOperations.WithLabelValues(operation, outcome(err)).Inc()
}

func (m *Metrics) Dispatched(transport string, err error) {
	if m == nil {
		return
	}
	m.DispatchTotal.WithLabelValues(transport, outcome(err)).Inc()
}
