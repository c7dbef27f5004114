package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics captures counters for ingestion, execution and the AI gate.
type Metrics interface {
	IncSignalsIngested(source string)
	IncSignalsDuplicate(source string)
	IncExecutions(status string)
	IncAICalls(category, outcome string)
	IncQuotaRejected(category, code string)
	ObserveActionDuration(kind string, durationSeconds float64)
}

// Noop implements Metrics without emitting anything.
type Noop struct{}

func (Noop) IncSignalsIngested(string)             {}
func (Noop) IncSignalsDuplicate(string)            {}
func (Noop) IncExecutions(string)                  {}
func (Noop) IncAICalls(string, string)             {}
func (Noop) IncQuotaRejected(string, string)       {}
func (Noop) ObserveActionDuration(string, float64) {}

// Prom implements Metrics backed by Prometheus collectors.
type Prom struct {
	signalsIngested  *prometheus.CounterVec
	signalsDuplicate *prometheus.CounterVec
	executions       *prometheus.CounterVec
	aiCalls          *prometheus.CounterVec
	quotaRejected    *prometheus.CounterVec
	actionDuration   *prometheus.HistogramVec
	once             sync.Once
}

func NewProm(namespace string) *Prom {
	p := &Prom{
		signalsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_ingested_total",
			Help:      "Signals ingested by source",
		}, []string{"source"}),
		signalsDuplicate: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_duplicate_total",
			Help:      "Duplicate ingestions suppressed by source",
		}, []string{"source"}),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_executions_total",
			Help:      "Workflow executions by terminal status",
		}, []string{"status"}),
		aiCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ai_calls_total",
			Help:      "AI provider calls by category and outcome",
		}, []string{"category", "outcome"}),
		quotaRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_rejected_total",
			Help:      "Requests rejected by the quota governor",
		}, []string{"category", "code"}),
		actionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "action_duration_seconds",
			Help:      "Workflow action duration by kind",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
	}
	p.register()
	return p
}

func (p *Prom) register() {
	p.once.Do(func() {
		prometheus.MustRegister(
			p.signalsIngested,
			p.signalsDuplicate,
			p.executions,
			p.aiCalls,
			p.quotaRejected,
			p.actionDuration,
		)
	})
}

func (p *Prom) IncSignalsIngested(source string) {
	p.signalsIngested.WithLabelValues(source).Inc()
}

func (p *Prom) IncSignalsDuplicate(source string) {
	p.signalsDuplicate.WithLabelValues(source).Inc()
}

func (p *Prom) IncExecutions(status string) {
	p.executions.WithLabelValues(status).Inc()
}

func (p *Prom) IncAICalls(category, outcome string) {
	p.aiCalls.WithLabelValues(category, outcome).Inc()
}

func (p *Prom) IncQuotaRejected(category, code string) {
	p.quotaRejected.WithLabelValues(category, code).Inc()
}

func (p *Prom) ObserveActionDuration(kind string, durationSeconds float64) {
	p.actionDuration.WithLabelValues(kind).Observe(durationSeconds)
}

// Handler returns an HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
