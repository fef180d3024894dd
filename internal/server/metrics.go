package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"net/http"
)

// Metrics are the process-level counters and gauges exposed on /metrics
type Metrics struct {
	registry *prometheus.Registry

	TasksSubmitted *prometheus.CounterVec
	TasksTerminal  *prometheus.CounterVec
	QueueDepth     prometheus.GaugeFunc
	Workers        prometheus.GaugeFunc
	Exploration    prometheus.GaugeFunc
}

// NewMetrics registers the instruments against a private registry
func NewMetrics(queueDepth, workers func() float64, exploration func() float64) *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		TasksSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentorch_tasks_submitted_total",
			Help: "Tasks accepted by the orchestrator, by priority.",
		}, []string{"priority"}),
		TasksTerminal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentorch_tasks_terminal_total",
			Help: "Tasks reaching a terminal state, by state.",
		}, []string{"state"}),
		QueueDepth: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "agentorch_queue_depth",
			Help: "Tasks waiting in the dispatch queue.",
		}, queueDepth),
		Workers: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "agentorch_pool_workers",
			Help: "Workers currently alive in the pool.",
		}, workers),
		Exploration: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "agentorch_router_exploration_rate",
			Help: "Current annealed exploration rate.",
		}, exploration),
	}

	reg.MustRegister(m.TasksSubmitted, m.TasksTerminal, m.QueueDepth, m.Workers, m.Exploration)
	return m
}

// Handler serves the prometheus exposition endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
