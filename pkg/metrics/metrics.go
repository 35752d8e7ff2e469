// Package metrics owns the Prometheus registry and every instrument the
// fabric exposes. When disabled the manager is constructed but records
// nothing, so call sites never nil-check.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Manager holds the private registry and all instruments.
type Manager struct {
	enabled  bool
	registry *prometheus.Registry

	// HTTP surface
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	// Ingest pipeline
	ingestTotal     *prometheus.CounterVec
	ingestRisk      prometheus.Histogram
	evolutionLinks  *prometheus.CounterVec
	quarantineTotal prometheus.Counter

	// Recall fan-out
	recallDuration prometheus.Histogram
	recallSources  prometheus.Histogram
	portSearch     *prometheus.CounterVec
	breakerState   *prometheus.GaugeVec

	// Maintenance
	decayProcessed  prometheus.Counter
	decayMarked     prometheus.Counter
	coolingTotal    prometheus.Counter
	deletionTotal   *prometheus.CounterVec
	consolidatorRun *prometheus.CounterVec
}

// New builds the manager and registers every instrument on a private
// registry.
func New(enabled bool) *Manager {
	m := &Manager{
		enabled:  enabled,
		registry: prometheus.NewRegistry(),
	}
	if !enabled {
		return m
	}

	m.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "memfabric",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by method, path and status.",
	}, []string{"method", "path", "status"})

	m.httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "memfabric",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path"})

	m.ingestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "memfabric",
		Subsystem: "ingest",
		Name:      "atoms_total",
		Help:      "Ingested atoms by outcome (created, duplicate, quarantined, blocked).",
	}, []string{"outcome"})

	m.ingestRisk = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "memfabric",
		Subsystem: "ingest",
		Name:      "risk_score",
		Help:      "MemGuard risk score distribution.",
		Buckets:   []float64{0.1, 0.25, 0.45, 0.6, 0.7, 0.8, 0.9, 1.0},
	})

	m.evolutionLinks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "memfabric",
		Subsystem: "ingest",
		Name:      "evolution_links_total",
		Help:      "Evolution engine link decisions by relation.",
	}, []string{"relation"})

	m.quarantineTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "memfabric",
		Subsystem: "ingest",
		Name:      "quarantined_total",
		Help:      "Atoms written in quarantine.",
	})

	m.recallDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "memfabric",
		Subsystem: "recall",
		Name:      "duration_seconds",
		Help:      "End-to-end recall latency.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 3},
	})

	m.recallSources = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "memfabric",
		Subsystem: "recall",
		Name:      "sources",
		Help:      "Distinct backends contributing to a recall.",
		Buckets:   []float64{0, 1, 2, 3, 4, 5},
	})

	m.portSearch = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "memfabric",
		Subsystem: "ports",
		Name:      "search_total",
		Help:      "Port search calls by port and outcome.",
	}, []string{"port", "outcome"})

	m.breakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "memfabric",
		Subsystem: "ports",
		Name:      "breaker_open",
		Help:      "1 when the port's circuit breaker is open.",
	}, []string{"port"})

	m.decayProcessed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "memfabric",
		Subsystem: "decay",
		Name:      "processed_total",
		Help:      "Memories evaluated by the decay processor.",
	})

	m.decayMarked = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "memfabric",
		Subsystem: "decay",
		Name:      "marked_decayed_total",
		Help:      "Memories whose recall strength fell below the decayed threshold.",
	})

	m.coolingTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "memfabric",
		Subsystem: "relationship",
		Name:      "cooled_total",
		Help:      "Relationship demotions via the cooling process.",
	})

	m.deletionTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "memfabric",
		Subsystem: "deletion",
		Name:      "requests_total",
		Help:      "GDPR deletion requests by outcome.",
	}, []string{"outcome"})

	m.consolidatorRun = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "memfabric",
		Subsystem: "consolidator",
		Name:      "tasks_total",
		Help:      "Consolidation task executions by task and status.",
	}, []string{"task", "status"})

	m.registry.MustRegister(
		m.httpRequests, m.httpDuration,
		m.ingestTotal, m.ingestRisk, m.evolutionLinks, m.quarantineTotal,
		m.recallDuration, m.recallSources, m.portSearch, m.breakerState,
		m.decayProcessed, m.decayMarked, m.coolingTotal,
		m.deletionTotal, m.consolidatorRun,
	)
	return m
}

// Enabled reports whether instruments are live.
func (m *Manager) Enabled() bool { return m.enabled }

// Handler serves the registry for the /metrics endpoint.
func (m *Manager) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Manager) RecordHTTPRequest(method, path, status string, elapsed time.Duration) {
	if !m.enabled {
		return
	}
	m.httpRequests.WithLabelValues(method, path, status).Inc()
	m.httpDuration.WithLabelValues(method, path).Observe(elapsed.Seconds())
}

func (m *Manager) RecordIngest(outcome string, risk float64) {
	if !m.enabled {
		return
	}
	m.ingestTotal.WithLabelValues(outcome).Inc()
	m.ingestRisk.Observe(risk)
	if outcome == "quarantined" {
		m.quarantineTotal.Inc()
	}
}

func (m *Manager) RecordEvolution(relation string) {
	if !m.enabled {
		return
	}
	m.evolutionLinks.WithLabelValues(relation).Inc()
}

func (m *Manager) RecordRecall(elapsed time.Duration, sources int) {
	if !m.enabled {
		return
	}
	m.recallDuration.Observe(elapsed.Seconds())
	m.recallSources.Observe(float64(sources))
}

func (m *Manager) RecordPortSearch(port string, err error) {
	if !m.enabled {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.portSearch.WithLabelValues(port, outcome).Inc()
}

func (m *Manager) SetBreakerOpen(port string, open bool) {
	if !m.enabled {
		return
	}
	v := 0.0
	if open {
		v = 1.0
	}
	m.breakerState.WithLabelValues(port).Set(v)
}

func (m *Manager) RecordDecay(processed, marked int) {
	if !m.enabled {
		return
	}
	m.decayProcessed.Add(float64(processed))
	m.decayMarked.Add(float64(marked))
}

func (m *Manager) RecordCooling(cooled int) {
	if !m.enabled {
		return
	}
	m.coolingTotal.Add(float64(cooled))
}

func (m *Manager) RecordDeletion(success bool) {
	if !m.enabled {
		return
	}
	outcome := "success"
	if !success {
		outcome = "partial_failure"
	}
	m.deletionTotal.WithLabelValues(outcome).Inc()
}

func (m *Manager) RecordConsolidatorTask(task, status string) {
	if !m.enabled {
		return
	}
	m.consolidatorRun.WithLabelValues(task, status).Inc()
}
