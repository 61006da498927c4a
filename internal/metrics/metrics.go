package metrics

import (
	"net/http"
	"time"

	"github.com/EternisAI/silo-dispatch/internal/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "silo_dispatch"

// Metrics collects Prometheus counters and histograms for the dispatch
// server. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry             *prometheus.Registry
	workResponsesTotal   *prometheus.CounterVec
	jobTransitionsTotal  *prometheus.CounterVec
	jobDurationSeconds   *prometheus.HistogramVec
	staleReportsTotal    *prometheus.CounterVec
	cookieReissuesTotal  prometheus.Counter
	assignmentRetries    prometheus.Counter
	identityRejections   prometheus.Counter
	consoleLinesTotal    prometheus.Counter
	materialUpdatesTotal *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	workResponsesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "work",
			Name:      "responses_total",
			Help:      "getWork responses by work type.",
		},
		[]string{"type"},
	)
	jobTransitionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "job",
			Name:      "transitions_total",
			Help:      "Job state transitions by target state.",
		},
		[]string{"state"},
	)
	jobDurationSeconds := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "job",
			Name:      "duration_seconds",
			Help:      "Time from assignment to completion.",
			Buckets:   []float64{5, 10, 30, 60, 120, 300, 600, 1200, 1800, 3600, 7200},
		},
		[]string{"result"},
	)
	staleReportsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "job",
			Name:      "stale_reports_total",
			Help:      "Status reports dropped because the job is no longer held by the reporter.",
		},
		[]string{"call"},
	)
	cookieReissuesTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "agent",
		Name:      "cookie_reissues_total",
		Help:      "Cookies replaced because a different agent process presented itself.",
	})
	assignmentRetries := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "work",
		Name:      "assignment_retries_total",
		Help:      "Job assignment commits that failed and moved on to the next candidate.",
	})
	identityRejections := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "agent",
		Name:      "identity_rejections_total",
		Help:      "Requests whose agent identity header did not match the body.",
	})
	consoleLinesTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "console",
		Name:      "lines_total",
		Help:      "Console lines accepted from agents.",
	})
	materialUpdatesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "material",
			Name:      "updates_total",
			Help:      "Material update cycles by outcome.",
		},
		[]string{"result"},
	)

	registry.MustRegister(
		collectors.NewGoCollector(),
		workResponsesTotal,
		jobTransitionsTotal,
		jobDurationSeconds,
		staleReportsTotal,
		cookieReissuesTotal,
		assignmentRetries,
		identityRejections,
		consoleLinesTotal,
		materialUpdatesTotal,
	)

	return &Metrics{
		registry:             registry,
		workResponsesTotal:   workResponsesTotal,
		jobTransitionsTotal:  jobTransitionsTotal,
		jobDurationSeconds:   jobDurationSeconds,
		staleReportsTotal:    staleReportsTotal,
		cookieReissuesTotal:  cookieReissuesTotal,
		assignmentRetries:    assignmentRetries,
		identityRejections:   identityRejections,
		consoleLinesTotal:    consoleLinesTotal,
		materialUpdatesTotal: materialUpdatesTotal,
	}
}

// Handler returns an HTTP handler that serves the metrics registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) IncWorkResponse(t protocol.WorkType) {
	if m == nil {
		return
	}
	m.workResponsesTotal.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) IncJobTransition(state protocol.JobState) {
	if m == nil {
		return
	}
	m.jobTransitionsTotal.WithLabelValues(string(state)).Inc()
}

func (m *Metrics) ObserveJobDuration(result protocol.JobResult, duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		return
	}
	if result == "" {
		result = protocol.ResultUnknown
	}
	m.jobDurationSeconds.WithLabelValues(string(result)).Observe(seconds)
}

func (m *Metrics) IncStaleReport(call string) {
	if m == nil {
		return
	}
	m.staleReportsTotal.WithLabelValues(call).Inc()
}

func (m *Metrics) IncCookieReissue() {
	if m == nil {
		return
	}
	m.cookieReissuesTotal.Inc()
}

func (m *Metrics) IncAssignmentRetry() {
	if m == nil {
		return
	}
	m.assignmentRetries.Inc()
}

func (m *Metrics) IncIdentityRejection() {
	if m == nil {
		return
	}
	m.identityRejections.Inc()
}

func (m *Metrics) AddConsoleLines(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.consoleLinesTotal.Add(float64(n))
}

func (m *Metrics) IncMaterialUpdate(result string) {
	if m == nil {
		return
	}
	if result == "" {
		result = "unknown"
	}
	m.materialUpdatesTotal.WithLabelValues(result).Inc()
}

// RegisterDrainState exports the drain flag and the number of in-flight
// material updates, read on every scrape.
func (m *Metrics) RegisterDrainState(isDraining func() bool, inFlightMDUs func() int) {
	if m == nil {
		return
	}
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "drain",
			Name:      "mode",
			Help:      "1 while the server is in drain mode.",
		}, func() float64 {
			if isDraining() {
				return 1
			}
			return 0
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "material",
			Name:      "updates_in_flight",
			Help:      "Material updates currently running.",
		}, func() float64 {
			return float64(inFlightMDUs())
		}),
	)
}

// RegisterAgentCounts exports the number of known agents per runtime status.
func (m *Metrics) RegisterAgentCounts(counts func() map[protocol.AgentRuntimeStatus]int) {
	if m == nil {
		return
	}
	m.registry.MustRegister(&agentCollector{
		counts: counts,
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "agent", "runtime_status"),
			"Known agents by runtime status.",
			[]string{"status"}, nil,
		),
	})
}

type agentCollector struct {
	counts func() map[protocol.AgentRuntimeStatus]int
	desc   *prometheus.Desc
}

func (c *agentCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *agentCollector) Collect(ch chan<- prometheus.Metric) {
	for status, n := range c.counts() {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(n), string(status))
	}
}
