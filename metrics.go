package tablepoll

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "tablepoll"

// Metrics collects counters of the client and the pollers. A nil *Metrics
// records nothing.
type Metrics struct {
	requestsTotal      *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	tokenRefreshTotal  *prometheus.CounterVec
	pollCyclesTotal    *prometheus.CounterVec
	recordsEmitted     *prometheus.CounterVec
	offsetCommitsTotal *prometheus.CounterVec
}

// NewMetrics creates Metrics registered on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		requestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "api_requests_total",
				Help:      "Table API request attempts by table and outcome",
			},
			[]string{"table", "outcome"},
		),
		requestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "api_request_duration_seconds",
				Help:      "Table API request attempt duration",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
			},
			[]string{"table"},
		),
		tokenRefreshTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "token_refresh_total",
				Help:      "Access token acquisitions by grant and outcome",
			},
			[]string{"grant", "outcome"},
		),
		pollCyclesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "poll_cycles_total",
				Help:      "Partition poll cycles by table key and outcome",
			},
			[]string{"partition", "outcome"},
		),
		recordsEmitted: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "records_emitted_total",
				Help:      "Records emitted by table key",
			},
			[]string{"partition"},
		),
		offsetCommitsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "offset_commits_total",
				Help:      "Offset commits by outcome",
			},
			[]string{"outcome"},
		),
	}
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func (m *Metrics) observeRequest(table string, seconds float64, err error) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(table, outcome(err)).Inc()
	m.requestDuration.WithLabelValues(table).Observe(seconds)
}

func (m *Metrics) observeTokenRefresh(grant string, err error) {
	if m == nil {
		return
	}
	m.tokenRefreshTotal.WithLabelValues(grant, outcome(err)).Inc()
}

func (m *Metrics) observePollCycle(partition string, records int, err error) {
	if m == nil {
		return
	}
	m.pollCyclesTotal.WithLabelValues(partition, outcome(err)).Inc()
	if records > 0 {
		m.recordsEmitted.WithLabelValues(partition).Add(float64(records))
	}
}

func (m *Metrics) observeCommit(err error) {
	if m == nil {
		return
	}
	m.offsetCommitsTotal.WithLabelValues(outcome(err)).Inc()
}
