package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Sriram-PR/site-archiver/pkg/utils"
)

// Metrics holds the Prometheus collectors for an archive run.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	ItemsTotal    *prometheus.CounterVec
	FetchesTotal  *prometheus.CounterVec
	FetchDuration *prometheus.HistogramVec
	BytesWritten  *prometheus.CounterVec
	QueueDepth    *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg.
// A nil reg creates unregistered collectors.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ItemsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "archiver_items_total",
			Help: "Crawl items reaching a terminal state, by site and outcome.",
		}, []string{"site", "outcome"}),
		FetchesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "archiver_fetches_total",
			Help: "Completed fetch attempts by asset kind and result.",
		}, []string{"kind", "result"}), // result: ok or an error category
		FetchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "archiver_fetch_duration_seconds",
			Help:    "Duration of fetches including retries.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"kind"}),
		BytesWritten: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "archiver_bytes_written_total",
			Help: "Bytes written to the archive by site and category.",
		}, []string{"site", "category"}),
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "archiver_queue_depth",
			Help: "Items waiting in the crawl queue.",
		}, []string{"site"}),
	}
}

// ObserveOutcome counts one item reaching a terminal state
func (m *Metrics) ObserveOutcome(site, outcome string) {
	if m == nil {
		return
	}
	m.ItemsTotal.WithLabelValues(site, outcome).Inc()
}

// ObserveFetch records a fetch result; err == nil counts as "ok"
func (m *Metrics) ObserveFetch(kind string, err error, took time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = utils.CategorizeError(err)
	}
	m.FetchesTotal.WithLabelValues(kind, result).Inc()
	m.FetchDuration.WithLabelValues(kind).Observe(took.Seconds())
}

func (m *Metrics) AddBytes(site, category string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.BytesWritten.WithLabelValues(site, category).Add(float64(n))
}

func (m *Metrics) SetQueueDepth(site string, n int) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(site).Set(float64(n))
}
