package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the Prometheus collectors shared by the extractor, the
// destination client and the pipeline. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	Registry      *prometheus.Registry
	PagesFetched  *prometheus.CounterVec
	FetchDuration prometheus.Histogram
	APIRequests   *prometheus.CounterVec
	APIRetries    *prometheus.CounterVec
	Errors        *prometheus.CounterVec
	ProductsTotal *prometheus.CounterVec
	PhaseDuration *prometheus.GaugeVec
}

// New constructs and registers all collectors on a dedicated registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	pages := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "etl_pages_fetched_total",
			Help: "Source pages rendered, by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)
	fetchDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "etl_page_fetch_duration_seconds",
			Help:    "Time to render and read a source page.",
			Buckets: prometheus.DefBuckets,
		},
	)
	apiRequests := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "etl_api_requests_total",
			Help: "Destination API requests, by operation and outcome.",
		},
		[]string{"op", "outcome"},
	)
	apiRetries := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "etl_api_retries_total",
			Help: "Retries scheduled against the destination API, by operation.",
		},
		[]string{"op"},
	)
	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "etl_errors_total",
			Help: "Errors by kind.",
		},
		[]string{"kind"},
	)
	products := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "etl_products_total",
			Help: "Products moving through the pipeline, by stage.",
		},
		[]string{"stage"},
	)
	phaseDuration := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "etl_phase_duration_seconds",
			Help: "Wall time of the last run's phases.",
		},
		[]string{"phase"},
	)

	registry.MustRegister(pages, fetchDuration, apiRequests, apiRetries, errorsTotal, products, phaseDuration)

	return &Metrics{
		Registry:      registry,
		PagesFetched:  pages,
		FetchDuration: fetchDuration,
		APIRequests:   apiRequests,
		APIRetries:    apiRetries,
		Errors:        errorsTotal,
		ProductsTotal: products,
		PhaseDuration: phaseDuration,
	}
}

func (m *Metrics) ObservePage(kind string, d time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.PagesFetched.WithLabelValues(kind, outcome).Inc()
	m.FetchDuration.Observe(d.Seconds())
}

func (m *Metrics) IncAPIRequest(op string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.APIRequests.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) IncRetry(op string) {
	if m == nil {
		return
	}
	m.APIRetries.WithLabelValues(op).Inc()
}

func (m *Metrics) IncError(kind string) {
	if m == nil {
		return
	}
	m.Errors.WithLabelValues(kind).Inc()
}

// AddProducts adds n to the counter of a pipeline stage.
func (m *Metrics) AddProducts(stage string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ProductsTotal.WithLabelValues(stage).Add(float64(n))
}

func (m *Metrics) SetPhaseDuration(phase string, d time.Duration) {
	if m == nil {
		return
	}
	m.PhaseDuration.WithLabelValues(phase).Set(d.Seconds())
}
