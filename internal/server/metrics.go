package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metrics owns a private registry so that several servers can live in one
// process, e.g. in tests.
type metrics struct {
	registry *prometheus.Registry
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	batches  *prometheus.CounterVec
	records  prometheus.Counter
	applyDur prometheus.Histogram
}

func newMetrics(node Backend) *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "replbench_http_requests_total",
			Help: "HTTP requests by route and status.",
		}, []string{"method", "route", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "replbench_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "route"}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "replbench_batches_total",
			Help: "Write batches handled, by result.",
		}, []string{"result"}),
		records: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "replbench_records_written_total",
			Help: "Records accepted through this node's write endpoint.",
		}),
		applyDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "replbench_batch_apply_seconds",
			Help:    "Time to replicate and apply one batch on the leader.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
	}
	m.registry.MustRegister(
		m.requests, m.duration, m.batches, m.records, m.applyDur,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "replbench_node_records",
			Help: "Records applied on this node.",
		}, func() float64 { return float64(node.Status().RecordCount) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "replbench_node_applied_index",
			Help: "Raft index of the last applied batch.",
		}, func() float64 { return float64(node.Status().AppliedIndex) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "replbench_node_is_leader",
			Help: "1 when this node is the raft leader.",
		}, func() float64 {
			if node.Status().Leader {
				return 1
			}
			return 0
		}),
	)
	return m
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metrics) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.requests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.duration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

func (m *metrics) observeBatch(d time.Duration, records int, err error) {
	if err != nil {
		m.batches.WithLabelValues("error").Inc()
		return
	}
	m.batches.WithLabelValues("ok").Inc()
	m.records.Add(float64(records))
	m.applyDur.Observe(d.Seconds())
}
