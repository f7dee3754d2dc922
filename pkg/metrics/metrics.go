// Package metrics exposes engine counters in Prometheus format.
// All methods are safe on a nil *Metrics so components can run without it.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/uhyunpark/hyperroute/pkg/queue"
)

const namespace = "hyperroute"

type Metrics struct {
	registry *prometheus.Registry

	ordersCreated  prometheus.Counter
	ordersFinished *prometheus.CounterVec
	retries        prometheus.Counter
	venueSelected  *prometheus.CounterVec
	stageDuration  *prometheus.HistogramVec
	httpRequests   *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		ordersCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_created_total",
			Help:      "Orders accepted by the API.",
		}),
		ordersFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_finished_total",
			Help:      "Orders that reached a terminal status.",
		}, []string{"status"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_retries_total",
			Help:      "Failed execution attempts.",
		}),
		venueSelected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "venue_selected_total",
			Help:      "Routing decisions per winning venue.",
		}, []string{"venue"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Time spent in each execution stage.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2, 3, 5, 10, 30},
		}, []string{"stage", "outcome"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "API requests by route and status code.",
		}, []string{"route", "code"}),
	}
	reg.MustRegister(
		m.ordersCreated,
		m.ordersFinished,
		m.retries,
		m.venueSelected,
		m.stageDuration,
		m.httpRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// QueueSource is the part of the queue the gauges read
type QueueSource interface {
	Counts() queue.Counts
}

// queueCollector reports queue depth per state on every scrape
type queueCollector struct {
	src  QueueSource
	desc *prometheus.Desc
}

func (c *queueCollector) Describe(ch chan<- *prometheus.Desc) { ch <- c.desc }

func (c *queueCollector) Collect(ch chan<- prometheus.Metric) {
	counts := c.src.Counts()
	for state, n := range map[queue.State]int{
		queue.StateWaiting:   counts.Waiting,
		queue.StateDelayed:   counts.Delayed,
		queue.StateActive:    counts.Active,
		queue.StateCompleted: counts.Completed,
		queue.StateFailed:    counts.Failed,
	} {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(n), string(state))
	}
}

// WatchQueue registers queue depth gauges
func (m *Metrics) WatchQueue(src QueueSource) error {
	if m == nil {
		return nil
	}
	return m.registry.Register(&queueCollector{
		src: src,
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "queue", "jobs"),
			"Jobs in the execution queue by state.",
			[]string{"state"}, nil,
		),
	})
}

func (m *Metrics) OrderCreated() {
	if m == nil {
		return
	}
	m.ordersCreated.Inc()
}

func (m *Metrics) OrderFinished(status string) {
	if m == nil {
		return
	}
	m.ordersFinished.WithLabelValues(status).Inc()
}

func (m *Metrics) Retry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

func (m *Metrics) VenueSelected(venue string) {
	if m == nil {
		return
	}
	m.venueSelected.WithLabelValues(venue).Inc()
}

// ObserveStage records how long a stage ran; outcome is "ok" or "error"
func (m *Metrics) ObserveStage(stage string, d time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.stageDuration.WithLabelValues(stage, outcome).Observe(d.Seconds())
}

func (m *Metrics) HTTPRequest(route string, code int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

// Registry exposes the underlying registry, mainly for tests
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
