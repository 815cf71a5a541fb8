// Package metrics exposes the gateway's Prometheus instrumentation.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "coreason"
	subsystem = "gateway"
)

// Collector owns the metric registry and the gateway's counters.
type Collector struct {
	registry *prometheus.Registry

	requestsTotal    *prometheus.CounterVec
	admissionRejects prometheus.Counter
	upstreamRetries  prometheus.Counter
	tokensAccounted  *prometheus.CounterVec
}

func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "requests_total",
				Help:      "Total number of HTTP requests processed",
			},
			[]string{"path", "status"},
		),
		admissionRejects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "admission_rejects_total",
				Help:      "Requests rejected by budget admission control",
			},
		),
		upstreamRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "upstream_retries_total",
				Help:      "Retry waits taken against upstream providers",
			},
		),
		tokensAccounted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "tokens_accounted_total",
				Help:      "Tokens debited from budgets, by count type",
			},
			[]string{"type"},
		),
	}

	c.registry.MustRegister(
		c.requestsTotal,
		c.admissionRejects,
		c.upstreamRetries,
		c.tokensAccounted,
	)
	return c
}

// Handler serves the /metrics endpoint.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) ObserveRequest(path string, status int) {
	c.requestsTotal.WithLabelValues(path, strconv.Itoa(status)).Inc()
}

func (c *Collector) IncAdmissionReject() {
	c.admissionRejects.Inc()
}

func (c *Collector) IncUpstreamRetry() {
	c.upstreamRetries.Inc()
}

// AddTokens records accounted usage.
func (c *Collector) AddTokens(prompt, completion, total int) {
	c.tokensAccounted.WithLabelValues("prompt").Add(float64(prompt))
	c.tokensAccounted.WithLabelValues("completion").Add(float64(completion))
	c.tokensAccounted.WithLabelValues("total").Add(float64(total))
}
