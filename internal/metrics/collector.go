// Package metrics exposes node state as Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the node metrics. A nil *Collector is valid and records
// nothing, so components can be built without metrics.
type Collector struct {
	registry *prometheus.Registry

	neighbours   *prometheus.GaugeVec
	requests     *prometheus.CounterVec
	calls        *prometheus.CounterVec
	callDuration *prometheus.HistogramVec
	workers      *prometheus.GaugeVec
	rangeCount   prometheus.Gauge
	rangeMod     prometheus.Gauge
	blocks       *prometheus.GaugeVec
	freePercent  prometheus.Gauge
	repair       *prometheus.CounterVec
	status       *prometheus.GaugeVec
}

// New creates a collector registered on reg (a fresh registry if nil).
func New(reg *prometheus.Registry, namespace string) *Collector {
	if namespace == "" {
		namespace = "rangedht"
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	builder := promauto.With(reg)
	return &Collector{
		registry: reg,
		neighbours: builder.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "neighbours",
			Help:      "Current neighbour count per direction.",
		}, []string{"direction"}),
		requests: builder.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Inbound requests by method and return code.",
		}, []string{"method", "code"}),
		calls: builder.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Outbound synchronous calls by method and result.",
		}, []string{"method", "result"}),
		callDuration: builder.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Latency of outbound synchronous calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		workers: builder.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dispatch_workers",
			Help:      "Dispatch pool size, busy workers and queued tasks.",
		}, []string{"state"}),
		rangeCount: builder.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "range_table_size",
			Help:      "Number of ranges in the local range table.",
		}),
		rangeMod: builder.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "range_table_mod_index",
			Help:      "Modification index of the local range table.",
		}),
		blocks: builder.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "blocks",
			Help:      "Blocks held locally per store.",
		}, []string{"store"}),
		freePercent: builder.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "disk_free_percent",
			Help:      "Free space on the data volume.",
		}),
		repair: builder.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "repair_blocks_total",
			Help:      "Blocks seen by repair runs by outcome.",
		}, []string{"outcome"}),
		status: builder.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "status",
			Help:      "1 for the current DHT participation status.",
		}, []string{"status"}),
	}
}

// Handler serves the registry.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collector) SetNeighbours(direction string, n int) {
	if c == nil {
		return
	}
	c.neighbours.WithLabelValues(direction).Set(float64(n))
}

func (c *Collector) ObserveRequest(method, code string) {
	if c == nil {
		return
	}
	c.requests.WithLabelValues(method, code).Inc()
}

func (c *Collector) ObserveCall(method string, d time.Duration, err error) {
	if c == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.calls.WithLabelValues(method, result).Inc()
	c.callDuration.WithLabelValues(method).Observe(d.Seconds())
}

func (c *Collector) SetWorkers(workers, busy, queued int) {
	if c == nil {
		return
	}
	c.workers.WithLabelValues("workers").Set(float64(workers))
	c.workers.WithLabelValues("busy").Set(float64(busy))
	c.workers.WithLabelValues("queued").Set(float64(queued))
}

func (c *Collector) SetRangeTable(size int, modIndex uint64) {
	if c == nil {
		return
	}
	c.rangeCount.Set(float64(size))
	c.rangeMod.Set(float64(modIndex))
}

func (c *Collector) SetBlocks(primary, replicas, reservation int) {
	if c == nil {
		return
	}
	c.blocks.WithLabelValues("primary").Set(float64(primary))
	c.blocks.WithLabelValues("replica").Set(float64(replicas))
	c.blocks.WithLabelValues("reservation").Set(float64(reservation))
}

func (c *Collector) SetFreePercent(p float64) {
	if c == nil {
		return
	}
	c.freePercent.Set(p)
}

func (c *Collector) AddRepair(invalidLocal, repairedForeign, failedForeign int) {
	if c == nil {
		return
	}
	c.repair.WithLabelValues("invalid_local").Add(float64(invalidLocal))
	c.repair.WithLabelValues("repaired_foreign").Add(float64(repairedForeign))
	c.repair.WithLabelValues("failed_repair_foreign").Add(float64(failedForeign))
}

// SetStatus marks status as the current one among all.
func (c *Collector) SetStatus(status string, all ...string) {
	if c == nil {
		return
	}
	for _, s := range all {
		c.status.WithLabelValues(s).Set(0)
	}
	c.status.WithLabelValues(status).Set(1)
}
