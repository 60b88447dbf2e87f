// Package metrics provides region and fault statistics for memcx.
// Every method is safe to call on a nil *Collector, in which case it does
// nothing, so components can be wired without metrics in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "memcx"

// Collector collects and exports runtime metrics
type Collector struct {
	registry *prometheus.Registry

	allocations   *prometheus.CounterVec // by path and strategy
	allocBytes    *prometheus.CounterVec
	allocFailures *prometheus.CounterVec // by error code
	frees         prometheus.Counter
	reallocs      prometheus.Counter
	regionEvents  *prometheus.CounterVec // create, reset, delete, reparent
	regionsLive   prometheus.Gauge
	faults        *prometheus.CounterVec // by direction and sqlstate
	conversions   prometheus.Counter
	scopeDepth    prometheus.Gauge
	scopeEntries  prometheus.Counter
}

// New creates a collector registered on its own registry.
func New(namespace string) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	c := &Collector{
		registry: prometheus.NewRegistry(),
		allocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "allocations_total",
			Help:      "Allocations served, by path and alignment strategy.",
		}, []string{"path", "strategy"}),
		allocBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "allocated_bytes_total",
			Help:      "Bytes requested from the host, by path.",
		}, []string{"path"}),
		allocFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "allocation_failures_total",
			Help:      "Allocation requests rejected, by condition code.",
		}, []string{"code"}),
		frees: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frees_total",
			Help:      "Values explicitly freed.",
		}),
		reallocs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reallocations_total",
			Help:      "Values reallocated in their owning region.",
		}),
		regionEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "region_events_total",
			Help:      "Region tree changes, by event.",
		}, []string{"event"}),
		regionsLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "regions_live",
			Help:      "Regions currently present in the tree.",
		}),
		faults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "faults_total",
			Help:      "Faults crossing the host boundary, by direction and sqlstate.",
		}, []string{"direction", "sqlstate"}),
		conversions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fault_conversion_failures_total",
			Help:      "Faults that could not be converted back to a host error.",
		}),
		scopeDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scope_depth",
			Help:      "Open current-region scopes.",
		}),
		scopeEntries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scope_entries_total",
			Help:      "Current-region scopes entered.",
		}),
	}
	c.registry.MustRegister(
		c.allocations, c.allocBytes, c.allocFailures, c.frees, c.reallocs,
		c.regionEvents, c.regionsLive, c.faults, c.conversions,
		c.scopeDepth, c.scopeEntries,
	)
	return c
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler returns an HTTP handler serving the collector in the text exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Allocation records a successful allocation.
func (c *Collector) Allocation(path, strategy string, size uintptr) {
	if c == nil {
		return
	}
	c.allocations.WithLabelValues(path, strategy).Inc()
	c.allocBytes.WithLabelValues(path).Add(float64(size))
}

// AllocationFailure records a rejected allocation request.
func (c *Collector) AllocationFailure(code string) {
	if c == nil {
		return
	}
	c.allocFailures.WithLabelValues(code).Inc()
}

func (c *Collector) Free() {
	if c == nil {
		return
	}
	c.frees.Inc()
}

func (c *Collector) Realloc() {
	if c == nil {
		return
	}
	c.reallocs.Inc()
}

// RegionEvent records a tree change and the number of regions after it.
func (c *Collector) RegionEvent(event string, live int) {
	if c == nil {
		return
	}
	c.regionEvents.WithLabelValues(event).Inc()
	c.regionsLive.Set(float64(live))
}

// Fault records a fault crossing the boundary in direction "inbound" or "outbound".
func (c *Collector) Fault(direction, sqlstate string) {
	if c == nil {
		return
	}
	c.faults.WithLabelValues(direction, sqlstate).Inc()
}

func (c *Collector) ConversionFailure() {
	if c == nil {
		return
	}
	c.conversions.Inc()
}

// ScopeEntered records a scope entry at the given depth.
func (c *Collector) ScopeEntered(depth int) {
	if c == nil {
		return
	}
	c.scopeEntries.Inc()
	c.scopeDepth.Set(float64(depth))
}

// ScopeExited records the depth after a scope exit.
func (c *Collector) ScopeExited(depth int) {
	if c == nil {
		return
	}
	c.scopeDepth.Set(float64(depth))
}
