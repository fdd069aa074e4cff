package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vnmchuo/model-orchestrator/internal/provider"
)

// Snapshot is the flat view exposed to callers. AverageLatency is in
// seconds and covers successful provider calls only.
type Snapshot struct {
	RequestsCount  int64            `json:"requests_count"`
	SuccessCount   int64            `json:"success_count"`
	ErrorCount     int64            `json:"error_count"`
	CacheHits      int64            `json:"cache_hits"`
	ProviderUsage  map[string]int64 `json:"provider_usage"`
	AverageLatency float64          `json:"average_latency"`
}

// Collector tallies orchestrator activity. One mutex guards every field so
// the running average is updated as a single read-modify-write.
type Collector struct {
	mu         sync.Mutex
	requests   int64
	successes  int64
	errors     int64
	cacheHits  int64
	usage      map[provider.Identity]int64
	avgLatency float64

	prom *promMetrics
}

type promMetrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	cacheHitsTotal  *prometheus.CounterVec
}

// NewCollector returns a Collector. When reg is non-nil the collector also
// registers and feeds Prometheus series.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{usage: make(map[provider.Identity]int64)}
	if reg == nil {
		return c
	}

	c.prom = &promMetrics{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "orchestrator",
				Name:      "requests_total",
				Help:      "Provider calls by provider and outcome",
			},
			[]string{"provider", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "orchestrator",
				Name:      "request_duration_seconds",
				Help:      "Latency of successful provider calls",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
			},
			[]string{"provider"},
		),
		cacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "orchestrator",
				Name:      "cache_hits_total",
				Help:      "Requests served from the response cache",
			},
			[]string{"provider"},
		),
	}
	reg.MustRegister(c.prom.requestsTotal, c.prom.requestDuration, c.prom.cacheHitsTotal)
	return c
}

// RecordAttempt counts a provider call before it is made.
func (c *Collector) RecordAttempt(p provider.Identity) {
	c.mu.Lock()
	c.requests++
	c.usage[p]++
	c.mu.Unlock()
}

func (c *Collector) RecordSuccess(p provider.Identity, latency time.Duration) {
	c.mu.Lock()
	c.successes++
	c.avgLatency += (latency.Seconds() - c.avgLatency) / float64(c.successes)
	c.mu.Unlock()

	if c.prom != nil {
		c.prom.requestsTotal.WithLabelValues(string(p), "success").Inc()
		c.prom.requestDuration.WithLabelValues(string(p)).Observe(latency.Seconds())
	}
}

func (c *Collector) RecordError(p provider.Identity) {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()

	if c.prom != nil {
		c.prom.requestsTotal.WithLabelValues(string(p), "error").Inc()
	}
}

func (c *Collector) RecordCacheHit(p provider.Identity) {
	c.mu.Lock()
	c.cacheHits++
	c.mu.Unlock()

	if c.prom != nil {
		c.prom.cacheHitsTotal.WithLabelValues(string(p)).Inc()
	}
}

func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	usage := make(map[string]int64, len(provider.Known))
	for _, id := range provider.Known {
		usage[string(id)] = c.usage[id]
	}
	return Snapshot{
		RequestsCount:  c.requests,
		SuccessCount:   c.successes,
		ErrorCount:     c.errors,
		CacheHits:      c.cacheHits,
		ProviderUsage:  usage,
		AverageLatency: c.avgLatency,
	}
}
