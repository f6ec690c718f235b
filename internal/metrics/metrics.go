package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ProxyOutcome classifies how a proxied request was served.
type ProxyOutcome string

const (
	// ProxyOutcomeHit indicates the response came from the cache.
	ProxyOutcomeHit ProxyOutcome = "hit"
	// ProxyOutcomeMiss indicates the request performed the upstream fetch.
	ProxyOutcomeMiss ProxyOutcome = "miss"
	// ProxyOutcomeError indicates the request ended with a proxy-generated error.
	ProxyOutcomeError ProxyOutcome = "error"
)

// CacheOperation identifies the cache method being instrumented.
type CacheOperation string

const (
	// CacheOperationLookup records response cache lookups.
	CacheOperationLookup CacheOperation = "lookup"
	// CacheOperationStore records response cache store attempts.
	CacheOperationStore CacheOperation = "store"
)

// CacheLookupOutcome captures the result of a cache lookup.
type CacheLookupOutcome string

const (
	CacheLookupHit   CacheLookupOutcome = "hit"
	CacheLookupMiss  CacheLookupOutcome = "miss"
	CacheLookupError CacheLookupOutcome = "error"
)

// CacheStoreOutcome captures the result of a cache store attempt.
type CacheStoreOutcome string

const (
	// CacheStoreStored indicates the response entry was persisted.
	CacheStoreStored CacheStoreOutcome = "stored"
	// CacheStoreSkipped indicates the response was not cacheable.
	CacheStoreSkipped CacheStoreOutcome = "skipped"
	// CacheStoreError indicates the backend rejected the write.
	CacheStoreError CacheStoreOutcome = "error"
)

// WaitOutcome describes how a coalesced waiter finished.
type WaitOutcome string

const (
	// WaitReleased indicates the fetcher finished before the waiter timed out.
	WaitReleased WaitOutcome = "released"
	// WaitTimeout indicates the waiter gave up on the fetcher.
	WaitTimeout WaitOutcome = "timeout"
)

// ResolverOutcome describes where a resolver answer came from.
type ResolverOutcome string

const (
	ResolverCached   ResolverOutcome = "cached"
	ResolverOverride ResolverOutcome = "override"
	ResolverQueried  ResolverOutcome = "queried"
	ResolverError    ResolverOutcome = "error"
)

// Recorder publishes Prometheus metrics for proxy activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	proxyRequests *prometheus.CounterVec
	proxyLatency  *prometheus.HistogramVec

	cacheOperations *prometheus.CounterVec
	cacheLatency    *prometheus.HistogramVec
	coalescedWaits  *prometheus.CounterVec
	savedBytes      prometheus.Counter

	resolverLookups *prometheus.CounterVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so multiple recorders can coexist without conflicting with
// the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	proxyRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kmproxy",
		Subsystem: "proxy",
		Name:      "requests_total",
		Help:      "Total proxied requests by outcome and status code.",
	}, []string{"outcome", "status_code"})

	proxyLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "kmproxy",
		Subsystem: "proxy",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for proxied requests.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"outcome"})

	cacheOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kmproxy",
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Response cache operations executed by the engine.",
	}, []string{"operation", "result"})

	cacheLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "kmproxy",
		Subsystem: "cache",
		Name:      "operation_duration_seconds",
		Help:      "Latency distribution for response cache operations.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
	}, []string{"operation", "result"})

	coalescedWaits := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kmproxy",
		Subsystem: "cache",
		Name:      "coalesced_waits_total",
		Help:      "Requests that waited on an in-flight fetch for the same key.",
	}, []string{"result"})

	savedBytes := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kmproxy",
		Subsystem: "cache",
		Name:      "saved_bytes_total",
		Help:      "Response bytes served from cache instead of upstream.",
	})

	resolverLookups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kmproxy",
		Subsystem: "resolver",
		Name:      "lookups_total",
		Help:      "Upstream address lookups by source.",
	}, []string{"result"})

	reg.MustRegister(proxyRequests, proxyLatency, cacheOperations, cacheLatency, coalescedWaits, savedBytes, resolverLookups)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:        reg,
		handler:         handler,
		proxyRequests:   proxyRequests,
		proxyLatency:    proxyLatency,
		cacheOperations: cacheOperations,
		cacheLatency:    cacheLatency,
		coalescedWaits:  coalescedWaits,
		savedBytes:      savedBytes,
		resolverLookups: resolverLookups,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveProxy records the outcome and latency for a completed proxied request.
func (r *Recorder) ObserveProxy(outcome ProxyOutcome, statusCode int, duration time.Duration) {
	if r == nil {
		return
	}
	outcomeLabel := normalizeLabel(string(outcome))
	statusLabel := strconv.Itoa(statusCode)
	if statusCode <= 0 {
		statusLabel = "unknown"
	}
	r.proxyRequests.WithLabelValues(outcomeLabel, statusLabel).Inc()
	r.proxyLatency.WithLabelValues(outcomeLabel).Observe(duration.Seconds())
}

// ObserveCacheLookup records the result of a cache lookup.
func (r *Recorder) ObserveCacheLookup(result CacheLookupOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(CacheLookupMiss)
	}
	r.observeCache(CacheOperationLookup, resultLabel, duration)
}

// ObserveCacheStore records the result of a cache store attempt.
func (r *Recorder) ObserveCacheStore(result CacheStoreOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(CacheStoreError)
	}
	r.observeCache(CacheOperationStore, resultLabel, duration)
}

// ObserveCoalescedWait counts a waiter that blocked behind another fetch.
func (r *Recorder) ObserveCoalescedWait(result WaitOutcome) {
	if r == nil {
		return
	}
	r.coalescedWaits.WithLabelValues(normalizeLabel(string(result))).Inc()
}

// AddSavedBytes accumulates the body size of a cache hit.
func (r *Recorder) AddSavedBytes(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.savedBytes.Add(float64(n))
}

// ObserveResolverLookup counts an upstream address lookup.
func (r *Recorder) ObserveResolverLookup(result ResolverOutcome) {
	if r == nil {
		return
	}
	r.resolverLookups.WithLabelValues(normalizeLabel(string(result))).Inc()
}

func (r *Recorder) observeCache(operation CacheOperation, result string, duration time.Duration) {
	opLabel := string(operation)
	if opLabel == "" {
		opLabel = string(CacheOperationLookup)
	}
	resLabel := normalizeLabel(result)
	r.cacheOperations.WithLabelValues(opLabel, resLabel).Inc()
	r.cacheLatency.WithLabelValues(opLabel, resLabel).Observe(duration.Seconds())
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
