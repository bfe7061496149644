// Package metrics exposes inferencehub's Prometheus series. Collectors are
// package-level and registered once; recording helpers are no-ops until
// InitMetrics has run so library code never has to check.
package metrics

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "inferencehub"

// Outcome label values for generate requests.
const (
	OutcomeSuccess     = "success"
	OutcomeCacheHit    = "cache_hit"
	OutcomeNoBackend   = "no_backend"
	OutcomeBackendErr  = "backend_error"
	OutcomeTimeout     = "timeout"
	OutcomeModelAbsent = "model_not_found"
	OutcomeCanceled    = "canceled"
)

var (
	generateRequests *prometheus.CounterVec
	generateLatency  *prometheus.HistogramVec
	cacheLookups     *prometheus.CounterVec
	cacheEvicted     prometheus.Counter
	backendHealthy   *prometheus.GaugeVec
	backendLoad      *prometheus.GaugeVec
	finetuneJobs     *prometheus.CounterVec
	finetuneActive   prometheus.Gauge

	initOnce sync.Once
	initErr  error
)

// InitMetrics registers all collectors with registry. Safe to call more than
// once; only the first call's registry is used.
func InitMetrics(registry prometheus.Registerer) error {
	initOnce.Do(func() {
		generateRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generate_requests_total",
			Help:      "Generation requests by model and outcome",
		}, []string{"model", "outcome"})
		generateLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generate_latency_seconds",
			Help:      "End-to-end generation latency",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"model"})
		cacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Response cache lookups by result (exact, similar, miss, error)",
		}, []string{"result"})
		cacheEvicted = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evicted_total",
			Help:      "Expired response cache entries deleted",
		})
		backendHealthy = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backend_healthy",
			Help:      "1 when the backend passed its last health probe",
		}, []string{"backend"})
		backendLoad = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backend_load",
			Help:      "Active requests plus queue depth from the latest snapshot",
		}, []string{"backend"})
		finetuneJobs = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "finetune_jobs_total",
			Help:      "Fine-tuning jobs reaching a status",
		}, []string{"status"})
		finetuneActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "finetune_active_jobs",
			Help:      "Fine-tuning jobs currently holding the training slot",
		})

		for name, c := range map[string]prometheus.Collector{
			"generate_requests_total":  generateRequests,
			"generate_latency_seconds": generateLatency,
			"cache_lookups_total":      cacheLookups,
			"cache_evicted_total":      cacheEvicted,
			"backend_healthy":          backendHealthy,
			"backend_load":             backendLoad,
			"finetune_jobs_total":      finetuneJobs,
			"finetune_active_jobs":     finetuneActive,
		} {
			if err := registry.Register(c); err != nil {
				initErr = fmt.Errorf("register %s: %w", name, err)
				return
			}
		}
	})
	return initErr
}

func ObserveGenerate(model, outcome string, elapsed time.Duration) {
	if generateRequests == nil {
		return
	}
	generateRequests.WithLabelValues(model, outcome).Inc()
	generateLatency.WithLabelValues(model).Observe(elapsed.Seconds())
}

func CacheLookup(result string) {
	if cacheLookups == nil {
		return
	}
	cacheLookups.WithLabelValues(result).Inc()
}

func CacheEvicted(n int64) {
	if cacheEvicted == nil || n <= 0 {
		return
	}
	cacheEvicted.Add(float64(n))
}

func SetBackendHealthy(backend string, healthy bool) {
	if backendHealthy == nil {
		return
	}
	v := 0.0
	if healthy {
		v = 1
	}
	backendHealthy.WithLabelValues(backend).Set(v)
}

func SetBackendLoad(backend string, load int) {
	if backendLoad == nil {
		return
	}
	backendLoad.WithLabelValues(backend).Set(float64(load))
}

func FineTuneJob(status string) {
	if finetuneJobs == nil {
		return
	}
	finetuneJobs.WithLabelValues(status).Inc()
}

func SetFineTuneActive(n int) {
	if finetuneActive == nil {
		return
	}
	finetuneActive.Set(float64(n))
}
