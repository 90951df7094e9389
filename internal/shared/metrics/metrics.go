package metrics

import (
	"strconv"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once       sync.Once
	collectors []prometheus.Collector
)

var (
	analysisStartedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "analysis_started_total",
		Help: "Total analyses started.",
	})
	analysisCompletedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "analysis_completed_total",
		Help: "Total analyses completed.",
	})
	analysisFailedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "analysis_failed_total",
		Help: "Total analyses failed, by error code.",
	}, []string{"code"})
	analysisDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "analysis_duration_ms",
		Help:    "Analysis duration in milliseconds.",
		Buckets: []float64{100, 250, 500, 1000, 2000, 5000, 10000, 30000, 60000, 120000, 300000},
	})
	chunksAnalyzedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "analysis_chunks_analyzed_total",
		Help: "Total document chunks analyzed.",
	})

	llmCallLatencyMs = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "llm_call_latency_ms",
		Help:    "LLM call latency distribution in milliseconds.",
		Buckets: []float64{250, 500, 1000, 2000, 5000, 10000, 20000, 40000, 80000, 120000},
	}, []string{"provider", "success"})
	llmRetriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "llm_retries_total",
		Help: "LLM call retries after a transient failure.",
	}, []string{"provider"})

	jobsReceivedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "analysis_jobs_received_total",
		Help: "Queue messages received by the worker.",
	})
	jobsCompletedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "analysis_jobs_completed_total",
		Help: "Queue messages processed and deleted.",
	})
	jobsFailedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "analysis_jobs_failed_total",
		Help: "Queue messages whose processing failed.",
	})
	jobsDeletedUnrecoverable = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "analysis_jobs_deleted_unrecoverable_total",
		Help: "Queue messages deleted because they could never be processed.",
	})

	cacheRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cache_requests_total",
		Help: "Job cache lookups by result.",
	}, []string{"result"})
)

func init() {
	register(
		analysisStartedTotal,
		analysisCompletedTotal,
		analysisFailedTotal,
		analysisDuration,
		chunksAnalyzedTotal,
		llmCallLatencyMs,
		llmRetriesTotal,
		jobsReceivedTotal,
		jobsCompletedTotal,
		jobsFailedTotal,
		jobsDeletedUnrecoverable,
		cacheRequestsTotal,
	)
}

func register(cs ...prometheus.Collector) {
	collectors = append(collectors, cs...)
}

// MustRegister registers all collectors with the default registry exactly once.
func MustRegister() {
	once.Do(func() {
		prometheus.MustRegister(collectors...)
	})
}

// IncAnalysisStarted increments the started counter.
func IncAnalysisStarted() {
	analysisStartedTotal.Inc()
}

// IncAnalysisCompleted increments the completed counter.
func IncAnalysisCompleted() {
	analysisCompletedTotal.Inc()
}

// IncAnalysisFailed increments the failed counter for an error code.
func IncAnalysisFailed(code string) {
	analysisFailedTotal.WithLabelValues(norm(code)).Inc()
}

// ObserveAnalysisDurationMs records an analysis duration in milliseconds.
func ObserveAnalysisDurationMs(value float64) {
	if value < 0 {
		value = 0
	}
	analysisDuration.Observe(value)
}

// IncChunksAnalyzed counts one analyzed chunk.
func IncChunksAnalyzed() {
	chunksAnalyzedTotal.Inc()
}

// ObserveLLMCall records one LLM attempt.
func ObserveLLMCall(provider string, success bool, latencyMs float64) {
	llmCallLatencyMs.WithLabelValues(norm(provider), strconv.FormatBool(success)).Observe(latencyMs)
}

// IncLLMRetry counts one retried LLM call.
func IncLLMRetry(provider string) {
	llmRetriesTotal.WithLabelValues(norm(provider)).Inc()
}

func IncAnalysisJobsReceived() { jobsReceivedTotal.Inc() }
func IncAnalysisJobsCompleted() { jobsCompletedTotal.Inc() }
func IncAnalysisJobsFailed() { jobsFailedTotal.Inc() }
func IncAnalysisJobsDeletedUnrecoverable() { jobsDeletedUnrecoverable.Inc() }

// IncCacheRequest counts a cache lookup; result is hit, miss or error.
func IncCacheRequest(result string) {
	cacheRequestsTotal.WithLabelValues(norm(result)).Inc()
}

// Handler exposes metrics in Prometheus text format.
func Handler() gin.HandlerFunc {
	MustRegister()
	return gin.WrapH(promhttp.Handler())
}

func norm(s string) string {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return "unknown"
	}
	return s
}
