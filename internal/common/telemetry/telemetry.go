// Package telemetry keeps process-wide pipeline counters. They are published
// both as expvar variables and on a Prometheus registry served by Handler.
package telemetry

import (
	"context"
	"expvar"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fhnw-medical-informatics/patient-journey-public/internal/common"
)

type spanKey struct{}

type span struct {
	name  string
	start time.Time
}

var (
	initOnce sync.Once

	embedBatchesTotal  *expvar.Int
	embedDocsTotal     *expvar.Int
	embedFailuresTotal *expvar.Int
	embedLatencyMS     *expvar.Int

	vectorSearchTotal     *expvar.Int
	vectorSearchLatencyMS *expvar.Int

	sqlQueryTotal  *expvar.Int
	sqlQueryErrors *expvar.Int

	stageLatencyMS *expvar.Map

	registry      *prometheus.Registry
	embedDocs     prometheus.Counter
	embedBatches  *prometheus.CounterVec
	embedSeconds  prometheus.Histogram
	searchSeconds prometheus.Histogram
	sqlQueries    *prometheus.CounterVec
	stageSeconds  *prometheus.HistogramVec
)

func ensureInit() {
	initOnce.Do(func() {
		embedBatchesTotal = expvar.NewInt("pj_embed_batches_total")
		embedDocsTotal = expvar.NewInt("pj_embed_docs_total")
		embedFailuresTotal = expvar.NewInt("pj_embed_failures_total")
		embedLatencyMS = expvar.NewInt("pj_embed_latency_ms")

		vectorSearchTotal = expvar.NewInt("pj_vector_search_total")
		vectorSearchLatencyMS = expvar.NewInt("pj_vector_search_latency_ms")

		sqlQueryTotal = expvar.NewInt("pj_sql_query_total")
		sqlQueryErrors = expvar.NewInt("pj_sql_query_errors_total")

		stageLatencyMS = expvar.NewMap("pj_stage_latency_ms")

		registry = prometheus.NewRegistry()
		embedDocs = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pj_embedded_documents_total",
			Help: "Journey documents embedded and stored.",
		})
		embedBatches = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pj_embed_batches_total",
			Help: "Embedding batches by outcome.",
		}, []string{"outcome"})
		embedSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pj_embed_batch_seconds",
			Help:    "Latency of successful embedding batches.",
			Buckets: prometheus.DefBuckets,
		})
		searchSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pj_vector_search_seconds",
			Help:    "Latency of similarity searches including query embedding.",
			Buckets: prometheus.DefBuckets,
		})
		sqlQueries = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pj_sql_queries_total",
			Help: "Queries run against the relational store by outcome.",
		}, []string{"outcome"})
		stageSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pj_stage_seconds",
			Help:    "Duration of pipeline stages.",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 60, 300},
		}, []string{"stage"})
		registry.MustRegister(embedDocs, embedBatches, embedSeconds, searchSeconds, sqlQueries, stageSeconds)
	})
}

// StartSpan marks the beginning of a pipeline stage. The returned function
// logs the duration and records it under the stage name.
func StartSpan(ctx context.Context, name string) (context.Context, func(attrs ...any)) {
	ensureInit()
	sp := &span{name: name, start: time.Now()}
	ctx = context.WithValue(ctx, spanKey{}, sp)
	logger := common.Logger()
	logger.Debug("trace: start", "span", name)
	return ctx, func(attrs ...any) {
		duration := time.Since(sp.start)
		stageLatencyMS.Add(strings.ToLower(name), duration.Milliseconds())
		stageSeconds.WithLabelValues(strings.ToLower(name)).Observe(duration.Seconds())
		logger.Debug("trace: end", append([]any{"span", name, "dur", duration}, attrs...)...)
	}
}

// SpanDuration reports how long the innermost span on ctx has been running.
func SpanDuration(ctx context.Context) time.Duration {
	sp, _ := ctx.Value(spanKey{}).(*span)
	if sp == nil {
		return 0
	}
	return time.Since(sp.start)
}

func RecordEmbedBatch(docs int, duration time.Duration, err error) {
	ensureInit()
	if err != nil {
		embedFailuresTotal.Add(1)
		embedBatches.WithLabelValues("failed").Inc()
		return
	}
	embedBatchesTotal.Add(1)
	embedDocsTotal.Add(int64(docs))
	embedBatches.WithLabelValues("ok").Inc()
	embedDocs.Add(float64(docs))
	if duration > 0 {
		embedLatencyMS.Add(duration.Milliseconds())
		embedSeconds.Observe(duration.Seconds())
	}
}

func RecordVectorSearch(duration time.Duration) {
	ensureInit()
	vectorSearchTotal.Add(1)
	if duration > 0 {
		vectorSearchLatencyMS.Add(duration.Milliseconds())
	}
	searchSeconds.Observe(duration.Seconds())
}

func RecordSQLQuery(failed bool) {
	ensureInit()
	sqlQueryTotal.Add(1)
	outcome := "ok"
	if failed {
		sqlQueryErrors.Add(1)
		outcome = "failed"
	}
	sqlQueries.WithLabelValues(outcome).Inc()
}

// Snapshot returns the current counter values keyed by their expvar names.
func Snapshot() map[string]int64 {
	ensureInit()
	return map[string]int64{
		"pj_embed_batches_total":    embedBatchesTotal.Value(),
		"pj_embed_docs_total":       embedDocsTotal.Value(),
		"pj_embed_failures_total":   embedFailuresTotal.Value(),
		"pj_vector_search_total":    vectorSearchTotal.Value(),
		"pj_sql_query_total":        sqlQueryTotal.Value(),
		"pj_sql_query_errors_total": sqlQueryErrors.Value(),
	}
}

// Handler serves the Prometheus registry in the text exposition format.
func Handler() http.Handler {
	ensureInit()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
