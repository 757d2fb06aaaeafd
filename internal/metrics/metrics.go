// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RemoteCalls counts calls to remote mail backends by backend, operation and outcome.
	RemoteCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mailhub",
		Name:      "remote_calls_total",
		Help:      "Calls made to remote mail backends.",
	}, []string{"backend", "op", "result"})

	// CacheReads counts cached page reads by outcome (hit, miss, error).
	CacheReads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mailhub",
		Name:      "cache_reads_total",
		Help:      "Cached page reads by outcome.",
	}, []string{"result"})

	// CacheUpserts counts rows inserted into the message cache.
	CacheUpserts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mailhub",
		Name:      "cache_inserted_rows_total",
		Help:      "Messages inserted into the cache.",
	})

	// SearchPassFailures counts search passes dropped because they failed.
	SearchPassFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mailhub",
		Name:      "search_pass_failures_total",
		Help:      "Search passes that failed and were dropped from the merge.",
	}, []string{"pass"})

	// EmbeddingsIndexed counts message embeddings computed by the indexer.
	EmbeddingsIndexed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mailhub",
		Name:      "embeddings_indexed_total",
		Help:      "Message embeddings computed in the background.",
	})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Result maps an error to the result label.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
