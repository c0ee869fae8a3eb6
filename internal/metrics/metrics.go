// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// IngestRows counts processed import rows by outcome (success, error, dropped).
	IngestRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "libraryapi_ingest_rows_total",
		Help: "Import rows processed, by outcome.",
	}, []string{"outcome"})

	IngestRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "libraryapi_ingest_runs_total",
		Help: "Import run state transitions, by status.",
	}, []string{"status"})

	Circulation = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "libraryapi_circulation_operations_total",
		Help: "Circulation operations, by operation and outcome.",
	}, []string{"op", "outcome"})

	Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "libraryapi_notifications_total",
		Help: "Notification deliveries, by outcome.",
	}, []string{"outcome"})

	EnrichedBooks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "libraryapi_enrich_books_total",
		Help: "Metadata enrichment attempts, by outcome.",
	}, []string{"outcome"})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
