package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/gftdcojp/floodgate/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Write path
	EventsWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fg_events_written_total",
		Help: "Total events appended as loose objects",
	})

	WriteErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fg_write_errors_total",
		Help: "Total event writes rejected by the object store",
	})

	OverlaysWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fg_overlays_written_total",
		Help: "Total overlay records written",
	}, []string{"kind"})

	// Collation
	JournalsCollated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fg_journals_collated_total",
		Help: "Total journals produced by collation",
	})

	EventsFolded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fg_events_folded_total",
		Help: "Total loose events folded into journals",
	})

	CollationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fg_collation_duration_seconds",
		Help:    "Time to complete one collation run",
		Buckets: prometheus.DefBuckets,
	})

	CollationNothingToDo = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fg_collation_nothing_to_do_total",
		Help: "Collation runs that found fewer loose events than the minimum batch",
	})

	// Read path
	EventsReplayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fg_events_replayed_total",
		Help: "Total events emitted by replay, by source",
	}, []string{"source"})

	ReplayOpenDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fg_replay_open_duration_seconds",
		Help:    "Time to plan a replay (key index query, index fetches, overlay resolution)",
		Buckets: prometheus.DefBuckets,
	})

	IndexCacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fg_index_cache_requests_total",
		Help: "Journal index cache lookups, by outcome",
	}, []string{"outcome"})
)

// RunServer starts the Prometheus metrics HTTP server.
func RunServer(ctx context.Context, cfg config.MetricsConfig) error {
	mux := http.NewServeMux()
	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}
	mux.Handle(path, promhttp.Handler())

	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
