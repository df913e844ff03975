// Package metrics holds the backend's Prometheus collectors.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// JobsTotal counts jobs reaching a terminal status, by kind and status.
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabula_jobs_total",
			Help: "Jobs that reached a terminal status",
		},
		[]string{"kind", "status"},
	)
	// JobsActive is the number of non-terminal jobs.
	JobsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tabula_jobs_active",
		Help: "Jobs currently queued, running or streaming",
	})
	// ChunksStreamed counts result chunks handed to a connection.
	ChunksStreamed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tabula_result_chunks_total",
		Help: "Result chunks emitted",
	})
	// RowsStreamed counts rows inside emitted chunks and exports.
	RowsStreamed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tabula_result_rows_total",
		Help: "Result rows emitted",
	})
	// DatasetLoads counts dataset loads by outcome (ready, failed, shared).
	DatasetLoads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabula_dataset_loads_total",
			Help: "Dataset load requests by outcome",
		},
		[]string{"outcome"},
	)
	// LoadDuration is the wall time of dataset ingestion.
	LoadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tabula_dataset_load_duration_seconds",
		Help:    "Dataset ingestion latency in seconds",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
	})
	// Connections is the number of open frontend connections.
	Connections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tabula_connections",
		Help: "Open frontend connections",
	})
	// Messages counts decoded and encoded protocol messages by direction and tag.
	Messages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabula_messages_total",
			Help: "Protocol messages by direction and tag",
		},
		[]string{"direction", "tag"},
	)
	// AnalysisCache counts analysis cache lookups by result (hit, miss).
	AnalysisCache = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabula_analysis_cache_total",
			Help: "Analysis report cache lookups",
		},
		[]string{"result"},
	)
)

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
