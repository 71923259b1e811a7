package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/finsight/tierstore/internal/config"
	"github.com/finsight/tierstore/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Operation metrics
	OperationTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ts_operations_total",
		Help: "Storage operations by layer, class, keyspace and status",
	}, []string{"layer", "class", "keyspace", "operation", "status"})

	OperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ts_operation_duration_seconds",
		Help:    "Storage operation latency",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"layer", "class", "operation"})

	CacheResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ts_cache_results_total",
		Help: "Read results by keyspace (hit or miss)",
	}, []string{"layer", "class", "keyspace", "result"})

	// Router metrics
	PromotionOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ts_promotion_ops_total",
		Help: "Number of record promotions between classes",
	}, []string{"from_class", "to_class"})

	DemotionOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ts_demotion_ops_total",
		Help: "Number of record demotions between classes",
	}, []string{"from_class", "to_class"})

	FallbackOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ts_fallback_ops_total",
		Help: "Writes and deletes redirected to the fallback class",
	}, []string{"operation", "from_class", "to_class"})

	// Archive metrics
	ArchivedBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ts_archived_bytes_total",
		Help: "Bytes moved to the archive tier, before and after compression",
	}, []string{"kind"})

	// Per-adapter gauges, refreshed from adapter stats snapshots.
	StorageUsed = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ts_storage_used",
		Help: "Adapter-defined usage figure (entries or rows)",
	}, []string{"layer", "class"})
)

// PromCollector implements storage.Collector on the package-level
// prometheus vars. Safe for concurrent use; one instance is shared by
// every adapter.
type PromCollector struct{}

func (PromCollector) RecordOperation(op string, tags storage.Tags, d time.Duration, success bool, hit storage.Hit) {
	status := "success"
	if !success {
		status = "error"
	}
	OperationTotal.WithLabelValues(tags.Layer, string(tags.Class), tags.Keyspace, op, status).Inc()
	OperationDuration.WithLabelValues(tags.Layer, string(tags.Class), op).Observe(d.Seconds())

	switch hit {
	case storage.HitYes:
		CacheResults.WithLabelValues(tags.Layer, string(tags.Class), tags.Keyspace, "hit").Inc()
	case storage.HitNo:
		CacheResults.WithLabelValues(tags.Layer, string(tags.Class), tags.Keyspace, "miss").Inc()
	}
}

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
