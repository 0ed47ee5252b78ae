// Package metrics holds the Prometheus collectors shared by the cache layer.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "stylesync"

var (
	// Downloads counts completed file downloads by kind (catalog, generated, thumbnail).
	Downloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "downloads_total",
		Help:      "Files downloaded into the local cache.",
	}, []string{"kind"})

	// CacheHits counts resolves served from an existing local file.
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_hits_total",
		Help:      "Resolves answered from the local cache without network access.",
	})

	// DroppedItems counts items excluded from a result set.
	DroppedItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dropped_items_total",
		Help:      "Items dropped after a resolution or download failure.",
	}, []string{"component", "reason"})

	// SyncPasses counts catalog and history sync passes by outcome.
	SyncPasses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sync_passes_total",
		Help:      "Sync passes by strategy and result.",
	}, []string{"strategy", "result"})

	SyncDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "sync_duration_seconds",
		Help:      "Wall time of sync passes.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"strategy"})
)

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
