package seed

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the seeding prometheus collectors.
type Metrics struct {
	tiles    *prometheus.CounterVec
	attempts *prometheus.CounterVec
	duration *prometheus.HistogramVec
	inflight prometheus.Gauge
}

// NewMetrics registers the collectors into reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		tiles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tileseed",
			Name:      "tiles_total",
			Help:      "Processed tiles by outcome.",
		}, []string{"tileset", "outcome"}),
		attempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tileseed",
			Name:      "attempts_total",
			Help:      "Tile attempts, retries included.",
		}, []string{"tileset"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tileseed",
			Name:      "tile_duration_seconds",
			Help:      "Time to process a tile, retries included.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"tileset"}),
		inflight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "tileseed",
			Name:      "inflight_tiles",
			Help:      "Tiles being processed by workers.",
		}),
	}
}
