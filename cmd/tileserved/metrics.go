package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	versionGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tileserved",
		Name:      "version",
		Help:      "App version.",
	}, []string{"version"})

	tilesetsGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tileserved",
		Name:      "tileset",
		Help:      "Served tilesets.",
	}, []string{"tileset", "store", "mode"})
)
