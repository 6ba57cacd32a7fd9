package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sweepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleawatch_sweeps_total",
			Help: "Scheduler sweeps by result",
		},
		[]string{"result"},
	)

	sweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleawatch_sweep_duration_seconds",
			Help:    "Wall time of one sweep",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
	)

	watchEvaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleawatch_watch_evaluations_total",
			Help: "Per-watch sweep outcomes",
		},
		[]string{"outcome"},
	)

	catalogSyncs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleawatch_catalog_syncs_total",
			Help: "Catalog imports by result",
		},
		[]string{"result"},
	)

	catalogItems = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleawatch_catalog_items",
			Help: "Items imported by the last successful catalog sync",
		},
	)
)
