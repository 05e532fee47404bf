package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "vaultwatch"

// CyclesTotal counts sync and catch-up cycles by kind (initial, catchup) and result (ok, failed, idle).
var CyclesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "monitor",
		Name:      "cycles_total",
		Help:      "Number of sync cycles by kind and result",
	},
	[]string{"kind", "result"},
)

// CycleDuration observes how long a processed cycle took, in seconds.
var CycleDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "monitor",
		Name:      "cycle_duration_seconds",
		Help:      "Duration of processed sync cycles",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
	},
	[]string{"kind"},
)

// PositionsClassified counts positions classified, labelled by resulting zone.
var PositionsClassified = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "monitor",
		Name:      "positions_classified_total",
		Help:      "Positions classified by resulting zone",
	},
	[]string{"zone"},
)

// PositionsSkipped counts positions skipped in a cycle, labelled by error kind.
var PositionsSkipped = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "monitor",
		Name:      "positions_skipped_total",
		Help:      "Positions skipped because of per-position errors",
	},
	[]string{"reason"},
)

// ZoneSize tracks the number of positions currently in each zone.
var ZoneSize = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "zones",
		Name:      "positions",
		Help:      "Positions currently assigned to each zone",
	},
	[]string{"zone"},
)

// Watermark is the unix timestamp of the last processed indexer cycle.
var Watermark = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "monitor",
		Name:      "watermark_timestamp_seconds",
		Help:      "Indexer cycle marker of the last processed cycle",
	},
)

// CacheFetches counts outbound reference-data fetches by kind (reference, params).
var CacheFetches = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "refcache",
		Name:      "fetches_total",
		Help:      "Outbound reference data fetches caused by cache misses",
	},
	[]string{"kind"},
)

// CacheEntries tracks how many reference-data entries are cached, by kind.
var CacheEntries = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "refcache",
		Name:      "entries",
		Help:      "Reference data entries currently cached",
	},
	[]string{"kind"},
)

// SourceRequests counts indexer requests by operation and result.
var SourceRequests = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "indexer",
		Name:      "requests_total",
		Help:      "GraphQL requests sent to the indexer",
	},
	[]string{"result"},
)

// EventsDropped counts lifecycle events a slow subscriber missed.
var EventsDropped = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "lifecycle",
		Name:      "events_dropped_total",
		Help:      "Lifecycle events not delivered because a subscriber buffer was full",
	},
)
