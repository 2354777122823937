package sync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "cellsync"
	subsystem = "sync"
)

var (
	sessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "sessions_total",
		Help:      "Sync sessions by role and final state.",
	}, []string{"role", "state"})

	sessionSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "session_seconds",
		Help:      "Duration of sync sessions.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 4, 10),
	}, []string{"role"})

	roundTripsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "round_trips_total",
		Help:      "Protocol round-trips issued, by request type.",
	}, []string{"type"})

	roundTripSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "round_trip_seconds",
		Help:      "Latency of protocol round-trips.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
	})

	recordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "records_total",
		Help:      "Records moved by sync sessions, by direction.",
	}, []string{"direction"})

	conflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "conflicts_total",
		Help:      "Keys found holding different content on two replicas.",
	})

	localWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "local_writes_total",
		Help:      "Local writes, by whether they were indexed directly or queued behind a session.",
	}, []string{"path"})

	checkpointsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "checkpoints_total",
		Help:      "Merkle checkpoints written, by result.",
	}, []string{"result"})

	indexLoadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "index_loads_total",
		Help:      "Index loads by source: cache, snapshot, or full rebuild.",
	}, []string{"source"})
)
