package main

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	instanceCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "blockworld_instances",
			Help: "Number of live game instances.",
		},
	)
	instancesCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "blockworld_instances_created_total",
			Help: "Total number of instances created.",
		},
	)
	instancesDestroyedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "blockworld_instances_destroyed_total",
			Help: "Total number of instances destroyed.",
		},
	)
	ticksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "blockworld_ticks_total",
			Help: "Total instance ticks executed.",
		},
	)
	tickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "blockworld_tick_duration_seconds",
			Help:    "Observed duration of one instance tick.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12),
		},
	)
	tickOverrunsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "blockworld_tick_overruns_total",
			Help: "Ticks that exceeded the tick period.",
		},
	)
	joinsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "blockworld_joins_total",
			Help: "Successful player admissions.",
		},
	)
	leavesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "blockworld_leaves_total",
			Help: "Player removals of any cause.",
		},
	)
	scriptFaultsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "blockworld_script_faults_total",
			Help: "Script callback faults contained by the host.",
		},
	)
	engineFatalsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "blockworld_engine_fatals_total",
			Help: "Engine-core failures that finished an instance.",
		},
	)
	observationCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "blockworld_observation_cache_hits_total",
			Help: "Observation requests served from the per-tick cache.",
		},
	)
	observationCacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "blockworld_observation_cache_misses_total",
			Help: "Observation requests that built a fresh view.",
		},
	)
	datastoreFlushesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "blockworld_datastore_flushes_total",
			Help: "Datastore write batches flushed to the external store.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		instanceCount,
		instancesCreatedTotal,
		instancesDestroyedTotal,
		ticksTotal,
		tickDuration,
		tickOverrunsTotal,
		joinsTotal,
		leavesTotal,
		scriptFaultsTotal,
		engineFatalsTotal,
		observationCacheHits,
		observationCacheMisses,
		datastoreFlushesTotal,
	)
}
