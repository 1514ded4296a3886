package compiler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricCacheHit = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "assetql_filter_cache_hit",
			Help: "Number of compiled filters served from the cache.",
		})

	metricCacheMiss = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "assetql_filter_cache_miss",
			Help: "Number of filters compiled and inserted into the cache.",
		})

	metricCacheBypass = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assetql_filter_cache_bypass",
			Help: "Number of filters compiled without consulting the cache.",
		},
		[]string{"reason"},
	)

	metricCompileErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "assetql_filter_compile_errors",
			Help: "Number of filters that failed to compile.",
		})

	metricCompileSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "assetql_filter_compile_seconds",
			Help:    "Time spent compiling a filter.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		})
)
