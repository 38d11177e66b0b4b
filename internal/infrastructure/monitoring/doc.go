/*
Package monitoring provides Prometheus metrics for the coordinator.

# Overview

Metrics cover the navigation lifecycle (dispositions, policy decisions,
protocol violations), process swaps and candidate pages, the retired page
cache, content process launches and terminations, crash recovery, and the
inspector's HTTP and event stream traffic.

A nil *Metrics is accepted everywhere and records nothing, so components can
be constructed in tests without a registry.

# Usage

	reg := prometheus.NewRegistry()
	metrics := monitoring.NewMetrics(reg)

	// Add middleware to Gin router
	router.Use(monitoring.Middleware(metrics))

	// Record domain events
	metrics.RecordProcessSwap("cross_site")
	metrics.SetRetiredCacheSize(3)

	// Time background operations
	timer := monitoring.NewTimer(metrics, "session", "save")
	// ... perform operation ...
	timer.Stop("success")

# Metrics Endpoint

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
*/
package monitoring
