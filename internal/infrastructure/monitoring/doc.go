/*
Package monitoring provides Prometheus metrics for the terminal server.

# Overview

Every Metrics value owns a private registry, so several servers (or tests)
can live in one process. Tracked:

  - HTTP requests by method, route template and status
  - Launches by script and outcome, with pull-inclusive latency
  - Container stops by trigger (request or idle)
  - Open terminal sockets by mode, frames and bytes relayed
  - Catalog size and reloads, uptime

# Usage

	metrics := monitoring.NewMetrics()
	router.Use(monitoring.Middleware(metrics))
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	done := metrics.SessionOpened("attach")
	defer done()
*/
package monitoring
