/*
Package monitoring provides performance monitoring and metrics collection.

# Overview

This package implements Prometheus-based metrics collection for the backend
service, tracking HTTP requests, terminal and process lifecycle, WebSocket
traffic, and system metrics.

# Features

- HTTP request metrics (latency, throughput, size)
- Terminal slot metrics (active, created, reaped)
- Process metrics (spawns, spawn failures, aborts, duration, output volume)
- WebSocket connection and message metrics
- System metrics (uptime)

# Usage

	// Create metrics collector
	metrics := monitoring.NewMetrics()

	// Add middleware to Gin router
	router.Use(monitoring.Middleware(metrics))

	// Record custom metrics
	metrics.RecordSpawn()
	metrics.SetTerminalsActive(5)

	// Time operations
	timer := monitoring.NewTimer(metrics)
	// ... run the command ...
	timer.Stop("completed")

# Metrics Endpoint

Expose metrics via the standard Prometheus endpoint:

	import "github.com/prometheus/client_golang/prometheus/promhttp"
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
*/
package monitoring
