// Package main is the entry point for the shell execution backend server.
//
// This application mediates between interactive assistant clients and a
// real shell: it spawns commands, streams their merged output, and
// manages a pool of reusable terminal slots.
//
// The server provides:
//   - REST API for running, continuing, and aborting commands
//   - WebSocket streaming for real-time command output
//   - Terminal slot pooling with background reclamation
//   - Prometheus metrics, rate limiting, and CORS
//
// Configuration:
//   - Environment variables (12-factor)
//   - CLI flags (override env vars)
//   - Defaults for development
//
// Usage:
//
//	./server -port 8090 -shell /bin/bash
//
// Signals:
//   - SIGINT, SIGTERM: Graceful shutdown
package main
