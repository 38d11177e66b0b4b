// Package server provides the inspector HTTP server.
//
// The inspector exposes the coordinator's state over HTTP while the
// coordinator keeps running on its own loop. Every handler that touches
// pages, processes or the retired page cache hops onto the loop through a
// Caller and copies what it needs; nothing outside the loop holds a
// reference to coordinator state.
//
// Endpoints:
//   - Health: / and /health
//   - Pages: /pages, /pages/:id, /pages/:id/navigate
//   - Processes and cache: /processes, /cache
//   - Snapshots: /pages/:id/snapshots, /snapshots, /snapshots/:id/restore
//   - Metrics: /metrics (Prometheus), /metrics/json
//   - Events: /events (WebSocket stream of embedder notifications)
//
// Example Usage:
//
//	srv := server.New(server.Options{Env: env, Loop: lp, Events: events, ...})
//	if err := srv.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
package server
