// Package server provides HTTP routing, middleware and the sync API.
//
// # Router Infrastructure
//
// The [Router] interface defines HTTP routing with middleware support.
//
// [Middleware] wraps handlers in reverse order (last added executes first), following the standard Go pattern.
//
// The [BasicRouter] implementation uses [http.ServeMux] internally with method filtering.
//
// # Sync API
//
// [API] serves the engine:
//
//	GET  /health         liveness and the number of running syncs
//	GET  /status         classify without syncing
//	POST /sync           start a sync run (409 while the same entity and scope is running)
//	GET  /runs           run history, newest first
//	GET  /metrics        Prometheus metrics
//	POST /config/reload  re-read the config file
//
// A sync started without ?wait=true runs in the background on the server context and
// its report lands in the run history.
//
// # Run Guard
//
// [RunGuard] admits at most one run per entity and scope. The engine itself does not
// serialize runs.
package server
