// Package server hosts the Fiber admin service that exposes the resource
// tracker, cache store, and proxy engine over HTTP. All endpoints live under
// the /-/ prefix: health, cache listing and clearing, batch resolution, proxy
// route inspection, and Prometheus metrics. Dependencies are injected through
// AppOptions so tests can substitute fakes.
package server
