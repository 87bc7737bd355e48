// Package server hosts the Fiber control surface of zero-fetch: request ID
// middleware, panic recovery, the Prometheus scrape endpoint, and the
// engine-facing interface that the /-/ routes are registered against.
// Routes themselves live in the routes subpackage so tests can mount them
// on a bare app with a fake engine.
package server
