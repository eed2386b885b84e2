// Package server composes the HTTP surface of the service: the request
// pipeline (error rendering, telemetry, CORS, admission gate, rate limit),
// the WebSocket session endpoint, health and documentation routes, the
// sample events API and the optional static asset mount.
//
// Middleware runs outermost first:
//
//	Recover -> telemetry -> CORS -> gate -> rate limit -> routes
//
// Recover sits outside telemetry so that a panic is logged and timed by
// telemetry before it is rendered as a 500 envelope.
package server
