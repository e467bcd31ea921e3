// Package api implements the HTTP REST API and WebSocket server.
//
// This package provides:
//   - REST endpoints to list devices and read or write datapoints by name
//   - A WebSocket hub pushing datapoint.changed and device.status events
//   - Optional JWT bearer authentication with ticket-based WebSocket auth
//   - Middleware stack (request ID, logging, recovery, CORS, body limit)
//   - TLS support
//
// # Writes
//
// PUT /api/v1/devices/{id}/datapoints/{name} blocks until the device
// acknowledges the write or the session gives up. Failures map to HTTP
// statuses: unknown names are 404, bad values 400, timeouts 504 and a lost
// link 503.
//
// # Security
//
// When security.jwt.secret is empty every route is open. Otherwise all
// routes except /health require "Authorization: Bearer <token>" with an
// HS256 token signed by the secret, and WebSocket clients connect with a
// single-use ticket from POST /api/v1/auth/ws-ticket.
package api
