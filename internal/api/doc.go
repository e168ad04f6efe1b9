// Package api provides the HTTP status API and WebSocket event stream for
// driverservice.
//
// The server follows the same lifecycle pattern as other infrastructure components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// # Routes
//
// All routes live under /api/v1:
//
//	GET  /health          200 while the driver is ready, 503 otherwise
//	GET  /service         current service snapshot
//	POST /service/stop    request a stop (202); operator role
//	GET  /runs            run history, ?limit=&offset=&name=
//	GET  /runs/{id}       a single run
//	POST /events/ticket   single-use ticket for the event stream
//	GET  /events          WebSocket lifecycle event stream
//
// # Security
//
// When security.jwt.secret is set, every route except /health and /events
// requires a bearer token minted by "driverservice token". The event stream
// authenticates with a ticket so the token never appears in a URL. With no
// secret configured the API is open and callers act as operators.
package api
