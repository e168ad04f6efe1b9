// Package auth mints and validates the bearer tokens that guard the
// driverservice control API.
//
// Tokens are HS256 JWTs carrying a subject and one of two roles:
//   - viewer: read service state, run history and the event stream
//   - operator: everything a viewer may do, plus request a stop
//
// Validation is signature and expiry only. There is no token store, so
// revocation means rotating the secret.
package auth
