// Package middleware adapts tenantauth.Engine to net/http.
//
// # Guards
//
//   - [RequireAuth] verifies the bearer access token, including the session
//     it is bound to, and stores the claims in the request context.
//   - [RequireTenant] rejects requests whose tenant header disagrees with
//     the token.
//   - [RequireRole] and [RequirePermission] gate handlers on claims.
//   - [RateLimit] charges every request to the api_call budget.
//   - [ClientInfo] copies the caller's address and user agent into the
//     context so sessions and audit events record them.
//
// # Architecture boundaries
//
// This package translates HTTP semantics into Engine calls. It does not
// parse tokens, touch the store, or decide anything the Engine can decide.
package middleware
