// Package session keeps the per-user registry of login sessions.
//
// # Storage layout
//
// Records are JSON documents at sess:<id>; each user has an index of session
// ids at sessu:<user>. Both live in an internal/kv Store, so the registry
// runs unchanged on memory, Redis, SQLite or DynamoDB.
//
// # Lifecycle
//
// Sessions are created active with a fixed expiry. Invalidation marks a
// record inactive with a [Reason] and keeps it for the retention window so
// listings and [Statistics] can still report it. CleanupExpiredSessions
// purges records that ended before the window.
//
// # What this package must NOT do
//
//   - Interpret JWTs or make authorization decisions.
//   - Import the root tenantauth package.
package session
