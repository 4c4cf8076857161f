// Package permission maps roles to permission names through fixed-width
// bitmasks.
//
// A [Registry] assigns each permission a bit; a [RoleManager] stores one
// [Mask] per role. Both are built once at startup and frozen. The engine uses
// Resolve to fill the permissions claim of access tokens, and middleware uses
// Allows for route guards.
package permission
