// Package jwt issues and verifies tenant-scoped access and refresh tokens.
//
// Access tokens carry sub, tenant_id, email, roles, permissions and an
// optional sid binding them to a session. Refresh tokens carry only the
// subject and tenant; identity claims are re-resolved when a refresh mints a
// new access token.
//
// Verification pins the algorithm, issuer and audience, requires exp, and
// reports expiry separately from every other failure.
package jwt
