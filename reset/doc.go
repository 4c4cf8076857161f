// Package reset implements the request, validate, and reset flow for
// forgotten passwords.
//
// Tokens are 32 random bytes, base64url encoded, and delivered only inside
// the emailed link. The store keeps hex(sha256(token)) under rst:tok:<hash>
// and a pointer to the user's active token under rst:user:<user>. Raw
// tokens are never persisted or logged.
//
// This package does not write credentials. ResetPassword returns the new
// hash and the caller commits it.
package reset
